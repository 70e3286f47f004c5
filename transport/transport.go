// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the agentrpc.Transport
// interface.
//
// Each transport sends on behalf of a single local address, and delivers
// inbound messages to an agentrpc.Receiver set with its Bind method. The
// payloads are opaque to the transport.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
)

// ErrUnknownAddress is reported by Send for a destination the transport
// cannot reach.
var ErrUnknownAddress = errors.New("unknown address")

// ErrNotBound is reported when a message arrives before a receiver is bound.
var ErrNotBound = errors.New("no receiver bound")

// An Envelope carries one payload between agents on transports that do not
// have their own framing for the sender and tag.
type Envelope struct {
	From    wire.Address `json:"from"`
	To      wire.Address `json:"to,omitempty"`
	Tag     string       `json:"tag,omitempty"`
	Payload []byte       `json:"payload"`
}

// Encode encodes e as JSON.
func (e Envelope) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("encoding envelope: %v", err)) // should not be possible
	}
	return data
}

// Decode decodes e from its JSON encoding.
func (e *Envelope) Decode(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	} else if e.From == "" {
		return errors.New("invalid envelope: missing sender")
	}
	return nil
}

// binding holds the receiver for a transport.
type binding struct {
	μ    sync.Mutex
	recv agentrpc.Receiver
}

func (b *binding) set(r agentrpc.Receiver) {
	b.μ.Lock()
	defer b.μ.Unlock()
	b.recv = r
}

func (b *binding) get() (agentrpc.Receiver, error) {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.recv == nil {
		return nil, ErrNotBound
	}
	return b.recv, nil
}
