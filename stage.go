// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package agentrpc

import (
	"context"
	"fmt"
	"slices"

	"github.com/creachadair/agentrpc/wire"
)

// Direction indicates which way a message is traveling through a pipeline.
type Direction int

const (
	Inbound  Direction = iota // from the transport toward the terminal stage
	Outbound                  // from the terminal stage or caller toward the transport
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// A Stage is an interceptor in a pipeline. Inbound messages visit the stages
// of a pipeline in order, then the terminal stage; outbound messages visit
// them in reverse order, then the transport.
//
// Each method receives the Meta produced by the previous stage and returns
// the Meta to pass to the next. A stage may return its argument unchanged,
// modify it, or return a different Meta. If the result is nil or has its Stop
// flag set, traversal ends at that stage, and inbound messages are reported
// complete to the stages before it.
//
// To hold a message and continue its traversal later, a stage calls
// [Meta.Defer] on the Meta it received, keeps the handle Defer returns, and
// returns the original. The pipeline does not touch a deferred message again
// until the stage calls Resume on the handle.
//
// The methods of a Stage must be safe for concurrent use.
type Stage interface {
	Inbound(context.Context, *Meta) *Meta
	Outbound(context.Context, *Meta) *Meta
}

// A Completer is an optional interface a Stage may implement to be notified
// when an inbound message it passed has been fully handled, either by the
// terminal stage (including sending any response) or by a later stage that
// stopped it. Complete receives the same Meta that was passed to the Inbound
// method of the stage. A message that is deferred is not complete until its
// resumed traversal ends.
type Completer interface {
	Complete(context.Context, *Meta)
}

// A Meta is the state of one message in transit through a pipeline.
type Meta struct {
	Dir  Direction
	Peer wire.Address // the sender (inbound) or destination (outbound)
	Tag  string       // transport correlation tag, may be empty
	Msg  *wire.Message
	Raw  []byte // the payload as received, or as it will be sent if Msg == nil
	Stop bool

	pipe     *Pipeline
	pos      int     // index of the stage currently handling the message
	trail    []*Meta // inbound: the Meta passed to each stage so far
	deferred bool    // stopped by Defer rather than for good
}

// Method returns the method name of the message carried by m, or "".
func (m *Meta) Method() string {
	if m == nil || m.Msg == nil {
		return ""
	}
	return m.Msg.Method
}

// ID returns the ID of the message carried by m, or "".
func (m *Meta) ID() wire.ID {
	if m == nil || m.Msg == nil {
		return ""
	}
	return m.Msg.ID
}

// Defer marks m as stopped by the stage handling it and returns a separate
// handle for the message. The stage returns m, and later continues the
// traversal by calling Resume on the handle. Defer must be called on the
// Meta passed to the stage, before the stage returns.
func (m *Meta) Defer() *Meta {
	m.Stop, m.deferred = true, true
	h := *m
	h.Stop, h.deferred = false, false
	if m.Dir == Inbound {
		h.trail = append(slices.Clone(m.trail[:m.pos]), &h)
	}
	return &h
}

// Resume continues the traversal of a message that a stage deferred or
// stopped, starting with the stage after the one that stopped it. Resume
// clears the Stop flag. For an outbound message, Resume reports any error
// from the transport.
func (m *Meta) Resume(ctx context.Context) error {
	if m.pipe == nil {
		return fmt.Errorf("resume %v message: not attached to a pipeline", m.Dir)
	}
	m.Stop, m.deferred = false, false
	if m.Dir == Inbound {
		m.pipe.inbound(ctx, m, m.pos+1)
		return nil
	}
	return m.pipe.outbound(ctx, m, m.pos-1)
}

// Reply sends rsp to the peer of m through the outbound traversal of the
// pipeline, carrying the tag of m. A stage may use Reply to answer a request
// it stops.
func (m *Meta) Reply(ctx context.Context, rsp *wire.Message) error {
	if m.pipe == nil {
		return fmt.Errorf("reply to %q: not attached to a pipeline", m.Peer)
	}
	return m.pipe.Send(ctx, m.Peer, rsp, m.Tag)
}

// String returns a human-readable summary of m for logging.
func (m *Meta) String() string {
	if m.Msg != nil {
		return fmt.Sprintf("%v peer=%q tag=%q %v", m.Dir, m.Peer, m.Tag, m.Msg)
	}
	return fmt.Sprintf("%v peer=%q tag=%q raw=%d bytes", m.Dir, m.Peer, m.Tag, len(m.Raw))
}
