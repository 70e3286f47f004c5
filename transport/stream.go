// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// A Stream is a transport that exchanges envelopes with a single remote
// agent over a byte stream, such as a network connection or a pipe. Each
// envelope is written as one line of JSON, at most MaxLineBytes long.
//
// Send ignores its destination address; every message goes to the agent at
// the other end of the stream. Call Serve to read and deliver inbound
// messages.
type Stream struct {
	addr wire.Address
	r    io.Reader
	c    io.Closer
	log  zerolog.Logger
	binding

	out struct {
		// Must hold the lock to write to w.
		sync.Mutex
		w *bufio.Writer
	}
}

// NewStream constructs a stream transport for the local address addr, that
// receives from r and sends to wc.
func NewStream(addr wire.Address, r io.Reader, wc io.WriteCloser) *Stream {
	s := &Stream{addr: addr, r: r, c: wc, log: log.Logger}
	s.out.w = bufio.NewWriter(wc)
	return s
}

// MaxLineBytes is the longest encoded envelope a Stream accepts. It leaves
// room for a MaxBodyBytes payload after base64 encoding.
const MaxLineBytes = 2 * MaxBodyBytes

// Conn constructs a stream transport for the local address addr over conn.
func Conn(addr wire.Address, conn net.Conn) *Stream { return NewStream(addr, conn, conn) }

// Bind sets the receiver for messages read from s, and returns s to permit
// chaining.
func (s *Stream) Bind(r agentrpc.Receiver) *Stream { s.set(r); return s }

// Send implements the agentrpc.Transport interface.
func (s *Stream) Send(_ context.Context, to wire.Address, payload []byte, tag string) error {
	env := Envelope{From: s.addr, To: to, Tag: tag, Payload: payload}.Encode()
	s.out.Lock()
	defer s.out.Unlock()
	if _, err := s.out.w.Write(append(env, '\n')); err != nil {
		return err
	}
	return s.out.w.Flush()
}

// Serve reads envelopes from s and delivers each to the bound receiver in
// its own goroutine, until the stream ends or ctx ends. Serve waits for all
// deliveries to finish before returning. It returns nil if the stream ended
// normally. A final envelope without a trailing newline is delivered. A line
// longer than MaxLineBytes ends Serve with an error.
func (s *Stream) Serve(ctx context.Context) error {
	recv, err := s.get()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.c.Close() })
	defer stop()

	g := taskgroup.New(nil)
	defer g.Wait()
	sc := bufio.NewScanner(s.r)
	sc.Buffer(nil, MaxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := env.Decode(line); err != nil {
			s.log.Warn().Err(err).Str("addr", string(s.addr)).Msg("discarding invalid envelope")
			continue
		}
		g.Go(func() error {
			recv.Receive(ctx, env.Payload, env.From, env.Tag)
			return nil
		})
	}
	err = sc.Err()
	if err == nil || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("read stream: %w", err)
}

// Close closes the underlying stream, which causes Serve to return.
func (s *Stream) Close() error { return s.c.Close() }
