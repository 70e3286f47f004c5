// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocket is a transport that exchanges envelopes with other agents over
// WebSocket connections. Each connection begins with a hello envelope from
// each side, with an empty payload, naming the agent at that end; thereafter
// messages for that agent are written to that connection.
//
// Connections can be accepted by serving Handler, or established with Dial.
type WebSocket struct {
	addr  wire.Address
	log   zerolog.Logger
	tasks *taskgroup.Group
	binding

	μ     sync.Mutex
	conns map[wire.Address]*websocket.Conn
}

// NewWebSocket constructs a WebSocket transport for the local address addr.
// If logger == nil, the global zerolog logger is used.
func NewWebSocket(addr wire.Address, logger *zerolog.Logger) *WebSocket {
	w := &WebSocket{
		addr:  addr,
		log:   log.Logger,
		tasks: taskgroup.New(nil),
		conns: make(map[wire.Address]*websocket.Conn),
	}
	if logger != nil {
		w.log = *logger
	}
	return w
}

// Bind sets the receiver for inbound messages, and returns w to permit
// chaining.
func (w *WebSocket) Bind(r agentrpc.Receiver) *WebSocket { w.set(r); return w }

// Peers reports the addresses of the agents currently connected.
func (w *WebSocket) Peers() []wire.Address {
	w.μ.Lock()
	defer w.μ.Unlock()
	out := make([]wire.Address, 0, len(w.conns))
	for a := range w.conns {
		out = append(out, a)
	}
	return out
}

// Handler returns an HTTP handler that accepts WebSocket connections from
// other agents. The handler runs until the connection closes.
func (w *WebSocket) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(rw, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		peer, err := w.handshake(ctx, c)
		if err != nil {
			w.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket handshake failed")
			c.Close(websocket.StatusPolicyViolation, "expected hello")
			return
		}
		w.serve(ctx, peer, c)
	})
}

// Dial connects to the agent whose WebSocket handler is at url, and reports
// the address of that agent. Messages from the agent are delivered until
// the connection closes or ctx ends.
func (w *WebSocket) Dial(ctx context.Context, url string) (wire.Address, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return "", err
	}
	peer, err := w.handshake(ctx, c)
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, "expected hello")
		return "", err
	}
	w.tasks.Go(func() error {
		w.serve(ctx, peer, c)
		return nil
	})
	return peer, nil
}

// handshake exchanges hello envelopes on c and registers the connection
// under the remote agent's address.
func (w *WebSocket) handshake(ctx context.Context, c *websocket.Conn) (wire.Address, error) {
	hello := Envelope{From: w.addr}.Encode()
	if err := c.Write(ctx, websocket.MessageText, hello); err != nil {
		return "", err
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		return "", err
	}
	var env Envelope
	if err := env.Decode(data); err != nil {
		return "", err
	} else if len(env.Payload) != 0 {
		return "", errors.New("hello envelope has a payload")
	}
	w.μ.Lock()
	old := w.conns[env.From]
	w.conns[env.From] = c
	w.μ.Unlock()
	if old != nil {
		old.Close(websocket.StatusGoingAway, "replaced")
	}
	return env.From, nil
}

// serve reads envelopes from the connection to peer and delivers them until
// the connection fails.
func (w *WebSocket) serve(ctx context.Context, peer wire.Address, c *websocket.Conn) {
	defer func() {
		w.μ.Lock()
		if w.conns[peer] == c {
			delete(w.conns, peer)
		}
		w.μ.Unlock()
		c.Close(websocket.StatusNormalClosure, "")
	}()

	g := taskgroup.New(nil)
	defer g.Wait()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				w.log.Debug().Str("peer", string(peer)).Msg("disconnected")
			} else if ctx.Err() == nil {
				w.log.Debug().Err(err).Str("peer", string(peer)).Msg("connection failed")
			}
			return
		}
		var env Envelope
		if err := env.Decode(data); err != nil {
			w.log.Warn().Err(err).Str("peer", string(peer)).Msg("discarding invalid envelope")
			continue
		}
		recv, err := w.get()
		if err != nil {
			w.log.Warn().Err(err).Str("peer", string(peer)).Msg("discarding message")
			continue
		}
		g.Go(func() error {
			recv.Receive(ctx, env.Payload, env.From, env.Tag)
			return nil
		})
	}
}

// Send implements the agentrpc.Transport interface. The destination must be
// connected.
func (w *WebSocket) Send(ctx context.Context, to wire.Address, payload []byte, tag string) error {
	w.μ.Lock()
	c, ok := w.conns[to]
	w.μ.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q is not connected", ErrUnknownAddress, to)
	}
	env := Envelope{From: w.addr, To: to, Tag: tag, Payload: payload}
	return c.Write(ctx, websocket.MessageText, env.Encode())
}

// Close closes all connections and waits for dialed connections to finish.
func (w *WebSocket) Close() error {
	w.μ.Lock()
	conns := make([]*websocket.Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.μ.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "closing")
	}
	w.tasks.Wait()
	return nil
}
