// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing pipelines.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/transport"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/taskgroup"
)

// The addresses of the pipelines in a Local pair.
const (
	AddrA wire.Address = "A"
	AddrB wire.Address = "B"
)

// Local is a pair of pipelines connected by an in-memory network, suitable
// for testing. A is reachable at AddrA and B at AddrB.
type Local struct {
	Net *transport.Network
	A   *agentrpc.Pipeline
	B   *agentrpc.Pipeline
}

// Stop closes both pipelines and the network, and blocks until deliveries
// in flight have finished.
func (p *Local) Stop() error {
	return errors.Join(p.A.Close(), p.B.Close(), p.Net.Close())
}

// NewLocal creates a pair of pipelines connected by an in-memory network,
// with the given options. Either options value may be nil. The Transport
// field of each options value is ignored.
func NewLocal(a, b *agentrpc.Options) *Local {
	n := transport.NewNetwork()
	return &Local{Net: n, A: attach(n, AddrA, a), B: attach(n, AddrB, b)}
}

func attach(n *transport.Network, addr wire.Address, opts *agentrpc.Options) *agentrpc.Pipeline {
	var o agentrpc.Options
	if opts != nil {
		o = *opts
	}
	ep := n.Endpoint(addr)
	o.Transport = ep
	p := agentrpc.New(&o)
	ep.Bind(p)
	return p
}

// An Accepter accepts stream connections from remote agents.
type Accepter interface {
	Accept(context.Context) (*transport.Stream, error)
}

// Loop accepts connections from acc and serves a pipeline for each one in a
// goroutine. The newPipeline function is called with the transport for each
// connection to construct its pipeline. Loop continues until acc closes or
// ctx ends.
//
// When ctx terminates, all running connections are closed. When acc closes,
// the loop waits for running connections to end before returning. The
// pipeline for a connection is closed when its connection ends.
func Loop(ctx context.Context, acc Accepter, newPipeline func(agentrpc.Transport) *agentrpc.Pipeline) error {
	g := taskgroup.New(nil)
	for {
		s, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			p := newPipeline(s)
			defer p.Close()
			defer s.Close()
			return s.Bind(p).Serve(ctx)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection is a stream transport with the local address addr.
func NetAccepter(addr wire.Address, lst net.Listener) Accepter {
	return netAccepter{addr: addr, Listener: lst}
}

type netAccepter struct {
	addr wire.Address
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (*transport.Stream, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends.
	stop := context.AfterFunc(ctx, func() { n.Listener.Close() })
	defer stop()

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return transport.Conn(n.addr, conn), nil
}
