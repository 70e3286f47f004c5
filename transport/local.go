// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/taskgroup"
)

// A Network is an in-memory message network connecting Local endpoints by
// address. Delivery is asynchronous: each message is delivered to its
// receiver in a separate goroutine. A zero Network is not ready for use;
// call NewNetwork.
type Network struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	μ      sync.Mutex
	eps    map[wire.Address]*Local
	closed bool
}

// NewNetwork constructs a new empty network.
func NewNetwork() *Network {
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		ctx:    ctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
		eps:    make(map[wire.Address]*Local),
	}
}

// Endpoint returns the endpoint of n for the given address, creating it if
// necessary.
func (n *Network) Endpoint(addr wire.Address) *Local {
	n.μ.Lock()
	defer n.μ.Unlock()
	if ep, ok := n.eps[addr]; ok {
		return ep
	}
	ep := &Local{net: n, addr: addr}
	n.eps[addr] = ep
	return ep
}

// Remove removes the endpoint for addr from n, if it exists. Messages sent to
// that address after Remove returns report ErrUnknownAddress.
func (n *Network) Remove(addr wire.Address) {
	n.μ.Lock()
	defer n.μ.Unlock()
	delete(n.eps, addr)
}

// Wait blocks until all deliveries in flight have finished.
func (n *Network) Wait() { n.tasks.Wait() }

// Close stops n from accepting further messages, cancels the context of
// deliveries in flight, and waits for them to finish.
func (n *Network) Close() error {
	n.μ.Lock()
	n.closed = true
	n.μ.Unlock()
	n.cancel()
	n.tasks.Wait()
	return nil
}

func (n *Network) lookup(addr wire.Address) (*Local, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.closed {
		return nil, net.ErrClosed
	}
	ep, ok := n.eps[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, addr)
	}
	return ep, nil
}

// Local is an endpoint on a Network. It implements agentrpc.Transport.
type Local struct {
	net  *Network
	addr wire.Address
	binding
}

// Addr reports the address of the endpoint.
func (l *Local) Addr() wire.Address { return l.addr }

// Bind sets the receiver for messages sent to l, and returns l to permit
// chaining.
func (l *Local) Bind(r agentrpc.Receiver) *Local { l.set(r); return l }

// Send implements the agentrpc.Transport interface. It reports an error if
// the destination is not on the network or has no receiver, but does not
// wait for the message to be delivered.
func (l *Local) Send(_ context.Context, to wire.Address, payload []byte, tag string) error {
	ep, err := l.net.lookup(to)
	if err != nil {
		return err
	}
	recv, err := ep.get()
	if err != nil {
		return fmt.Errorf("%q: %w", to, err)
	}
	data := bytes.Clone(payload)
	ctx := l.net.ctx
	l.net.tasks.Go(func() error {
		recv.Receive(ctx, data, l.addr, tag)
		return nil
	})
	return nil
}
