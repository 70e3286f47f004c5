// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package agentrpc

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/pending"
	"github.com/creachadair/agentrpc/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DescribeMethod is the name of the built-in method that reports the service
// description of a pipeline's root, restricted to what the caller may use.
const DescribeMethod = "rpc.describe"

// DefaultTimeout is the call timeout used when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrClosed is reported for calls made after a pipeline is closed, and to
// calls still pending when it closes.
var ErrClosed = errors.New("pipeline is closed")

// A Transport delivers encoded messages to other agents. The tag is an
// opaque correlation value the transport carries alongside the payload.
type Transport interface {
	Send(ctx context.Context, to wire.Address, payload []byte, tag string) error
}

// A Receiver accepts messages delivered by a transport. A *Pipeline is a
// Receiver.
type Receiver interface {
	Receive(ctx context.Context, payload []byte, from wire.Address, tag string)
}

// Options are settings for a Pipeline. A nil *Options provides defaults.
type Options struct {
	// Root is the value whose methods are served to inbound requests. If nil,
	// every inbound request other than DescribeMethod reports that the
	// method was not found.
	Root any

	// Registry holds the dispatch tables used to serve Root. If nil, a new
	// empty registry is used, so Root must describe itself.
	Registry *dispatch.Registry

	// Authorizer decides access to private and self methods. If nil, only
	// public methods may be called.
	Authorizer dispatch.Authorizer

	// Transport carries outbound messages. It may be nil for a pipeline that
	// only serves inbound requests through Receive and discards replies.
	Transport Transport

	// Stages are the interceptor stages, in inbound order.
	Stages []Stage

	// Timeout is the default timeout for outbound calls.
	// If zero, DefaultTimeout is used; if negative, calls do not time out.
	Timeout time.Duration

	// Logger receives diagnostics. If nil, the global zerolog logger is used.
	Logger *zerolog.Logger
}

// A Pipeline connects a root value and its dispatch tables to a transport
// through a chain of interceptor stages. Inbound requests are executed
// against the root and their responses are sent back to the caller; inbound
// responses complete outbound calls made with Go or Call.
//
// A Pipeline is safe for concurrent use. Each inbound message is processed
// in the goroutine of the transport that delivered it.
type Pipeline struct {
	root    any
	inv     dispatch.Invoker
	auth    dispatch.Authorizer
	tr      Transport
	stages  []Stage
	timeout time.Duration
	log     zerolog.Logger
	calls   pending.Table
	metrics *pipeMetrics

	μ      sync.Mutex
	closed bool
}

// New constructs a new pipeline with the given options.
func New(opts *Options) *Pipeline {
	if opts == nil {
		opts = new(Options)
	}
	p := &Pipeline{
		root:    opts.Root,
		auth:    opts.Authorizer,
		tr:      opts.Transport,
		stages:  opts.Stages,
		timeout: opts.Timeout,
		log:     log.Logger,
		metrics: newPipeMetrics(),
	}
	if opts.Logger != nil {
		p.log = *opts.Logger
	}
	reg := opts.Registry
	if reg == nil {
		reg = dispatch.NewRegistry(&dispatch.RegistryOptions{Logger: &p.log})
	}
	p.inv = dispatch.Invoker{Registry: reg, Logger: &p.log}
	if p.timeout == 0 {
		p.timeout = DefaultTimeout
	}
	return p
}

// Metrics returns a metrics map for the pipeline. It is safe for the caller
// to add additional metrics to the map while the pipeline is active.
func (p *Pipeline) Metrics() *expvar.Map { return p.metrics.emap }

// Registry returns the dispatch registry used to serve inbound requests.
func (p *Pipeline) Registry() *dispatch.Registry { return p.inv.Registry }

// Pending reports the number of outbound calls awaiting a response.
func (p *Pipeline) Pending() int { return p.calls.Len() }

// Receive implements the Receiver interface. It runs the inbound traversal
// of the pipeline synchronously for a message from the given sender.
func (p *Pipeline) Receive(ctx context.Context, payload []byte, from wire.Address, tag string) {
	p.metrics.msgRecv.Add(1)
	m := &Meta{Dir: Inbound, Peer: from, Tag: tag, Raw: payload, pipe: p}
	if msg, err := wire.Parse(payload); err == nil {
		m.Msg = msg
	}
	p.inbound(ctx, m, 0)
}

// inbound runs the inbound traversal of m starting at stage index from.
//
// Once a stage returns, the pipeline does not write the Meta it passed to
// that stage, since a stage that deferred it may already be resuming its
// handle on another goroutine.
func (p *Pipeline) inbound(ctx context.Context, m *Meta, from int) {
	for i := from; i < len(p.stages); i++ {
		m.Dir, m.pipe, m.pos = Inbound, p, i
		m.trail = append(m.trail, m)
		next := p.stages[i].Inbound(ctx, m)
		if m.deferred {
			p.metrics.msgStopped.Add(1)
			return
		} else if next == nil || next.Stop {
			p.metrics.msgStopped.Add(1)
			p.complete(ctx, m.trail[:i])
			return
		} else if next != m {
			next.Dir, next.pipe, next.pos = Inbound, p, i
			next.trail = m.trail
		}
		m = next
	}
	p.terminal(ctx, m)
	p.complete(ctx, m.trail)
}

// complete reports the end of an inbound message to the stages along trail,
// in reverse order.
func (p *Pipeline) complete(ctx context.Context, trail []*Meta) {
	for i := len(trail) - 1; i >= 0; i-- {
		if c, ok := p.stages[i].(Completer); ok {
			c.Complete(ctx, trail[i])
		}
	}
}

// outbound runs the outbound traversal of m starting at stage index from,
// and sends the result to the transport.
func (p *Pipeline) outbound(ctx context.Context, m *Meta, from int) error {
	for i := from; i >= 0; i-- {
		m.Dir, m.pipe, m.pos = Outbound, p, i
		next := p.stages[i].Outbound(ctx, m)
		if m.deferred || next == nil || next.Stop {
			p.metrics.msgStopped.Add(1)
			return nil
		} else if next != m {
			next.Dir, next.pipe, next.pos = Outbound, p, i
		}
		m = next
	}
	if p.tr == nil {
		return fmt.Errorf("send to %q: no transport", m.Peer)
	}
	payload := m.Raw
	if m.Msg != nil {
		payload = m.Msg.Encode()
	}
	if err := p.tr.Send(ctx, m.Peer, payload, m.Tag); err != nil {
		return fmt.Errorf("send to %q: %w", m.Peer, err)
	}
	p.metrics.msgSent.Add(1)
	return nil
}

// terminal handles an inbound message that has passed every stage.
func (p *Pipeline) terminal(ctx context.Context, m *Meta) {
	msg := m.Msg
	if msg == nil {
		rec, err := wire.Parse(m.Raw)
		if err == nil {
			msg = rec
		} else {
			p.metrics.parseErr.Add(1)
			p.rejectInvalid(ctx, m, rec, err)
			return
		}
	}
	if msg.IsRequest() {
		p.handleRequest(ctx, m, msg)
		return
	}
	if !p.calls.Deliver(msg) {
		p.metrics.msgDropped.Add(1)
		p.log.Debug().Str("peer", string(m.Peer)).Stringer("id", msg.ID).Msg("dropped unmatched response")
	}
}

// rejectInvalid answers a message that could not be parsed, using the ID of
// the message if one could be recovered. Messages that look like
// notifications or responses are not answered.
func (p *Pipeline) rejectInvalid(ctx context.Context, m *Meta, rec *wire.Message, err error) {
	ev := p.log.Debug().Err(err).Str("peer", string(m.Peer))
	if rec != nil && (rec.IsNotification() || rec.Result != nil || rec.Error != nil) {
		p.metrics.msgDropped.Add(1)
		ev.Msg("dropped invalid message")
		return
	}
	ev.Msg("rejected invalid message")
	id := wire.NullID
	if rec != nil && !rec.ID.IsZero() {
		id = rec.ID
	}
	p.reply(ctx, m, wire.NewError(id, wire.Wrap(err)))
}

func (p *Pipeline) handleRequest(ctx context.Context, m *Meta, req *wire.Message) {
	if req.IsNotification() {
		p.metrics.notifyIn.Add(1)
	} else {
		p.metrics.callIn.Add(1)
	}
	ctx = context.WithValue(ctx, pipelineContextKey{}, p)
	ctx = context.WithValue(ctx, metaContextKey{}, m)

	var rsp *wire.Message
	if req.Method == DescribeMethod {
		rsp = p.describe(req, m.Peer)
	} else {
		rsp = p.inv.Invoke(ctx, p.root, req, m.Peer, p.auth)
	}
	if rsp == nil {
		return
	} else if rsp.Error != nil {
		p.metrics.callInErr.Add(1)
	}
	p.reply(ctx, m, rsp)
}

func (p *Pipeline) describe(req *wire.Message, sender wire.Address) *wire.Message {
	if req.IsNotification() {
		return nil
	}
	var desc dispatch.Description
	if p.root != nil {
		desc = p.inv.Describe(p.root, sender, p.auth)
	}
	if desc == nil {
		desc = make(dispatch.Description)
	}
	rsp, err := wire.NewResult(req.ID, desc)
	if err != nil {
		return wire.NewError(req.ID, wire.Wrap(err))
	}
	return rsp
}

// reply sends rsp back to the sender of m, carrying the tag of m.
func (p *Pipeline) reply(ctx context.Context, m *Meta, rsp *wire.Message) {
	if err := p.Send(ctx, m.Peer, rsp, m.Tag); err != nil {
		p.log.Warn().Err(err).Str("peer", string(m.Peer)).Stringer("id", rsp.ID).Msg("reply failed")
	}
}

func (p *Pipeline) checkOpen() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Send sends msg to the given address through the outbound traversal of the
// pipeline. It does not wait for a reply.
func (p *Pipeline) Send(ctx context.Context, to wire.Address, msg *wire.Message, tag string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	m := &Meta{Dir: Outbound, Peer: to, Tag: tag, Msg: msg, pipe: p}
	return p.outbound(ctx, m, len(p.stages)-1)
}

// Go sends a request for method with the given params to the agent at the
// given address, and returns without waiting for the reply. The request is
// assigned a fresh ID, which Go returns.
//
// Exactly one of the following eventually happens: the response arrives and
// is passed to cb; the timeout elapses and cb receives an error wrapping
// pending.ErrTimeout; the pipeline closes and cb receives ErrClosed; or the
// call is canceled by Cancel and cb is not called. If timeout == 0, the
// pipeline's default timeout is used. The callback runs in the goroutine
// that delivered the response, or that observed the timeout.
func (p *Pipeline) Go(ctx context.Context, to wire.Address, method string, params any, timeout time.Duration, cb pending.Callback) (wire.ID, error) {
	if err := p.checkOpen(); err != nil {
		return "", err
	}
	id := wire.NewID()
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return "", err
	}
	if timeout == 0 {
		timeout = p.timeout
	}

	p.metrics.callOut.Add(1)
	p.metrics.callPending.Add(1)
	done := func(rsp *wire.Message, err error) {
		p.metrics.callPending.Add(-1)
		if errors.Is(err, pending.ErrTimeout) {
			p.metrics.callTimeout.Add(1)
		}
		if err != nil || rsp.Error != nil {
			p.metrics.callOutErr.Add(1)
		}
		cb(rsp, err)
	}
	if err := p.calls.Add(id, done, timeout); err != nil {
		p.metrics.callPending.Add(-1)
		if errors.Is(err, pending.ErrClosed) {
			err = ErrClosed
		}
		return "", err
	}
	if err := p.Send(ctx, to, req, ""); err != nil {
		p.Cancel(id)
		p.metrics.callOutErr.Add(1)
		return "", err
	}
	return id, nil
}

// Cancel cancels the pending call with the given ID, without calling its
// callback, and reports whether such a call was pending. A response that
// arrives after the call is canceled is discarded.
func (p *Pipeline) Cancel(id wire.ID) bool {
	if p.calls.Cancel(id) {
		p.metrics.callPending.Add(-1)
		return true
	}
	return false
}

// Call sends a request for method with the given params to the agent at the
// given address, and blocks until the response arrives, the call times out,
// or ctx ends. If ctx ends first, the call is canceled.
//
// An error reported by Call has concrete type *CallError. If the remote
// method reported an error, the Err field of the *CallError is a *wire.Error.
func (p *Pipeline) Call(ctx context.Context, to wire.Address, method string, params any) (*wire.Message, error) {
	w := pending.NewWaiter()
	id, err := p.Go(ctx, to, method, params, 0, w.Callback)
	if err != nil {
		return nil, &CallError{Method: method, Err: err}
	}
	rsp, err := w.Wait(ctx)
	if err != nil {
		p.Cancel(id)
		return nil, &CallError{Method: method, Err: err}
	} else if rsp.Error != nil {
		return nil, &CallError{Method: method, Err: rsp.Error, Response: rsp}
	}
	return rsp, nil
}

// CallResult calls method on the agent at the given address as Call does,
// and decodes the result into a value of type T.
func CallResult[T any](ctx context.Context, p *Pipeline, to wire.Address, method string, params any) (T, error) {
	var out T
	rsp, err := p.Call(ctx, to, method, params)
	if err != nil {
		return out, err
	}
	if err := wire.DecodeResult(rsp, &out); err != nil {
		return out, &CallError{Method: method, Err: fmt.Errorf("decoding result: %w", err), Response: rsp}
	}
	return out, nil
}

// Notify sends a notification for method with the given params to the agent
// at the given address. No response is expected.
func (p *Pipeline) Notify(ctx context.Context, to wire.Address, method string, params any) error {
	req, err := wire.NewRequest("", method, params)
	if err != nil {
		return err
	}
	return p.Send(ctx, to, req, "")
}

// Describe fetches the service description of the agent at the given
// address, as visible to p.
func (p *Pipeline) Describe(ctx context.Context, to wire.Address) (dispatch.Description, error) {
	return CallResult[dispatch.Description](ctx, p, to, DescribeMethod, nil)
}

// Close closes p. Pending calls fail with ErrClosed, and further calls and
// sends report ErrClosed. Stages that implement io.Closer are closed.
// Close is safe to call more than once.
func (p *Pipeline) Close() error {
	p.μ.Lock()
	if p.closed {
		p.μ.Unlock()
		return nil
	}
	p.closed = true
	p.μ.Unlock()

	p.calls.Close(ErrClosed)
	var errs []error
	for _, s := range p.stages {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// CallError is the concrete type of errors reported by the Call method of a
// Pipeline. For errors reported by the remote method, Err is a *wire.Error
// and Response is the complete response message.
type CallError struct {
	Method   string
	Err      error
	Response *wire.Message // set if the error came from a call response
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Response != nil {
		return fmt.Sprintf("call %q (id %s): %v", c.Method, c.Response.ID, c.Err)
	}
	return fmt.Sprintf("call %q: %v", c.Method, c.Err)
}

type pipelineContextKey struct{}

// ContextPipeline returns the Pipeline associated with the given context, or
// nil if none is defined. The context passed to a method serving an inbound
// request has this value.
func ContextPipeline(ctx context.Context) *Pipeline {
	if v := ctx.Value(pipelineContextKey{}); v != nil {
		return v.(*Pipeline)
	}
	return nil
}

type metaContextKey struct{}

// ContextMeta returns the inbound Meta of the request being served in ctx, or
// nil if none is defined.
func ContextMeta(ctx context.Context) *Meta {
	if v := ctx.Value(metaContextKey{}); v != nil {
		return v.(*Meta)
	}
	return nil
}
