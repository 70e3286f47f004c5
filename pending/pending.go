// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package pending implements a correlation table that matches responses to
// the calls that are waiting for them.
//
// Each pending call is registered with a Table under its request ID, along
// with a callback. The entry is removed exactly once, by whichever of the
// following happens first: a matching response is delivered, the timeout for
// the call elapses, the call is canceled, or the table is closed. The
// callback runs at most once, and does not run at all for a cancellation.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/agentrpc/wire"
)

var (
	// ErrTimeout is reported to the callback of a call whose timeout
	// elapsed before a response arrived.
	ErrTimeout = errors.New("call timed out")

	// ErrDuplicate is reported by Add for an ID that is already pending.
	ErrDuplicate = errors.New("duplicate call ID")

	// ErrClosed is reported by Add after the table has been closed, and to
	// the callbacks of calls still pending when it closes.
	ErrClosed = errors.New("table is closed")
)

// A Callback receives the outcome of a pending call. Exactly one of rsp and
// err is non-nil. A response reporting an error is delivered as a response.
type Callback func(rsp *wire.Message, err error)

// A Table is a collection of pending calls keyed by request ID.
// A Table is safe for concurrent use by multiple goroutines.
// A zero Table is ready for use.
type Table struct {
	μ      sync.Mutex
	calls  map[wire.ID]*entry
	closed bool
}

type entry struct {
	cb     Callback
	issued time.Time
	timer  *time.Timer
}

// Add registers cb as the callback for the call with the given id. If
// timeout > 0, the call fails with ErrTimeout if no response is delivered
// within that interval. Add reports an error without registering cb if id is
// empty or already pending, or if t is closed.
func (t *Table) Add(id wire.ID, cb Callback, timeout time.Duration) error {
	if id.IsZero() {
		return errors.New("call has no ID")
	} else if cb == nil {
		return errors.New("call has no callback")
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return ErrClosed
	} else if _, ok := t.calls[id]; ok {
		return fmt.Errorf("call %s: %w", id, ErrDuplicate)
	}
	if t.calls == nil {
		t.calls = make(map[wire.ID]*entry)
	}
	e := &entry{cb: cb, issued: time.Now()}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			if t.remove(id, e) {
				e.cb(nil, fmt.Errorf("call %s after %v: %w", id, timeout, ErrTimeout))
			}
		})
	}
	t.calls[id] = e
	return nil
}

// remove removes e from t if it is still pending under id, and reports
// whether it did so. The caller that removes e owns its callback.
func (t *Table) remove(id wire.ID, e *entry) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	if cur, ok := t.calls[id]; ok && cur == e {
		delete(t.calls, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		return true
	}
	return false
}

func (t *Table) take(id wire.ID) *entry {
	t.μ.Lock()
	defer t.μ.Unlock()
	e, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

// Deliver delivers rsp to the pending call with the matching ID, and
// reports whether there was such a call. The callback runs synchronously
// in the calling goroutine. A response with no matching call is ignored.
func (t *Table) Deliver(rsp *wire.Message) bool {
	e := t.take(rsp.ID)
	if e == nil {
		return false
	}
	e.cb(rsp, nil)
	return true
}

// Cancel removes the pending call with the given id without running its
// callback, and reports whether there was such a call.
func (t *Table) Cancel(id wire.ID) bool { return t.take(id) != nil }

// Len reports the number of calls currently pending.
func (t *Table) Len() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.calls)
}

// Age reports how long the call with the given id has been pending, and
// whether it is pending at all.
func (t *Table) Age(id wire.ID) (time.Duration, bool) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if e, ok := t.calls[id]; ok {
		return time.Since(e.issued), true
	}
	return 0, false
}

// Close fails all pending calls with err, or ErrClosed if err == nil, and
// prevents further calls from being added. Close is safe to call more than
// once; subsequent calls have no effect.
func (t *Table) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	t.closed = true
	calls := t.calls
	t.calls = nil
	for _, e := range calls {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.μ.Unlock()

	for _, e := range calls {
		e.cb(nil, err)
	}
}

// Func returns a Callback that decodes the result of a successful response
// into a value of type T and passes it to ok. If the call fails, the
// response reports an error, or the result cannot be decoded as T, the
// error is passed to fail instead.
func Func[T any](ok func(T), fail func(error)) Callback {
	return func(rsp *wire.Message, err error) {
		if err != nil {
			fail(err)
			return
		}
		var v T
		if err := wire.DecodeResult(rsp, &v); err != nil {
			if _, coded := wire.AsError(err); !coded {
				err = fmt.Errorf("decoding result of call %s as %T: %w", rsp.ID, v, err)
			}
			fail(err)
			return
		}
		ok(v)
	}
}

// A Waiter is a Callback adapter for callers that block until a pending
// call completes.
type Waiter struct {
	ch chan outcome
}

type outcome struct {
	rsp *wire.Message
	err error
}

// NewWaiter constructs a new Waiter for a single call.
func NewWaiter() *Waiter { return &Waiter{ch: make(chan outcome, 1)} }

// Callback is the callback to register for the call. It must not be called
// more than once.
func (w *Waiter) Callback(rsp *wire.Message, err error) { w.ch <- outcome{rsp, err} }

// Wait blocks until the callback has run or ctx ends, and reports the
// outcome of the call.
func (w *Waiter) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-w.ch:
		return o.rsp, o.err
	}
}
