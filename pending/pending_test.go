// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package pending_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/agentrpc/pending"
	"github.com/creachadair/agentrpc/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func result(t *testing.T, id wire.ID, v any) *wire.Message {
	t.Helper()
	m, err := wire.NewResult(id, v)
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	return m
}

func TestDeliver(t *testing.T) {
	var tab pending.Table
	var got []string
	cb := pending.Func(func(s string) { got = append(got, s) }, func(err error) {
		t.Errorf("Unexpected failure: %v", err)
	})
	if err := tab.Add("1", cb, time.Minute); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tab.Add("1", cb, time.Minute); !errors.Is(err, pending.ErrDuplicate) {
		t.Errorf("Add duplicate: got %v, want %v", err, pending.ErrDuplicate)
	}
	if n := tab.Len(); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}

	if !tab.Deliver(result(t, "1", "ok")) {
		t.Error("Deliver: no matching call")
	}
	if tab.Deliver(result(t, "1", "again")) {
		t.Error("Deliver duplicate: unexpectedly matched")
	}
	if tab.Deliver(result(t, "2", "foreign")) {
		t.Error("Deliver foreign: unexpectedly matched")
	}
	if diff := cmp.Diff([]string{"ok"}, got); diff != "" {
		t.Errorf("Results (-want, +got):\n%s", diff)
	}
	if n := tab.Len(); n != 0 {
		t.Errorf("Len: got %d, want 0", n)
	}
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	var tab pending.Table
	done := make(chan error, 1)
	cb := func(rsp *wire.Message, err error) { done <- err }

	start := time.Now()
	if err := tab.Add(wire.IntID(1), cb, 50*time.Millisecond); err != nil {
		t.Fatalf("Add: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, pending.ErrTimeout) {
			t.Errorf("Callback: got %v, want %v", err, pending.ErrTimeout)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Timeout fired after %v, before the deadline", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout did not fire")
	}
	if n := tab.Len(); n != 0 {
		t.Errorf("Len after timeout: got %d, want 0", n)
	}
	if tab.Deliver(result(t, wire.IntID(1), true)) {
		t.Error("Deliver after timeout: unexpectedly matched")
	}
}

func TestCancel(t *testing.T) {
	var tab pending.Table
	var calls atomic.Int32
	cb := func(*wire.Message, error) { calls.Add(1) }

	if err := tab.Add(wire.StringID("c"), cb, 20*time.Millisecond); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !tab.Cancel(wire.StringID("c")) {
		t.Error("Cancel: no matching call")
	}
	if tab.Cancel(wire.StringID("c")) {
		t.Error("Cancel again: unexpectedly matched")
	}
	time.Sleep(60 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("Callback ran %d times after cancel, want 0", n)
	}
}

func TestExactlyOnce(t *testing.T) {
	defer leaktest.Check(t)()

	// Race responses, cancellations, and timeouts for the same calls, and
	// verify that each callback ran at most once.
	var tab pending.Table
	const numCalls = 200
	counts := make([]atomic.Int32, numCalls)
	for i := range numCalls {
		id := wire.IntID(int64(i))
		if err := tab.Add(id, func(*wire.Message, error) { counts[i].Add(1) }, time.Millisecond); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	var wg sync.WaitGroup
	for i := range numCalls {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tab.Deliver(result(t, wire.IntID(int64(i)), i))
		}()
		go func() {
			defer wg.Done()
			if i%3 == 0 {
				tab.Cancel(wire.IntID(int64(i)))
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	for i := range counts {
		if n := counts[i].Load(); n > 1 {
			t.Errorf("Call %d: callback ran %d times", i, n)
		} else if n == 0 && i%3 != 0 {
			t.Errorf("Call %d: callback did not run", i)
		}
	}
	if n := tab.Len(); n != 0 {
		t.Errorf("Len: got %d, want 0", n)
	}
}

func TestClose(t *testing.T) {
	var tab pending.Table
	errc := make(chan error, 2)
	cb := func(_ *wire.Message, err error) { errc <- err }
	tab.Add(wire.StringID("a"), cb, 0)
	tab.Add(wire.StringID("b"), cb, time.Hour)

	stop := errors.New("stopped")
	tab.Close(stop)
	tab.Close(nil) // no effect
	for range 2 {
		if err := <-errc; err != stop {
			t.Errorf("Callback: got %v, want %v", err, stop)
		}
	}
	if err := tab.Add(wire.StringID("c"), cb, 0); !errors.Is(err, pending.ErrClosed) {
		t.Errorf("Add after close: got %v, want %v", err, pending.ErrClosed)
	}
}

func TestFunc(t *testing.T) {
	type point struct{ X, Y int }
	tests := []struct {
		name string
		rsp  *wire.Message
		err  error
		want point
		code wire.Code // 0 means no coded error
		fail bool
	}{
		{"OK", result(t, "1", point{1, 2}), nil, point{1, 2}, 0, false},
		{"Mismatch", result(t, "1", "not a point"), nil, point{}, 0, true},
		{"NoResult", &wire.Message{ID: "1"}, nil, point{}, 0, true},
		{"Coded", wire.NewError("1", wire.Errorf(wire.NotFound, "gone")), nil, point{}, wire.NotFound, true},
		{"Timeout", nil, pending.ErrTimeout, point{}, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got point
			var gotErr error
			cb := pending.Func(func(p point) { got = p }, func(err error) { gotErr = err })
			cb(tc.rsp, tc.err)

			if (gotErr != nil) != tc.fail {
				t.Fatalf("Callback error: got %v, want failure %v", gotErr, tc.fail)
			}
			if tc.code != 0 && wire.ErrorCode(gotErr) != tc.code {
				t.Errorf("Error code: got %v, want %v", wire.ErrorCode(gotErr), tc.code)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Result (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestWaiter(t *testing.T) {
	defer leaktest.Check(t)()

	var tab pending.Table
	w := pending.NewWaiter()
	tab.Add(wire.StringID("w"), w.Callback, time.Minute)
	go tab.Deliver(result(t, wire.StringID("w"), 17))

	rsp, err := w.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var n int
	if err := wire.DecodeResult(rsp, &n); err != nil || n != 17 {
		t.Errorf("Result: got %d, %v; want 17", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pending.NewWaiter().Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait: got %v, want %v", err, context.Canceled)
	}
}
