// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/creachadair/agentrpc/transport"
	"github.com/creachadair/agentrpc/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/redis/go-redis/v9"
)

// delivery is one message received by a recorder.
type delivery struct {
	Payload string
	From    wire.Address
	Tag     string
}

// recorder is an agentrpc.Receiver that records what it receives.
type recorder struct {
	μ    sync.Mutex
	got  []delivery
	next chan struct{}
}

func newRecorder() *recorder { return &recorder{next: make(chan struct{}, 100)} }

func (r *recorder) Receive(_ context.Context, payload []byte, from wire.Address, tag string) {
	r.μ.Lock()
	r.got = append(r.got, delivery{string(payload), from, tag})
	r.μ.Unlock()
	r.next <- struct{}{}
}

// wait blocks until n messages have been received.
func (r *recorder) wait(t *testing.T, n int) []delivery {
	t.Helper()
	for range n {
		select {
		case <-r.next:
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for delivery")
		}
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	return append([]delivery(nil), r.got...)
}

func TestEnvelope(t *testing.T) {
	env := transport.Envelope{From: "a", To: "b", Tag: "t1", Payload: []byte(`{"x":1}`)}
	var got transport.Envelope
	if err := got.Decode(env.Encode()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(env, got); diff != "" {
		t.Errorf("Envelope (-want, +got):\n%s", diff)
	}

	for _, bad := range []string{`nonsense`, `{"to":"b","payload":null}`} {
		var e transport.Envelope
		if err := e.Decode([]byte(bad)); err == nil {
			t.Errorf("Decode %q: got %+v, want error", bad, e)
		}
	}
}

func TestNetwork(t *testing.T) {
	defer leaktest.Check(t)()

	n := transport.NewNetwork()
	defer n.Close()

	rb := newRecorder()
	a := n.Endpoint("a")
	n.Endpoint("b").Bind(rb)
	n.Endpoint("c") // no receiver

	ctx := context.Background()
	if err := a.Send(ctx, "b", []byte("hello"), "t"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := rb.wait(t, 1)
	if diff := cmp.Diff([]delivery{{"hello", "a", "t"}}, got); diff != "" {
		t.Errorf("Deliveries (-want, +got):\n%s", diff)
	}

	if err := a.Send(ctx, "nobody", nil, ""); !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Send to unknown: got %v, want %v", err, transport.ErrUnknownAddress)
	}
	if err := a.Send(ctx, "c", nil, ""); !errors.Is(err, transport.ErrNotBound) {
		t.Errorf("Send to unbound: got %v, want %v", err, transport.ErrNotBound)
	}
	n.Remove("b")
	if err := a.Send(ctx, "b", nil, ""); !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Send after Remove: got %v, want %v", err, transport.ErrUnknownAddress)
	}
	n.Close()
	if err := a.Send(ctx, "c", nil, ""); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after Close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestStream(t *testing.T) {
	defer leaktest.Check(t)()

	c1, c2 := net.Pipe()
	sa := transport.Conn("a", c1)
	rb := newRecorder()
	sb := transport.Conn("b", c2).Bind(rb)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- sb.Serve(ctx) }()

	if err := sa.Send(ctx, "b", []byte(`{"jsonrpc":"2.0"}`), "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sa.Send(ctx, "ignored", []byte("second"), ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := rb.wait(t, 2)
	want := []delivery{{`{"jsonrpc":"2.0"}`, "a", "x"}, {"second", "a", ""}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Deliveries (-want, +got):\n%s", diff)
	}

	sa.Close()
	if err := <-done; err != nil {
		t.Errorf("Serve: got %v, want nil", err)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestStreamFraming(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()
	var out bytes.Buffer

	t.Run("Unterminated", func(t *testing.T) {
		var in bytes.Buffer
		in.Write(transport.Envelope{From: "a", Tag: "t1", Payload: []byte("one")}.Encode())
		in.WriteString("\n\n")
		in.Write(transport.Envelope{From: "a", Payload: []byte("last")}.Encode()) // no newline

		rb := newRecorder()
		s := transport.NewStream("b", &in, nopWriteCloser{&out}).Bind(rb)
		if err := s.Serve(ctx); err != nil {
			t.Fatalf("Serve: unexpected error: %v", err)
		}
		// Deliveries run concurrently, so their order is not fixed.
		want := []delivery{{"one", "a", "t1"}, {"last", "a", ""}}
		byPayload := cmpopts.SortSlices(func(a, b delivery) bool { return a.Payload < b.Payload })
		if diff := cmp.Diff(want, rb.wait(t, 2), byPayload); diff != "" {
			t.Errorf("Deliveries (-want, +got):\n%s", diff)
		}
	})

	t.Run("TooLong", func(t *testing.T) {
		in := strings.NewReader(strings.Repeat("x", transport.MaxLineBytes+1) + "\n")
		s := transport.NewStream("b", in, nopWriteCloser{&out}).Bind(newRecorder())
		if err := s.Serve(ctx); !errors.Is(err, bufio.ErrTooLong) {
			t.Errorf("Serve: got %v, want %v", err, bufio.ErrTooLong)
		}
	})
}

func TestHTTP(t *testing.T) {
	h := transport.NewHTTP(nil)
	rb := newRecorder()
	h.Mount("b", rb)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	ctx := context.Background()
	a := h.Sender("http://agent-a.example/a")
	if err := a.Send(ctx, wire.Address(srv.URL+"/b"), []byte(`{"m":1}`), "tag1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := rb.wait(t, 1)
	want := []delivery{{`{"m":1}`, "http://agent-a.example/a", "tag1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Deliveries (-want, +got):\n%s", diff)
	}

	err := a.Send(ctx, wire.Address(srv.URL+"/nobody"), []byte(`{}`), "")
	if !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Send to unknown agent: got %v, want %v", err, transport.ErrUnknownAddress)
	}
	h.Mount("b", nil)
	err = a.Send(ctx, wire.Address(srv.URL+"/b"), []byte(`{}`), "")
	if !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Send after unmount: got %v, want %v", err, transport.ErrUnknownAddress)
	}
}

func TestHTTPMissingSender(t *testing.T) {
	h := transport.NewHTTP(&transport.HTTPOptions{AllowedOrigins: []string{"https://example.com"}})
	h.Mount("b", newRecorder())
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	rsp, err := srv.Client().Post(srv.URL+"/b", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	rsp.Body.Close()
	if rsp.StatusCode != 400 {
		t.Errorf("Status: got %d, want 400", rsp.StatusCode)
	}
}

func TestWebSocket(t *testing.T) {
	ra, rb := newRecorder(), newRecorder()
	wa := transport.NewWebSocket("a", nil).Bind(ra)
	wb := transport.NewWebSocket("b", nil).Bind(rb)
	srv := httptest.NewServer(wb.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer, err := wa.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if peer != "b" {
		t.Errorf("Dial: got peer %q, want b", peer)
	}

	if err := wa.Send(ctx, "b", []byte("ping"), "t"); err != nil {
		t.Fatalf("Send a→b: %v", err)
	}
	if diff := cmp.Diff([]delivery{{"ping", "a", "t"}}, rb.wait(t, 1)); diff != "" {
		t.Errorf("b deliveries (-want, +got):\n%s", diff)
	}

	// The accepting side can reply over the same connection.
	if err := wb.Send(ctx, "a", []byte("pong"), "t"); err != nil {
		t.Fatalf("Send b→a: %v", err)
	}
	if diff := cmp.Diff([]delivery{{"pong", "b", "t"}}, ra.wait(t, 1)); diff != "" {
		t.Errorf("a deliveries (-want, +got):\n%s", diff)
	}

	if err := wa.Send(ctx, "c", []byte("?"), ""); !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Send to unconnected: got %v, want %v", err, transport.ErrUnknownAddress)
	}
	wa.Close()
	wb.Close()
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() redis.UniversalClient {
		c := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		t.Cleanup(func() { c.Close() })
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb := newRecorder()
	a := transport.NewRedis("a", newClient(), nil)
	b := transport.NewRedis("b", newClient(), &transport.RedisOptions{Prefix: transport.DefaultChannelPrefix}).Bind(rb)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()
	if err := b.Start(ctx); err == nil {
		t.Error("Start again: got nil, want error")
	}
	if err := a.Start(ctx); !errors.Is(err, transport.ErrNotBound) {
		t.Errorf("Start unbound: got %v, want %v", err, transport.ErrNotBound)
	}

	if err := a.Send(ctx, "b", []byte(`{"hi":true}`), "t7"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff([]delivery{{`{"hi":true}`, "a", "t7"}}, rb.wait(t, 1)); diff != "" {
		t.Errorf("Deliveries (-want, +got):\n%s", diff)
	}
	if err := a.Send(ctx, "nobody", []byte("x"), ""); !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Send to unsubscribed: got %v, want %v", err, transport.ErrUnknownAddress)
	}
}

type fakeSender struct {
	name string
	err  error
	log  *[]string
}

func (f fakeSender) Send(_ context.Context, to wire.Address, _ []byte, _ string) error {
	*f.log = append(*f.log, f.name)
	return f.err
}

func TestChain(t *testing.T) {
	var log []string
	unknown := fakeSender{"unknown", transport.ErrUnknownAddress, &log}
	broken := fakeSender{"broken", errors.New("broken"), &log}
	ok := fakeSender{"ok", nil, &log}
	ctx := context.Background()

	tests := []struct {
		chain   transport.Chain
		want    []string
		wantErr error
	}{
		{transport.Chain{unknown, ok, broken}, []string{"unknown", "ok"}, nil},
		{transport.Chain{unknown, unknown}, []string{"unknown", "unknown"}, transport.ErrUnknownAddress},
		{transport.Chain{broken, ok}, []string{"broken"}, broken.err},
		{nil, nil, transport.ErrUnknownAddress},
	}
	for i, tc := range tests {
		log = nil
		err := tc.chain.Send(ctx, "x", []byte("{}"), "")
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("Case %d: Send: got error %v, want %v", i, err, tc.wantErr)
		}
		if diff := cmp.Diff(tc.want, log); diff != "" {
			t.Errorf("Case %d: senders (-want, +got):\n%s", i, diff)
		}
	}
}
