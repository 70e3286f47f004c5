// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package agentrpc_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/wire"
	"github.com/google/go-cmp/cmp"
)

// journal is a shared log of stage activity.
type journal struct {
	μ   sync.Mutex
	log []string
}

func (j *journal) add(format string, args ...any) {
	j.μ.Lock()
	defer j.μ.Unlock()
	j.log = append(j.log, fmt.Sprintf(format, args...))
}

func (j *journal) take() []string {
	j.μ.Lock()
	defer j.μ.Unlock()
	out := j.log
	j.log = nil
	return out
}

// recStage records each visit to the journal.
type recStage struct {
	name string
	j    *journal
}

func (s recStage) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	s.j.add("%s in %s", s.name, m.Method())
	return m
}

func (s recStage) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	s.j.add("%s out %s", s.name, m.ID())
	return m
}

func (s recStage) Complete(_ context.Context, m *agentrpc.Meta) {
	s.j.add("%s done %s", s.name, m.Method())
}

// rename rewrites inbound calls to "hello" as calls to "echo", replacing the
// Meta.
type rename struct{}

func (rename) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if m.Method() != "hello" {
		return m
	}
	msg := *m.Msg
	msg.Method = "echo"
	return &agentrpc.Meta{Peer: m.Peer, Tag: m.Tag, Msg: &msg}
}

func (rename) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { return m }

// gate holds inbound requests until released.
type gate struct {
	μ    sync.Mutex
	held []*agentrpc.Meta
}

func (g *gate) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	g.μ.Lock()
	defer g.μ.Unlock()
	g.held = append(g.held, m.Defer())
	return m
}

func (g *gate) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { return m }

func (g *gate) release(ctx context.Context) {
	g.μ.Lock()
	held := g.held
	g.held = nil
	g.μ.Unlock()
	for _, m := range held {
		m.Resume(ctx)
	}
}

// refuse stops inbound calls to "refuse" for good, answering them with an
// error.
type refuse struct{}

func (refuse) Inbound(ctx context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if m.Method() != "refuse" {
		return m
	}
	m.Reply(ctx, wire.NewError(m.ID(), wire.Errorf(wire.Unauthorized, "refused")))
	m.Stop = true
	return m
}

func (refuse) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { return m }

// drop stops outbound error responses.
type drop struct{}

func (drop) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { return m }

func (drop) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if m.Msg != nil && m.Msg.Error != nil {
		return nil
	}
	return m
}

func request(method, msg string) []byte {
	return fmt.Appendf(nil, `{"jsonrpc":"2.0","id":1,"method":%q,"params":{"msg":%q}}`, method, msg)
}

func TestStageOrder(t *testing.T) {
	var j journal
	tr := new(capture)
	p := agentrpc.New(&agentrpc.Options{
		Root:      new(calc),
		Registry:  newRegistry(),
		Transport: tr,
		Stages:    []agentrpc.Stage{recStage{"s1", &j}, rename{}, recStage{"s2", &j}},
	})
	defer p.Close()
	ctx := context.Background()

	p.Receive(ctx, request("hello", "hi"), "peer", "")
	if diff := cmp.Diff([]string{
		"s1 in hello", "s2 in echo",
		"s2 out 1", "s1 out 1",
		"s2 done echo", "s1 done hello",
	}, j.take()); diff != "" {
		t.Errorf("Stage order (-want, +got):\n%s", diff)
	}
	if sent := tr.take(); len(sent) != 1 || string(sent[0].Result) != `"hi"` {
		t.Errorf("Replies: got %v, want one echo", sent)
	}

	// Messages sent by the pipeline traverse only the outbound direction.
	if err := p.Send(ctx, "peer", &wire.Message{ID: wire.IntID(2), Result: []byte(`1`)}, ""); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"s2 out 2", "s1 out 2"}, j.take()); diff != "" {
		t.Errorf("Send order (-want, +got):\n%s", diff)
	}
}

func TestStageResume(t *testing.T) {
	var j journal
	g := new(gate)
	tr := new(capture)
	p := agentrpc.New(&agentrpc.Options{
		Root:      new(calc),
		Registry:  newRegistry(),
		Transport: tr,
		Stages:    []agentrpc.Stage{recStage{"s1", &j}, g, recStage{"s2", &j}},
	})
	defer p.Close()
	ctx := context.Background()

	p.Receive(ctx, request("echo", "a"), "peer", "")
	p.Receive(ctx, request("echo", "b"), "peer", "")
	if diff := cmp.Diff([]string{"s1 in echo", "s1 in echo"}, j.take()); diff != "" {
		t.Errorf("Before release (-want, +got):\n%s", diff)
	}
	if sent := tr.take(); len(sent) != 0 {
		t.Errorf("Before release: got replies %v, want none", sent)
	}
	if got := p.Metrics().Get("messages_stopped").String(); got != "2" {
		t.Errorf("messages_stopped: got %s, want 2", got)
	}

	g.release(ctx)
	if diff := cmp.Diff([]string{
		"s2 in echo", "s2 out 1", "s1 out 1", "s2 done echo", "s1 done echo",
		"s2 in echo", "s2 out 1", "s1 out 1", "s2 done echo", "s1 done echo",
	}, j.take()); diff != "" {
		t.Errorf("After release (-want, +got):\n%s", diff)
	}
	var got []string
	for _, m := range tr.take() {
		got = append(got, string(m.Result))
	}
	if diff := cmp.Diff([]string{`"a"`, `"b"`}, got); diff != "" {
		t.Errorf("Replies (-want, +got):\n%s", diff)
	}
}

func TestStageStopCompletes(t *testing.T) {
	var j journal
	tr := new(capture)
	p := agentrpc.New(&agentrpc.Options{
		Root:      new(calc),
		Registry:  newRegistry(),
		Transport: tr,
		Stages:    []agentrpc.Stage{recStage{"s1", &j}, recStage{"s2", &j}, refuse{}, recStage{"s3", &j}},
	})
	defer p.Close()
	ctx := context.Background()

	// A message stopped for good is complete for the stages before the one
	// that stopped it, and never reaches the stages after.
	p.Receive(ctx, request("refuse", "x"), "peer", "")
	if diff := cmp.Diff([]string{
		"s1 in refuse", "s2 in refuse",
		"s3 out 1", "s2 out 1", "s1 out 1",
		"s2 done refuse", "s1 done refuse",
	}, j.take()); diff != "" {
		t.Errorf("Stage order (-want, +got):\n%s", diff)
	}
	sent := tr.take()
	if len(sent) != 1 || sent[0].Error == nil || sent[0].Error.Code != wire.Unauthorized {
		t.Errorf("Replies: got %v, want one unauthorized error", sent)
	}
	if got := p.Metrics().Get("messages_stopped").String(); got != "1" {
		t.Errorf("messages_stopped: got %s, want 1", got)
	}
}

func TestStageDeferNotComplete(t *testing.T) {
	var j journal
	g := new(gate)
	p := agentrpc.New(&agentrpc.Options{
		Root:      new(calc),
		Registry:  newRegistry(),
		Transport: new(capture),
		Stages:    []agentrpc.Stage{recStage{"s1", &j}, g, refuse{}, recStage{"s2", &j}},
	})
	defer p.Close()
	ctx := context.Background()

	// A deferred message is not complete until its resumed traversal ends,
	// whether it reaches the terminal stage or is stopped later.
	p.Receive(ctx, request("refuse", "x"), "peer", "")
	if diff := cmp.Diff([]string{"s1 in refuse"}, j.take()); diff != "" {
		t.Errorf("Before release (-want, +got):\n%s", diff)
	}
	g.release(ctx)
	if diff := cmp.Diff([]string{
		"s2 out 1", "s1 out 1", "s1 done refuse",
	}, j.take()); diff != "" {
		t.Errorf("After release (-want, +got):\n%s", diff)
	}
}

func TestStageDeferConcurrent(t *testing.T) {
	var j journal
	g := new(gate)
	tr := new(capture)
	p := agentrpc.New(&agentrpc.Options{
		Root:      new(calc),
		Registry:  newRegistry(),
		Transport: tr,
		Stages:    []agentrpc.Stage{g, recStage{"s1", &j}},
	})
	defer p.Close()
	ctx := context.Background()

	// Releasing while other messages are still arriving must run each
	// message exactly once.
	const numCalls = 100
	var wg sync.WaitGroup
	for i := range numCalls {
		wg.Go(func() {
			p.Receive(ctx, request("echo", fmt.Sprint(i)), "peer", "")
			g.release(ctx)
		})
	}
	wg.Wait()
	g.release(ctx)

	if got := len(tr.take()); got != numCalls {
		t.Errorf("Replies: got %d, want %d", got, numCalls)
	}
	if got := p.Metrics().Get("calls_in").String(); got != fmt.Sprint(numCalls) {
		t.Errorf("calls_in: got %s, want %d", got, numCalls)
	}
}

func TestStageDrop(t *testing.T) {
	tr := new(capture)
	p := agentrpc.New(&agentrpc.Options{
		Root:      new(calc),
		Registry:  newRegistry(),
		Transport: tr,
		Stages:    []agentrpc.Stage{drop{}},
	})
	defer p.Close()
	ctx := context.Background()

	p.Receive(ctx, request("nonesuch", "x"), "peer", "")
	p.Receive(ctx, request("echo", "x"), "peer", "")
	sent := tr.take()
	if len(sent) != 1 || sent[0].Error != nil {
		t.Errorf("Replies: got %v, want one success", sent)
	}
}

// spy records the Meta of the request it serves.
type spy struct{ got *agentrpc.Meta }

func (s *spy) Look(ctx context.Context) { s.got = agentrpc.ContextMeta(ctx) }

func TestContextMeta(t *testing.T) {
	root := new(spy)
	reg := dispatch.Define[*spy](dispatch.NewRegistry(nil), dispatch.Spec{
		Access:  dispatch.Public,
		Methods: []dispatch.MethodSpec{{Name: "look", Func: (*spy).Look}},
	})
	p := agentrpc.New(&agentrpc.Options{Root: root, Registry: reg, Transport: new(capture)})
	defer p.Close()

	p.Receive(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"look"}`), "peer", "t")
	got := root.got
	if got == nil {
		t.Fatal("ContextMeta: got nil")
	}
	if got.Peer != "peer" || got.Tag != "t" || got.Method() != "look" || got.Dir != agentrpc.Inbound {
		t.Errorf("ContextMeta: got %v", got)
	}
}
