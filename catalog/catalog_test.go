// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/catalog"
	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/transport"
	"github.com/creachadair/agentrpc/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

type echoAgent struct{}

func (echoAgent) Echo(msg string) string { return msg }

type schedAgent struct{ echoAgent }

func (schedAgent) Scheduler() *scheduler { return new(scheduler) }

type scheduler struct{}

func (*scheduler) Pending() int { return 0 }

type directory struct{}

func newRegistry(cat *catalog.Catalog) *dispatch.Registry {
	reg := dispatch.NewRegistry(nil)
	echo := dispatch.MethodSpec{
		Name:   "echo",
		Doc:    "Echo a message.",
		Params: []dispatch.Param{dispatch.Arg("msg")},
		Func:   echoAgent.Echo,
	}
	dispatch.Define[echoAgent](reg, dispatch.Spec{Access: dispatch.Public, Methods: []dispatch.MethodSpec{echo}})
	dispatch.Define[schedAgent](reg, dispatch.Spec{
		Access:     dispatch.Public,
		Methods:    []dispatch.MethodSpec{{Name: "echo", Doc: echo.Doc, Params: echo.Params, Func: schedAgent.Echo}},
		Namespaces: []dispatch.NamespaceSpec{{Name: "scheduler", Func: schedAgent.Scheduler}},
	})
	dispatch.Define[*scheduler](reg, dispatch.Spec{
		Access:  dispatch.Public,
		Methods: []dispatch.MethodSpec{{Name: "pending", Func: (*scheduler).Pending}},
	})
	dispatch.Define[directory](reg, dispatch.Spec{
		Access:  dispatch.Public,
		Methods: []dispatch.MethodSpec{cat.Method("catalog")},
	})
	return reg
}

func TestCatalog(t *testing.T) {
	defer leaktest.Check(t)()

	served := catalog.New()
	reg := newRegistry(served)

	n := transport.NewNetwork()
	defer n.Close()
	start := func(addr wire.Address, root any) *agentrpc.Pipeline {
		ep := n.Endpoint(addr)
		p := agentrpc.New(&agentrpc.Options{Root: root, Registry: reg, Transport: ep})
		ep.Bind(p)
		t.Cleanup(func() { p.Close() })
		return p
	}
	start("alpha", echoAgent{})
	start("bravo", schedAgent{})
	start("dir", directory{})
	client := start("client", nil)

	cat, err := catalog.Fetch(t.Context(), client, "alpha", "bravo", "ghost")
	if !errors.Is(err, transport.ErrUnknownAddress) {
		t.Errorf("Fetch: got error %v, want %v", err, transport.ErrUnknownAddress)
	}
	if diff := cmp.Diff([]wire.Address{"alpha", "bravo"}, cat.Agents()); diff != "" {
		t.Errorf("Agents (-want, +got):\n%s", diff)
	}

	t.Run("Providers", func(t *testing.T) {
		if diff := cmp.Diff([]wire.Address{"alpha", "bravo"}, cat.Providers("echo")); diff != "" {
			t.Errorf("Providers echo (-want, +got):\n%s", diff)
		}
		if diff := cmp.Diff([]wire.Address{"bravo"}, cat.Providers("scheduler.pending")); diff != "" {
			t.Errorf("Providers scheduler.pending (-want, +got):\n%s", diff)
		}
		if got := cat.Providers("nonesuch"); len(got) != 0 {
			t.Errorf("Providers nonesuch: got %v, want none", got)
		}
	})

	t.Run("WriteText", func(t *testing.T) {
		var sb strings.Builder
		if err := cat.WriteText(&sb); err != nil {
			t.Fatalf("WriteText: unexpected error: %v", err)
		}
		const want = "alpha\techo(msg string) string\t# Echo a message.\n" +
			"bravo\techo(msg string) string\t# Echo a message.\n" +
			"bravo\tscheduler.pending() integer\n"
		if diff := cmp.Diff(want, sb.String()); diff != "" {
			t.Errorf("WriteText (-want, +got):\n%s", diff)
		}
	})

	t.Run("WriteYAML", func(t *testing.T) {
		var sb strings.Builder
		if err := cat.WriteYAML(&sb); err != nil {
			t.Fatalf("WriteYAML: unexpected error: %v", err)
		}
		var got map[wire.Address]dispatch.Description
		if err := yaml.Unmarshal([]byte(sb.String()), &got); err != nil {
			t.Fatalf("Decode YAML: %v\n%s", err, sb.String())
		}
		want := map[wire.Address]dispatch.Description{"alpha": cat.Lookup("alpha"), "bravo": cat.Lookup("bravo")}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("WriteYAML round trip (-want, +got):\n%s", diff)
		}
	})

	t.Run("Method", func(t *testing.T) {
		served.Set("alpha", cat.Lookup("alpha"))
		got, err := agentrpc.CallResult[map[wire.Address]dispatch.Description](t.Context(), client, "dir", "catalog", nil)
		if err != nil {
			t.Fatalf("Call catalog: unexpected error: %v", err)
		}
		want := map[wire.Address]dispatch.Description{"alpha": cat.Lookup("alpha")}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Served catalog (-want, +got):\n%s", diff)
		}
	})
}

func TestSignature(t *testing.T) {
	e := catalog.Entry{
		Path: "scheduler.schedule",
		MethodDescription: dispatch.MethodDescription{
			Params: []dispatch.ParamDescription{
				{Name: "job", Type: "string", Required: true},
				{Name: "at", Type: "time"},
			},
			Returns: "integer",
		},
	}
	if got, want := e.Signature(), "scheduler.schedule(job string, at? time) integer"; got != want {
		t.Errorf("Signature: got %q, want %q", got, want)
	}
}
