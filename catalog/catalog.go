// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog collects the service descriptions of a set of agents, so
// that a caller can find which agents provide a method and how to call it.
//
// # Usage
//
// Fetch the descriptions of some agents through a pipeline:
//
//	cat, err := catalog.Fetch(ctx, p, "alpha", "bravo")
//
// Each agent reports only the methods the caller is permitted to use. To
// find the agents providing a method path, use Providers:
//
//	addrs := cat.Providers("scheduler.pending")
//
// A Catalog can also be served by an agent, so that other agents can fetch
// a directory without contacting every agent themselves:
//
//	dispatch.Define[*Directory](reg, dispatch.Spec{
//	   Access:  dispatch.Public,
//	   Methods: []dispatch.MethodSpec{cat.Method("catalog")},
//	})
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/handler"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/taskgroup"
	"gopkg.in/yaml.v3"
)

// A Catalog maps agent addresses to their service descriptions. A Catalog is
// safe for concurrent use.
type Catalog struct {
	μ      sync.RWMutex
	agents map[wire.Address]dispatch.Description
}

// New creates a new empty catalog.
func New() *Catalog { return &Catalog{agents: make(map[wire.Address]dispatch.Description)} }

// Set records desc as the description of the agent at addr, replacing any
// previous description, and returns c to allow chaining.
func (c *Catalog) Set(addr wire.Address, desc dispatch.Description) *Catalog {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.agents[addr] = desc
	return c
}

// Remove removes the description of the agent at addr, if any.
func (c *Catalog) Remove(addr wire.Address) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.agents, addr)
}

// Agents returns the addresses of the agents in c, in sorted order.
func (c *Catalog) Agents() []wire.Address {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return slices.Sorted(maps.Keys(c.agents))
}

// Lookup returns the description of the agent at addr, or nil.
func (c *Catalog) Lookup(addr wire.Address) dispatch.Description {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return c.agents[addr]
}

// Providers returns the addresses of the agents that provide the given
// method path, in sorted order.
func (c *Catalog) Providers(method string) []wire.Address {
	c.μ.RLock()
	defer c.μ.RUnlock()
	var out []wire.Address
	for addr, desc := range c.agents {
		if _, ok := desc[method]; ok {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

// An Entry is one method of one agent.
type Entry struct {
	Agent wire.Address
	Path  string
	dispatch.MethodDescription
}

// Signature renders the calling signature of e, for example:
//
//	scheduler.schedule(job string, at? time) integer
//
// Optional parameters are marked with "?".
func (e Entry) Signature() string {
	var sb strings.Builder
	sb.WriteString(e.Path)
	sb.WriteByte('(')
	for i, p := range e.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		if !p.Required {
			sb.WriteByte('?')
		}
		sb.WriteByte(' ')
		sb.WriteString(p.Type)
	}
	sb.WriteString(") ")
	sb.WriteString(e.Returns)
	return sb.String()
}

// Entries returns all the methods in c, ordered by agent and then by path.
func (c *Catalog) Entries() []Entry {
	c.μ.RLock()
	defer c.μ.RUnlock()
	var out []Entry
	for _, addr := range slices.Sorted(maps.Keys(c.agents)) {
		desc := c.agents[addr]
		for _, path := range slices.Sorted(maps.Keys(desc)) {
			out = append(out, Entry{Agent: addr, Path: path, MethodDescription: desc[path]})
		}
	}
	return out
}

// WriteText writes a listing of the methods in c to w, one line per method.
func (c *Catalog) WriteText(w io.Writer) error {
	for _, e := range c.Entries() {
		line := fmt.Sprintf("%s\t%s", e.Agent, e.Signature())
		if e.Description != "" {
			line += "\t# " + e.Description
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// WriteYAML writes the descriptions in c to w as a YAML document mapping each
// agent address to its description.
func (c *Catalog) WriteYAML(w io.Writer) error {
	c.μ.RLock()
	snap := maps.Clone(c.agents)
	c.μ.RUnlock()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}

// Method returns a method spec with the given name that reports the current
// contents of c as a JSON object mapping each address to its description.
func (c *Catalog) Method(name string) dispatch.MethodSpec {
	return handler.ResultError(name, func(context.Context) (map[wire.Address]dispatch.Description, error) {
		c.μ.RLock()
		defer c.μ.RUnlock()
		return maps.Clone(c.agents), nil
	})
}

// Fetch calls the service description method of each of the given agents
// through p concurrently, and returns a catalog of the results. Agents that
// could not be described are omitted from the catalog, and their errors are
// reported together.
func Fetch(ctx context.Context, p *agentrpc.Pipeline, addrs ...wire.Address) (*Catalog, error) {
	cat := New()
	var μ sync.Mutex
	var errs []error
	g := taskgroup.New(nil)
	for _, addr := range addrs {
		g.Go(func() error {
			desc, err := p.Describe(ctx, addr)
			if err != nil {
				μ.Lock()
				defer μ.Unlock()
				errs = append(errs, fmt.Errorf("describe %q: %w", addr, err))
				return nil
			}
			cat.Set(addr, desc)
			return nil
		})
	}
	g.Wait()
	return cat, errors.Join(errs...)
}
