// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is reported by Resolve for a path that does not name a method.
var ErrNotFound = errors.New("path not found")

// maxDepth bounds the length of a namespace path.
const maxDepth = 32

// A Call is the result of resolving a method path against a root value.
type Call struct {
	Path   string
	Dest   reflect.Value // the receiver for the method, possibly not the root
	Type   *TypeInfo     // the dispatch table of Dest
	Method *Method
}

// A route is the sequence of accessors leading from a root to a namespace.
type route []*Accessor

func (rt route) replay(root reflect.Value) (reflect.Value, error) {
	v := root
	for _, acc := range rt {
		next, err := acc.get(v)
		if err != nil {
			return reflect.Value{}, err
		} else if !next.IsValid() {
			return reflect.Value{}, fmt.Errorf("namespace %q is nil: %w", acc.Name, ErrNotFound)
		}
		v = next
	}
	return v, nil
}

// routeCache records the namespace routes discovered for each root type.
// Once a root type is populated, its entry is never modified.
type routeCache struct {
	μ sync.Mutex
	m map[reflect.Type]map[string]route
}

func (c *routeCache) init() { c.m = make(map[reflect.Type]map[string]route) }

func (c *routeCache) clear() {
	c.μ.Lock()
	defer c.μ.Unlock()
	clear(c.m)
}

func (c *routeCache) get(t reflect.Type) (map[string]route, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	m, ok := c.m[t]
	return m, ok
}

// put records m as the routes for t, unless another goroutine already did,
// and returns the routes in effect.
func (c *routeCache) put(t reflect.Type, m map[string]route) map[string]route {
	c.μ.Lock()
	defer c.μ.Unlock()
	if old, ok := c.m[t]; ok {
		return old
	}
	c.m[t] = m
	return m
}

// routesFor returns the namespace routes of the type of root, populating them
// from root if they have not yet been discovered.
func (r *Registry) routesFor(root reflect.Value) map[string]route {
	if m, ok := r.routes.get(root.Type()); ok {
		return m
	}
	m := make(map[string]route)
	r.walk(root, "", nil, []reflect.Type{root.Type()}, m)
	return r.routes.put(root.Type(), m)
}

// walk records in out a route for each namespace reachable from v, whose own
// path is prefix and whose route from the root is seq. The types on the
// current branch are listed in seen, and are not visited again.
func (r *Registry) walk(v reflect.Value, prefix string, seq route, seen []reflect.Type, out map[string]route) {
	if len(seq) >= maxDepth {
		return
	}
	for _, acc := range r.Info(v.Type()).namespaces {
		next, err := acc.get(v)
		if err != nil {
			r.log.Debug().Err(err).Str("path", prefix).Msg("dispatch: namespace skipped")
			continue
		} else if !next.IsValid() {
			continue // a nil namespace has nothing below it
		}

		seg := acc.Name
		if seg == Wildcard {
			ns, ok := next.Interface().(Namespaced)
			if !ok || ns.Namespace() == "" {
				r.log.Debug().Str("type", next.Type().String()).Str("path", prefix).
					Msg("dispatch: wildcard namespace has no name")
				continue
			}
			seg = ns.Namespace()
		}
		if slices.Contains(seen, next.Type()) {
			continue
		}

		path := seg
		if prefix != "" {
			path = prefix + "." + seg
		}
		if _, ok := out[path]; ok {
			continue // the first accessor to claim a path wins
		}
		nseq := append(slices.Clip(seq), acc)
		out[path] = nseq
		r.walk(next, path, nseq, append(slices.Clip(seen), next.Type()), out)
	}
}

// Resolve resolves a method path against root. If the path is dotted, the
// prefix before the last dot names a namespace reachable from root, and the
// final component names a method of that namespace. Otherwise the path names
// a method of root itself.
//
// The namespaces reachable from a root type are discovered the first time a
// dotted path is resolved against a value of that type, and cached. The
// accessors leading to the destination are called again for each call.
func (r *Registry) Resolve(root any, path string) (*Call, error) {
	rv := reflect.ValueOf(root)
	if !rv.IsValid() {
		return nil, fmt.Errorf("resolve %q: no root: %w", path, ErrNotFound)
	}
	dest := rv
	name := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		prefix := path[:i]
		name = path[i+1:]
		rt, ok := r.routesFor(rv)[prefix]
		if !ok {
			return nil, fmt.Errorf("resolve %q: unknown namespace %q: %w", path, prefix, ErrNotFound)
		}
		var err error
		dest, err = rt.replay(rv)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", path, err)
		}
	}
	ti := r.Info(dest.Type())
	m := ti.Lookup(name)
	if m == nil {
		return nil, fmt.Errorf("resolve %q: no method %q on %s: %w", path, name, ti.Name, ErrNotFound)
	}
	return &Call{Path: path, Dest: dest, Type: ti, Method: m}, nil
}

// Paths reports the namespace paths reachable from root, in sorted order.
// The empty path, denoting root itself, is not included.
func (r *Registry) Paths(root any) []string {
	rv := reflect.ValueOf(root)
	if !rv.IsValid() {
		return nil
	}
	routes := r.routesFor(rv)
	out := make([]string, 0, len(routes))
	for path := range routes {
		out = append(out, path)
	}
	slices.Sort(out)
	return out
}
