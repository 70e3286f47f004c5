// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// A Registry holds dispatch tables and caches their compiled form, along with
// the namespace paths discovered for each root type. A Registry is safe for
// concurrent use. Specs should be defined before the registry is used to
// dispatch calls; defining a spec discards everything cached so far.
type Registry struct {
	log zerolog.Logger

	μ     sync.RWMutex
	specs map[reflect.Type]Spec

	info   sync.Map // reflect.Type → *TypeInfo
	routes routeCache
}

// RegistryOptions are settings for a Registry. A nil *RegistryOptions
// provides default values.
type RegistryOptions struct {
	// Logger receives diagnostics about malformed specs.
	// If nil, the global zerolog logger is used.
	Logger *zerolog.Logger
}

// NewRegistry constructs a new empty registry.
func NewRegistry(opts *RegistryOptions) *Registry {
	r := &Registry{log: log.Logger, specs: make(map[reflect.Type]Spec)}
	if opts != nil && opts.Logger != nil {
		r.log = *opts.Logger
	}
	r.routes.init()
	return r
}

// Define registers spec as the dispatch table for t, replacing any previous
// definition, and returns r to permit chaining.
func (r *Registry) Define(t reflect.Type, spec Spec) *Registry {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.specs[t] = spec
	r.info.Clear()
	r.routes.clear()
	return r
}

// Define registers spec as the dispatch table for type T in r.
func Define[T any](r *Registry, spec Spec) *Registry { return r.Define(reflect.TypeFor[T](), spec) }

var describerType = reflect.TypeFor[Describer]()

// lookupSpec reports the spec defined for t, if any.
func (r *Registry) lookupSpec(t reflect.Type) (Spec, bool) {
	r.μ.RLock()
	spec, ok := r.specs[t]
	r.μ.RUnlock()
	if ok {
		return spec, true
	}
	if t.Kind() != reflect.Interface && t.Implements(describerType) {
		return reflect.Zero(t).Interface().(Describer).DispatchSpec(), true
	}
	return Spec{}, false
}

// Info returns the compiled dispatch table for t. A type with no spec has an
// empty table.
func (r *Registry) Info(t reflect.Type) *TypeInfo { return r.infoChain(t, nil) }

func (r *Registry) infoChain(t reflect.Type, chain []reflect.Type) *TypeInfo {
	if v, ok := r.info.Load(t); ok {
		return v.(*TypeInfo)
	}
	ti := r.compile(t, chain)

	// If another goroutine got here first, use its copy and discard ours.
	v, _ := r.info.LoadOrStore(t, ti)
	return v.(*TypeInfo)
}

// compile builds the dispatch table for t from its spec and the specs of the
// types it extends.
func (r *Registry) compile(t reflect.Type, chain []reflect.Type) *TypeInfo {
	spec, _ := r.lookupSpec(t)
	ti := &TypeInfo{
		Type:    t,
		Name:    spec.Name,
		Access:  spec.Access,
		Tag:     spec.Tag,
		methods: make(map[string]*Method),
	}
	if ti.Name == "" {
		ti.Name = t.String()
	}

	chain = append(slices.Clip(chain), t)
	for _, base := range spec.Extends {
		if slices.Contains(chain, base) {
			r.log.Warn().Str("type", t.String()).Str("base", base.String()).
				Msg("dispatch: cyclic extension ignored")
			continue
		}
		ti.inherit(r.infoChain(base, chain))
	}

	for _, ms := range spec.Methods {
		m, err := r.compileMethod(t, ti, ms)
		if err != nil {
			r.log.Warn().Err(err).Str("type", t.String()).Str("method", ms.Name).
				Msg("dispatch: method excluded")
			delete(ti.methods, ms.Name)
			continue
		}
		ti.methods[ms.Name] = m
	}

	for _, ns := range spec.Namespaces {
		acc, err := newAccessor(t, ns)
		if err != nil {
			r.log.Warn().Err(err).Str("type", t.String()).Str("namespace", ns.Name).
				Msg("dispatch: namespace excluded")
			continue
		}
		ti.addNamespace(acc)
	}
	return ti
}

// A TypeInfo is the compiled dispatch table for a type. It is immutable once
// constructed and shared by all values of the type.
type TypeInfo struct {
	Type   reflect.Type
	Name   string
	Access Access // after merging with supertypes
	Tag    string // after merging with supertypes

	methods    map[string]*Method
	namespaces []*Accessor
}

// inherit merges the contents of base into ti.
func (ti *TypeInfo) inherit(base *TypeInfo) {
	if ti.Access == Inherit {
		ti.Access = base.Access
	}
	if ti.Tag == "" {
		ti.Tag = base.Tag
	}
	for name, m := range base.methods {
		ti.methods[name] = m
	}
	for _, acc := range base.namespaces {
		ti.addNamespace(acc)
	}
}

func (ti *TypeInfo) addNamespace(acc *Accessor) {
	if acc.Name != Wildcard {
		for i, old := range ti.namespaces {
			if old.Name == acc.Name {
				ti.namespaces[i] = acc
				return
			}
		}
	}
	ti.namespaces = append(ti.namespaces, acc)
}

// Lookup returns the method of ti with the given name, or nil.
func (ti *TypeInfo) Lookup(name string) *Method { return ti.methods[name] }

// MethodsNamed returns the methods of ti with the given name. Since a method
// overrides any inherited method of the same name, the result has at most
// one element.
func (ti *TypeInfo) MethodsNamed(name string) []*Method {
	if m, ok := ti.methods[name]; ok {
		return []*Method{m}
	}
	return nil
}

// Methods returns all the methods of ti, ordered by name.
func (ti *TypeInfo) Methods() []*Method {
	out := make([]*Method, 0, len(ti.methods))
	for _, m := range ti.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Namespaces returns the namespace accessors of ti, in declaration order.
func (ti *TypeInfo) Namespaces() []*Accessor { return slices.Clone(ti.namespaces) }

// A Method is the compiled form of a MethodSpec.
type Method struct {
	Name   string
	Doc    string
	Access Access // as declared; see EffectiveAccess
	Tag    string
	Params []Param
	Owner  reflect.Type // the type whose spec declared the method

	ownerAccess Access
	ownerTag    string

	fn       reflect.Value
	recv     reflect.Type
	wantsCtx bool
	ins      []reflect.Type // excluding receiver and context
	result   reflect.Type   // nil if the method returns no value
	hasErr   bool
	bulk     bool
	exported bool
}

// EffectiveAccess reports the access level of m, taken from m if set,
// otherwise from its declaring type, otherwise Unavailable.
func (m *Method) EffectiveAccess() Access {
	if m.Access != Inherit {
		return m.Access
	} else if m.ownerAccess != Inherit {
		return m.ownerAccess
	}
	return Unavailable
}

// EffectiveTag reports the access tag of m, taken from m if set, otherwise
// from its declaring type.
func (m *Method) EffectiveTag() string {
	if m.Tag != "" {
		return m.Tag
	}
	return m.ownerTag
}

// Exported reports whether m can be called via RPC, meaning every parameter
// has a binding or m takes the whole params object.
func (m *Method) Exported() bool { return m.exported }

// Bulk reports whether m receives the entire params object as its single
// argument.
func (m *Method) Bulk() bool { return m.bulk }

// Result reports the Go type of the value returned by m, or nil.
func (m *Method) Result() reflect.Type { return m.result }

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	rawType     = reflect.TypeFor[json.RawMessage]()
	objectType  = reflect.TypeFor[map[string]any]()
	anyType     = reflect.TypeFor[any]()
)

// compileMethod compiles ms as a method declared by the type owner, merging
// with an inherited method of the same name in ti, if any.
func (r *Registry) compileMethod(owner reflect.Type, ti *TypeInfo, ms MethodSpec) (*Method, error) {
	m := &Method{
		Name:        ms.Name,
		Doc:         ms.Doc,
		Access:      ms.Access,
		Tag:         ms.Tag,
		Owner:       owner,
		ownerAccess: ti.Access,
		ownerTag:    ti.Tag,
	}
	params := slices.Clone(ms.Params)

	if old, ok := ti.methods[ms.Name]; ok {
		if m.Doc == "" {
			m.Doc = old.Doc
		}
		if m.Access == Inherit {
			m.Access = old.Access
		}
		if m.Tag == "" {
			m.Tag = old.Tag
		}
		for i, p := range old.Params {
			if i >= len(params) {
				params = append(params, p)
			} else if params[i].Kind == Unbound {
				params[i] = p
			} else if p.Kind != Unbound && !params[i].sameBinding(p) {
				return nil, fmt.Errorf("parameter %d binding %v %q conflicts with inherited %v %q",
					i, params[i].Kind, params[i].Name, p.Kind, p.Name)
			}
		}
		if ms.Func == nil {
			m.copyFunc(old)
		}
	} else if ms.Func == nil {
		return nil, fmt.Errorf("method %q has no implementation", ms.Name)
	}
	if ms.Func != nil {
		if err := m.setFunc(ms.Func); err != nil {
			return nil, err
		}
	}
	if len(params) > len(m.ins) {
		return nil, fmt.Errorf("method has %d bindings for %d parameters", len(params), len(m.ins))
	}
	for i := range params {
		params[i].Type = m.ins[i]
	}
	m.Params = params

	switch {
	case len(m.ins) == 1 && (len(params) == 0 || params[0].Kind == Unbound) && isBulkType(m.ins[0]):
		m.bulk = true
		m.exported = true
	case len(params) == len(m.ins):
		m.exported = !slices.ContainsFunc(params, func(p Param) bool { return p.Kind == Unbound })
	}
	return m, nil
}

func isBulkType(t reflect.Type) bool { return t == rawType || t == objectType || t == anyType }

func (m *Method) copyFunc(old *Method) {
	m.fn, m.recv, m.wantsCtx = old.fn, old.recv, old.wantsCtx
	m.ins, m.result, m.hasErr = old.ins, old.result, old.hasErr
}

// setFunc checks that f has a valid method signature and records it in m.
func (m *Method) setFunc(f any) error {
	fv := reflect.ValueOf(f)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("implementation is %v, not a function", ft)
	} else if ft.IsVariadic() {
		return fmt.Errorf("implementation %v is variadic", ft)
	} else if ft.NumIn() == 0 {
		return fmt.Errorf("implementation %v has no receiver", ft)
	}
	m.fn = fv
	m.recv = ft.In(0)
	first := 1
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		m.wantsCtx = true
		first = 2
	}
	m.ins = nil
	for i := first; i < ft.NumIn(); i++ {
		m.ins = append(m.ins, ft.In(i))
	}
	m.result, m.hasErr = nil, false
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.hasErr = true
		} else {
			m.result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return fmt.Errorf("implementation %v: second result must be error", ft)
		}
		m.result, m.hasErr = ft.Out(0), true
	default:
		return fmt.Errorf("implementation %v has too many results", ft)
	}
	return nil
}

// call invokes m with the given receiver and bound arguments.
func (m *Method) call(ctx context.Context, recv reflect.Value, args []reflect.Value) (result any, err error) {
	if !recv.Type().AssignableTo(m.recv) {
		return nil, fmt.Errorf("receiver %v is not assignable to %v", recv.Type(), m.recv)
	}
	in := make([]reflect.Value, 0, 2+len(args))
	in = append(in, recv)
	if m.wantsCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	in = append(in, args...)
	out := m.fn.Call(in)
	if m.hasErr {
		if e := out[len(out)-1].Interface(); e != nil {
			return nil, e.(error)
		}
	}
	if m.result != nil {
		return out[0].Interface(), nil
	}
	return nil, nil
}

// An Accessor is a compiled namespace accessor.
type Accessor struct {
	Name  string
	Owner reflect.Type

	fn     reflect.Value
	recv   reflect.Type
	hasErr bool
}

func newAccessor(owner reflect.Type, ns NamespaceSpec) (*Accessor, error) {
	if ns.Name == "" {
		return nil, fmt.Errorf("namespace has no name")
	} else if ns.Func == nil {
		return nil, fmt.Errorf("namespace %q has no accessor", ns.Name)
	}
	fv := reflect.ValueOf(ns.Func)
	ft := fv.Type()
	if ft.Kind() != reflect.Func || ft.NumIn() != 1 || ft.IsVariadic() {
		return nil, fmt.Errorf("accessor %v must be a function of one argument", ft)
	}
	acc := &Accessor{Name: ns.Name, Owner: owner, fn: fv, recv: ft.In(0)}
	switch {
	case ft.NumOut() == 1 && ft.Out(0) != errorType:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		acc.hasErr = true
	default:
		return nil, fmt.Errorf("accessor %v must return a value and optionally an error", ft)
	}
	return acc, nil
}

// get calls the accessor on v. It returns an invalid value if the accessor
// returned nil. Any panic in the accessor is reported as an error.
func (a *Accessor) get(v reflect.Value) (_ reflect.Value, err error) {
	if !v.Type().AssignableTo(a.recv) {
		return reflect.Value{}, fmt.Errorf("namespace %q: receiver %v is not assignable to %v", a.Name, v.Type(), a.recv)
	}
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("namespace %q: accessor panicked (recovered): %v", a.Name, x)
		}
	}()
	out := a.fn.Call([]reflect.Value{v})
	if a.hasErr {
		if e := out[1].Interface(); e != nil {
			return reflect.Value{}, e.(error)
		}
	}
	res := out[0]
	for res.Kind() == reflect.Interface {
		if res.IsNil() {
			return reflect.Value{}, nil
		}
		res = res.Elem()
	}
	switch res.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if res.IsNil() {
			return reflect.Value{}, nil
		}
	}
	return res, nil
}
