// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/creachadair/agentrpc/wire"
)

// A Description maps each method path to a description of the method.
type Description map[string]MethodDescription

// MethodDescription describes a callable method for service discovery.
type MethodDescription struct {
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Params      []ParamDescription `json:"params" yaml:"params"`
	Returns     string             `json:"returns" yaml:"returns"`
}

// ParamDescription describes one named parameter of a method.
type ParamDescription struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required" yaml:"required"`
}

// Describe reports every method reachable from root that sender is permitted
// to call. Parameters bound from the sender address or request ID are not
// listed, since callers do not supply them.
func (r *Registry) Describe(root any, sender wire.Address, auth Authorizer) Description {
	rv := reflect.ValueOf(root)
	if !rv.IsValid() {
		return nil
	}
	out := make(Description)
	r.describeInto(out, "", rv, sender, auth)
	for path, rt := range r.routesFor(rv) {
		dest, err := rt.replay(rv)
		if err != nil {
			continue
		}
		r.describeInto(out, path, dest, sender, auth)
	}
	return out
}

// Describe reports the methods reachable from root that sender may call.
func (inv *Invoker) Describe(root any, sender wire.Address, auth Authorizer) Description {
	return inv.Registry.Describe(root, sender, auth)
}

func (r *Registry) describeInto(out Description, prefix string, v reflect.Value, sender wire.Address, auth Authorizer) {
	for _, m := range r.Info(v.Type()).Methods() {
		if !m.Exported() || !Allowed(m, sender, auth) {
			continue
		}
		path := m.Name
		if prefix != "" {
			path = prefix + "." + m.Name
		}
		out[path] = describeMethod(m)
	}
}

func describeMethod(m *Method) MethodDescription {
	md := MethodDescription{
		Description: m.Doc,
		Params:      []ParamDescription{},
		Returns:     TypeName(m.result),
	}
	if m.bulk {
		md.Params = append(md.Params, ParamDescription{Name: "params", Type: TypeName(m.ins[0])})
		return md
	}
	for _, p := range m.Params {
		if p.Kind != Named {
			continue
		}
		md.Params = append(md.Params, ParamDescription{
			Name:     p.Name,
			Type:     TypeName(p.Type),
			Required: p.Required,
		})
	}
	return md
}

var (
	timeType     = reflect.TypeFor[time.Time]()
	durationType = reflect.TypeFor[time.Duration]()
	bytesType    = reflect.TypeFor[[]byte]()
	marshalType  = reflect.TypeFor[json.Marshaler]()
)

// TypeName returns a JSON-oriented description of the Go type t, as used in
// service descriptions. A nil type is described as "void".
func TypeName(t reflect.Type) string {
	switch {
	case t == nil:
		return "void"
	case t == rawType || t == anyType:
		return "any"
	case t == timeType:
		return "time"
	case t == durationType:
		return "duration"
	case t == bytesType:
		return "bytes"
	case t == addressType:
		return "address"
	case t == idType:
		return "id"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array<" + TypeName(t.Elem()) + ">"
	case reflect.Map:
		return "object<" + TypeName(t.Elem()) + ">"
	case reflect.Pointer:
		return TypeName(t.Elem())
	case reflect.Interface:
		return "any"
	case reflect.Struct:
		if t.Name() != "" && !t.Implements(marshalType) {
			return "object:" + t.Name()
		}
		return "object"
	}
	return t.String()
}
