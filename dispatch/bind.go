// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/creachadair/agentrpc/wire"
)

// An Envelope carries the parts of a request that parameters may be bound to
// other than the params object.
type Envelope struct {
	Sender wire.Address
	ID     wire.ID
}

var (
	addressType = reflect.TypeFor[wire.Address]()
	idType      = reflect.TypeFor[wire.ID]()
)

// Bind converts the params object of a request into arguments for m,
// excluding the receiver and context. Bind has no side effects.
//
// If m takes no parameters, the result is empty. If m takes the whole params
// object, that is its only argument. Otherwise each argument is bound
// according to its Param. A missing required parameter, a missing optional
// parameter whose type cannot be nil, or a value that cannot be decoded into
// the parameter type is reported as an *wire.Error with code InvalidParams.
func Bind(m *Method, params json.RawMessage, env Envelope) ([]reflect.Value, error) {
	if len(m.ins) == 0 {
		return nil, nil
	}
	if m.bulk {
		v, err := bindBulk(m.ins[0], params)
		if err != nil {
			return nil, err
		}
		return []reflect.Value{v}, nil
	}
	if !m.exported {
		return nil, wire.Errorf(wire.InvalidParams, "method %q has unbound parameters", m.Name)
	}

	var obj map[string]json.RawMessage
	if !isNull(params) {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, wire.Errorf(wire.InvalidParams, "params must be an object: %v", err)
		}
	}

	args := make([]reflect.Value, len(m.Params))
	for i, p := range m.Params {
		var err error
		switch p.Kind {
		case Sender:
			args[i], err = bindSender(p.Type, env.Sender)
		case RequestID:
			args[i], err = bindID(p.Type, env.ID)
		case Named:
			args[i], err = bindNamed(p, obj)
		default:
			err = wire.Errorf(wire.InvalidParams, "parameter %d is unbound", i)
		}
		if err != nil {
			return nil, err
		}
	}
	return args, nil
}

func isNull(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}

func bindBulk(t reflect.Type, params json.RawMessage) (reflect.Value, error) {
	if isNull(params) {
		params = json.RawMessage("{}")
	}
	if t == rawType {
		return reflect.ValueOf(params), nil
	}
	pv := reflect.New(t)
	if err := json.Unmarshal(params, pv.Interface()); err != nil {
		return reflect.Value{}, wire.Errorf(wire.InvalidParams, "invalid params: %v", err)
	}
	return pv.Elem(), nil
}

func bindSender(t reflect.Type, addr wire.Address) (reflect.Value, error) {
	v := reflect.ValueOf(addr)
	if t == addressType {
		return v, nil
	} else if v.CanConvert(t) && t.Kind() == reflect.String {
		return v.Convert(t), nil
	}
	return reflect.Value{}, wire.Errorf(wire.InvalidParams, "cannot bind sender address to %v", t)
}

func bindID(t reflect.Type, id wire.ID) (reflect.Value, error) {
	if t == idType {
		return reflect.ValueOf(id), nil
	} else if id.IsZero() {
		return reflect.Zero(t), nil
	}
	pv := reflect.New(t)
	if err := json.Unmarshal([]byte(id), pv.Interface()); err != nil {
		return reflect.Value{}, wire.Errorf(wire.InvalidParams, "cannot bind request id to %v: %v", t, err)
	}
	return pv.Elem(), nil
}

func bindNamed(p Param, obj map[string]json.RawMessage) (reflect.Value, error) {
	raw, ok := obj[p.Name]
	if !ok && p.Required {
		return reflect.Value{}, wire.Errorf(wire.InvalidParams, "missing required parameter %q", p.Name)
	}
	if !ok || isNull(raw) {
		if !canBeNil(p.Type) {
			return reflect.Value{}, wire.Errorf(wire.InvalidParams, "parameter %q: %v cannot be null", p.Name, p.Type)
		}
		return reflect.Zero(p.Type), nil
	}
	pv := reflect.New(p.Type)
	if err := json.Unmarshal(raw, pv.Interface()); err != nil {
		return reflect.Value{}, wire.Errorf(wire.InvalidParams, "parameter %q: %v", p.Name, err)
	}
	return pv.Elem(), nil
}

// canBeNil reports whether t can represent an absent value.
func canBeNil(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return true
	}
	return false
}
