// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package dispatch turns JSON-RPC requests into method calls on Go values.
//
// # Dispatch Tables
//
// A type exposes methods to RPC callers through a Spec, a plain-data table
// listing each callable method, how its parameters are bound from the request,
// and who may call it. Specs are registered with a Registry:
//
//	reg := dispatch.NewRegistry(nil)
//	dispatch.Define[*Echo](reg, dispatch.Spec{
//	   Access: dispatch.Public,
//	   Methods: []dispatch.MethodSpec{{
//	      Name:   "echo",
//	      Params: []dispatch.Param{dispatch.Arg("message")},
//	      Func:   (*Echo).Echo,
//	   }},
//	})
//
// Alternatively, a type may implement [Describer] to supply its own Spec.
// The Registry compiles each Spec once, the first time the type is used, and
// caches the result.
//
// The Func of a method is a function whose first argument is the receiver,
// optionally followed by a context.Context, followed by one argument per
// Param. It may return nothing, a value, an error, or a value and an error.
//
// # Namespaces
//
// A Spec may list namespace accessors: functions of the receiver returning
// another value whose methods are reachable under a dotted path. If the root
// exposes an accessor named "scheduler" returning a value with a method
// "schedule", the path "scheduler.schedule" reaches that method. An accessor
// named [Wildcard] takes its path segment from the [Namespaced] value it
// returns.
//
// # Access
//
// Every method has an [Access] level, taken from the method if set, otherwise
// from the type that declared it. Methods are Unavailable by default; an
// unavailable method is reported to callers exactly as if it did not exist.
package dispatch

import (
	"fmt"
	"reflect"
)

// Access is the level of access required to call a method.  The levels are
// ordered from least to most permissive.
type Access int

const (
	Inherit     Access = iota // use the access level of the declaring type
	Unavailable               // never callable
	Private                   // callable by senders the Authorizer grants the method's tag
	Self                      // callable by senders the Authorizer identifies as self
	Public                    // callable by anyone
)

func (a Access) String() string {
	switch a {
	case Inherit:
		return "inherit"
	case Unavailable:
		return "unavailable"
	case Private:
		return "private"
	case Self:
		return "self"
	case Public:
		return "public"
	default:
		return fmt.Sprintf("access %d", int(a))
	}
}

// Kind is the way a method parameter is bound from a request.
type Kind int

const (
	Unbound   Kind = iota // no binding; the method is not callable
	Named                 // a named field of the params object
	Sender                // the address of the sender
	RequestID             // the ID of the request
)

func (k Kind) String() string {
	switch k {
	case Unbound:
		return "unbound"
	case Named:
		return "named"
	case Sender:
		return "sender"
	case RequestID:
		return "request-id"
	default:
		return fmt.Sprintf("kind %d", int(k))
	}
}

// A Param describes how one method parameter is bound.
type Param struct {
	Kind     Kind
	Name     string // the params field name, for Named parameters
	Required bool   // for Named parameters, whether the field must be present

	// Type is the Go type of the parameter. It is filled in when the spec is
	// compiled and need not be set by the caller.
	Type reflect.Type
}

// Arg returns a required Named parameter binding.
func Arg(name string) Param { return Param{Kind: Named, Name: name, Required: true} }

// Opt returns an optional Named parameter binding.
func Opt(name string) Param { return Param{Kind: Named, Name: name} }

// FromSender returns a parameter binding for the sender address.
func FromSender() Param { return Param{Kind: Sender} }

// FromID returns a parameter binding for the request ID.
func FromID() Param { return Param{Kind: RequestID} }

func (p Param) sameBinding(q Param) bool { return p.Kind == q.Kind && p.Name == q.Name }

// A MethodSpec describes one callable method of a type.
type MethodSpec struct {
	Name   string
	Doc    string
	Access Access
	Tag    string // access tag checked for Private methods; default is the type's tag
	Params []Param

	// Func implements the method. It may be nil when overriding an inherited
	// method to adjust its annotations only.
	Func any
}

// Wildcard is the namespace name that defers to the Namespace method of the
// value returned by an accessor.
const Wildcard = "*"

// A NamespaceSpec describes a namespace accessor. Func must be a function of
// one argument, the receiver, that returns a value and optionally an error.
type NamespaceSpec struct {
	Name string
	Func any
}

// A Spec is the dispatch table for a type.
type Spec struct {
	Name   string // used in descriptions; defaults to the Go type name
	Access Access // default access for methods declared by this spec
	Tag    string // default access tag for methods declared by this spec

	// Extends lists supertypes whose specs are merged into this one, in
	// order. A method or namespace declared here overrides an inherited one of
	// the same name; unset annotations are inherited.
	Extends []reflect.Type

	Methods    []MethodSpec
	Namespaces []NamespaceSpec
}

// Describer is implemented by types that supply their own dispatch table.
// The DispatchSpec method is called on the zero value of the type.
type Describer interface {
	DispatchSpec() Spec
}

// Namespaced is implemented by values that name their own namespace when
// returned by a Wildcard accessor.
type Namespaced interface {
	Namespace() string
}
