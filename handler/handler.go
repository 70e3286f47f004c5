// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from plain functions to dispatch method
// specs, for methods that take their parameters as a single value.
//
// The params object of a request is decoded as JSON into a value of the
// parameter type P, which is typically a struct with JSON field tags. The
// result, if any, is encoded as JSON. A method built by this package may be
// listed in the Spec of any type, since it ignores its receiver:
//
//	dispatch.Define[*Agent](reg, dispatch.Spec{
//	   Access: dispatch.Public,
//	   Methods: []dispatch.MethodSpec{
//	      handler.ParamResultError("resize", resize),
//	   },
//	})
package handler

import (
	"context"
	"encoding/json"

	"github.com/creachadair/agentrpc/dispatch"
	"github.com/creachadair/agentrpc/wire"
)

// paramsContextKey is a context key for the raw params passed to a handler.
type paramsContextKey struct{}

// ContextParams returns the raw params object of the request passed to the
// handler, or nil if ctx has no associated params. The context passed to a
// function adapted by this package has this value.
func ContextParams(ctx context.Context) json.RawMessage {
	if v := ctx.Value(paramsContextKey{}); v != nil {
		return v.(json.RawMessage)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a method with the given name.
func ParamResultError[P, R any](name string, f func(context.Context, P) (R, error)) dispatch.MethodSpec {
	return dispatch.MethodSpec{
		Name: name,
		Func: func(_ any, ctx context.Context, params json.RawMessage) (R, error) {
			var p P
			if err := unmarshal(params, &p); err != nil {
				var zero R
				return zero, err
			}
			return f(context.WithValue(ctx, paramsContextKey{}, params), p)
		},
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a method with the given name.
func ParamResult[P, R any](name string, f func(context.Context, P) R) dispatch.MethodSpec {
	return ParamResultError(name, func(ctx context.Context, p P) (R, error) { return f(ctx, p), nil })
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a method with the given name. A successful call
// has a null result.
func ParamError[P any](name string, f func(context.Context, P) error) dispatch.MethodSpec {
	return dispatch.MethodSpec{
		Name: name,
		Func: func(_ any, ctx context.Context, params json.RawMessage) error {
			var p P
			if err := unmarshal(params, &p); err != nil {
				return err
			}
			return f(context.WithValue(ctx, paramsContextKey{}, params), p)
		},
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a method with the given name. Any params
// in the request are ignored.
func ResultError[R any](name string, f func(context.Context) (R, error)) dispatch.MethodSpec {
	return dispatch.MethodSpec{
		Name: name,
		Func: func(_ any, ctx context.Context, params json.RawMessage) (R, error) {
			return f(context.WithValue(ctx, paramsContextKey{}, params))
		},
	}
}

// unmarshal decodes the params object data into v, reporting failures as
// invalid params.
func unmarshal(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return wire.Errorf(wire.InvalidParams, "invalid params: %v", err)
	}
	return nil
}
