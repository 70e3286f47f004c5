// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/creachadair/agentrpc/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// An Invoker executes requests against a root value using the dispatch
// tables of a Registry.
type Invoker struct {
	Registry *Registry

	// Logger receives reports of failed calls. If nil, the global zerolog
	// logger is used.
	Logger *zerolog.Logger
}

func (inv *Invoker) log() *zerolog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return &log.Logger
}

// Invoke resolves, authorizes, binds, and calls the method named by req on
// root, and returns the response message. The method runs synchronously in
// the calling goroutine.
//
// If req is a notification, Invoke returns nil whether or not the call
// succeeded; failures are logged. A method the sender may not call is
// reported as not found. An error returned by the method is reported as is
// if it is an *wire.Error, otherwise it is wrapped with code InternalError.
func (inv *Invoker) Invoke(ctx context.Context, root any, req *wire.Message, sender wire.Address, auth Authorizer) *wire.Message {
	result, err := inv.call(ctx, root, req, sender, auth)
	if err != nil {
		ev := inv.log().Debug()
		if err.Code == wire.InternalError || err.Code == wire.RemoteError {
			ev = inv.log().Error()
		}
		ev.Str("method", req.Method).Str("sender", string(sender)).Stringer("id", req.ID).
			Int32("code", int32(err.Code)).Str("error", err.Message).Msg("call failed")
	}
	if req.IsNotification() {
		return nil
	} else if err != nil {
		return wire.NewError(req.ID, err)
	}
	return &wire.Message{ID: req.ID, Result: result}
}

func (inv *Invoker) call(ctx context.Context, root any, req *wire.Message, sender wire.Address, auth Authorizer) (json.RawMessage, *wire.Error) {
	if !req.IsRequest() {
		return nil, wire.Errorf(wire.InvalidRequest, "message is not a request")
	}
	call, err := inv.Registry.Resolve(root, req.Method)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			inv.log().Warn().Err(err).Str("method", req.Method).Msg("namespace resolution failed")
		}
		return nil, notFound(req.Method)
	}
	m := call.Method

	// An unexported or inaccessible method is reported the same as a missing
	// one, so that callers cannot probe for methods they may not use.
	if !m.Exported() || !Allowed(m, sender, auth) {
		return nil, notFound(req.Method)
	}

	args, err := Bind(m, req.Params, Envelope{Sender: sender, ID: req.ID})
	if err != nil {
		return nil, wire.Wrap(err)
	}
	v, err := safeCall(ctx, m, call, args)
	if err != nil {
		return nil, wire.Wrap(err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, wire.Errorf(wire.InternalError, "encoding result: %v", err)
	}
	return out, nil
}

func notFound(method string) *wire.Error {
	return wire.Errorf(wire.MethodNotFound, "method %q not found", method)
}

// safeCall calls m, converting a panic into an error with code RemoteError.
func safeCall(ctx context.Context, m *Method, call *Call, args []reflect.Value) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = wire.Errorf(wire.RemoteError, "method %q panicked (recovered): %v", call.Path, x)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	return m.call(ctx, call.Dest, args)
}
