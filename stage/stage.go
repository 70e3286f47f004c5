// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package stage provides interceptor stages for agentrpc pipelines.
package stage

import (
	"context"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/mds/value"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// kind classifies the message carried by m for logs and metrics.
func kind(m *agentrpc.Meta) string {
	switch msg := m.Msg; {
	case msg == nil:
		return "invalid"
	case msg.IsNotification():
		return "notification"
	case msg.IsRequest():
		return "request"
	case msg.Error != nil:
		return "error"
	default:
		return "response"
	}
}

// isRequest reports whether m carries a request or notification.
func isRequest(m *agentrpc.Meta) bool { return m.Msg != nil && m.Msg.IsRequest() }

// Logger is a stage that logs each message passing through it, and passes
// the message on unchanged.
type Logger struct {
	log zerolog.Logger
}

// Log returns a stage that logs messages to logger at debug level, or at
// warning level for error responses. If logger == nil, the global zerolog
// logger is used.
func Log(logger *zerolog.Logger) *Logger {
	if logger == nil {
		logger = &log.Logger
	}
	return &Logger{log: *logger}
}

// Inbound implements a method of the agentrpc.Stage interface.
func (s *Logger) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { s.logMeta(m); return m }

// Outbound implements a method of the agentrpc.Stage interface.
func (s *Logger) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { s.logMeta(m); return m }

func (s *Logger) logMeta(m *agentrpc.Meta) {
	k := kind(m)
	ev := s.log.WithLevel(value.Cond(k == "error", zerolog.WarnLevel, zerolog.DebugLevel)).
		Stringer("dir", m.Dir).Str("peer", string(m.Peer)).Str("kind", k)
	if m.Tag != "" {
		ev = ev.Str("tag", m.Tag)
	}
	if msg := m.Msg; msg != nil {
		if msg.Method != "" {
			ev = ev.Str("method", msg.Method)
		}
		if !msg.ID.IsZero() {
			ev = ev.Stringer("id", msg.ID)
		}
		if msg.Error != nil {
			ev = ev.Int32("code", int32(msg.Error.Code)).Str("error", msg.Error.Message)
		}
	} else {
		ev = ev.Int("bytes", len(m.Raw))
	}
	ev.Msg("message")
}

// errorReply returns an error response for the request carried by m, or nil
// if m carries a notification.
func errorReply(m *agentrpc.Meta, err *wire.Error) *wire.Message {
	if m.Msg == nil || m.Msg.IsNotification() {
		return nil
	}
	return wire.NewError(m.Msg.ID, err)
}
