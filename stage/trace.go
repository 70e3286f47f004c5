// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package stage

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/agentrpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TraceStage is a stage that assigns a trace tag to each outbound request
// that does not already have one, and reports the round-trip time when the
// response carrying that tag comes back. Tags of inbound messages are
// preserved, so a response to an inbound request carries the caller's tag.
type TraceStage struct {
	log    zerolog.Logger
	maxAge time.Duration

	// OnComplete, if set, is called with the tag, method, and round-trip time
	// of each traced call that completes.
	OnComplete func(tag, method string, rtt time.Duration)

	μ      sync.Mutex
	flight map[string]traced // tag → outbound request
}

type traced struct {
	method string
	start  time.Time
}

// Trace returns a new tracing stage that logs round-trip times to logger.
// Traced calls with no response after maxAge are forgotten; if maxAge <= 0,
// the pipeline's DefaultTimeout is used. If logger == nil, the global zerolog
// logger is used.
func Trace(logger *zerolog.Logger, maxAge time.Duration) *TraceStage {
	if logger == nil {
		logger = &log.Logger
	}
	if maxAge <= 0 {
		maxAge = agentrpc.DefaultTimeout
	}
	return &TraceStage{log: *logger, maxAge: maxAge, flight: make(map[string]traced)}
}

// InFlight reports the number of traced calls awaiting a response.
func (s *TraceStage) InFlight() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return len(s.flight)
}

// Outbound implements a method of the agentrpc.Stage interface.
func (s *TraceStage) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if !isRequest(m) || m.Msg.IsNotification() {
		return m
	}
	if m.Tag == "" {
		m.Tag = uuid.NewString()
	}
	now := time.Now()
	s.μ.Lock()
	defer s.μ.Unlock()
	for tag, t := range s.flight {
		if now.Sub(t.start) > s.maxAge {
			delete(s.flight, tag)
		}
	}
	s.flight[m.Tag] = traced{method: m.Msg.Method, start: now}
	return m
}

// Inbound implements a method of the agentrpc.Stage interface.
func (s *TraceStage) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if m.Tag == "" || m.Msg == nil || m.Msg.IsRequest() {
		return m
	}
	s.μ.Lock()
	t, ok := s.flight[m.Tag]
	delete(s.flight, m.Tag)
	s.μ.Unlock()
	if ok {
		rtt := time.Since(t.start)
		s.log.Debug().Str("tag", m.Tag).Str("method", t.method).Str("peer", string(m.Peer)).
			Dur("rtt", rtt).Bool("failed", m.Msg.Error != nil).Msg("call traced")
		if s.OnComplete != nil {
			s.OnComplete(m.Tag, t.method, rtt)
		}
	}
	return m
}
