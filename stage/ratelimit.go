// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package stage

import (
	"context"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"golang.org/x/time/rate"
)

// RateLimit is a stage that limits the rate of inbound requests using a
// token bucket. Responses and outbound messages are not limited.
//
// If Wait is false, a request that arrives when no token is available is
// stopped and answered with an error with code wire.Overloaded. If Wait is
// true, the request waits for a token, and is stopped without an answer if
// its context ends first.
type RateLimit struct {
	Limiter *rate.Limiter
	Wait    bool
}

// NewRateLimit returns a rate limiting stage that admits r requests per
// second with bursts of up to burst requests, rejecting the excess.
func NewRateLimit(r float64, burst int) *RateLimit {
	return &RateLimit{Limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

// Inbound implements a method of the agentrpc.Stage interface.
func (s *RateLimit) Inbound(ctx context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if !isRequest(m) {
		return m
	}
	if s.Wait {
		if err := s.Limiter.Wait(ctx); err != nil {
			m.Stop = true
		}
		return m
	}
	if !s.Limiter.Allow() {
		m.Stop = true
		if rsp := errorReply(m, wire.Errorf(wire.Overloaded, "rate limit exceeded")); rsp != nil {
			m.Reply(ctx, rsp)
		}
	}
	return m
}

// Outbound implements a method of the agentrpc.Stage interface.
func (s *RateLimit) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta { return m }
