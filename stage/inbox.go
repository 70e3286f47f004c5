// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package stage

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InboxStage is a stage that gives its pipeline a single-threaded inbox:
// at most one inbound request at a time proceeds past the stage. Requests
// that arrive while another is in progress are held in arrival order, and
// each is released when the one before it has been handled, or when the
// timeout for the one before it elapses, whichever comes first.
//
// Inbound responses are not held, so that a method may wait for the results
// of calls it makes while it runs.
type InboxStage struct {
	// If ReleaseOnCall is true, an outbound call made while a request is in
	// progress releases the next held request. This lets a method call an
	// agent that calls back into this one without waiting out the timeout.
	ReleaseOnCall bool

	timeout time.Duration
	log     zerolog.Logger
	tasks   *taskgroup.Group

	μ      sync.Mutex
	cur    *agentrpc.Meta // the request in progress, or nil
	timer  *time.Timer
	held   *queue.Queue[heldRequest]
	closed bool
}

// A heldRequest is a deferred request waiting for the inbox, with the
// context it arrived on.
type heldRequest struct {
	ctx context.Context
	m   *agentrpc.Meta
}

// Inbox returns a new single-threaded inbox stage. If timeout > 0, a request
// in progress for longer than timeout no longer holds back the next one.
func Inbox(timeout time.Duration) *InboxStage {
	return &InboxStage{
		timeout: timeout,
		log:     log.Logger,
		tasks:   taskgroup.New(nil),
		held:    queue.New[heldRequest](),
	}
}

// Held reports the number of requests waiting behind the one in progress.
func (s *InboxStage) Held() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.held.Len()
}

// Inbound implements a method of the agentrpc.Stage interface.
func (s *InboxStage) Inbound(ctx context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if !isRequest(m) {
		return m
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		m.Stop = true
	} else if s.cur == nil {
		s.startLocked(m)
	} else {
		s.held.Add(heldRequest{ctx: context.WithoutCancel(ctx), m: m.Defer()})
	}
	return m
}

// Outbound implements a method of the agentrpc.Stage interface.
func (s *InboxStage) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	if !s.ReleaseOnCall || !isRequest(m) || m.Msg.IsNotification() {
		return m
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.cur != nil {
		s.releaseLocked()
	}
	return m
}

// Complete implements the agentrpc.Completer interface.
func (s *InboxStage) Complete(_ context.Context, m *agentrpc.Meta) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.cur == m {
		s.releaseLocked()
	}
}

func (s *InboxStage) startLocked(m *agentrpc.Meta) {
	s.cur = m
	if s.timeout > 0 {
		s.timer = time.AfterFunc(s.timeout, func() {
			s.μ.Lock()
			defer s.μ.Unlock()
			if s.cur == m {
				s.log.Warn().Str("peer", string(m.Peer)).Str("method", m.Method()).
					Dur("timeout", s.timeout).Msg("inbox released after timeout")
				s.releaseLocked()
			}
		})
	}
}

// releaseLocked ends the current request and resumes the next held request,
// if any, on the context it arrived with.
func (s *InboxStage) releaseLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cur = nil
	if s.closed {
		return
	}
	next, ok := s.held.Pop()
	if !ok {
		return
	}
	s.startLocked(next.m)
	s.tasks.Go(func() error {
		next.m.Resume(next.ctx)
		return nil
	})
}

// Close discards held requests and waits for resumed requests to finish.
func (s *InboxStage) Close() error {
	s.μ.Lock()
	s.closed = true
	s.held = queue.New[heldRequest]()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.μ.Unlock()
	s.tasks.Wait()
	return nil
}
