// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package dispatch

import (
	"sync"

	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/mds/mapset"
)

// An Authorizer decides whether a sender may call methods whose access level
// is Private or Self.
type Authorizer interface {
	// IsAllowed reports whether sender holds the given access tag.
	IsAllowed(sender wire.Address, tag string) bool

	// IsSelf reports whether sender is the local agent.
	IsSelf(sender wire.Address) bool
}

// Allowed reports whether sender may call m, according to the effective access
// level of m and the answers of auth. A nil auth denies everything except
// public methods.
func Allowed(m *Method, sender wire.Address, auth Authorizer) bool {
	switch m.EffectiveAccess() {
	case Public:
		return true
	case Self:
		return auth != nil && auth.IsSelf(sender)
	case Private:
		return auth != nil && auth.IsAllowed(sender, m.EffectiveTag())
	default:
		return false
	}
}

// Tags is an Authorizer backed by a table of access tags granted to each
// sender. A zero Tags grants nothing and recognizes no sender as self.
// It is safe for concurrent use.
type Tags struct {
	// Self lists the addresses of the local agent.
	Self []wire.Address

	μ      sync.RWMutex
	grants map[wire.Address]mapset.Set[string]
}

// Grant grants the specified tags to sender, and returns t to permit
// chaining.
func (t *Tags) Grant(sender wire.Address, tags ...string) *Tags {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.grants == nil {
		t.grants = make(map[wire.Address]mapset.Set[string])
	}
	if s, ok := t.grants[sender]; ok {
		s.Add(tags...)
	} else {
		t.grants[sender] = mapset.New(tags...)
	}
	return t
}

// Revoke removes the specified tags from sender.
func (t *Tags) Revoke(sender wire.Address, tags ...string) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if s, ok := t.grants[sender]; ok {
		s.Remove(tags...)
	}
}

// IsAllowed implements a method of the Authorizer interface.
func (t *Tags) IsAllowed(sender wire.Address, tag string) bool {
	t.μ.RLock()
	defer t.μ.RUnlock()
	return t.grants[sender].Has(tag)
}

// IsSelf implements a method of the Authorizer interface.
func (t *Tags) IsSelf(sender wire.Address) bool {
	for _, a := range t.Self {
		if a == sender {
			return true
		}
	}
	return false
}

type allowAll struct{}

func (allowAll) IsAllowed(wire.Address, string) bool { return true }
func (allowAll) IsSelf(wire.Address) bool            { return true }

type denyAll struct{}

func (denyAll) IsAllowed(wire.Address, string) bool { return false }
func (denyAll) IsSelf(wire.Address) bool            { return false }

var (
	// AllowAll is an Authorizer that grants every tag to every sender, and
	// treats every sender as self.
	AllowAll Authorizer = allowAll{}

	// DenyAll is an Authorizer that permits only public methods.
	DenyAll Authorizer = denyAll{}
)
