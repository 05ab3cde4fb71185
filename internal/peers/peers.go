// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package peers models the shared peer state that is the only
// communication path between coordinator instances: one app-scope bag
// writable by the elected leader and readable everywhere, and one
// unit-scope bag per node writable only by its owner. Propagation
// between nodes is eventually consistent and entirely external; this
// package only enforces the single-writer rules and the key scheme.
package peers

import (
	"strings"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

const (
	tokenKeySuffix = ".join_token"
	joinedKey      = "joined"
)

// TokenKey returns the app-scope key under which the join token for
// the given unit is published.
func TokenKey(unit string) string {
	return unit + tokenKeySuffix
}

// LeadershipFunc reports whether the local unit currently holds
// application leadership. Leadership is an externally supplied fact
// about process identity; it can be withdrawn between notifications,
// so it is consulted before every app-scope write rather than cached.
type LeadershipFunc func() bool

// State is the local view of the shared peer bags.
//
// Writes through the typed methods enforce the single-writer rules:
// app scope requires leadership, unit scope is always the local
// unit's own bag. The Sync/Snapshot methods are the bridge for the
// external propagation mechanism and carry no such guard, since they
// represent observations of remote writers, not local mutations.
type State struct {
	mu        sync.Mutex
	localUnit string
	isLeader  LeadershipFunc
	app       map[string]string
	units     map[string]map[string]string
}

// NewState returns shared peer state for the given local unit.
func NewState(localUnit string, isLeader LeadershipFunc) (*State, error) {
	if !names.IsValidUnit(localUnit) {
		return nil, errors.NotValidf("unit name %q", localUnit)
	}
	if isLeader == nil {
		return nil, errors.NotValidf("nil leadership check")
	}
	return &State{
		localUnit: localUnit,
		isLeader:  isLeader,
		app:       make(map[string]string),
		units:     make(map[string]map[string]string),
	}, nil
}

// LocalUnit returns the unit that owns this state's unit-scope bag.
func (s *State) LocalUnit() string {
	return s.localUnit
}

// Leader reports whether the local unit holds leadership right now.
func (s *State) Leader() bool {
	return s.isLeader()
}

// JoinToken returns the token published for the given unit, if any.
func (s *State) JoinToken(unit string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.app[TokenKey(unit)]
	return token, ok
}

// TokenKeys returns every app-scope join token key currently visible.
func (s *State) TokenKeys() set.Strings {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := set.NewStrings()
	for key := range s.app {
		if strings.HasSuffix(key, tokenKeySuffix) {
			keys.Add(key)
		}
	}
	return keys
}

// SetJoinToken publishes a join token for the given unit. Leader only.
func (s *State) SetJoinToken(unit, token string) error {
	return s.setAppData(TokenKey(unit), token)
}

// DeleteJoinToken withdraws a departed unit's token. Leader only, and
// idempotent: deleting an absent token is not an error.
func (s *State) DeleteJoinToken(unit string) error {
	if !s.isLeader() {
		return errors.Forbiddenf("only the leader writes app data")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.app, TokenKey(unit))
	return nil
}

// ClusterSeeded reports whether the leader has recorded that the
// cluster has a seed node.
func (s *State) ClusterSeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.app[joinedKey]
	return ok
}

// MarkClusterSeeded records in app scope that the cluster has a seed.
// Leader only.
func (s *State) MarkClusterSeeded() error {
	return s.setAppData(joinedKey, "true")
}

func (s *State) setAppData(key, value string) error {
	if !s.isLeader() {
		return errors.Forbiddenf("only the leader writes app data")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app[key] = value
	return nil
}

// Announce merges values into the local unit's bag. Used for the
// transient self-announcements (host, nonce) peers key off.
func (s *State) Announce(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag := s.units[s.localUnit]
	if bag == nil {
		bag = make(map[string]string)
		s.units[s.localUnit] = bag
	}
	for key, value := range values {
		bag[key] = value
	}
}

// AnnounceJoined publishes in unit scope that the local node has
// joined the cluster, so the leader can observe it.
func (s *State) AnnounceJoined() {
	s.Announce(map[string]string{joinedKey: "true"})
}

// UnitJoined reports whether the given unit has announced that it
// joined the cluster.
func (s *State) UnitJoined(unit string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[unit][joinedKey] == "true"
}

// UnitData returns a copy of the given unit's announcement bag.
func (s *State) UnitData(unit string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyBag(s.units[unit])
}

// SyncAppData overwrites the local view of the app-scope bag with
// contents observed from the propagation medium. On the leader the
// local view is authoritative, so observed contents are ignored.
func (s *State) SyncAppData(data map[string]string) {
	if s.isLeader() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = copyBag(data)
}

// SyncUnitData overwrites the local view of a remote unit's bag with
// contents observed from the propagation medium. The local unit's own
// bag is authoritative locally and is never synced over.
func (s *State) SyncUnitData(unit string, data map[string]string) {
	if unit == s.localUnit {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit] = copyBag(data)
}

// Snapshot returns copies of the app-scope bag and the local unit's
// bag, for the propagation medium to flush outward.
func (s *State) Snapshot() (app, local map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyBag(s.app), copyBag(s.units[s.localUnit])
}

func copyBag(bag map[string]string) map[string]string {
	out := make(map[string]string, len(bag))
	for key, value := range bag {
		out[key] = value
	}
	return out
}
