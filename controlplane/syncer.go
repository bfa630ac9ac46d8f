// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controlplane

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/serviceid"
)

var errDemuxRegistration = errors.New("demux targets cannot be registered by a source")

// Table is the part of [svctable.Table] a Syncer drives.
type Table interface {
	Add(prefix serviceid.Prefix, rule svctable.Rule) error
	Modify(prefix serviceid.Prefix, mod svctable.Modification) (bool, error)
	RemoveTarget(prefix serviceid.Prefix, key svctable.TargetKey) (svctable.Stats, bool)
}

type registrationKey struct {
	prefix   serviceid.Prefix
	ruleType svctable.RuleType
	dest     string
}

func keyOf(r Registration) registrationKey {
	return registrationKey{prefix: r.Prefix.Masked(), ruleType: r.Rule.Type, dest: string(r.Rule.Dest)}
}

// LinkChecker reports whether the interface with the given index is known
// to be down. [linkstate.Monitor] implements it.
type LinkChecker interface {
	LinkDown(ifIndex int) bool
}

// SyncerOption customizes a Syncer created with NewSyncer.
type SyncerOption interface {
	apply(*Syncer)
}

type syncerOptionFunc func(*Syncer)

func (f syncerOptionFunc) apply(s *Syncer) {
	f(s)
}

// WithLinkChecker makes the Syncer hold back forward registrations whose
// interface is down. They stay owned, and are added once a later set
// arrives while the link is up.
func WithLinkChecker(links LinkChecker) SyncerOption {
	return syncerOptionFunc(func(s *Syncer) {
		s.links = links
	})
}

// Syncer is a Receiver that applies registration sets to a table.
type Syncer struct {
	table  Table
	logger *slog.Logger
	links  LinkChecker

	mu sync.Mutex
	// +checklocks:mu
	owned map[registrationKey]Registration
}

var _ Receiver = (*Syncer)(nil)

// NewSyncer returns a Syncer for table. A nil logger discards output.
func NewSyncer(table Table, logger *slog.Logger, opts ...SyncerOption) *Syncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	syncer := &Syncer{
		table:  table,
		logger: logger,
		owned:  map[registrationKey]Registration{},
	}
	for _, opt := range opts {
		opt.apply(syncer)
	}
	return syncer
}

// OnRegistrations reconciles the table with registrations.
func (s *Syncer) OnRegistrations(registrations []Registration) {
	desired := make(map[registrationKey]Registration, len(registrations))
	for _, registration := range registrations {
		if registration.Rule.Type == svctable.RuleDemux {
			s.OnError(fmt.Errorf("%v: %w", registration.Prefix, errDemuxRegistration))
			continue
		}
		desired[keyOf(registration)] = registration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, current := range s.owned {
		if _, ok := desired[key]; !ok {
			s.remove(key, current)
		}
	}
	for key, want := range desired {
		current, ok := s.owned[key]
		switch {
		case !ok:
			s.add(key, want)
		case current.Rule.IfIndex != want.Rule.IfIndex:
			s.remove(key, current)
			s.add(key, want)
		case current.Rule.Priority != want.Rule.Priority ||
			current.Rule.Flags != want.Rule.Flags ||
			normalize(current.Rule.Weight) != normalize(want.Rule.Weight):
			s.modify(key, want)
		default:
			s.restore(key, want)
		}
	}
}

// OnError logs err.
func (s *Syncer) OnError(err error) {
	s.logger.Warn("control plane source failed", "error", err)
}

// Withdraw removes everything the Syncer added.
func (s *Syncer) Withdraw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, current := range s.owned {
		s.remove(key, current)
	}
}

// Len returns the number of registrations the Syncer currently owns.
func (s *Syncer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}

// linkDown reports whether registration forwards through a link that is
// down.
func (s *Syncer) linkDown(registration Registration) bool {
	rule := registration.Rule
	return s.links != nil && rule.Type == svctable.RuleForward && rule.IfIndex != 0 && s.links.LinkDown(rule.IfIndex)
}

// +checklocks:s.mu
func (s *Syncer) add(key registrationKey, registration Registration) {
	if s.linkDown(registration) {
		s.logger.Debug("holding back registration on down link", "prefix", registration.Prefix, "ifindex", registration.Rule.IfIndex)
		s.owned[key] = registration
		return
	}
	err := s.table.Add(registration.Prefix, registration.Rule)
	switch {
	case errors.Is(err, svctable.ErrAlreadyExists):
		// Registered by someone else; leave it to them.
		s.logger.Debug("registration already present", "prefix", registration.Prefix, "type", registration.Rule.Type)
		return
	case err != nil:
		s.logger.Warn("add registration", "prefix", registration.Prefix, "type", registration.Rule.Type, "error", err)
		return
	}
	s.owned[key] = registration
}

// restore re-adds an owned registration that the table dropped on its
// own, for example when its link went down and has since come back.
//
// +checklocks:s.mu
func (s *Syncer) restore(key registrationKey, registration Registration) {
	if s.linkDown(registration) {
		return
	}
	err := s.table.Add(registration.Prefix, registration.Rule)
	switch {
	case err == nil:
		s.logger.Debug("restored registration", "prefix", registration.Prefix, "type", registration.Rule.Type)
	case errors.Is(err, svctable.ErrAlreadyExists):
	default:
		delete(s.owned, key)
		s.logger.Warn("restore registration", "prefix", registration.Prefix, "type", registration.Rule.Type, "error", err)
	}
}

// +checklocks:s.mu
func (s *Syncer) modify(key registrationKey, registration Registration) {
	found, err := s.table.Modify(registration.Prefix, svctable.Modification{
		Type:     registration.Rule.Type,
		Flags:    registration.Rule.Flags,
		Priority: registration.Rule.Priority,
		Weight:   registration.Rule.Weight,
		Dest:     registration.Rule.Dest,
	})
	switch {
	case err != nil:
		s.logger.Warn("modify registration", "prefix", registration.Prefix, "type", registration.Rule.Type, "error", err)
	case !found:
		// Removed behind our back, for example by a link going down.
		delete(s.owned, key)
		s.add(key, registration)
	default:
		s.owned[key] = registration
	}
}

// +checklocks:s.mu
func (s *Syncer) remove(key registrationKey, registration Registration) {
	delete(s.owned, key)
	s.table.RemoveTarget(registration.Prefix, svctable.TargetKey{
		Type: registration.Rule.Type,
		Dest: registration.Rule.Dest,
	})
}

func normalize(weight uint32) uint32 {
	if weight == 0 {
		return 1
	}
	return weight
}
