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

package svctable

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bufbuild/svctable/internal/prefixindex"
	"github.com/bufbuild/svctable/serviceid"
)

// MatchMode selects which entries Find considers.
type MatchMode int

const (
	// MatchLocal finds the longest prefix with a demux target.
	MatchLocal MatchMode = iota
	// MatchGlobal finds the longest prefix with a forward target.
	MatchGlobal
	// MatchExact is like MatchGlobal but only succeeds if the longest
	// match is the full identifier.
	MatchExact
	// MatchAny finds the longest prefix with any target.
	MatchAny
)

// Table maps service identifier prefixes to entries.
type Table struct {
	mu sync.RWMutex
	// +checklocks:mu
	index *prefixindex.Tree[*Entry]
	stats counters

	logger  *slog.Logger
	devices DeviceResolver
	// sample returns a uniformly distributed value in [0, n).
	sample func(n uint64) uint64
	// onEntryFree, if set, is called once for every entry whose last
	// reference is released.
	onEntryFree func(*Entry)
}

// New creates an empty table.
func New(opts ...Option) *Table {
	table := &Table{
		index:  prefixindex.New[*Entry](),
		logger: slog.New(slog.DiscardHandler),
		sample: randomSample,
	}
	for _, opt := range opts {
		opt.apply(table)
	}
	return table
}

// Add registers a target for prefix. Adding a target equivalent to an
// existing one fails with ErrAlreadyExists, or ErrAddressInUse for demux
// targets; the table is left unchanged in either case.
func (t *Table) Add(prefix serviceid.Prefix, rule Rule) error {
	if !prefix.Valid() {
		return fmt.Errorf("%w: prefix length %d", ErrInvalidArgument, prefix.Len)
	}
	if err := rule.validate(); err != nil {
		return err
	}
	prefix = prefix.Masked()
	for {
		t.mu.Lock()
		if node := t.index.Get(prefix); node != nil {
			entry := node.Value()
			entry.Hold()
			t.mu.Unlock()

			err := entry.addTarget(rule)
			entry.Release()
			if errors.Is(err, errEntryUnlinked) {
				// Emptied and removed after we found it; start over.
				continue
			}
			if err == nil {
				t.logger.Debug("added target", "prefix", prefix, "type", rule.Type, "priority", rule.Priority)
			}
			return err
		}

		// New entries get their first target before they become reachable,
		// so a linked entry is never empty.
		entry := newEntry(t, prefix)
		entry.mu.Lock()
		entry.insertTarget(rule)
		entry.node, _ = t.index.Insert(prefix, entry)
		entry.linked = true
		entry.mu.Unlock()
		t.mu.Unlock()
		t.logger.Debug("added entry", "prefix", prefix, "type", rule.Type, "priority", rule.Priority)
		return nil
	}
}

// Modify changes the priority, weight, tier flags, and optionally the
// destination of the target of entry prefix located by mod.Type and
// mod.Dest. It reports whether a target was found; finding none is not an
// error. Demux targets cannot be modified. Moving a target onto the
// destination of another target fails with ErrAlreadyExists.
func (t *Table) Modify(prefix serviceid.Prefix, mod Modification) (bool, error) {
	if !prefix.Valid() {
		return false, fmt.Errorf("%w: prefix length %d", ErrInvalidArgument, prefix.Len)
	}
	if err := mod.validate(); err != nil {
		return false, err
	}
	entry := t.get(prefix)
	if entry == nil {
		return false, nil
	}
	defer entry.Release()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.linked {
		return false, nil
	}
	return entry.modifyTarget(mod)
}

// RemoveTarget removes the target of entry prefix matching key, returning
// the target's final counters. When the entry's last target is removed the
// entry is removed from the table.
func (t *Table) RemoveTarget(prefix serviceid.Prefix, key TargetKey) (Stats, bool) {
	entry := t.get(prefix)
	if entry == nil {
		return Stats{}, false
	}
	defer entry.Release()
	match := func(target *Target) bool { return key.matches(target, ProtocolAny) }

	entry.mu.Lock()
	if entry.count > 1 || !entry.linked {
		removed, stats := entry.removeMatching(match, 1)
		entry.mu.Unlock()
		return stats, removed > 0
	}
	entry.mu.Unlock()

	// This may remove the last target, which also unlinks the entry. Both
	// happen under the table lock so the entry is never reachable empty.
	t.mu.Lock()
	entry.mu.Lock()
	var removed int
	var stats Stats
	if entry.linked {
		removed, stats = entry.removeMatching(match, 1)
	}
	unlinked := t.unlinkIfEmpty(entry)
	entry.mu.Unlock()
	t.mu.Unlock()
	if unlinked {
		entry.Release()
		t.logger.Debug("removed entry", "prefix", prefix)
	}
	return stats, removed > 0
}

// RemoveTargetByDevice removes every forward target using the interface
// with the given index, across all entries, and returns how many were
// removed. It is intended for use when a link goes down.
func (t *Table) RemoveTargetByDevice(ifIndex int) int {
	return t.sweep(func(target *Target) bool {
		return target.ruleType == RuleForward && target.ifIndex() == ifIndex
	})
}

// RemoveTargetAll removes every target matching key, across all entries,
// and returns how many were removed. It is intended for use when a
// destination, such as a socket, is torn down.
func (t *Table) RemoveTargetAll(key TargetKey) int {
	return t.sweep(func(target *Target) bool {
		return key.matches(target, ProtocolAny)
	})
}

func (t *Table) sweep(match func(*Target) bool) int {
	var total int
	var unlinked []*Entry
	t.mu.Lock()
	t.index.ForEach(func(node *prefixindex.Node[*Entry]) bool {
		entry := node.Value()
		entry.mu.Lock()
		removed, _ := entry.removeMatching(match, -1)
		if removed > 0 && t.unlinkIfEmpty(entry) {
			unlinked = append(unlinked, entry)
		}
		entry.mu.Unlock()
		total += removed
		return true
	})
	t.mu.Unlock()
	for _, entry := range unlinked {
		t.logger.Debug("removed entry", "prefix", entry.prefix)
		entry.Release()
	}
	return total
}

// unlinkIfEmpty removes an empty entry from the index. The caller must
// drop the index's reference if it returns true.
//
// +checklocks:t.mu
// +checklocks:entry.mu
func (t *Table) unlinkIfEmpty(entry *Entry) bool {
	if !entry.linked || entry.count > 0 {
		return false
	}
	t.index.Remove(entry.node)
	entry.node = nil
	entry.linked = false
	return true
}

// get returns the held entry registered under exactly prefix, or nil if
// there is none or the prefix length is out of range.
func (t *Table) get(prefix serviceid.Prefix) *Entry {
	if !prefix.Valid() {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.index.Get(prefix)
	if node == nil {
		return nil
	}
	entry := node.Value()
	entry.Hold()
	return entry
}

// Find returns the entry with the longest prefix of id that satisfies
// mode, or nil. The entry is held and must be released by the caller.
func (t *Table) Find(id serviceid.ID, mode MatchMode) *Entry {
	var match func(*Entry) bool
	switch mode {
	case MatchLocal:
		match = func(e *Entry) bool { return e.has(RuleDemux, ProtocolAny) }
	case MatchGlobal, MatchExact:
		match = func(e *Entry) bool { return e.has(RuleForward, ProtocolAny) }
	case MatchAny:
	default:
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.index.FindLongest(id, match)
	if node == nil {
		return nil
	}
	if mode == MatchExact && node.Prefix() != id.Full() {
		return nil
	}
	entry := node.Value()
	entry.Hold()
	return entry
}

// FindSocket returns the socket of the demux target with the longest
// prefix of id bound for protocol (ProtocolAny matches any). The socket
// is held and must be Put by the caller.
func (t *Table) FindSocket(id serviceid.ID, protocol int) Socket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.index.FindLongest(id, func(e *Entry) bool { return e.has(RuleDemux, protocol) })
	if node == nil {
		return nil
	}
	entry := node.Value()
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	_, _, target := entry.lookup(TargetKey{Type: RuleDemux}, protocol)
	if target == nil {
		return nil
	}
	socket, _ := target.Socket()
	socket.Hold()
	return socket
}

// Stats returns a snapshot of the table-wide counters. The snapshot is
// not synchronized with per-entry or per-target counters.
func (t *Table) Stats() Stats {
	return t.stats.snapshot()
}

// RecordDrop counts a drop that cannot be attributed to any target, for
// example because no entry matched.
func (t *Table) RecordDrop(packets, bytes uint64) {
	t.stats.dropped(packets, bytes)
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Len()
}

// Range calls fn for every entry in prefix order until fn returns false.
// The table's read lock is held throughout, so fn must not modify the
// table. Entries passed to fn are only valid during the call unless fn
// holds them.
func (t *Table) Range(fn func(serviceid.Prefix, *Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.index.ForEach(func(node *prefixindex.Node[*Entry]) bool {
		return fn(node.Prefix(), node.Value())
	})
}

// Destroy removes every entry from the table. Entries still held by
// callers stay valid until they are released.
func (t *Table) Destroy() {
	var entries []*Entry
	t.mu.Lock()
	t.index.Destroy(func(entry *Entry) {
		entry.mu.Lock()
		entry.node = nil
		entry.linked = false
		entry.mu.Unlock()
		entries = append(entries, entry)
	})
	t.mu.Unlock()
	for _, entry := range entries {
		entry.Release()
	}
}
