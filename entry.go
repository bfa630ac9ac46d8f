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
	"bytes"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/svctable/internal/prefixindex"
	"github.com/bufbuild/svctable/serviceid"
)

// Entry holds the targets registered for one prefix.
//
// An entry is reference counted. The table holds one reference while the
// entry is linked into its index; every Entry returned to a caller is held
// on the caller's behalf and must be released with Release.
type Entry struct {
	table  *Table
	prefix serviceid.Prefix
	refs   atomic.Int32
	stats  counters

	mu sync.RWMutex
	// sets is ordered by strictly descending priority.
	// +checklocks:mu
	sets []*targetSet
	// +checklocks:mu
	count int
	// linked is only written with both the table lock and mu held.
	// +checklocks:mu
	linked bool
	// node is the entry's position in the index while linked.
	// +checklocks:table.mu
	node *prefixindex.Node[*Entry]
}

func newEntry(table *Table, prefix serviceid.Prefix) *Entry {
	entry := &Entry{table: table, prefix: prefix}
	entry.refs.Store(1)
	return entry
}

// Prefix returns the prefix the entry is registered under.
func (e *Entry) Prefix() serviceid.Prefix {
	return e.prefix
}

// Hold takes an additional reference on the entry.
func (e *Entry) Hold() {
	e.refs.Add(1)
}

// Release drops a reference. When the last reference is dropped the entry
// releases its remaining targets and must not be used again.
func (e *Entry) Release() {
	switch refs := e.refs.Add(-1); {
	case refs == 0:
		e.free()
	case refs < 0:
		panic("svctable: entry released more times than held")
	}
}

func (e *Entry) free() {
	e.mu.Lock()
	sets := e.sets
	e.sets = nil
	e.count = 0
	e.mu.Unlock()
	for _, set := range sets {
		for _, t := range set.targets {
			t.release()
		}
	}
	if hook := e.table.onEntryFree; hook != nil {
		hook(e)
	}
}

// Len returns the number of targets in the entry.
func (e *Entry) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

// Stats returns a snapshot of the entry's counters.
func (e *Entry) Stats() Stats {
	return e.stats.snapshot()
}

// Device returns the network device with the given index if the entry
// forwards through it. The device is held and must be Put by the caller.
func (e *Entry) Device(ifIndex int) Device {
	if e.table.devices == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, set := range e.sets {
		for _, t := range set.targets {
			if t.ruleType != RuleForward || t.ifIndex() != ifIndex {
				continue
			}
			dev := e.table.devices.DeviceByIndex(ifIndex)
			if dev != nil {
				dev.Hold()
			}
			return dev
		}
	}
	return nil
}

// IncTargetStats attributes packets and bytes to the target matching key,
// its entry, and the table. Positive packet counts record resolutions;
// negative counts record drops of the negated amounts. Nothing is recorded
// if no target matches.
func (e *Entry) IncTargetStats(key TargetKey, packets, bytes int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, _, target := e.lookup(key, ProtocolAny)
	if target == nil {
		return
	}
	switch {
	case packets > 0:
		e.recordResolved(target, uint64(packets), uint64(max(bytes, 0)))
	case packets < 0:
		e.recordDropped(target, uint64(-packets), uint64(max(-bytes, 0)))
	}
}

func (e *Entry) recordResolved(target *Target, packets, bytes uint64) {
	target.stats.resolved(packets, bytes)
	e.stats.resolved(packets, bytes)
	e.table.stats.resolved(packets, bytes)
}

func (e *Entry) recordDropped(target *Target, packets, bytes uint64) {
	target.stats.dropped(packets, bytes)
	e.stats.dropped(packets, bytes)
	e.table.stats.dropped(packets, bytes)
}

// +checklocksread:e.mu
func (e *Entry) lookup(key TargetKey, protocol int) (*targetSet, int, *Target) {
	for _, set := range e.sets {
		for i, t := range set.targets {
			if key.matches(t, protocol) {
				return set, i, t
			}
		}
	}
	return nil, -1, nil
}

// has reports whether the entry holds a target of the given type (and,
// for demux targets, protocol).
func (e *Entry) has(ruleType RuleType, protocol int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, _, t := e.lookup(TargetKey{Type: ruleType}, protocol)
	return t != nil
}

// +checklocksread:e.mu
func (e *Entry) setFor(priority uint32) *targetSet {
	for _, set := range e.sets {
		if set.priority == priority {
			return set
		}
	}
	return nil
}

// insertSet places set before the first tier of strictly lower priority.
//
// +checklocks:e.mu
func (e *Entry) insertSet(set *targetSet) {
	pos := len(e.sets)
	for i, existing := range e.sets {
		if existing.priority < set.priority {
			pos = i
			break
		}
	}
	e.sets = slices.Insert(e.sets, pos, set)
}

// +checklocks:e.mu
func (e *Entry) removeSet(set *targetSet) {
	if i := slices.Index(e.sets, set); i >= 0 {
		e.sets = slices.Delete(e.sets, i, i+1)
	}
}

// +checklocks:e.mu
func (e *Entry) setOrCreate(priority uint32, flags SetFlags) *targetSet {
	set := e.setFor(priority)
	if set == nil {
		set = &targetSet{priority: priority, flags: flags}
		e.insertSet(set)
	}
	return set
}

// +checklocks:e.mu
func (e *Entry) insertTarget(rule Rule) {
	set := e.setOrCreate(rule.Priority, rule.Flags)
	set.add(newTarget(rule))
	e.count++
}

// addTarget inserts a target for rule unless an equivalent one exists.
func (e *Entry) addTarget(rule Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.linked {
		return errEntryUnlinked
	}
	protocol := ProtocolAny
	if rule.Type == RuleDemux {
		// Any socket bound for the same protocol conflicts.
		protocol = rule.Socket.Protocol()
	}
	lookupKey := rule.key()
	lookupKey.Socket = nil
	if _, _, existing := e.lookup(lookupKey, protocol); existing != nil {
		if existing.ruleType == RuleDemux {
			return ErrAddressInUse
		}
		return ErrAlreadyExists
	}
	e.insertTarget(rule)
	return nil
}

// removeMatching removes up to limit targets for which match returns true
// (all of them if limit is negative), recording the stats of the first
// one removed. Emptied tiers are discarded.
//
// +checklocks:e.mu
func (e *Entry) removeMatching(match func(*Target) bool, limit int) (removed int, first Stats) {
	for _, set := range slices.Clone(e.sets) {
		for i := 0; i < len(set.targets) && removed != limit; {
			t := set.targets[i]
			if !match(t) {
				i++
				continue
			}
			set.removeAt(i)
			if removed == 0 {
				first = t.stats.snapshot()
			}
			t.release()
			e.count--
			removed++
		}
		if len(set.targets) == 0 {
			e.removeSet(set)
		}
		if removed == limit {
			break
		}
	}
	return removed, first
}

// modifyTarget applies mod to the matching target, moving it to another
// tier if its priority changes. A new destination must have the length of
// the old one and must not belong to another target of the entry; the
// target is left untouched otherwise.
//
// +checklocks:e.mu
func (e *Entry) modifyTarget(mod Modification) (bool, error) {
	set, i, target := e.lookup(TargetKey{Type: mod.Type, Dest: mod.Dest}, ProtocolAny)
	if target == nil {
		return false, nil
	}
	if out, ok := target.out.(Forward); ok && len(mod.NewDest) > 0 && !bytes.Equal(out.Dest, mod.NewDest) {
		if len(mod.NewDest) != len(out.Dest) {
			return false, fmt.Errorf("%w: new destination is %d bytes, not %d", ErrInvalidArgument, len(mod.NewDest), len(out.Dest))
		}
		if _, _, other := e.lookup(TargetKey{Type: RuleForward, Dest: mod.NewDest}, ProtocolAny); other != nil {
			return false, ErrAlreadyExists
		}
		target.out = Forward{IfIndex: out.IfIndex, Dest: slices.Clone(mod.NewDest)}
	}
	weight := normalizeWeight(mod.Weight)
	if set.priority == mod.Priority {
		set.setWeight(target, weight)
		set.flags = mod.Flags
		return true, nil
	}
	dest := e.setOrCreate(mod.Priority, mod.Flags)
	set.removeAt(i)
	if len(set.targets) == 0 {
		e.removeSet(set)
	}
	target.weight = weight
	dest.add(target)
	dest.flags = mod.Flags
	return true, nil
}
