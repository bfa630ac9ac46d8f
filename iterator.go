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

import "fmt"

// IterMode selects which targets an Iterator yields.
type IterMode int

const (
	// IterAll yields every target, highest priority tier first.
	IterAll IterMode = iota
	// IterDemux yields every demux target.
	IterDemux
	// IterForward yields every forward target.
	IterForward
	// IterAnycast yields exactly one target from the highest priority tier,
	// chosen at random in proportion to target weights.
	IterAnycast
)

func (m IterMode) String() string {
	switch m {
	case IterAll:
		return "all"
	case IterDemux:
		return "demux"
	case IterForward:
		return "forward"
	case IterAnycast:
		return "anycast"
	default:
		return fmt.Sprintf("IterMode(%d)", m)
	}
}

// Iterator walks the targets of one entry. It holds the entry's read lock
// and a reference on the entry from creation until Close, so targets it
// returns stay valid and the entry cannot be mutated in the meantime.
// An Iterator must not be used concurrently, and the goroutine that owns
// an open Iterator must not modify the table or look up entries until it
// has closed it, or it may deadlock against a waiting writer.
type Iterator struct {
	entry *Entry
	mode  IterMode
	// sets is the entry's tier list, stable while the read lock is held.
	sets    []*targetSet
	setIdx  int
	pos     int
	anycast *Target
	last    *Target
	lastSet *targetSet
	closed  bool
}

// Iterate opens an iterator over the entry's targets. It returns
// ErrNoTargets if the entry is empty, and ErrMulticastTier if anycast
// selection is requested but the highest priority tier is flagged
// multicast; lower priority tiers are never consulted for anycast.
func (e *Entry) Iterate(mode IterMode) (*Iterator, error) {
	e.Hold()
	e.mu.RLock()
	fail := func(err error) (*Iterator, error) {
		e.mu.RUnlock()
		e.Release()
		return nil, err
	}
	if e.count == 0 || len(e.sets) == 0 {
		return fail(ErrNoTargets)
	}
	iter := &Iterator{entry: e, mode: mode, sets: e.sets}
	switch mode {
	case IterAll, IterDemux, IterForward:
	case IterAnycast:
		top := e.sets[0]
		if top.flags&FlagMulticast != 0 {
			return fail(ErrMulticastTier)
		}
		iter.anycast = top.pick(e.table.sample(top.normalizer))
	default:
		return fail(fmt.Errorf("%w: iterator mode %v", ErrInvalidArgument, mode))
	}
	return iter, nil
}

// Next returns the next target, or nil once the iterator is exhausted.
func (it *Iterator) Next() *Target {
	it.last, it.lastSet = nil, nil
	if it.closed {
		return nil
	}
	if it.mode == IterAnycast {
		if it.anycast != nil {
			it.last, it.lastSet = it.anycast, it.sets[0]
			it.anycast = nil
		}
		return it.last
	}
	for ; it.setIdx < len(it.sets); it.setIdx, it.pos = it.setIdx+1, 0 {
		set := it.sets[it.setIdx]
		for it.pos < len(set.targets) {
			target := set.targets[it.pos]
			it.pos++
			if it.accepts(target) {
				it.last, it.lastSet = target, set
				return target
			}
		}
	}
	return nil
}

func (it *Iterator) accepts(target *Target) bool {
	switch it.mode {
	case IterDemux:
		return target.ruleType == RuleDemux
	case IterForward:
		return target.ruleType == RuleForward
	default:
		return true
	}
}

// Resolved records that packets and bytes were dispatched through the
// target most recently returned by Next. It updates the target, entry,
// and table counters. It does nothing if Next has not returned a target.
func (it *Iterator) Resolved(packets, bytes uint64) {
	if it.last == nil {
		return
	}
	it.entry.recordResolved(it.last, packets, bytes)
}

// Dropped records that packets and bytes destined for the target most
// recently returned by Next were dropped. Like Resolved, it does nothing
// if Next has not returned a target.
func (it *Iterator) Dropped(packets, bytes uint64) {
	if it.last == nil {
		return
	}
	it.entry.recordDropped(it.last, packets, bytes)
}

// Priority returns the priority of the tier holding the current target.
func (it *Iterator) Priority() uint32 {
	if it.lastSet == nil {
		return 0
	}
	return it.lastSet.priority
}

// Flags returns the flags of the tier holding the current target.
func (it *Iterator) Flags() SetFlags {
	if it.lastSet == nil {
		return 0
	}
	return it.lastSet.flags
}

// Close releases the entry's read lock and the iterator's reference on
// the entry. Calling Close more than once has no effect.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.last, it.lastSet, it.sets = nil, nil, nil
	it.entry.mu.RUnlock()
	it.entry.Release()
}
