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

// WithEntryFreeHook registers fn to be called whenever an entry's last
// reference is released.
func WithEntryFreeHook(fn func(*Entry)) Option {
	return optionFunc(func(t *Table) {
		t.onEntryFree = fn
	})
}

// WithSampler replaces the random source used for anycast selection.
func WithSampler(sample func(n uint64) uint64) Option {
	return optionFunc(func(t *Table) {
		t.sample = sample
	})
}

func (e *Entry) Refs() int32 {
	return e.refs.Load()
}

func (e *Entry) Linked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.linked
}

func (e *Entry) Priorities() []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	priorities := make([]uint32, len(e.sets))
	for i, set := range e.sets {
		priorities[i] = set.priority
	}
	return priorities
}

func (e *Entry) Normalizer(priority uint32) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if set := e.setFor(priority); set != nil {
		return set.normalizer
	}
	return 0
}
