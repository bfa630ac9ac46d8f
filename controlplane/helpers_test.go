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

package controlplane_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/controlplane"
	"github.com/bufbuild/svctable/serviceid"
)

// receiver collects deliveries from a source.
type receiver struct {
	sets   chan []controlplane.Registration
	errors chan error
}

func newReceiver() *receiver {
	return &receiver{
		sets:   make(chan []controlplane.Registration, 16),
		errors: make(chan error, 16),
	}
}

func (r *receiver) OnRegistrations(registrations []controlplane.Registration) {
	r.sets <- registrations
}

func (r *receiver) OnError(err error) {
	r.errors <- err
}

func (r *receiver) next(ctx context.Context, t *testing.T) []controlplane.Registration {
	t.Helper()
	select {
	case set := <-r.sets:
		return set
	case <-ctx.Done():
		t.Fatal("expected a registration set")
		return nil
	}
}

func (r *receiver) nextError(ctx context.Context, t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errors:
		return err
	case <-ctx.Done():
		t.Fatal("expected an error")
		return nil
	}
}

func (r *receiver) mustBeQuiet(t *testing.T) {
	t.Helper()
	// Real time, to give the source goroutine a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	select {
	case set := <-r.sets:
		t.Fatalf("unexpected registration set: %v", set)
	default:
	}
}

// fakeTable records the targets added through the Syncer's interface.
type fakeTable struct {
	mu      sync.Mutex
	targets map[tableKey]svctable.Rule
	adds    int
}

type tableKey struct {
	prefix   serviceid.Prefix
	ruleType svctable.RuleType
	dest     string
}

func newFakeTable() *fakeTable {
	return &fakeTable{targets: map[tableKey]svctable.Rule{}}
}

func (f *fakeTable) Add(prefix serviceid.Prefix, rule svctable.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tableKey{prefix, rule.Type, string(rule.Dest)}
	if _, ok := f.targets[key]; ok {
		return svctable.ErrAlreadyExists
	}
	f.targets[key] = rule
	f.adds++
	return nil
}

func (f *fakeTable) Modify(prefix serviceid.Prefix, mod svctable.Modification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tableKey{prefix, mod.Type, string(mod.Dest)}
	rule, ok := f.targets[key]
	if !ok {
		return false, nil
	}
	rule.Priority, rule.Weight, rule.Flags = mod.Priority, mod.Weight, mod.Flags
	f.targets[key] = rule
	return true, nil
}

func (f *fakeTable) RemoveTarget(prefix serviceid.Prefix, key svctable.TargetKey) (svctable.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := tableKey{prefix, key.Type, string(key.Dest)}
	_, ok := f.targets[k]
	delete(f.targets, k)
	return svctable.Stats{}, ok
}

func (f *fakeTable) get(prefix serviceid.Prefix, ruleType svctable.RuleType, dest ...byte) (svctable.Rule, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.targets[tableKey{prefix, ruleType, string(dest)}]
	return rule, ok
}

func (f *fakeTable) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

// fakeLinks reports the links in down as down.
type fakeLinks struct {
	mu   sync.Mutex
	down map[int]bool
}

func (f *fakeLinks) set(ifIndex int, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = map[int]bool{}
	}
	f.down[ifIndex] = down
}

func (f *fakeLinks) LinkDown(ifIndex int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down[ifIndex]
}

func fullPrefix(name string) serviceid.Prefix {
	return serviceid.MustFromName(name).Full()
}

func forwardTo(name string, priority, weight uint32, ifIndex int, dest ...byte) controlplane.Registration {
	return controlplane.Registration{
		Prefix: fullPrefix(name),
		Rule: svctable.Rule{
			Type:     svctable.RuleForward,
			Priority: priority,
			Weight:   weight,
			IfIndex:  ifIndex,
			Dest:     dest,
		},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
