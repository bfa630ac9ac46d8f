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

package svctable_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/serviceid"
	"github.com/stretchr/testify/require"
)

const (
	protoTCP = 6
	protoUDP = 17
)

type fakeSocket struct {
	protocol int
	refs     atomic.Int32
}

func newSocket(protocol int) *fakeSocket {
	return &fakeSocket{protocol: protocol}
}

func (s *fakeSocket) Hold()         { s.refs.Add(1) }
func (s *fakeSocket) Put()          { s.refs.Add(-1) }
func (s *fakeSocket) Protocol() int { return s.protocol }

type fakeDevice struct {
	index int
	name  string
	refs  atomic.Int32
}

func (d *fakeDevice) Index() int   { return d.index }
func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Hold()        { d.refs.Add(1) }
func (d *fakeDevice) Put()         { d.refs.Add(-1) }

type fakeDevices map[int]*fakeDevice

func (f fakeDevices) DeviceByIndex(ifIndex int) svctable.Device {
	if dev, ok := f[ifIndex]; ok {
		return dev
	}
	return nil
}

// freeAudit records entries as their last reference is released.
type freeAudit struct {
	mu    sync.Mutex
	freed map[*svctable.Entry]int
}

func newFreeAudit() *freeAudit {
	return &freeAudit{freed: map[*svctable.Entry]int{}}
}

func (a *freeAudit) option() svctable.Option {
	return svctable.WithEntryFreeHook(func(e *svctable.Entry) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.freed[e]++
	})
}

func (a *freeAudit) count(e *svctable.Entry) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed[e]
}

func (a *freeAudit) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freed)
}

func testID(t *testing.T, name string) serviceid.ID {
	t.Helper()
	id, err := serviceid.FromName(name)
	require.NoError(t, err)
	return id
}

func testPrefix(t *testing.T, name string, bits int) serviceid.Prefix {
	t.Helper()
	p, err := testID(t, name).Prefix(bits)
	require.NoError(t, err)
	return p
}

func forward(priority, weight uint32, ifIndex int, dest ...byte) svctable.Rule {
	return svctable.Rule{
		Type:     svctable.RuleForward,
		Priority: priority,
		Weight:   weight,
		IfIndex:  ifIndex,
		Dest:     dest,
	}
}

func demuxRule(socket svctable.Socket) svctable.Rule {
	return svctable.Rule{Type: svctable.RuleDemux, Socket: socket}
}
