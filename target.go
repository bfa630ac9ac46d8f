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
	"slices"
	"sync/atomic"
)

// Socket is a reference-counted local endpoint that demux targets deliver
// to. The table calls Hold when a demux target is created and Put when it
// is removed.
type Socket interface {
	Hold()
	Put()
	// Protocol returns the transport protocol number the socket is bound
	// for, such as 6 for TCP or 17 for UDP.
	Protocol() int
}

// Device is a reference-counted network interface.
type Device interface {
	Index() int
	Name() string
	Hold()
	Put()
}

// DeviceResolver looks up network interfaces by index. It returns nil if
// no interface has the given index. The returned device is not held.
type DeviceResolver interface {
	DeviceByIndex(ifIndex int) Device
}

// Stats are resolution counters. They only ever increase.
type Stats struct {
	PacketsResolved uint64
	BytesResolved   uint64
	PacketsDropped  uint64
	BytesDropped    uint64
}

type counters struct {
	packetsResolved atomic.Uint64
	bytesResolved   atomic.Uint64
	packetsDropped  atomic.Uint64
	bytesDropped    atomic.Uint64
}

func (c *counters) resolved(packets, bytes uint64) {
	c.packetsResolved.Add(packets)
	c.bytesResolved.Add(bytes)
}

func (c *counters) dropped(packets, bytes uint64) {
	c.packetsDropped.Add(packets)
	c.bytesDropped.Add(bytes)
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsResolved: c.packetsResolved.Load(),
		BytesResolved:   c.bytesResolved.Load(),
		PacketsDropped:  c.packetsDropped.Load(),
		BytesDropped:    c.bytesDropped.Load(),
	}
}

// Forward is the output of a forward target.
type Forward struct {
	// IfIndex is the outgoing interface, or zero for any.
	IfIndex int
	// Dest is the destination. It must not be modified.
	Dest []byte
}

type demux struct {
	socket Socket
}

// targetOutput is implemented by the per-kind payloads a Target carries.
// Delay and drop targets carry none.
type targetOutput interface {
	targetOutput()
}

func (Forward) targetOutput() {}
func (demux) targetOutput()   {}

// Target is a single dispatch rule within an entry. Targets are owned by
// the table; the accessors may be used while the target is reachable from
// an open Iterator.
type Target struct {
	ruleType RuleType
	weight   uint32
	out      targetOutput
	stats    counters
}

func newTarget(rule Rule) *Target {
	target := &Target{
		ruleType: rule.Type,
		weight:   normalizeWeight(rule.Weight),
	}
	switch rule.Type {
	case RuleForward:
		target.out = Forward{IfIndex: rule.IfIndex, Dest: slices.Clone(rule.Dest)}
	case RuleDemux:
		rule.Socket.Hold()
		target.out = demux{socket: rule.Socket}
	}
	return target
}

// release drops the target's hold on its socket, if any.
func (t *Target) release() {
	if out, ok := t.out.(demux); ok {
		out.socket.Put()
	}
}

// Type returns the kind of the target.
func (t *Target) Type() RuleType {
	return t.ruleType
}

// Weight returns the target's weight within its tier.
func (t *Target) Weight() uint32 {
	return t.weight
}

// Forward returns the forwarding output of a forward target. The
// destination is a copy.
func (t *Target) Forward() (Forward, bool) {
	out, ok := t.out.(Forward)
	out.Dest = slices.Clone(out.Dest)
	return out, ok
}

// Socket returns the socket of a demux target. The socket is not held on
// behalf of the caller.
func (t *Target) Socket() (Socket, bool) {
	out, ok := t.out.(demux)
	return out.socket, ok
}

// Stats returns a snapshot of the target's counters.
func (t *Target) Stats() Stats {
	return t.stats.snapshot()
}

func (t *Target) ifIndex() int {
	if out, ok := t.out.(Forward); ok {
		return out.IfIndex
	}
	return -1
}

// targetSet is a priority tier: the unit of weighted selection.
type targetSet struct {
	priority   uint32
	flags      SetFlags
	normalizer uint64
	targets    []*Target
}

func (s *targetSet) add(t *Target) {
	s.targets = append(s.targets, t)
	s.normalizer += uint64(t.weight)
}

func (s *targetSet) removeAt(i int) *Target {
	t := s.targets[i]
	s.normalizer -= uint64(t.weight)
	s.targets = slices.Delete(s.targets, i, i+1)
	return t
}

func (s *targetSet) setWeight(t *Target, weight uint32) {
	s.normalizer -= uint64(t.weight)
	t.weight = weight
	s.normalizer += uint64(weight)
}

// pick returns the target selected by sample, which must be in
// [0, normalizer). Each target owns a run of the sample space as long as
// its weight, so it is chosen with probability weight/normalizer.
func (s *targetSet) pick(sample uint64) *Target {
	var cumulative uint64
	for _, t := range s.targets {
		cumulative += uint64(t.weight)
		if sample < cumulative {
			return t
		}
	}
	if len(s.targets) == 0 {
		return nil
	}
	return s.targets[len(s.targets)-1]
}
