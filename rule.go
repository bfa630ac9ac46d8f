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
)

// RuleType is the kind of dispatch a target performs.
type RuleType uint8

const (
	RuleUndefined RuleType = iota
	RuleForward
	RuleDemux
	RuleDelay
	RuleDrop
)

// String returns the three letter tag used in table dumps.
func (r RuleType) String() string {
	switch r {
	case RuleUndefined:
		return "UDF"
	case RuleForward:
		return "FWD"
	case RuleDemux:
		return "DMX"
	case RuleDelay:
		return "DLY"
	case RuleDrop:
		return "DRP"
	default:
		return fmt.Sprintf("RuleType(%d)", r)
	}
}

// SetFlags are attributes of a priority tier.
type SetFlags uint16

const (
	// FlagMulticast marks a tier whose targets should all receive traffic.
	// Anycast selection refuses such a tier.
	FlagMulticast SetFlags = 1 << iota
)

// ProtocolAny matches a socket of any protocol.
const ProtocolAny = 0

// Rule describes a target to add to the table.
type Rule struct {
	Type RuleType
	// Flags apply to the priority tier. They are recorded when the tier is
	// created by this rule.
	Flags SetFlags
	// Priority selects the tier; higher values are preferred.
	Priority uint32
	// Weight is the relative share of anycast selections within the tier.
	// Zero is treated as one.
	Weight uint32
	// IfIndex is the outgoing interface of a forward rule. Zero means any.
	IfIndex int
	// Dest is the destination of a forward rule, for example a next hop
	// address. Required for forward rules and disallowed otherwise.
	Dest []byte
	// Socket is the local endpoint of a demux rule. Required for demux
	// rules and disallowed otherwise. The table holds a reference on it
	// while the target exists.
	Socket Socket
}

func (r Rule) validate() error {
	switch r.Type {
	case RuleForward:
		if len(r.Dest) == 0 || r.Socket != nil {
			return fmt.Errorf("%w: forward rule requires a destination and no socket", ErrInvalidArgument)
		}
	case RuleDemux:
		if r.Socket == nil || len(r.Dest) != 0 {
			return fmt.Errorf("%w: demux rule requires a socket and no destination", ErrInvalidArgument)
		}
	case RuleDelay, RuleDrop:
		if r.Socket != nil || len(r.Dest) != 0 {
			return fmt.Errorf("%w: %v rule carries no destination", ErrInvalidArgument, r.Type)
		}
	default:
		return fmt.Errorf("%w: rule type %v", ErrInvalidArgument, r.Type)
	}
	return nil
}

func (r Rule) key() TargetKey {
	return TargetKey{Type: r.Type, Dest: r.Dest, Socket: r.Socket}
}

// TargetKey identifies a target within an entry. Forward targets are
// identified by destination, demux targets by socket, and delay or drop
// targets by their type alone. An empty Dest matches any forward target and
// a nil Socket matches any demux target.
type TargetKey struct {
	Type   RuleType
	Dest   []byte
	Socket Socket
}

func (k TargetKey) matches(t *Target, protocol int) bool {
	if t.ruleType != k.Type {
		return false
	}
	switch out := t.out.(type) {
	case Forward:
		return len(k.Dest) == 0 || bytes.Equal(out.Dest, k.Dest)
	case demux:
		if k.Socket != nil && out.socket != k.Socket {
			return false
		}
		return protocol == ProtocolAny || out.socket.Protocol() == protocol
	default:
		return true
	}
}

// Modification describes a change to an existing target, located by Type
// and Dest.
type Modification struct {
	Type RuleType
	// Flags replace the flags of the tier the target ends up in.
	Flags    SetFlags
	Priority uint32
	// Weight replaces the target's weight. Zero is treated as one.
	Weight uint32
	// Dest locates a forward target.
	Dest []byte
	// NewDest, if non-empty, replaces the forward target's destination. It
	// must be as long as the destination it replaces.
	NewDest []byte
}

func (m Modification) validate() error {
	switch m.Type {
	case RuleDemux:
		return ErrNotModifiable
	case RuleForward:
		if len(m.Dest) == 0 {
			return fmt.Errorf("%w: forward modification requires a destination", ErrInvalidArgument)
		}
	case RuleDelay, RuleDrop:
		if len(m.Dest) != 0 || len(m.NewDest) != 0 {
			return fmt.Errorf("%w: %v rule carries no destination", ErrInvalidArgument, m.Type)
		}
	default:
		return fmt.Errorf("%w: rule type %v", ErrInvalidArgument, m.Type)
	}
	return nil
}

func normalizeWeight(w uint32) uint32 {
	if w == 0 {
		return 1
	}
	return w
}
