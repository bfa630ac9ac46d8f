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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/serviceid"
	"gopkg.in/yaml.v3"
)

var errNoService = errors.New("service record needs exactly one of name or id")

// ServiceRecord is the serialized form of the registrations of one prefix.
type ServiceRecord struct {
	// Name is a textual service name. Exactly one of Name and ID is set.
	Name string `yaml:"name,omitempty"`
	// ID is a service identifier written in hex.
	ID string `yaml:"id,omitempty"`
	// PrefixBits is the prefix length. Nil means the full identifier.
	PrefixBits *int         `yaml:"prefix_bits,omitempty"`
	Rules      []RuleRecord `yaml:"rules"`
}

// RuleRecord is the serialized form of a rule. Demux rules bind local
// sockets and cannot be expressed as records.
type RuleRecord struct {
	// Type is one of forward, delay, or drop.
	Type     string   `yaml:"type"`
	Priority uint32   `yaml:"priority,omitempty"`
	Weight   uint32   `yaml:"weight,omitempty"`
	Flags    []string `yaml:"flags,omitempty"`
	IfIndex  int      `yaml:"ifindex,omitempty"`
	// Dest is an IP address or a hex string.
	Dest string `yaml:"dest,omitempty"`
}

// Prefix returns the prefix the record applies to.
func (s ServiceRecord) Prefix() (serviceid.Prefix, error) {
	var id serviceid.ID
	var err error
	switch {
	case s.Name != "" && s.ID == "":
		id, err = serviceid.FromName(s.Name)
	case s.ID != "" && s.Name == "":
		id, err = serviceid.ParseHex(s.ID)
	default:
		return serviceid.Prefix{}, errNoService
	}
	if err != nil {
		return serviceid.Prefix{}, err
	}
	if s.PrefixBits == nil {
		return id.Full(), nil
	}
	return id.Prefix(*s.PrefixBits)
}

// Registrations converts the record.
func (s ServiceRecord) Registrations() ([]Registration, error) {
	prefix, err := s.Prefix()
	if err != nil {
		return nil, err
	}
	registrations := make([]Registration, 0, len(s.Rules))
	for i, record := range s.Rules {
		rule, err := record.Rule()
		if err != nil {
			return nil, fmt.Errorf("%v rule %d: %w", prefix, i, err)
		}
		registrations = append(registrations, Registration{Prefix: prefix, Rule: rule})
	}
	return registrations, nil
}

// Rule converts the record.
func (r RuleRecord) Rule() (svctable.Rule, error) {
	rule := svctable.Rule{
		Priority: r.Priority,
		Weight:   r.Weight,
		IfIndex:  r.IfIndex,
	}
	switch strings.ToLower(r.Type) {
	case "forward", "fwd":
		rule.Type = svctable.RuleForward
	case "delay", "dly":
		rule.Type = svctable.RuleDelay
	case "drop", "drp":
		rule.Type = svctable.RuleDrop
	default:
		return rule, fmt.Errorf("%w: rule type %q", svctable.ErrInvalidArgument, r.Type)
	}
	for _, flag := range r.Flags {
		switch strings.ToLower(flag) {
		case "multicast":
			rule.Flags |= svctable.FlagMulticast
		default:
			return rule, fmt.Errorf("%w: flag %q", svctable.ErrInvalidArgument, flag)
		}
	}
	if r.Dest != "" {
		dest, err := ParseDest(r.Dest)
		if err != nil {
			return rule, err
		}
		rule.Dest = dest
	}
	return rule, nil
}

// ParseDest parses a forward destination written as an IP address or as
// hex digits.
func ParseDest(s string) ([]byte, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.AsSlice(), nil
	}
	dest, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: destination %q is neither an address nor hex", svctable.ErrInvalidArgument, s)
	}
	return dest, nil
}

// DecodeRecords decodes a YAML (or JSON) document holding either a single
// service record or a list of them.
func DecodeRecords(data []byte) ([]ServiceRecord, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	var records []ServiceRecord
	if node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var record ServiceRecord
	if err := node.Content[0].Decode(&record); err != nil {
		return nil, err
	}
	return []ServiceRecord{record}, nil
}

// Flatten converts records to registrations, stopping at the first
// invalid record.
func Flatten(records []ServiceRecord) ([]Registration, error) {
	var registrations []Registration
	for _, record := range records {
		converted, err := record.Registrations()
		if err != nil {
			return nil, err
		}
		registrations = append(registrations, converted...)
	}
	return registrations, nil
}

// FileProber reads service records from a YAML file on every probe.
type FileProber struct {
	Path string
}

// Probe implements Prober.
func (p FileProber) Probe(context.Context) ([]Registration, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	records, err := DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Path, err)
	}
	return Flatten(records)
}
