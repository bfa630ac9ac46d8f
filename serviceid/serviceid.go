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

// Package serviceid defines service identifiers: fixed-width opaque keys
// that address an endpoint independently of any host or port. Identifiers
// are treated as bit strings so that a [Prefix] of an identifier can be
// registered and matched with longest-prefix semantics.
package serviceid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

const (
	// Size is the size of an identifier, in bytes.
	Size = 32
	// Bits is the width of an identifier, in bits.
	Bits = Size * 8
)

var (
	errEmptyName    = errors.New("service name is empty")
	errNameTooLong  = fmt.Errorf("service name exceeds %d bytes", Size)
	errBadPrefixLen = fmt.Errorf("prefix length must be between 0 and %d", Bits)
)

//nolint:gochecknoglobals
var nameProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// ID is a service identifier.
type ID [Size]byte

// FromName builds an identifier from a textual service name. The name is
// normalized with IDNA lookup rules (so "WWW.Example.COM" and
// "www.example.com" yield the same identifier) and its bytes are stored
// left-aligned, zero-padded, which keeps names that share a leading label
// sequence adjacent in prefix space.
func FromName(name string) (ID, error) {
	var id ID
	if name == "" {
		return id, errEmptyName
	}
	normalized, err := nameProfile.ToASCII(name)
	if err != nil {
		return id, fmt.Errorf("normalize service name %q: %w", name, err)
	}
	if len(normalized) > Size {
		return id, fmt.Errorf("%q: %w", name, errNameTooLong)
	}
	copy(id[:], normalized)
	return id, nil
}

// MustFromName is like FromName but panics on error. It is intended for
// tests and package-level variables.
func MustFromName(name string) ID {
	id, err := FromName(name)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseHex parses an identifier written as up to 64 hex digits. Shorter
// inputs are left-aligned and zero-padded.
func ParseHex(s string) (ID, error) {
	var id ID
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 == 1 {
		s += "0"
	}
	if len(s) > Size*2 {
		return id, fmt.Errorf("hex service id %q is longer than %d bytes", s, Size)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("parse hex service id: %w", err)
	}
	return id, nil
}

// Bit returns the bit at the given index, counting from the most
// significant bit of the first byte.
func (id ID) Bit(i int) byte {
	return (id[i/8] >> (7 - uint(i%8))) & 1
}

// Full returns the prefix that covers the whole identifier.
func (id ID) Full() Prefix {
	return Prefix{ID: id, Len: Bits}
}

// Prefix returns the first n bits of id as a prefix. Bits past n are
// cleared.
func (id ID) Prefix(n int) (Prefix, error) {
	if n < 0 || n > Bits {
		return Prefix{}, errBadPrefixLen
	}
	return Prefix{ID: id, Len: n}.Masked(), nil
}

// String renders the identifier as printable text when it holds a
// zero-padded name, and as hex otherwise.
func (id ID) String() string {
	end := Size
	for end > 0 && id[end-1] == 0 {
		end--
	}
	if end == 0 {
		return "0"
	}
	for _, b := range id[:end] {
		if b < 0x21 || b > 0x7e {
			return hex.EncodeToString(id[:end])
		}
	}
	return string(id[:end])
}

// Prefix is a service identifier together with the number of leading bits
// that are significant.
type Prefix struct {
	ID  ID
	Len int
}

// Valid reports whether p.Len is between 0 and Bits.
func (p Prefix) Valid() bool {
	return p.Len >= 0 && p.Len <= Bits
}

// Masked returns p with every bit past p.Len cleared. Lengths outside
// [0, Bits] are clamped to that range first.
func (p Prefix) Masked() Prefix {
	p.Len = min(max(p.Len, 0), Bits)
	full := p.Len / 8
	if full >= Size {
		return p
	}
	if rem := p.Len % 8; rem != 0 {
		p.ID[full] &= ^byte(0xff >> uint(rem))
		full++
	}
	for i := full; i < Size; i++ {
		p.ID[i] = 0
	}
	return p
}

// Contains reports whether id falls within p.
func (p Prefix) Contains(id ID) bool {
	return Prefix{ID: id, Len: p.Len}.Masked() == p.Masked()
}

// IsFull reports whether p covers every bit of the identifier.
func (p Prefix) IsFull() bool {
	return p.Len == Bits
}

// String renders the prefix. Full-length prefixes print as the bare
// identifier; shorter prefixes carry a "/len" suffix.
func (p Prefix) String() string {
	if p.IsFull() {
		return p.ID.String()
	}
	return p.ID.String() + "/" + strconv.Itoa(p.Len)
}
