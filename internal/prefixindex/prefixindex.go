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

// Package prefixindex implements a longest-prefix-match tree keyed by
// service identifier prefixes. It is a path-compressed binary trie in the
// style of the Linux kernel's LPM trie: every node carries a full prefix,
// and intermediate nodes (which carry no value) are created only where two
// stored prefixes diverge.
//
// A Tree is not safe for concurrent use. Callers must provide their own
// locking; lookups may run concurrently with each other, but not with
// Insert, Remove, or Destroy.
package prefixindex

import (
	"math/bits"

	"github.com/bufbuild/svctable/serviceid"
)

// Node is a position in the tree holding one value.
type Node[V any] struct {
	prefix serviceid.Prefix
	child  [2]*Node[V]
	value  V
	active bool
}

// Prefix returns the key the node was inserted under.
func (n *Node[V]) Prefix() serviceid.Prefix {
	return n.prefix
}

// Value returns the value stored at the node.
func (n *Node[V]) Value() V {
	return n.value
}

// Active reports whether the node is still linked into a tree. A node is
// inactive once it has been removed.
func (n *Node[V]) Active() bool {
	return n.active
}

// Tree is a longest-prefix-match index.
type Tree[V any] struct {
	root *Node[V]
	size int
}

// New returns an empty tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{}
}

// Len returns the number of values stored.
func (t *Tree[V]) Len() int {
	return t.size
}

// Insert stores value under prefix. If a value is already stored under
// exactly that prefix, the existing node is returned with inserted set to
// false and the tree is unchanged.
func (t *Tree[V]) Insert(prefix serviceid.Prefix, value V) (node *Node[V], inserted bool) {
	prefix = prefix.Masked()
	slot := &t.root
	for n := *slot; n != nil; n = *slot {
		matchLen := commonLen(n.prefix, prefix)
		if n.prefix.Len != matchLen || n.prefix.Len == prefix.Len || n.prefix.Len == serviceid.Bits {
			break
		}
		slot = &n.child[prefix.ID.Bit(n.prefix.Len)]
	}

	created := &Node[V]{prefix: prefix, value: value, active: true}
	existing := *slot
	if existing == nil {
		*slot = created
		t.size++
		return created, true
	}

	matchLen := commonLen(existing.prefix, prefix)
	switch {
	case matchLen == existing.prefix.Len && matchLen == prefix.Len:
		if existing.active {
			return existing, false
		}
		// Intermediate node at exactly this prefix; it becomes a value node.
		existing.value = value
		existing.active = true
		t.size++
		return existing, true
	case matchLen == prefix.Len:
		created.child[existing.prefix.ID.Bit(matchLen)] = existing
		*slot = created
		t.size++
		return created, true
	}

	intermediate := &Node[V]{prefix: serviceid.Prefix{ID: prefix.ID, Len: matchLen}.Masked()}
	if prefix.ID.Bit(matchLen) == 1 {
		intermediate.child[0], intermediate.child[1] = existing, created
	} else {
		intermediate.child[0], intermediate.child[1] = created, existing
	}
	*slot = intermediate
	t.size++
	return created, true
}

// Get returns the node stored under exactly prefix, or nil.
func (t *Tree[V]) Get(prefix serviceid.Prefix) *Node[V] {
	prefix = prefix.Masked()
	for n := t.root; n != nil; {
		matchLen := commonLen(n.prefix, prefix)
		if matchLen != n.prefix.Len {
			return nil
		}
		if n.prefix.Len == prefix.Len {
			if n.active {
				return n
			}
			return nil
		}
		n = n.child[prefix.ID.Bit(n.prefix.Len)]
	}
	return nil
}

// FindLongest returns the node with the longest prefix containing id for
// which match returns true. A nil match accepts every node.
func (t *Tree[V]) FindLongest(id serviceid.ID, match func(V) bool) *Node[V] {
	key := id.Full()
	var found *Node[V]
	for n := t.root; n != nil; {
		if commonLen(n.prefix, key) != n.prefix.Len {
			break
		}
		if n.active && (match == nil || match(n.value)) {
			found = n
		}
		if n.prefix.Len == serviceid.Bits {
			break
		}
		n = n.child[id.Bit(n.prefix.Len)]
	}
	return found
}

// Remove unlinks the given node. It returns false if the node is not (or
// is no longer) part of the tree.
func (t *Tree[V]) Remove(node *Node[V]) bool {
	if node == nil || !node.active {
		return false
	}
	prefix := node.prefix
	trim := &t.root
	trimParent := trim
	var parent *Node[V]
	n := *trim
	for n != nil {
		matchLen := commonLen(n.prefix, prefix)
		if n.prefix.Len != matchLen || n.prefix.Len == prefix.Len {
			break
		}
		parent = n
		trimParent = trim
		trim = &n.child[prefix.ID.Bit(n.prefix.Len)]
		n = *trim
	}
	if n != node {
		return false
	}

	t.size--
	var zero V
	node.value = zero
	node.active = false

	if node.child[0] != nil && node.child[1] != nil {
		// Still needed to join both subtrees; keep it as an intermediate.
		return true
	}
	if parent != nil && !parent.active && node.child[0] == nil && node.child[1] == nil {
		if parent.child[0] == node {
			*trimParent = parent.child[1]
		} else {
			*trimParent = parent.child[0]
		}
		return true
	}
	if node.child[0] != nil {
		*trim = node.child[0]
	} else {
		*trim = node.child[1]
	}
	return true
}

// ForEach calls fn for every stored node in key order until fn returns
// false. The set of visited nodes is fixed before the first call, so fn
// may remove nodes (including the one it is given).
func (t *Tree[V]) ForEach(fn func(*Node[V]) bool) {
	for _, n := range t.snapshot() {
		if !n.active {
			continue
		}
		if !fn(n) {
			return
		}
	}
}

// Destroy empties the tree, calling release (if non-nil) with every stored
// value.
func (t *Tree[V]) Destroy(release func(V)) {
	nodes := t.snapshot()
	t.root = nil
	t.size = 0
	var zero V
	for _, n := range nodes {
		value := n.value
		n.value = zero
		n.active = false
		n.child = [2]*Node[V]{}
		if release != nil {
			release(value)
		}
	}
}

func (t *Tree[V]) snapshot() []*Node[V] {
	nodes := make([]*Node[V], 0, t.size)
	var walk func(*Node[V])
	walk = func(n *Node[V]) {
		if n == nil {
			return
		}
		if n.active {
			nodes = append(nodes, n)
		}
		walk(n.child[0])
		walk(n.child[1])
	}
	walk(t.root)
	return nodes
}

// commonLen returns the number of leading bits a and b share, capped at
// the shorter of the two prefix lengths.
func commonLen(a, b serviceid.Prefix) int {
	limit := min(a.Len, b.Len)
	matched := 0
	for i := 0; i < serviceid.Size && matched < limit; i++ {
		diff := a.ID[i] ^ b.ID[i]
		if diff != 0 {
			matched += bits.LeadingZeros8(diff)
			break
		}
		matched += 8
	}
	return min(matched, limit)
}
