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

// Package svctable provides a service resolution table: the structure that
// maps service identifiers to the rules used to dispatch traffic addressed
// to them. Endpoints are addressed by opaque [serviceid.ID] values rather
// than host/port pairs, and the table decides, per packet or per connection
// attempt, whether to deliver locally, forward, delay, or drop.
//
// To create a table use [New]. Processes that only need one table can use
// [Default].
//
// # Structure
//
// Each registered [serviceid.Prefix] maps to an [Entry]. An entry holds
// its targets grouped into priority tiers. Within a tier, targets carry
// weights that drive weighted random selection. A target is one of four
// kinds of [RuleType]:
//
//   - [RuleForward] sends traffic out an interface toward a destination.
//   - [RuleDemux] delivers traffic to a locally bound [Socket].
//   - [RuleDelay] holds traffic until resolution can complete.
//   - [RuleDrop] discards traffic.
//
// # Resolution
//
// The packet path calls [Table.Find] to obtain a held entry, opens an
// [Iterator] over it with [Entry.Iterate], consumes targets, reports the
// outcome through [Iterator.Resolved] or [Iterator.Dropped], and then
// closes the iterator and releases the entry:
//
//	entry := table.Find(id, svctable.MatchAny)
//	if entry == nil {
//		table.RecordDrop(1, size)
//		return
//	}
//	defer entry.Release()
//	iter, err := entry.Iterate(svctable.IterAnycast)
//	if err != nil {
//		return
//	}
//	defer iter.Close()
//	if target := iter.Next(); target != nil {
//		iter.Resolved(1, size)
//	}
//
// # Concurrency
//
// All methods are safe for concurrent use. A table-wide read/write lock
// guards the prefix index; each entry has its own read/write lock guarding
// its targets. The table lock is never acquired while an entry lock is
// held. Statistics are atomic counters, so recording outcomes only needs
// read access. An open iterator holds its entry's read lock, so iterators
// must be closed promptly: control-plane mutations of that entry wait
// until they are.
//
// Entries are reference counted. Any value returned held (from Find,
// or iterators) keeps the entry and its targets' sockets alive, even if
// the entry is concurrently removed from the table, until it is released.
package svctable
