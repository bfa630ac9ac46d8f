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

// Package controlplane feeds service registrations into a table.
//
// A [Source] produces the complete set of registrations it knows about,
// repeatedly, as that set changes over time. The core interface is general
// enough to be backed by polling (see [NewPollingSource] and [Prober]) or by
// a push mechanism such as an etcd watch (see [NewEtcdSource]).
//
// Sources never touch a table directly. They hand full registration sets
// to a [Receiver]; the [Syncer] receiver reconciles each set with the
// table, adding registrations that appeared, modifying ones whose priority,
// weight or flags changed, and removing ones that vanished. A Syncer only
// ever removes what it added itself, so several sources can share a table.
//
// Registrations are exchanged in a serialized form, [ServiceRecord], which
// is what the static configuration, the file prober, and the etcd source
// decode:
//
//	name: www.example.com
//	prefix_bits: 120
//	rules:
//	  - type: forward
//	    priority: 10
//	    weight: 3
//	    ifindex: 2
//	    dest: 192.0.2.1
//	  - type: drop
package controlplane
