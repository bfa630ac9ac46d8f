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

import "errors"

var (
	// ErrInvalidArgument indicates a rule whose kind and payload do not fit
	// together, such as a forward rule without a destination.
	ErrInvalidArgument = errors.New("svctable: invalid argument")
	// ErrAlreadyExists is returned when adding a target that duplicates one
	// already registered for the same prefix.
	ErrAlreadyExists = errors.New("svctable: target already exists")
	// ErrAddressInUse is returned when adding a demux target for a prefix
	// and protocol that already has one. Socket layers map this to a failed
	// bind.
	ErrAddressInUse = errors.New("svctable: address in use")
	// ErrNotModifiable is returned when attempting to modify a demux target.
	ErrNotModifiable = errors.New("svctable: demux targets cannot be modified")
	// ErrNoTargets is returned when iterating an entry that has no targets
	// left.
	ErrNoTargets = errors.New("svctable: entry has no targets")
	// ErrMulticastTier is returned when anycast selection is requested but
	// the highest priority tier is flagged multicast.
	ErrMulticastTier = errors.New("svctable: anycast selection from multicast tier")

	errEntryUnlinked = errors.New("entry was removed from the table")
)
