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
	"log/slog"
	"math/bits"
	"math/rand/v2"
	"sync"
)

//nolint:gochecknoglobals
var defaultTable = sync.OnceValue(func() *Table { return New() })

// Default returns the process-wide table, creating it on first use.
func Default() *Table {
	return defaultTable()
}

// Option customizes a table created with New.
type Option interface {
	apply(*Table)
}

type optionFunc func(*Table)

func (f optionFunc) apply(t *Table) {
	f(t)
}

// WithLogger configures the logger used to report control-plane changes
// to the table. Only additions and removals are logged, at debug level;
// lookups and statistics never log. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(t *Table) {
		t.logger = logger
	})
}

// WithDeviceResolver configures how interface indexes of forward targets
// are mapped to devices, for [Entry.Device] and for the device column of
// table dumps. Without one, Entry.Device always returns nil and dumps show
// the raw index.
func WithDeviceResolver(resolver DeviceResolver) Option {
	return optionFunc(func(t *Table) {
		t.devices = resolver
	})
}

// randomSample scales a 64-bit random value into [0, n) with fixed-point
// multiplication: the high word of rand*n.
func randomSample(n uint64) uint64 {
	hi, _ := bits.Mul64(rand.Uint64(), n) //nolint:gosec // selection does not need a cryptographic RNG
	return hi
}
