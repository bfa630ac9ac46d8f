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

// Package clocktest adapts the clockwork fake clock to [internal.Clock].
// Go compares interface method signatures nominally, so the clockwork
// methods returning clockwork.Ticker and clockwork.Timer have to be
// re-boxed as the internal interfaces.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/svctable/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock that only moves when advanced.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock returns a FakeClock backed by clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}
