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
	"io"
	"time"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/internal"
	"github.com/bufbuild/svctable/serviceid"
)

// Registration binds a rule to the prefix it is registered under.
type Registration struct {
	Prefix serviceid.Prefix
	Rule   svctable.Rule
}

// Source is an interface for continuous production of registrations.
type Source interface {
	// New starts a task that delivers registration sets to receiver. Every
	// delivery is the full set known to the source, never a delta.
	//
	// The task keeps trying in the face of errors, reporting them through
	// the receiver, until it is closed or ctx is cancelled.
	//
	// The refresh channel hints that the caller would like fresh results,
	// for example because a link came back up. It may be ignored and is
	// not closed until after Close returns.
	//
	// Close stops the task. No receiver methods are called once Close has
	// returned.
	New(ctx context.Context, receiver Receiver, refresh <-chan struct{}) io.Closer
}

// Receiver consumes the output of a Source.
type Receiver interface {
	// OnRegistrations is called with the full current set of registrations.
	OnRegistrations([]Registration)
	// OnError is called when producing a set failed. Previously delivered
	// registrations stay in effect.
	OnError(error)
}

// Prober produces a registration set once.
type Prober interface {
	Probe(ctx context.Context) ([]Registration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) ([]Registration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) ([]Registration, error) {
	return f(ctx)
}

// NewPollingSource creates a source that runs prober every interval and
// whenever a refresh is requested.
func NewPollingSource(prober Prober, interval time.Duration) Source {
	return &pollingSource{
		prober:   prober,
		interval: interval,
		clock:    internal.NewRealClock(),
	}
}

type pollingSource struct {
	prober   Prober
	interval time.Duration
	clock    internal.Clock
}

func (ps *pollingSource) New(ctx context.Context, receiver Receiver, refresh <-chan struct{}) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingTask{
		cancel:  cancel,
		done:    make(chan struct{}),
		refresh: refresh,
		source:  ps,
	}
	go task.run(ctx, receiver)
	return task
}

type pollingTask struct {
	cancel  context.CancelFunc
	done    chan struct{}
	refresh <-chan struct{}
	source  *pollingSource
}

func (task *pollingTask) Close() error {
	task.cancel()
	<-task.done
	return nil
}

func (task *pollingTask) run(ctx context.Context, receiver Receiver) {
	defer close(task.done)
	defer task.cancel()

	var timer internal.Timer
	for {
		registrations, err := task.source.prober.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			receiver.OnError(err)
		} else {
			receiver.OnRegistrations(registrations)
		}
		if timer == nil {
			timer = task.source.clock.NewTimer(task.source.interval)
		} else {
			timer.Reset(task.source.interval)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-task.refresh:
			// Reset requires a stopped timer with a drained channel.
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
		case <-timer.Chan():
		}
	}
}

// NewStaticSource creates a source that delivers registrations once and
// then again on every refresh.
func NewStaticSource(registrations []Registration) Source {
	return staticSource(registrations)
}

type staticSource []Registration

func (s staticSource) New(ctx context.Context, receiver Receiver, refresh <-chan struct{}) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &staticTask{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(task.done)
		for {
			receiver.OnRegistrations(s)
			select {
			case <-ctx.Done():
				return
			case <-refresh:
			}
		}
	}()
	return task
}

type staticTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *staticTask) Close() error {
	t.cancel()
	<-t.done
	return nil
}
