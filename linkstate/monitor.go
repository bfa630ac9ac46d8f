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

package linkstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/controlplane"
	"github.com/bufbuild/svctable/internal"
)

const defaultInterval = 5 * time.Second

// Remover is the part of [svctable.Table] a Monitor drives.
type Remover interface {
	RemoveTargetByDevice(ifIndex int) int
}

// Config configures a Monitor.
type Config struct {
	// Interval between polls. Defaults to five seconds.
	Interval time.Duration
	// Logger defaults to discarding output.
	Logger *slog.Logger
}

// Monitor polls links and reacts to state changes.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
	clock    internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	links map[int]observed
	// +checklocks:mu
	subscribers []chan struct{}
}

type observed struct {
	link  Link
	state State
	// gone is set once the link is no longer listed. It then reads as down.
	gone bool
}

var (
	_ svctable.DeviceResolver  = (*Monitor)(nil)
	_ controlplane.LinkChecker = (*Monitor)(nil)
)

// NewMonitor creates a monitor. It does nothing until Run is called.
func NewMonitor(prober Prober, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		prober:   prober,
		interval: config.Interval,
		logger:   config.Logger,
		clock:    internal.NewRealClock(),
		links:    map[int]observed{},
	}
}

// Subscribe returns a channel that receives a value whenever a link comes
// back up. Signals coalesce: a slow reader sees at most one pending value.
// The channel is suitable as the refresh channel of a control plane source.
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// State returns the last observed state of the link with the given index.
func (m *Monitor) State(ifIndex int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[ifIndex].state
}

// LinkDown implements controlplane.LinkChecker. Links that were listed
// once and then vanished count as down; links never observed do not.
func (m *Monitor) LinkDown(ifIndex int) bool {
	return m.State(ifIndex) == StateDown
}

// DeviceByIndex implements svctable.DeviceResolver. It returns nil for
// links that are not currently listed.
func (m *Monitor) DeviceByIndex(ifIndex int) svctable.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.links[ifIndex]
	if !ok || seen.gone {
		return nil
	}
	return device{index: ifIndex, name: seen.link.Name}
}

// Run polls until ctx is cancelled, removing targets from remover as
// links go down. Listing failures are logged and the previous observations
// kept.
func (m *Monitor) Run(ctx context.Context, remover Remover) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.poll(ctx, remover)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (m *Monitor) poll(ctx context.Context, remover Remover) {
	links, err := m.prober.Links(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("listing links failed", "error", err)
		}
		return
	}

	var down []Link
	cameUp := false
	m.mu.Lock()
	present := make(map[int]bool, len(links))
	for _, link := range links {
		present[link.Index] = true
		previous := m.links[link.Index].state
		state := stateOf(link.Up)
		m.links[link.Index] = observed{link: link, state: state}
		switch {
		case state == StateDown && previous != StateDown:
			down = append(down, link)
		case state == StateUp && previous == StateDown:
			cameUp = true
			m.logger.Info("link up", "ifindex", link.Index, "name", link.Name)
		}
	}
	for index, seen := range m.links {
		if present[index] || seen.gone {
			continue
		}
		if seen.state != StateDown {
			down = append(down, seen.link)
		}
		m.links[index] = observed{link: seen.link, state: StateDown, gone: true}
	}
	if cameUp {
		for _, ch := range m.subscribers {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	m.mu.Unlock()

	for _, link := range down {
		removed := remover.RemoveTargetByDevice(link.Index)
		m.logger.Info("link down", "ifindex", link.Index, "name", link.Name, "removed", removed)
	}
}

// device is a link as seen by the table. Links are plain values, so
// holding one pins nothing.
type device struct {
	index int
	name  string
}

func (d device) Index() int   { return d.index }
func (d device) Name() string { return d.name }
func (d device) Hold()        {}
func (d device) Put()         {}
