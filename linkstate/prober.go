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
	"net"
)

// Link is one network interface.
type Link struct {
	Index int
	Name  string
	Up    bool
}

// Prober lists the current links.
type Prober interface {
	Links(ctx context.Context) ([]Link, error)
}

// NetProber lists the host's interfaces with [net.Interfaces].
type NetProber struct{}

// Links implements Prober.
func (NetProber) Links(context.Context) ([]Link, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	links := make([]Link, len(interfaces))
	for i, iface := range interfaces {
		links[i] = Link{
			Index: iface.Index,
			Name:  iface.Name,
			Up:    iface.Flags&net.FlagUp != 0,
		}
	}
	return links, nil
}
