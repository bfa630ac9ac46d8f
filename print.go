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
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/bufbuild/svctable/serviceid"
)

const (
	headerFormat = "%-64s %-4s %-5s %-6s %-6s %-8s %-7s %s\n"
	rowFormat    = "%-64s %-4s %-5d %-6d %-6d %-8d %-7d "
	targetFormat = "%-5s %s\n"
)

// WriteTo writes a fixed-width dump of every target in the table,
// preceded by a header line.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, headerFormat, "prefix", "type", "flags", "prio", "weight", "resolved", "dropped", "target(s)")
	t.Range(func(_ serviceid.Prefix, entry *Entry) bool {
		entry.writeRows(&buf)
		return true
	})
	return buf.WriteTo(w)
}

// WriteTo writes one fixed-width line per target of the entry.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	e.writeRows(&buf)
	return buf.WriteTo(w)
}

func (e *Entry) writeRows(buf *bytes.Buffer) {
	prefix := e.prefix.String()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, set := range e.sets {
		for _, target := range set.targets {
			stats := target.stats.snapshot()
			fmt.Fprintf(buf, rowFormat,
				prefix, target.ruleType, set.flags, set.priority, target.weight,
				stats.PacketsResolved, stats.PacketsDropped)
			switch out := target.out.(type) {
			case Forward:
				fmt.Fprintf(buf, targetFormat, e.table.deviceName(out.IfIndex), formatDest(out.Dest))
			case demux:
				fmt.Fprintf(buf, targetFormat, "sock", protocolName(out.socket.Protocol()))
			default:
				buf.WriteString("-\n")
			}
		}
	}
}

func (t *Table) deviceName(ifIndex int) string {
	if ifIndex == 0 {
		return "any"
	}
	if t.devices != nil {
		if dev := t.devices.DeviceByIndex(ifIndex); dev != nil {
			return dev.Name()
		}
	}
	return "if" + strconv.Itoa(ifIndex)
}

func formatDest(dest []byte) string {
	if addr, ok := netip.AddrFromSlice(dest); ok {
		return addr.String()
	}
	return hex.EncodeToString(dest)
}

func protocolName(protocol int) string {
	switch protocol {
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	default:
		return strconv.Itoa(protocol)
	}
}
