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

package svctable_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bufbuild/svctable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTo(t *testing.T) {
	t.Parallel()

	table := svctable.New(svctable.WithDeviceResolver(fakeDevices{2: {index: 2, name: "eth0"}}))
	fwd := testID(t, "fwd.example").Full()
	require.NoError(t, table.Add(fwd, forward(3, 2, 2, 192, 0, 2, 1)))
	require.NoError(t, table.Add(fwd, forward(3, 1, 7, 0xde, 0xad)))
	require.NoError(t, table.Add(testID(t, "local").Full(), demuxRule(newSocket(protoUDP))))
	require.NoError(t, table.Add(testPrefix(t, "drop", 16), svctable.Rule{Type: svctable.RuleDrop}))

	var buf bytes.Buffer
	_, err := table.WriteTo(&buf)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)

	assert.Equal(t, []string{"prefix", "type", "flags", "prio", "weight", "resolved", "dropped", "target(s)"}, strings.Fields(lines[0]))
	rows := map[string][]string{}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		rows[fields[0]+" "+fields[len(fields)-1]] = fields
	}
	assert.Equal(t,
		[]string{"fwd.example", "FWD", "0", "3", "2", "0", "0", "eth0", "192.0.2.1"},
		rows["fwd.example 192.0.2.1"])
	assert.Equal(t,
		[]string{"fwd.example", "FWD", "0", "3", "1", "0", "0", "if7", "dead"},
		rows["fwd.example dead"])
	assert.Equal(t,
		[]string{"local", "DMX", "0", "0", "1", "0", "0", "sock", "UDP"},
		rows["local UDP"])
	assert.Equal(t,
		[]string{"dr/16", "DRP", "0", "0", "1", "0", "0", "-"},
		rows["dr/16 -"])

	entry := table.Find(testID(t, "local"), svctable.MatchLocal)
	require.NotNil(t, entry)
	defer entry.Release()
	buf.Reset()
	_, err = entry.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestRuleTypeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "UDF", svctable.RuleUndefined.String())
	assert.Equal(t, "FWD", svctable.RuleForward.String())
	assert.Equal(t, "DMX", svctable.RuleDemux.String())
	assert.Equal(t, "DLY", svctable.RuleDelay.String())
	assert.Equal(t, "DRP", svctable.RuleDrop.String())
	assert.Equal(t, "RuleType(9)", svctable.RuleType(9).String())
}
