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
	"testing"

	"github.com/bufbuild/svctable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnycastConvergence(t *testing.T) {
	t.Parallel()

	table := svctable.New()
	prefix := testID(t, "weighted").Full()
	weights := []uint32{1, 2, 7}
	for i, w := range weights {
		require.NoError(t, table.Add(prefix, forward(10, w, 0, byte(i))))
	}
	// A lower tier must never be chosen.
	require.NoError(t, table.Add(prefix, forward(1, 100, 0, 99)))

	entry := table.Find(prefix.ID, svctable.MatchAny)
	require.NotNil(t, entry)
	defer entry.Release()

	const samples = 100_000
	counts := map[byte]int{}
	for range samples {
		iter, err := entry.Iterate(svctable.IterAnycast)
		require.NoError(t, err)
		target := iter.Next()
		require.NotNil(t, target)
		assert.Nil(t, iter.Next())
		out, _ := target.Forward()
		counts[out.Dest[0]]++
		iter.Close()
	}
	assert.Zero(t, counts[99])
	for i, w := range weights {
		observed := float64(counts[byte(i)]) / samples
		assert.InDelta(t, float64(w)/10, observed, 0.01, "target %d", i)
	}
}

func TestAnycastSampleBoundaries(t *testing.T) {
	t.Parallel()

	var sample uint64
	table := svctable.New(svctable.WithSampler(func(n uint64) uint64 {
		require.Less(t, sample, n)
		return sample
	}))
	prefix := testID(t, "bounds").Full()
	require.NoError(t, table.Add(prefix, forward(1, 1, 0, 1)))
	require.NoError(t, table.Add(prefix, forward(1, 2, 0, 2)))

	entry := table.Find(prefix.ID, svctable.MatchAny)
	require.NotNil(t, entry)
	defer entry.Release()

	pick := func(s uint64) byte {
		sample = s
		iter, err := entry.Iterate(svctable.IterAnycast)
		require.NoError(t, err)
		defer iter.Close()
		out, ok := iter.Next().Forward()
		require.True(t, ok)
		return out.Dest[0]
	}
	assert.Equal(t, byte(1), pick(0))
	assert.Equal(t, byte(2), pick(1))
	assert.Equal(t, byte(2), pick(2))
}

func TestAnycastRefusesMulticastTier(t *testing.T) {
	t.Parallel()

	table := svctable.New()
	prefix := testID(t, "mcast").Full()
	rule := forward(5, 1, 0, 1)
	rule.Flags = svctable.FlagMulticast
	require.NoError(t, table.Add(prefix, rule))
	require.NoError(t, table.Add(prefix, forward(5, 1, 0, 2)))
	require.NoError(t, table.Add(prefix, forward(1, 1, 0, 3)))

	entry := table.Find(prefix.ID, svctable.MatchAny)
	require.NotNil(t, entry)
	defer entry.Release()

	_, err := entry.Iterate(svctable.IterAnycast)
	require.ErrorIs(t, err, svctable.ErrMulticastTier)
	assert.Equal(t, int32(2), entry.Refs(), "failed iterate must not leak a reference")

	iter, err := entry.Iterate(svctable.IterAll)
	require.NoError(t, err)
	defer iter.Close()
	var n int
	for target := iter.Next(); target != nil; target = iter.Next() {
		if iter.Priority() == 5 {
			assert.Equal(t, svctable.FlagMulticast, iter.Flags())
		}
		n++
	}
	assert.Equal(t, 3, n)
}

func TestIteratorModes(t *testing.T) {
	t.Parallel()

	table := svctable.New()
	prefix := testID(t, "modes").Full()
	socket := newSocket(protoTCP)
	require.NoError(t, table.Add(prefix, forward(3, 1, 0, 1)))
	require.NoError(t, table.Add(prefix, svctable.Rule{Type: svctable.RuleDemux, Socket: socket, Priority: 2}))
	require.NoError(t, table.Add(prefix, forward(1, 1, 0, 2)))
	require.NoError(t, table.Add(prefix, svctable.Rule{Type: svctable.RuleDelay, Priority: 1}))

	entry := table.Find(prefix.ID, svctable.MatchAny)
	require.NotNil(t, entry)
	defer entry.Release()

	collect := func(mode svctable.IterMode) []svctable.RuleType {
		iter, err := entry.Iterate(mode)
		require.NoError(t, err)
		defer iter.Close()
		var types []svctable.RuleType
		for target := iter.Next(); target != nil; target = iter.Next() {
			types = append(types, target.Type())
		}
		return types
	}
	assert.Equal(t,
		[]svctable.RuleType{svctable.RuleForward, svctable.RuleDemux, svctable.RuleForward, svctable.RuleDelay},
		collect(svctable.IterAll))
	assert.Equal(t, []svctable.RuleType{svctable.RuleDemux}, collect(svctable.IterDemux))
	assert.Equal(t, []svctable.RuleType{svctable.RuleForward, svctable.RuleForward}, collect(svctable.IterForward))
	assert.Len(t, collect(svctable.IterAnycast), 1)

	_, err := entry.Iterate(svctable.IterMode(99))
	require.ErrorIs(t, err, svctable.ErrInvalidArgument)
}

func TestIteratorStatsAttribution(t *testing.T) {
	t.Parallel()

	table := svctable.New()
	prefix := testID(t, "attr").Full()
	require.NoError(t, table.Add(prefix, forward(2, 1, 0, 1)))
	require.NoError(t, table.Add(prefix, forward(1, 1, 0, 2)))

	entry := table.Find(prefix.ID, svctable.MatchAny)
	require.NotNil(t, entry)
	defer entry.Release()

	iter, err := entry.Iterate(svctable.IterAll)
	require.NoError(t, err)
	iter.Resolved(100, 100) // before Next: ignored
	first := iter.Next()
	iter.Resolved(1, 10)
	second := iter.Next()
	iter.Dropped(1, 20)
	assert.Nil(t, iter.Next())
	iter.Resolved(100, 100) // exhausted: ignored
	assert.Zero(t, iter.Priority())
	iter.Close()
	iter.Close()

	assert.Equal(t, svctable.Stats{PacketsResolved: 1, BytesResolved: 10}, first.Stats())
	assert.Equal(t, svctable.Stats{PacketsDropped: 1, BytesDropped: 20}, second.Stats())
	want := svctable.Stats{PacketsResolved: 1, BytesResolved: 10, PacketsDropped: 1, BytesDropped: 20}
	assert.Equal(t, want, entry.Stats())
	assert.Equal(t, want, table.Stats())

	// The closed iterator released its lock, so the entry can be modified.
	_, found := table.RemoveTarget(prefix, svctable.TargetKey{Type: svctable.RuleForward, Dest: []byte{2}})
	assert.True(t, found)
	assert.Nil(t, iter.Next())
}

func TestIterateEmptiedEntry(t *testing.T) {
	t.Parallel()

	table := svctable.New()
	prefix := testID(t, "emptied").Full()
	require.NoError(t, table.Add(prefix, forward(1, 1, 0, 1)))
	entry := table.Find(prefix.ID, svctable.MatchAny)
	require.NotNil(t, entry)
	defer entry.Release()

	_, found := table.RemoveTarget(prefix, svctable.TargetKey{Type: svctable.RuleForward})
	require.True(t, found)
	_, err := entry.Iterate(svctable.IterAll)
	require.ErrorIs(t, err, svctable.ErrNoTargets)
	assert.Equal(t, int32(1), entry.Refs())
}
