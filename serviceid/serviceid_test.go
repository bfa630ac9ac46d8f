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

package serviceid_test

import (
	"strings"
	"testing"

	"github.com/bufbuild/svctable/serviceid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromName(t *testing.T) {
	t.Parallel()

	upper, err := serviceid.FromName("WWW.Example.COM")
	require.NoError(t, err)
	lower, err := serviceid.FromName("www.example.com")
	require.NoError(t, err)
	assert.Equal(t, lower, upper)
	assert.Equal(t, "www.example.com", lower.String())

	_, err = serviceid.FromName("")
	require.Error(t, err)
	_, err = serviceid.FromName(strings.Repeat("a", serviceid.Size+1))
	require.Error(t, err)
}

func TestParseHex(t *testing.T) {
	t.Parallel()

	id, err := serviceid.ParseHex("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, byte(0xde), id[0])
	assert.Equal(t, byte(0xef), id[3])
	assert.Equal(t, byte(0), id[4])

	odd, err := serviceid.ParseHex("abc")
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), odd[0])
	assert.Equal(t, byte(0xc0), odd[1])

	_, err = serviceid.ParseHex("zz")
	require.Error(t, err)
	_, err = serviceid.ParseHex(strings.Repeat("00", serviceid.Size+1))
	require.Error(t, err)
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	id, err := serviceid.ParseHex("ffff")
	require.NoError(t, err)

	p, err := id.Prefix(12)
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), p.ID[0])
	assert.Equal(t, byte(0xf0), p.ID[1])
	assert.True(t, p.Contains(id))
	assert.False(t, p.IsFull())
	assert.True(t, strings.HasSuffix(p.String(), "/12"))

	other, err := serviceid.ParseHex("ff0f")
	require.NoError(t, err)
	assert.False(t, p.Contains(other))

	zero, err := id.Prefix(0)
	require.NoError(t, err)
	assert.True(t, zero.Contains(other))

	_, err = id.Prefix(serviceid.Bits + 1)
	require.Error(t, err)

	assert.True(t, p.Valid())
	assert.False(t, serviceid.Prefix{ID: id, Len: -1}.Valid())
	assert.False(t, serviceid.Prefix{ID: id, Len: serviceid.Bits + 1}.Valid())
	assert.Equal(t, serviceid.Prefix{}, serviceid.Prefix{ID: id, Len: -9}.Masked())

	assert.True(t, id.Full().IsFull())
	assert.Equal(t, byte(1), id.Bit(0))
	assert.Equal(t, byte(0), id.Bit(16))
}
