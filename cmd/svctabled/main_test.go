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

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bufbuild/svctable/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsBadInput(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"-no-such-flag"}, &stderr))
	assert.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &stderr))
	assert.Equal(t, 2, run([]string{"-log-format", "xml"}, &stderr))
	assert.Equal(t, 2, run([]string{"-log", "chatty"}, &stderr))
}

func TestServeWithoutSources(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte("links: {disabled: true}"))
	require.NoError(t, err)
	err = serve(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.ErrorContains(t, err, "no registration sources")
}

func TestServe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	extra := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(extra, []byte("- {name: extra.example, rules: [{type: drop}]}\n"), 0o600))
	cfg, err := config.Parse([]byte(`
services:
  - name: static.example
    rules: [{type: forward, dest: 192.0.2.1}]
files:
  - path: ` + extra + `
    interval: 10ms
links:
  disabled: true
dump_interval: 10ms
`))
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, logs.String(), "static.example")
	assert.Contains(t, logs.String(), "extra.example")
	assert.Contains(t, logs.String(), "msg=stopped")
}
