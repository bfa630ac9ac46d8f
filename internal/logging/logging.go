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

// Package logging builds slog loggers whose level can be set per
// component. A logger created by New consults a [Spec] for every record,
// using the level configured for the record's "component" attribute (set
// with logger.With("component", name)) or the base level otherwise.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar is the environment variable conventionally passed as Options.Env.
const EnvVar = "SVCTABLE_LOG"

// LevelTrace is more verbose than [slog.LevelDebug].
const LevelTrace = slog.Level(-8)

// ParseLevel parses trace, debug, info, warn, or error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// Format is the output encoding of log records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses "text" (the default for an empty string) or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configure New. Spec strings are tried in order Flag, Env,
// Config; the first non-empty one wins.
type Options struct {
	Flag   string
	Env    string
	Config string
	Format Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a logger according to opts.
func New(opts Options) (*slog.Logger, error) {
	var raw string
	switch {
	case opts.Flag != "":
		raw = opts.Flag
	case opts.Env != "":
		raw = opts.Env
	default:
		raw = opts.Config
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	// The inner handler accepts everything; filtering happens above it.
	handlerOpts := &slog.HandlerOptions{Level: LevelTrace}
	var inner slog.Handler
	if opts.Format == FormatJSON {
		inner = slog.NewJSONHandler(output, handlerOpts)
	} else {
		inner = slog.NewTextHandler(output, handlerOpts)
	}
	return slog.New(NewFilteringHandler(inner, spec)), nil
}
