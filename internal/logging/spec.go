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

package logging

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// Spec is a base level plus per-component overrides, written as
// "<level>[,<component>=<level>]...", for example "warn,table=debug".
type Spec struct {
	Base       slog.Level
	Components map[string]slog.Level
}

// ParseSpec parses a spec string. The empty string means info for
// everything. A bare level is only accepted as the first element.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Base: slog.LevelInfo, Components: map[string]slog.Level{}}
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		component, levelText, isOverride := strings.Cut(part, "=")
		if !isOverride {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must come first", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.Base = level
			continue
		}
		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelText)
		if err != nil {
			return spec, fmt.Errorf("component %q: %w", component, err)
		}
		spec.Components[component] = level
	}
	return spec, nil
}

// LevelFor returns the minimum enabled level for component.
func (s Spec) LevelFor(component string) slog.Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.Base
}

// String formats the spec so that ParseSpec accepts it. Components are
// sorted by name.
func (s Spec) String() string {
	parts := []string{levelName(s.Base)}
	for _, component := range slices.Sorted(maps.Keys(s.Components)) {
		parts = append(parts, component+"="+levelName(s.Components[component]))
	}
	return strings.Join(parts, ",")
}

func levelName(level slog.Level) string {
	if level == LevelTrace {
		return "trace"
	}
	return strings.ToLower(level.String())
}
