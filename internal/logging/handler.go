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
	"context"
	"log/slog"
)

// ComponentKey is the attribute that names a logger's component.
const ComponentKey = "component"

type filteringHandler struct {
	inner     slog.Handler
	spec      Spec
	component string
}

// NewFilteringHandler wraps inner so that records below the level spec
// assigns to the handler's component are discarded.
func NewFilteringHandler(inner slog.Handler, spec Spec) slog.Handler {
	return &filteringHandler{inner: inner, spec: spec}
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.Enabled(ctx, record.Level) {
		return nil
	}
	return h.inner.Handle(ctx, record)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == ComponentKey {
			derived.component = attr.Value.String()
		}
	}
	return derived
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
