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

// Package linkstate watches network interfaces and keeps a table in step
// with them. When a link goes down, every forward target using it is
// removed from the table; when it comes back up, subscribers (typically
// control plane sources) are asked to refresh so that the targets can be
// registered again.
//
// A [Monitor] also resolves interface indexes to names, so it can serve as
// the table's [svctable.DeviceResolver].
package linkstate
