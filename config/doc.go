// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves dataplane configuration from environment
// variables first and an optional YAML overlay file second, the host's
// environment always winning over the file. This mirrors the layering
// the teacher's config-resolution code applies to its own option
// sources, generalized here to env-vs-file instead of flag-vs-URL-query.
package config
