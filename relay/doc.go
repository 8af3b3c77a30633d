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

// Package relay is the per-connection TLS streaming engine: the record
// pumps (components E and F), the handshake coordinator (G), the
// correlation registry (H), and the stream-factory dispatch (I) that
// together translate between a network-side stream carrying TLS records
// and an application-side stream carrying decrypted payload.
//
// All connection work is serialized on the Dispatcher's mutex, this
// package's stand-in for the single-threaded dataplane worker model
// described in the design notes. The only work that runs on another
// goroutine is a TLS handshake's delegated task, submitted to a
// tlsengine.Executor; it flushes handshake output and reports completion
// (the FLUSH_HANDSHAKE signal for the owning stream id) through that same
// mutex, never through a blocking join.
package relay
