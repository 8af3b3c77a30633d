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

// Package tlsengine is the TLS engine facade (§4.D): a thin, non-blocking
// wrap/unwrap wrapper around Go's crypto/tls, in the spirit of the
// teacher package transport/tls's wrapping of crypto/tls for the SDK's
// blocking StreamConn contract — except here the facade must not block
// the caller, since the caller is a single cooperative event-loop
// goroutine shared by every connection.
//
// crypto/tls exposes no SSLEngine-style manual handshake/record API, so
// Engine adapts it with an in-process byte pipe standing in for the
// network socket crypto/tls expects, plus a background goroutine that
// drives the handshake. That goroutine is this port's "delegated task":
// submitting it to a worker.Executor and reporting completion through a
// signal callback is the mechanical equivalent of offloading key-exchange
// and certificate-validation work and resuming on a FLUSH_HANDSHAKE
// signal. Once the handshake is finished, record encrypt/decrypt are
// cheap symmetric-key operations driven directly from the caller, with
// each Unwrap bounded by a 1 ms read deadline so it never blocks the
// caller for longer than that poll window.
package tlsengine
