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

// Package frame encodes and decodes the host dataplane's shared-memory
// message kinds: BEGIN, DATA, END, ABORT, WINDOW, RESET, and SIGNAL.
//
// The transport itself (the ring buffers the bytes travel over) is an
// external collaborator; this package only defines the wire layout and
// the in-memory representation the rest of the module operates on.
package frame
