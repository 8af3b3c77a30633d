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

// Package slot defines the scratch-buffer facade the record pump borrows
// from: one fixed-size slot per connection per direction (network
// ciphertext staging, application cleartext staging), with compaction on
// partial consumption.
//
// The production buffer pool is an external collaborator; [FixedPool] is a
// reference implementation sized for tests and for embedding hosts that
// don't bring their own.
package slot
