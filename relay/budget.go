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

package relay

// MaxPayload is the largest ciphertext or cleartext payload the wire
// format allows in a single DATA frame (§8, "TLS record bound").
const MaxPayload = 65535

// MaxHeaderSize is a conservative overestimate of TLS record overhead:
// 5 bytes of record header, 20 bytes of MAC, 256 bytes of worst-case
// padding for block ciphers. Kept deliberately loose per §9; do not
// tighten without revisiting cipher-suite padding for every supported
// TLS version.
const MaxHeaderSize = 5 + 20 + 256

// applicationWindow computes how many bytes may be drained from an
// application-facing slot right now, bounded by both the remaining
// credit net of padding and the wire format's per-frame payload cap.
func applicationWindow(budget, padding int) int {
	w := budget - padding
	if w < 0 {
		w = 0
	}
	if w > MaxPayload {
		w = MaxPayload
	}
	return w
}

// additionalCredit computes the extra WINDOW credit to grant upstream
// after a partial unwrap leaves residue bytes in a slot of the given
// capacity, so the peer can eventually complete the record without ever
// sending more than the slot can hold.
func additionalCredit(slotCapacity, offset, budget int) int {
	c := slotCapacity - offset - budget
	if c < 0 {
		return 0
	}
	return c
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
