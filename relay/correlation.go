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

// CorrelationRegistry is the single-threaded correlationId → Handshake
// map (§4.H). A handshake is inserted exactly once, at FINISHED, and
// removed exactly once: by the paired reply stream's BEGIN, or by a
// safety sweep when the accept side observes END/ABORT before the reply
// ever arrives.
type CorrelationRegistry struct {
	byID map[uint64]*Handshake
}

// NewCorrelationRegistry returns an empty registry.
func NewCorrelationRegistry() *CorrelationRegistry {
	return &CorrelationRegistry{byID: make(map[uint64]*Handshake)}
}

// Put registers h under correlationID. Callers must not call Put twice
// for the same id without an intervening Remove.
func (r *CorrelationRegistry) Put(correlationID uint64, h *Handshake) {
	r.byID[correlationID] = h
}

// Take removes and returns the handshake registered under correlationID,
// if any. This is the sole lookup path: a reply BEGIN takes ownership of
// the handshake it names, and no other caller may observe it afterward.
func (r *CorrelationRegistry) Take(correlationID uint64) (*Handshake, bool) {
	h, ok := r.byID[correlationID]
	if ok {
		delete(r.byID, correlationID)
	}
	return h, ok
}

// Remove performs the safety-sweep removal described in §4.H, for the
// case where the accept side observes END/ABORT or a route miss before
// any reply BEGIN arrives. It is a no-op if the id is already gone
// (idempotent, since BEGIN-vs-RESET/END ordering across the pair is not
// guaranteed — see the Open Questions in DESIGN.md).
func (r *CorrelationRegistry) Remove(correlationID uint64) {
	delete(r.byID, correlationID)
}

// Len reports how many handshakes are currently awaiting their reply
// BEGIN; exposed for the correlation-singleton property test.
func (r *CorrelationRegistry) Len() int { return len(r.byID) }
