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

package route

import "sync"

// Table resolves routes by id and by content predicate. Mutation (adding
// or removing routes in response to ROUTE/UNROUTE control messages) is an
// external collaborator's responsibility; this is the read path the core
// consumes.
type Table interface {
	// Get resolves a route by its id, as named in an inbound BEGIN.
	Get(routeID uint64) (*Route, bool)

	// Match finds the first registered route for which pred returns true,
	// as used when resolving a downstream target by negotiated SNI/ALPN.
	Match(pred func(*Route) bool) (*Route, bool)
}

// MemTable is a reference, in-memory [Table] implementation. Real
// deployments mutate routes via the control plane; MemTable exposes Add
// and Remove directly so embedding hosts and tests can wire it without a
// control-plane decoder.
type MemTable struct {
	mu     sync.RWMutex
	routes map[uint64]*Route
	order  []uint64
}

var _ Table = (*MemTable)(nil)

// NewMemTable creates an empty route table.
func NewMemTable() *MemTable {
	return &MemTable{routes: make(map[uint64]*Route)}
}

// Add registers a route, replacing any existing route with the same id.
func (t *MemTable) Add(r *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.routes[r.RouteID]; !exists {
		t.order = append(t.order, r.RouteID)
	}
	t.routes[r.RouteID] = r
}

// Remove unregisters a route by id. It releases the route's store
// reference, if any.
func (t *MemTable) Remove(routeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[routeID]
	if !ok {
		return
	}
	if r.store != nil {
		r.store.release()
	}
	delete(t.routes, routeID)
	for i, id := range t.order {
		if id == routeID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Get implements [Table].
func (t *MemTable) Get(routeID uint64) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[routeID]
	return r, ok
}

// Match implements [Table]. Routes are scanned in registration order so
// that matching is deterministic across calls.
func (t *MemTable) Match(pred func(*Route) bool) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.order {
		r := t.routes[id]
		if pred(r) {
			return r, true
		}
	}
	return nil, false
}
