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

package counters

import (
	"sync"
	"sync/atomic"
)

// Sink accumulates named counters. Names are caller-constructed, e.g.
// "route.7.bytes.read" or "slot.pool.exhausted", rather than structured,
// since different deployments group and export them differently.
type Sink interface {
	Add(name string, delta int64)
	Get(name string) int64
}

// counterValue wraps atomic.Int64 so it can live as a map value behind a
// pointer without copying the atomic.
type counterValue struct{ v atomic.Int64 }

// MapSink is an in-process Sink backed by a map of atomic counters,
// suitable for tests and for exposing a snapshot through an operator
// endpoint. It is safe for concurrent use. The zero MapSink is ready to
// use.
type MapSink struct {
	counters sync.Map
}

func NewMapSink() *MapSink { return &MapSink{} }

func (s *MapSink) Add(name string, delta int64) {
	v, _ := s.counters.LoadOrStore(name, &counterValue{})
	v.(*counterValue).v.Add(delta)
}

func (s *MapSink) Get(name string) int64 {
	v, ok := s.counters.Load(name)
	if !ok {
		return 0
	}
	return v.(*counterValue).v.Load()
}

// Snapshot returns a point-in-time copy of every counter currently held,
// for tests and for a debug/metrics dump endpoint.
func (s *MapSink) Snapshot() map[string]int64 {
	out := map[string]int64{}
	s.counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*counterValue).v.Load()
		return true
	})
	return out
}
