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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapSinkAddAccumulates(t *testing.T) {
	s := NewMapSink()
	s.Add("route.1.bytes.read", 10)
	s.Add("route.1.bytes.read", 5)
	require.EqualValues(t, 15, s.Get("route.1.bytes.read"))
	require.EqualValues(t, 0, s.Get("unset"))
}

func TestMapSinkConcurrentAdd(t *testing.T) {
	s := NewMapSink()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add("x", 1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 100, s.Get("x"))
}

func TestMapSinkSnapshot(t *testing.T) {
	s := NewMapSink()
	s.Add("a", 1)
	s.Add("b", 2)
	snap := s.Snapshot()
	require.Equal(t, map[string]int64{"a": 1, "b": 2}, snap)
}
