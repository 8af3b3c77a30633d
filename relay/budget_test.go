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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplicationWindowSubtractsPadding(t *testing.T) {
	require.Equal(t, 900, applicationWindow(1000, 100))
}

func TestApplicationWindowFloorsAtZero(t *testing.T) {
	require.Equal(t, 0, applicationWindow(50, 100))
}

func TestApplicationWindowCapsAtMaxPayload(t *testing.T) {
	require.Equal(t, MaxPayload, applicationWindow(1<<20, 0))
}

func TestAdditionalCreditCoversResidualCapacity(t *testing.T) {
	// slot has 1000 bytes capacity, 200 filled, 300 already budgeted: the
	// peer may still safely send another 500 bytes before it would risk
	// overrunning the slot.
	require.Equal(t, 500, additionalCredit(1000, 200, 300))
}

func TestAdditionalCreditNeverNegative(t *testing.T) {
	require.Equal(t, 0, additionalCredit(1000, 900, 200))
}

func TestMin(t *testing.T) {
	require.Equal(t, 3, min(3, 5))
	require.Equal(t, 5, min(8, 5))
}
