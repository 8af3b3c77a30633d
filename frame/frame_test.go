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

package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTripHeader(t *testing.T, buf *bytes.Buffer) Header {
	t.Helper()
	h, err := ReadHeader(buf)
	require.NoError(t, err)
	return h
}

func TestBeginRoundTripWithExtension(t *testing.T) {
	host := "localhost"
	proto := "h2"
	want := Begin{
		RouteID:       7,
		StreamID:      42,
		TraceID:       9001,
		Authorization: "tok",
		CorrelationID: 123456,
		Extension:     BeginExtension{Hostname: &host, ApplicationProtocol: &proto},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeBegin(&buf, want))
	h := roundTripHeader(t, &buf)
	require.Equal(t, KindBegin, h.Type)
	got, err := DecodeBegin(&buf, h)
	require.NoError(t, err)
	require.Equal(t, want.RouteID, got.RouteID)
	require.Equal(t, want.StreamID, got.StreamID)
	require.Equal(t, want.Authorization, got.Authorization)
	require.Equal(t, want.CorrelationID, got.CorrelationID)
	require.NotNil(t, got.Extension.Hostname)
	require.Equal(t, host, *got.Extension.Hostname)
	require.NotNil(t, got.Extension.ApplicationProtocol)
	require.Equal(t, proto, *got.Extension.ApplicationProtocol)
}

func TestBeginRoundTripAbsentExtensionFields(t *testing.T) {
	want := Begin{RouteID: 1, StreamID: 2, TraceID: 3, Authorization: "", CorrelationID: 4}
	var buf bytes.Buffer
	require.NoError(t, EncodeBegin(&buf, want))
	h := roundTripHeader(t, &buf)
	got, err := DecodeBegin(&buf, h)
	require.NoError(t, err)
	require.Nil(t, got.Extension.Hostname)
	require.Nil(t, got.Extension.ApplicationProtocol)
}

func TestBeginDistinguishesAbsentFromEmptyString(t *testing.T) {
	empty := ""
	want := Begin{Extension: BeginExtension{Hostname: &empty}}
	var buf bytes.Buffer
	require.NoError(t, EncodeBegin(&buf, want))
	h := roundTripHeader(t, &buf)
	got, err := DecodeBegin(&buf, h)
	require.NoError(t, err)
	require.NotNil(t, got.Extension.Hostname)
	require.Equal(t, "", *got.Extension.Hostname)
	require.Nil(t, got.Extension.ApplicationProtocol)
}

func TestDataRoundTrip(t *testing.T) {
	want := Data{RouteID: 1, StreamID: 0x8000000000000001, TraceID: 2, GroupID: 3, Padding: 281, Payload: []byte("hello")}
	var buf bytes.Buffer
	require.NoError(t, EncodeData(&buf, want))
	h := roundTripHeader(t, &buf)
	require.Equal(t, KindData, h.Type)
	require.True(t, h.StreamID.IsReply())
	got, err := DecodeData(&buf, h)
	require.NoError(t, err)
	require.Equal(t, want.Payload, got.Payload)
	require.Equal(t, want.Padding, got.Padding)
}

func TestDataRoundTripEmptyPayload(t *testing.T) {
	want := Data{RouteID: 1, StreamID: 2, TraceID: 3}
	var buf bytes.Buffer
	require.NoError(t, EncodeData(&buf, want))
	h := roundTripHeader(t, &buf)
	got, err := DecodeData(&buf, h)
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestSimpleKindsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeEnd(&buf, End{RouteID: 1, StreamID: 2, TraceID: 3}))
	h := roundTripHeader(t, &buf)
	require.Equal(t, KindEnd, h.Type)
	end, err := DecodeEnd(&buf, h)
	require.NoError(t, err)
	require.Equal(t, uint64(1), end.RouteID)

	buf.Reset()
	require.NoError(t, EncodeAbort(&buf, Abort{RouteID: 4, StreamID: 5, TraceID: 6}))
	h = roundTripHeader(t, &buf)
	abort, err := DecodeAbort(&buf, h)
	require.NoError(t, err)
	require.Equal(t, uint64(4), abort.RouteID)

	buf.Reset()
	require.NoError(t, EncodeReset(&buf, Reset{RouteID: 7, StreamID: 8, TraceID: 9}))
	h = roundTripHeader(t, &buf)
	reset, err := DecodeReset(&buf, h)
	require.NoError(t, err)
	require.Equal(t, uint64(7), reset.RouteID)
}

func TestWindowRoundTrip(t *testing.T) {
	want := Window{RouteID: 1, StreamID: 2, TraceID: 3, Credit: 16384, Padding: 281, GroupID: 5}
	var buf bytes.Buffer
	require.NoError(t, EncodeWindow(&buf, want))
	h := roundTripHeader(t, &buf)
	got, err := DecodeWindow(&buf, h)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSignalRoundTripFlushHandshake(t *testing.T) {
	want := Signal{RouteID: 1, StreamID: 2, TraceID: 3, SignalID: SignalFlushHandshake}
	var buf bytes.Buffer
	require.NoError(t, EncodeSignal(&buf, want))
	h := roundTripHeader(t, &buf)
	got, err := DecodeSignal(&buf, h)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDataDecodeRejectsTruncatedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeData(&buf, Data{RouteID: 1, StreamID: 2, TraceID: 3, Payload: []byte("abc")}))
	h := roundTripHeader(t, &buf)
	h.Length = 4 // smaller than the fixed prefix
	_, err := DecodeData(&buf, h)
	require.Error(t, err)
}
