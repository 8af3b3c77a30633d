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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the body that follows a frame header. The numeric values
// are the host's canonical assignment; callers outside this module must
// not assume these exact values are stable across hosts.
type Kind uint32

const (
	KindBegin  Kind = 0x01
	KindData   Kind = 0x02
	KindEnd    Kind = 0x03
	KindAbort  Kind = 0x04
	KindWindow Kind = 0x05
	KindReset  Kind = 0x06
	KindSignal Kind = 0x07
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindData:
		return "DATA"
	case KindEnd:
		return "END"
	case KindAbort:
		return "ABORT"
	case KindWindow:
		return "WINDOW"
	case KindReset:
		return "RESET"
	case KindSignal:
		return "SIGNAL"
	default:
		return fmt.Sprintf("Kind(%#x)", uint32(k))
	}
}

// StreamID is a dataplane stream identifier. The high bit distinguishes
// the accept (initial) direction from the reply direction.
type StreamID uint64

const replyBit = uint64(1) << 63

// IsReply reports whether id names a reply-direction stream.
func (id StreamID) IsReply() bool { return uint64(id)&replyBit != 0 }

// FLUSH_HANDSHAKE is the well-known signal id the delegated-task executor
// posts back onto a connection's accept stream id when offloaded work
// completes.
const SignalFlushHandshake = uint64(1)

// ErrShortBuffer is returned when the input does not contain a full frame.
var ErrShortBuffer = errors.New("frame: short buffer")

// ErrUnknownKind is returned when a header names a kind this package does
// not know how to decode.
var ErrUnknownKind = errors.New("frame: unknown kind")

// Header is the common prefix of every frame.
type Header struct {
	Type     Kind
	Length   uint32
	StreamID StreamID
}

const headerLen = 4 + 4 + 8

// BeginExtension carries the TLS-specific fields of a BEGIN message: the
// SNI hostname and negotiated ALPN protocol, either of which may be absent
// (as opposed to present-but-empty).
type BeginExtension struct {
	Hostname            *string
	ApplicationProtocol *string
}

// RouteExtension carries the TLS-specific fields attached to a route
// record: the named certificate/trust store plus the optional SNI and
// ALPN selectors the route matches on.
type RouteExtension struct {
	Store               *string
	Hostname            *string
	ApplicationProtocol *string
}

// Begin is the BEGIN message: the first message on every stream.
type Begin struct {
	RouteID       uint64
	StreamID      StreamID
	TraceID       uint64
	Authorization string
	CorrelationID uint64
	Extension     BeginExtension
}

// Data carries a payload chunk on an already-begun stream.
type Data struct {
	RouteID  uint64
	StreamID StreamID
	TraceID  uint64
	GroupID  uint64
	Padding  uint32
	Payload  []byte
}

// End marks a clean half-close of a stream.
type End struct {
	RouteID  uint64
	StreamID StreamID
	TraceID  uint64
}

// Abort marks an abnormal, immediate close of a stream.
type Abort struct {
	RouteID  uint64
	StreamID StreamID
	TraceID  uint64
}

// Window grants additional send credit to the peer.
type Window struct {
	RouteID  uint64
	StreamID StreamID
	TraceID  uint64
	Credit   uint32
	Padding  uint32
	GroupID  uint64
}

// Reset marks a protocol-violation close of a stream.
type Reset struct {
	RouteID  uint64
	StreamID StreamID
	TraceID  uint64
}

// Signal carries an out-of-band notification, such as FLUSH_HANDSHAKE,
// back onto a stream id.
type Signal struct {
	RouteID  uint64
	StreamID StreamID
	TraceID  uint64
	SignalID uint64
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// absentLen marks a length-prefixed string as absent, as opposed to
// present with zero length.
const absentLen = uint32(0xFFFFFFFF)

func writeOptString(w io.Writer, s *string) error {
	if s == nil {
		return writeUint32(w, absentLen)
	}
	if err := writeUint32(w, uint32(len(*s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, *s)
	return err
}

func readOptString(r io.Reader) (*string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == absentLen {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	s := string(buf)
	return &s, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeHeader(w io.Writer, kind Kind, length uint32, id StreamID) error {
	if err := writeUint32(w, uint32(kind)); err != nil {
		return err
	}
	if err := writeUint32(w, length); err != nil {
		return err
	}
	return writeUint64(w, uint64(id))
}

// ReadHeader reads just the common frame header from r.
func ReadHeader(r io.Reader) (Header, error) {
	kind, err := readUint32(r)
	if err != nil {
		return Header{}, err
	}
	length, err := readUint32(r)
	if err != nil {
		return Header{}, err
	}
	id, err := readUint64(r)
	if err != nil {
		return Header{}, err
	}
	return Header{Type: Kind(kind), Length: length, StreamID: StreamID(id)}, nil
}

// EncodeBegin writes a BEGIN frame to w.
func EncodeBegin(w io.Writer, m Begin) error {
	var body bytes.Buffer
	if err := writeUint64(&body, m.RouteID); err != nil {
		return err
	}
	if err := writeUint64(&body, uint64(m.StreamID)); err != nil {
		return err
	}
	if err := writeUint64(&body, m.TraceID); err != nil {
		return err
	}
	if err := writeString(&body, m.Authorization); err != nil {
		return err
	}
	if err := writeUint64(&body, m.CorrelationID); err != nil {
		return err
	}
	if err := writeOptString(&body, m.Extension.Hostname); err != nil {
		return err
	}
	if err := writeOptString(&body, m.Extension.ApplicationProtocol); err != nil {
		return err
	}
	if err := writeHeader(w, KindBegin, uint32(body.Len()), m.StreamID); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeBegin reads a BEGIN body (header already consumed) of length h.Length.
func DecodeBegin(r io.Reader, h Header) (Begin, error) {
	lr := io.LimitReader(r, int64(h.Length))
	var m Begin
	var err error
	if m.RouteID, err = readUint64(lr); err != nil {
		return m, err
	}
	var sid uint64
	if sid, err = readUint64(lr); err != nil {
		return m, err
	}
	m.StreamID = StreamID(sid)
	if m.TraceID, err = readUint64(lr); err != nil {
		return m, err
	}
	if m.Authorization, err = readString(lr); err != nil {
		return m, err
	}
	if m.CorrelationID, err = readUint64(lr); err != nil {
		return m, err
	}
	if m.Extension.Hostname, err = readOptString(lr); err != nil {
		return m, err
	}
	if m.Extension.ApplicationProtocol, err = readOptString(lr); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeData writes a DATA frame to w.
func EncodeData(w io.Writer, m Data) error {
	var body bytes.Buffer
	if err := writeUint64(&body, m.RouteID); err != nil {
		return err
	}
	if err := writeUint64(&body, uint64(m.StreamID)); err != nil {
		return err
	}
	if err := writeUint64(&body, m.TraceID); err != nil {
		return err
	}
	if err := writeUint64(&body, m.GroupID); err != nil {
		return err
	}
	if err := writeUint32(&body, m.Padding); err != nil {
		return err
	}
	if _, err := body.Write(m.Payload); err != nil {
		return err
	}
	if err := writeHeader(w, KindData, uint32(body.Len()), m.StreamID); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeData reads a DATA body (header already consumed) of length h.Length.
func DecodeData(r io.Reader, h Header) (Data, error) {
	lr := io.LimitReader(r, int64(h.Length))
	var m Data
	var err error
	if m.RouteID, err = readUint64(lr); err != nil {
		return m, err
	}
	var sid uint64
	if sid, err = readUint64(lr); err != nil {
		return m, err
	}
	m.StreamID = StreamID(sid)
	if m.TraceID, err = readUint64(lr); err != nil {
		return m, err
	}
	if m.GroupID, err = readUint64(lr); err != nil {
		return m, err
	}
	if m.Padding, err = readUint32(lr); err != nil {
		return m, err
	}
	fixedLen := int64(8 + 8 + 8 + 8 + 4)
	payloadLen := int64(h.Length) - fixedLen
	if payloadLen < 0 {
		return m, ErrShortBuffer
	}
	m.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(lr, m.Payload); err != nil {
		return m, err
	}
	return m, nil
}

func encodeSimple(w io.Writer, kind Kind, routeID uint64, id StreamID, traceID uint64) error {
	var body bytes.Buffer
	if err := writeUint64(&body, routeID); err != nil {
		return err
	}
	if err := writeUint64(&body, uint64(id)); err != nil {
		return err
	}
	if err := writeUint64(&body, traceID); err != nil {
		return err
	}
	if err := writeHeader(w, kind, uint32(body.Len()), id); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func decodeSimple(r io.Reader, h Header) (routeID uint64, traceID uint64, err error) {
	lr := io.LimitReader(r, int64(h.Length))
	if routeID, err = readUint64(lr); err != nil {
		return
	}
	var sid uint64
	if sid, err = readUint64(lr); err != nil {
		return
	}
	_ = sid
	if traceID, err = readUint64(lr); err != nil {
		return
	}
	return
}

// EncodeEnd writes an END frame to w.
func EncodeEnd(w io.Writer, m End) error {
	return encodeSimple(w, KindEnd, m.RouteID, m.StreamID, m.TraceID)
}

// DecodeEnd reads an END body (header already consumed).
func DecodeEnd(r io.Reader, h Header) (End, error) {
	routeID, traceID, err := decodeSimple(r, h)
	return End{RouteID: routeID, StreamID: h.StreamID, TraceID: traceID}, err
}

// EncodeAbort writes an ABORT frame to w.
func EncodeAbort(w io.Writer, m Abort) error {
	return encodeSimple(w, KindAbort, m.RouteID, m.StreamID, m.TraceID)
}

// DecodeAbort reads an ABORT body (header already consumed).
func DecodeAbort(r io.Reader, h Header) (Abort, error) {
	routeID, traceID, err := decodeSimple(r, h)
	return Abort{RouteID: routeID, StreamID: h.StreamID, TraceID: traceID}, err
}

// EncodeReset writes a RESET frame to w.
func EncodeReset(w io.Writer, m Reset) error {
	return encodeSimple(w, KindReset, m.RouteID, m.StreamID, m.TraceID)
}

// DecodeReset reads a RESET body (header already consumed).
func DecodeReset(r io.Reader, h Header) (Reset, error) {
	routeID, traceID, err := decodeSimple(r, h)
	return Reset{RouteID: routeID, StreamID: h.StreamID, TraceID: traceID}, err
}

// EncodeWindow writes a WINDOW frame to w.
func EncodeWindow(w io.Writer, m Window) error {
	var body bytes.Buffer
	if err := writeUint64(&body, m.RouteID); err != nil {
		return err
	}
	if err := writeUint64(&body, uint64(m.StreamID)); err != nil {
		return err
	}
	if err := writeUint64(&body, m.TraceID); err != nil {
		return err
	}
	if err := writeUint32(&body, m.Credit); err != nil {
		return err
	}
	if err := writeUint32(&body, m.Padding); err != nil {
		return err
	}
	if err := writeUint64(&body, m.GroupID); err != nil {
		return err
	}
	if err := writeHeader(w, KindWindow, uint32(body.Len()), m.StreamID); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeWindow reads a WINDOW body (header already consumed).
func DecodeWindow(r io.Reader, h Header) (Window, error) {
	lr := io.LimitReader(r, int64(h.Length))
	var m Window
	var err error
	if m.RouteID, err = readUint64(lr); err != nil {
		return m, err
	}
	var sid uint64
	if sid, err = readUint64(lr); err != nil {
		return m, err
	}
	m.StreamID = StreamID(sid)
	if m.TraceID, err = readUint64(lr); err != nil {
		return m, err
	}
	if m.Credit, err = readUint32(lr); err != nil {
		return m, err
	}
	if m.Padding, err = readUint32(lr); err != nil {
		return m, err
	}
	if m.GroupID, err = readUint64(lr); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeSignal writes a SIGNAL frame to w.
func EncodeSignal(w io.Writer, m Signal) error {
	var body bytes.Buffer
	if err := writeUint64(&body, m.RouteID); err != nil {
		return err
	}
	if err := writeUint64(&body, uint64(m.StreamID)); err != nil {
		return err
	}
	if err := writeUint64(&body, m.TraceID); err != nil {
		return err
	}
	if err := writeUint64(&body, m.SignalID); err != nil {
		return err
	}
	if err := writeHeader(w, KindSignal, uint32(body.Len()), m.StreamID); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeSignal reads a SIGNAL body (header already consumed).
func DecodeSignal(r io.Reader, h Header) (Signal, error) {
	lr := io.LimitReader(r, int64(h.Length))
	var m Signal
	var err error
	if m.RouteID, err = readUint64(lr); err != nil {
		return m, err
	}
	var sid uint64
	if sid, err = readUint64(lr); err != nil {
		return m, err
	}
	m.StreamID = StreamID(sid)
	if m.TraceID, err = readUint64(lr); err != nil {
		return m, err
	}
	if m.SignalID, err = readUint64(lr); err != nil {
		return m, err
	}
	return m, nil
}
