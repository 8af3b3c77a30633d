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
	"fmt"

	"github.com/Jigsaw-Code/outline-tls-dataplane/frame"
)

// Transport is the host dataplane's ring-buffer stream transport. The
// core only ever asks it to deliver an already-encoded frame onto a
// stream id; everything about how that reaches the peer (shared-memory
// layout, backpressure at the transport level, batching) is the host's
// concern.
type Transport interface {
	Send(streamID frame.StreamID, encoded []byte) error
}

// IDSupplier allocates stream and correlation identifiers. SupplyReplyID
// is a pure function of the initial id (the host derives the paired
// reply id deterministically); NewInitialStreamID and NewCorrelationID
// mint fresh ids when the core originates a new downstream connection.
type IDSupplier interface {
	SupplyReplyID(initial frame.StreamID) frame.StreamID
	NewInitialStreamID() frame.StreamID
	NewCorrelationID() uint64
}

// Fault is the typed error every failure path in this package returns
// instead of throwing across a component boundary (§9, "exceptions as
// control flow"). Disposition records which frames the owning connection's
// teardownNetwork must still emit before the connection is torn down.
type Fault struct {
	Disposition Disposition
	Err         error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Disposition.String()
	}
	return fmt.Sprintf("%s: %v", f.Disposition, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Disposition names which frames a Fault requires on which directions.
type Disposition int

const (
	// ResetInboundAbortReply resets the network-facing stream the fault
	// was observed on and aborts its paired reply/application stream.
	ResetInboundAbortReply Disposition = iota
	// AbortOutbound aborts the outbound (application or network-reply)
	// stream only; the inbound side is left to the caller.
	AbortOutbound
	// ResetInbound resets only the stream the fault was observed on.
	ResetInbound
)

func (d Disposition) String() string {
	switch d {
	case ResetInboundAbortReply:
		return "reset-inbound-abort-reply"
	case AbortOutbound:
		return "abort-outbound"
	case ResetInbound:
		return "reset-inbound"
	default:
		return "unknown-disposition"
	}
}

func fault(d Disposition, err error) *Fault { return &Fault{Disposition: d, Err: err} }

// ErrNoRoute is the Fault cause when route resolution fails at handshake
// FINISHED. A route miss at dispatch time is answered with a RESET and
// does not produce this error.
type ErrNoRoute struct{ Hostname, ApplicationProtocol string }

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("relay: no route for sni=%q alpn=%q", e.Hostname, e.ApplicationProtocol)
}

// ErrNegativeBudget is the Fault cause when a peer overran its granted
// credit.
var ErrNegativeBudget = fmt.Errorf("relay: budget went negative")

// ErrSlotFull is the Fault cause when an inbound network DATA payload does
// not fit in the remaining room of the network slot.
var ErrSlotFull = fmt.Errorf("relay: network slot full")
