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
	"bytes"
	"sync"

	"github.com/Jigsaw-Code/outline-tls-dataplane/counters"
	"github.com/Jigsaw-Code/outline-tls-dataplane/frame"
	"github.com/Jigsaw-Code/outline-tls-dataplane/route"
	"github.com/Jigsaw-Code/outline-tls-dataplane/slot"
	"github.com/Jigsaw-Code/outline-tls-dataplane/tlsengine"
)

// Dispatcher is the event loop's table (§9, "cyclic references"): the
// sole owner of every live AcceptConnection and ReplyConnection, indexed
// by stream id. Handshake and the connection types never hold pointers
// to each other; they close over a stream id and ask the Dispatcher to
// resolve it, so the only cycle in the object graph is the one the
// Dispatcher itself mediates.
//
// Every exported entry point (Deliver, and the internal completion path
// a finished TLS handshake takes) serializes on mu, which is this port's
// stand-in for "single-threaded cooperative per dataplane worker": the
// one piece of work that genuinely runs on another goroutine — a TLS
// handshake's delegated task — reports back through that same mutex
// rather than ever calling into the TLS engine concurrently with the
// main dispatch path.
type Dispatcher struct {
	Transport   Transport
	IDs         IDSupplier
	Routes      route.Table
	NetworkPool slot.Pool
	AppPool     slot.Pool
	Executor    tlsengine.Executor
	Counters    counters.Sink
	WindowBytes int

	mu           sync.Mutex
	correlations *CorrelationRegistry
	accepts      map[frame.StreamID]*AcceptConnection
	replies      map[frame.StreamID]*ReplyConnection
}

// NewDispatcher wires a Dispatcher from its external collaborators.
func NewDispatcher(transport Transport, ids IDSupplier, routes route.Table, networkPool, appPool slot.Pool, exec tlsengine.Executor, counterSink counters.Sink, windowBytes int) *Dispatcher {
	return &Dispatcher{
		Transport:    transport,
		IDs:          ids,
		Routes:       routes,
		NetworkPool:  networkPool,
		AppPool:      appPool,
		Executor:     exec,
		Counters:     counterSink,
		WindowBytes:  windowBytes,
		correlations: NewCorrelationRegistry(),
		accepts:      make(map[frame.StreamID]*AcceptConnection),
		replies:      make(map[frame.StreamID]*ReplyConnection),
	}
}

// Deliver is the single entry point for a frame read off the host's
// shared-memory transport (component I, "every new inbound stream").
func (d *Dispatcher) Deliver(raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliverLocked(raw)
}

func (d *Dispatcher) deliverLocked(raw []byte) error {
	r := bytes.NewReader(raw)
	h, err := frame.ReadHeader(r)
	if err != nil {
		return err
	}
	return d.dispatchLocked(h, r)
}

func (d *Dispatcher) dispatchLocked(h frame.Header, r *bytes.Reader) error {
	// An AcceptConnection is reachable under up to three ids (its own
	// accept stream, the network-reply stream while Handshaking, and the
	// app-initial stream after FINISHED), so it is always checked first
	// regardless of the reply bit; a ReplyConnection inherits the
	// network-reply id out of that same accepts table once its own BEGIN
	// arrives (see registerAccept/adoptNetworkReply).
	if ac, ok := d.accepts[h.StreamID]; ok {
		return ac.onMessage(h, r)
	}
	if rc, ok := d.replies[h.StreamID]; ok {
		return rc.onMessage(h, r)
	}

	if h.StreamID.IsReply() {
		// No existing handler for a reply-direction id: this can only be
		// the application target's BEGIN answering an app-initial stream.
		if h.Type != frame.KindBegin {
			return d.sendReset(frame.Reset{StreamID: h.StreamID})
		}
		begin, err := frame.DecodeBegin(r, h)
		if err != nil {
			return err
		}
		rc := newReplyConnection(d, h.StreamID)
		d.replies[h.StreamID] = rc
		return rc.onBegin(begin)
	}

	// Brand-new accept-direction stream: resolve the listening route by
	// routeId and create the AcceptConnection, or signal "no handler".
	if h.Type != frame.KindBegin {
		return d.sendReset(frame.Reset{StreamID: h.StreamID})
	}
	begin, err := frame.DecodeBegin(r, h)
	if err != nil {
		return err
	}
	rt, ok := d.Routes.Get(begin.RouteID)
	if !ok || rt.Role != route.RoleServer || rt.Store() == nil {
		return d.sendReset(frame.Reset{RouteID: begin.RouteID, StreamID: h.StreamID, TraceID: begin.TraceID})
	}
	ac := newAcceptConnection(d, h.StreamID, rt)
	d.accepts[h.StreamID] = ac
	return ac.onBegin(begin)
}

// registerAccept adds an additional stream id alias under which ac is
// reachable (the network-reply id during handshake, the app-initial id
// after FINISHED).
func (d *Dispatcher) registerAccept(id frame.StreamID, ac *AcceptConnection) { d.accepts[id] = ac }

// adoptNetworkReply re-homes the network-reply id from the
// AcceptConnection/Handshake pair to rc once F's own BEGIN arrives,
// implementing the handoff in §3's AcceptConnection/ReplyConnection note.
func (d *Dispatcher) adoptNetworkReply(id frame.StreamID, rc *ReplyConnection) {
	delete(d.accepts, id)
	d.replies[id] = rc
}

// postSignal is how a handshake's delegated task reports completion: the
// wire-level equivalent of a SIGNAL(FLUSH_HANDSHAKE) frame arriving on
// the accept stream id, except the task runs in-process so this calls
// directly into the locked dispatch path instead of round-tripping
// through Transport.
func (d *Dispatcher) postSignal(acceptStreamID frame.StreamID, signalID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ac, ok := d.accepts[acceptStreamID]
	if !ok {
		return
	}
	ac.handleSignal(signalID)
}

func (d *Dispatcher) removeAccept(id frame.StreamID) { delete(d.accepts, id) }
func (d *Dispatcher) removeReply(id frame.StreamID)  { delete(d.replies, id) }

func (d *Dispatcher) takeCorrelation(id uint64) (*Handshake, bool) { return d.correlations.Take(id) }
func (d *Dispatcher) putCorrelation(id uint64, h *Handshake)       { d.correlations.Put(id, h) }
func (d *Dispatcher) dropCorrelation(id uint64)                    { d.correlations.Remove(id) }

func (d *Dispatcher) sendBegin(m frame.Begin) error {
	var buf bytes.Buffer
	if err := frame.EncodeBegin(&buf, m); err != nil {
		return err
	}
	return d.Transport.Send(m.StreamID, buf.Bytes())
}

func (d *Dispatcher) sendData(m frame.Data) error {
	var buf bytes.Buffer
	if err := frame.EncodeData(&buf, m); err != nil {
		return err
	}
	return d.Transport.Send(m.StreamID, buf.Bytes())
}

func (d *Dispatcher) sendEnd(m frame.End) error {
	var buf bytes.Buffer
	if err := frame.EncodeEnd(&buf, m); err != nil {
		return err
	}
	return d.Transport.Send(m.StreamID, buf.Bytes())
}

func (d *Dispatcher) sendAbort(m frame.Abort) error {
	var buf bytes.Buffer
	if err := frame.EncodeAbort(&buf, m); err != nil {
		return err
	}
	return d.Transport.Send(m.StreamID, buf.Bytes())
}

func (d *Dispatcher) sendReset(m frame.Reset) error {
	var buf bytes.Buffer
	if err := frame.EncodeReset(&buf, m); err != nil {
		return err
	}
	return d.Transport.Send(m.StreamID, buf.Bytes())
}

func (d *Dispatcher) sendWindow(m frame.Window) error {
	var buf bytes.Buffer
	if err := frame.EncodeWindow(&buf, m); err != nil {
		return err
	}
	return d.Transport.Send(m.StreamID, buf.Bytes())
}
