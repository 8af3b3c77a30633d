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
	"context"

	"github.com/Jigsaw-Code/outline-tls-dataplane/frame"
	"github.com/Jigsaw-Code/outline-tls-dataplane/tlsengine"
)

// Handshake is the handshake-only state of §3's data model: everything an
// AcceptConnection sets aside while its TLS engine is mid-handshake. It
// never holds a pointer back to the AcceptConnection or Dispatcher beyond
// what it needs to resolve itself through the owning Dispatcher's stream
// table (§9, "cyclic references") — it is addressed by the accept stream
// id it belongs to.
type Handshake struct {
	acceptStreamID       frame.StreamID
	networkReplyStreamID frame.StreamID
	routeID              uint64
	engine               *tlsengine.Engine
	cancel               func()

	networkReplyBudget  int
	networkReplyPadding int
}

// newHandshake constructs a Handshake around an already-built server-mode
// engine and wires the engine's output callback to flush produced
// ciphertext onto the network-reply stream as soon as it exists. The
// handshake itself is submitted as the delegated task later, by begin.
func newHandshake(d *Dispatcher, acceptStreamID, networkReplyStreamID frame.StreamID, routeID uint64, engine *tlsengine.Engine) *Handshake {
	h := &Handshake{
		acceptStreamID:       acceptStreamID,
		networkReplyStreamID: networkReplyStreamID,
		routeID:              routeID,
		engine:               engine,
	}
	engine.SetOutputCallback(func() {
		ciphertext := engine.DrainHandshakeOutput()
		if len(ciphertext) == 0 {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		h.emitNetworkReply(d, ciphertext)
	})
	return h
}

func (h *Handshake) emitNetworkReply(d *Dispatcher, ciphertext []byte) {
	// The handshake's own control traffic is small and cannot be paused
	// mid-flight inside crypto/tls without a custom record layer, so it
	// is flushed unconditionally; networkReplyBudget is still debited for
	// observability and for the credit math once §4.F takes over.
	h.networkReplyBudget -= len(ciphertext) + h.networkReplyPadding
	_ = d.sendData(frame.Data{StreamID: h.networkReplyStreamID, Payload: ciphertext})
	d.Counters.Add(routeCounter(h.routeID, counterBytesWritten), int64(len(ciphertext)))
	d.Counters.Add(routeCounter(h.routeID, counterFramesWritten), 1)
}

func (h *Handshake) begin(ctx context.Context, d *Dispatcher) {
	cancel, err := h.engine.BeginHandshake(ctx, d.Executor, func(err error) {
		d.postSignal(h.acceptStreamID, frame.SignalFlushHandshake)
	})
	if err == nil {
		h.cancel = cancel
	}
}

// cancelPending implements "END/ABORT during handshake": Future.cancel
// semantics, interrupting a blocked handshake goroutine.
func (h *Handshake) cancelPending() {
	if h.cancel != nil {
		h.cancel()
	}
}
