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
	"context"
	"fmt"

	"github.com/Jigsaw-Code/outline-tls-dataplane/frame"
	"github.com/Jigsaw-Code/outline-tls-dataplane/route"
	"github.com/Jigsaw-Code/outline-tls-dataplane/slot"
	"github.com/Jigsaw-Code/outline-tls-dataplane/tlsengine"
)

type acceptState int

const (
	acceptBeforeBegin acceptState = iota
	acceptHandshaking
	acceptAfterHandshake
)

// AcceptConnection is the per-accept-stream record pump driving the
// decrypt path (§4.E). It is addressed by up to three stream ids over
// its lifetime: the network accept stream itself, the network-reply
// stream (only while Handshaking, before a ReplyConnection claims it),
// and the application-initial stream it mints at FINISHED.
type AcceptConnection struct {
	d   *Dispatcher
	rt  *route.Route
	sta acceptState

	networkStreamID      frame.StreamID
	networkReplyStreamID frame.StreamID
	appStreamID          frame.StreamID

	authorization string
	correlationID uint64

	networkBudget int

	applicationBudget  int
	applicationPadding int

	networkSlot     *slot.Slot
	applicationSlot *slot.Slot

	// pendingPlaintext holds decrypted bytes Unwrap produced but the
	// application slot had no room for. crypto/tls has no way to "push
	// back" consumed-but-undelivered plaintext, so once Unwrap hands it
	// over this is the only place it can live until the slot drains.
	pendingPlaintext []byte

	engine     *tlsengine.Engine
	handshake  *Handshake
	inboundEOF bool
}

func newAcceptConnection(d *Dispatcher, networkStreamID frame.StreamID, rt *route.Route) *AcceptConnection {
	return &AcceptConnection{d: d, rt: rt, sta: acceptBeforeBegin, networkStreamID: networkStreamID}
}

func (ac *AcceptConnection) onMessage(h frame.Header, r *bytes.Reader) error {
	switch h.StreamID {
	case ac.networkStreamID:
		return ac.onNetworkMessage(h, r)
	case ac.networkReplyStreamID:
		return ac.onNetworkReplyMessage(h, r)
	case ac.appStreamID:
		return ac.onAppMessage(h, r)
	default:
		return fmt.Errorf("relay: accept connection received message for unknown stream %v", h.StreamID)
	}
}

func (ac *AcceptConnection) onNetworkMessage(h frame.Header, r *bytes.Reader) error {
	switch ac.sta {
	case acceptBeforeBegin:
		if h.Type != frame.KindBegin {
			return ac.teardownNetwork(fault(ResetInbound, fmt.Errorf("relay: expected BEGIN, got %v", h.Type)))
		}
		begin, err := frame.DecodeBegin(r, h)
		if err != nil {
			return err
		}
		return ac.onBegin(begin)
	case acceptHandshaking:
		switch h.Type {
		case frame.KindData:
			d, err := frame.DecodeData(r, h)
			if err != nil {
				return err
			}
			return ac.onNetworkData(d)
		case frame.KindEnd, frame.KindAbort:
			ac.handshake.cancelPending()
			_, _ = ac.engine.CloseOutbound()
			_ = ac.d.sendAbort(frame.Abort{RouteID: ac.rt.RouteID, StreamID: ac.networkReplyStreamID})
			ac.teardown()
			return nil
		default:
			return ac.teardownNetwork(fault(ResetInbound, fmt.Errorf("relay: unexpected %v while handshaking", h.Type)))
		}
	case acceptAfterHandshake:
		switch h.Type {
		case frame.KindData:
			d, err := frame.DecodeData(r, h)
			if err != nil {
				return err
			}
			return ac.onNetworkData(d)
		case frame.KindEnd:
			return ac.onNetworkEnd()
		case frame.KindAbort:
			return ac.onNetworkAbort()
		default:
			return ac.teardownNetwork(fault(ResetInbound, fmt.Errorf("relay: unexpected %v after handshake", h.Type)))
		}
	}
	return nil
}

func (ac *AcceptConnection) onBegin(begin frame.Begin) error {
	ac.networkReplyStreamID = ac.d.IDs.SupplyReplyID(ac.networkStreamID)
	ac.authorization = begin.Authorization
	ac.d.registerAccept(ac.networkReplyStreamID, ac)

	selectALPN := func(sni string, offered []string) (string, bool) {
		// Mirrors the combined (hostname, protocol) predicate onFinished
		// uses once the handshake settles (accept.go's onFinished): trying
		// each client-offered protocol against Route.Matches in turn, so a
		// route that merely shares the SNI but requires a different
		// protocol never shadows a later-registered route that actually
		// matches what the client offered. An SNI-only first match would
		// reject a handshake whenever two routes share a hostname but
		// require different ALPN protocols and the wrong one is registered
		// first.
		tryProto := func(proto string) (string, bool) {
			rt, ok := ac.d.Routes.Match(func(r *route.Route) bool {
				return r.Matches(sni, proto)
			})
			if !ok {
				return "", false
			}
			if rt.Extension.ApplicationProtocol == nil {
				return "", true
			}
			return *rt.Extension.ApplicationProtocol, true
		}
		for _, proto := range offered {
			if p, ok := tryProto(proto); ok {
				return p, true
			}
		}
		// No offered protocol matched any route; fall back to the
		// no-ALPN case, which only a route with no protocol selector
		// accepts.
		return tryProto("")
	}

	cfg := ac.rt.Store().ServerTLSConfig()
	ac.engine = tlsengine.NewServerEngine(cfg, selectALPN)

	windowBytes := ac.d.WindowBytes
	if cap := ac.d.NetworkPool.Capacity(); cap < windowBytes {
		windowBytes = cap
	}
	ac.networkBudget = windowBytes

	if err := ac.d.sendBegin(frame.Begin{
		RouteID:       begin.RouteID,
		StreamID:      ac.networkReplyStreamID,
		TraceID:       begin.TraceID,
		CorrelationID: begin.CorrelationID,
	}); err != nil {
		return err
	}

	ac.handshake = newHandshake(ac.d, ac.networkStreamID, ac.networkReplyStreamID, routeIDOf(ac.rt), ac.engine)
	ac.sta = acceptHandshaking
	ac.handshake.begin(context.Background(), ac.d)
	return nil
}

func (ac *AcceptConnection) onNetworkReplyMessage(h frame.Header, r *bytes.Reader) error {
	switch h.Type {
	case frame.KindWindow:
		w, err := frame.DecodeWindow(r, h)
		if err != nil {
			return err
		}
		if ac.handshake != nil {
			ac.handshake.networkReplyBudget += int(w.Credit)
			ac.handshake.networkReplyPadding = int(w.Padding)
		}
		return nil
	case frame.KindReset:
		if ac.handshake != nil {
			ac.handshake.cancelPending()
		}
		ac.teardown()
		return nil
	default:
		return nil
	}
}

func (ac *AcceptConnection) onAppMessage(h frame.Header, r *bytes.Reader) error {
	switch h.Type {
	case frame.KindWindow:
		w, err := frame.DecodeWindow(r, h)
		if err != nil {
			return err
		}
		ac.applicationBudget += int(w.Credit)
		ac.applicationPadding = int(w.Padding)
		// Newly granted credit may let an already-decrypted backlog in the
		// application slot ship immediately, rather than waiting for the
		// next inbound DATA frame to trigger flushAppData.
		return ac.flushAppData()
	case frame.KindReset:
		return ac.teardownNetwork(fault(ResetInbound, fmt.Errorf("relay: application reset")))
	default:
		return nil
	}
}

// handleSignal implements the FLUSH_HANDSHAKE resumption (§4.G): when the
// delegated handshake task completes, re-enter the status loop.
func (ac *AcceptConnection) handleSignal(signalID uint64) {
	if signalID != frame.SignalFlushHandshake || ac.handshake == nil {
		return
	}
	switch ac.engine.GetHandshakeStatus() {
	case tlsengine.StatusFinished:
		ac.onFinished()
	case tlsengine.StatusFailed:
		_ = ac.teardownNetwork(fault(ResetInboundAbortReply, fmt.Errorf("relay: TLS handshake failed")))
	}
}

// onFinished implements §4.G's route-selection handoff.
func (ac *AcceptConnection) onFinished() {
	session, _ := ac.engine.GetSession()

	rt, ok := ac.d.Routes.Match(func(r *route.Route) bool {
		return r.Matches(session.ServerName, session.NegotiatedProtocol)
	})
	if !ok {
		_ = ac.teardownNetwork(fault(ResetInboundAbortReply, &ErrNoRoute{Hostname: session.ServerName, ApplicationProtocol: session.NegotiatedProtocol}))
		return
	}

	ac.correlationID = ac.d.IDs.NewCorrelationID()
	ac.appStreamID = ac.d.IDs.NewInitialStreamID()
	ac.d.putCorrelation(ac.correlationID, &Handshake{
		acceptStreamID:       ac.networkStreamID,
		networkReplyStreamID: ac.networkReplyStreamID,
		engine:               ac.engine,
		networkReplyBudget:   ac.handshake.networkReplyBudget,
		networkReplyPadding:  ac.handshake.networkReplyPadding,
	})
	ac.d.registerAccept(ac.appStreamID, ac)

	var hostnameExt, protoExt *string
	if session.ServerName != "" {
		hostnameExt = &session.ServerName
	}
	if session.NegotiatedProtocol != "" {
		protoExt = &session.NegotiatedProtocol
	}
	_ = ac.d.sendBegin(frame.Begin{
		RouteID:       rt.RouteID,
		StreamID:      ac.appStreamID,
		CorrelationID: ac.correlationID,
		Extension:     frame.BeginExtension{Hostname: hostnameExt, ApplicationProtocol: protoExt},
	})

	ac.handshake = nil
	ac.sta = acceptAfterHandshake
	ac.unwrapAndFlush()
}

func (ac *AcceptConnection) onNetworkData(data frame.Data) error {
	routeID := routeIDOf(ac.rt)
	ac.d.Counters.Add(routeCounter(routeID, counterBytesRead), int64(len(data.Payload)))
	ac.d.Counters.Add(routeCounter(routeID, counterFramesRead), 1)

	ac.networkBudget -= len(data.Payload) + int(data.Padding)
	if ac.networkBudget < 0 {
		return ac.teardownNetwork(fault(ResetInboundAbortReply, ErrNegativeBudget))
	}
	if ac.networkSlot == nil {
		s, err := ac.d.NetworkPool.Acquire()
		if err != nil {
			return ac.teardownNetwork(fault(ResetInboundAbortReply, err))
		}
		ac.networkSlot = s
		ac.d.Counters.Add(counterServerNetworkAcquires, 1)
	}
	if ac.networkSlot.Append(data.Payload) != len(data.Payload) {
		return ac.teardownNetwork(fault(ResetInboundAbortReply, ErrSlotFull))
	}
	if err := ac.engine.FeedNetworkBytes(ac.networkSlot.Filled()); err != nil {
		return ac.teardownNetwork(fault(ResetInboundAbortReply, err))
	}
	// FeedNetworkBytes hands these bytes to the TLS engine's own pipe,
	// which buffers any partial-record residue internally (crypto/tls has
	// no BUFFER_UNDERFLOW signal to hand residue back to us); holding onto
	// a copy here would just re-feed already-consumed ciphertext on the
	// next DATA message, so the slot is always fully drained once fed.
	ac.networkSlot.Reset()
	if err := ac.unwrapAndFlush(); err != nil {
		return err
	}
	if ac.networkSlot != nil && ac.networkSlot.Offset == 0 {
		ac.d.NetworkPool.Release(ac.networkSlot)
		ac.networkSlot = nil
		ac.d.Counters.Add(counterServerNetworkReleases, 1)
	}
	return nil
}

// unwrapAndFlush implements the unwrap loop and flushAppData (§4.E).
func (ac *AcceptConnection) unwrapAndFlush() error {
	if ac.sta != acceptAfterHandshake {
		return nil
	}
	if ac.applicationSlot == nil {
		s, err := ac.d.AppPool.Acquire()
		if err != nil {
			return ac.teardownNetwork(fault(ResetInboundAbortReply, err))
		}
		ac.applicationSlot = s
		ac.d.Counters.Add(counterServerApplicationAcquires, 1)
	}

	if len(ac.pendingPlaintext) > 0 {
		n := ac.applicationSlot.Append(ac.pendingPlaintext)
		ac.pendingPlaintext = ac.pendingPlaintext[n:]
	}

	var closed bool
	if len(ac.pendingPlaintext) == 0 {
		var plaintext []byte
		var err error
		plaintext, closed, err = ac.engine.Unwrap()
		if err != nil {
			return ac.teardownNetwork(fault(ResetInboundAbortReply, err))
		}
		if len(plaintext) > 0 {
			n := ac.applicationSlot.Append(plaintext)
			if n < len(plaintext) {
				// The application slot filled up mid-unwrap: crypto/tls
				// already decrypted and handed over this plaintext, so it
				// cannot go back into the engine. Stash the remainder and
				// deliver it on the next flush once the app slot drains.
				ac.pendingPlaintext = append([]byte(nil), plaintext[n:]...)
			}
		}
	}
	// Every call either drains the network slot fully and awaits more
	// ciphertext (BUFFER_UNDERFLOW), or leaves bytes in pendingPlaintext
	// awaiting room in the application slot (BUFFER_OVERFLOW); per §4.E
	// both exits grant the peer enough additional network credit to keep
	// a full slot's worth of ciphertext in flight, so this runs
	// unconditionally as long as the inbound side isn't done.
	if !closed {
		credit := additionalCredit(ac.d.NetworkPool.Capacity(), 0, ac.networkBudget)
		if credit > 0 {
			ac.networkBudget += credit
			_ = ac.d.sendWindow(frame.Window{RouteID: ac.rt.RouteID, StreamID: ac.networkStreamID, Credit: uint32(credit)})
		}
	}
	if closed {
		ac.inboundEOF = true
		ac.engine.CloseInbound()
	}
	return ac.flushAppData()
}

func (ac *AcceptConnection) flushAppData() error {
	if ac.applicationSlot == nil {
		return nil
	}
	window := applicationWindow(ac.applicationBudget, ac.applicationPadding)
	n := min(len(ac.applicationSlot.Filled()), window)
	if n > 0 {
		payload := append([]byte(nil), ac.applicationSlot.Filled()[:n]...)
		if err := ac.d.sendData(frame.Data{RouteID: ac.rt.RouteID, StreamID: ac.appStreamID, Payload: payload}); err != nil {
			return err
		}
		routeID := routeIDOf(ac.rt)
		ac.d.Counters.Add(routeCounter(routeID, counterBytesWritten), int64(n))
		ac.d.Counters.Add(routeCounter(routeID, counterFramesWritten), 1)
		ac.applicationBudget -= n
		if err := ac.applicationSlot.Compact(n); err != nil {
			return err
		}
	}
	if len(ac.applicationSlot.Filled()) == 0 {
		if ac.inboundEOF {
			_ = ac.d.sendEnd(frame.End{RouteID: ac.rt.RouteID, StreamID: ac.appStreamID})
		}
		ac.d.AppPool.Release(ac.applicationSlot)
		ac.applicationSlot = nil
		ac.d.Counters.Add(counterServerApplicationReleases, 1)
	}
	return nil
}

func (ac *AcceptConnection) onNetworkEnd() error {
	// Peer closed without close_notify: a permitted half-close (§7.5).
	ac.engine.CloseInbound()
	_ = ac.d.sendEnd(frame.End{RouteID: ac.rt.RouteID, StreamID: ac.appStreamID})
	if _, ok := ac.d.takeCorrelation(ac.correlationID); ok {
		_ = ac.d.sendEnd(frame.End{RouteID: ac.rt.RouteID, StreamID: ac.networkReplyStreamID})
	}
	ac.teardown()
	return nil
}

func (ac *AcceptConnection) onNetworkAbort() error {
	_ = ac.engine.Close()
	_ = ac.d.sendAbort(frame.Abort{RouteID: ac.rt.RouteID, StreamID: ac.appStreamID})
	ac.teardown()
	return nil
}

// teardownNetwork applies a Fault's disposition and tears the connection
// down, returning the Fault as the error the caller's Dispatch reports.
func (ac *AcceptConnection) teardownNetwork(f *Fault) error {
	switch f.Disposition {
	case ResetInboundAbortReply:
		_ = ac.d.sendReset(frame.Reset{RouteID: routeIDOf(ac.rt), StreamID: ac.networkStreamID})
		_ = ac.d.sendAbort(frame.Abort{RouteID: routeIDOf(ac.rt), StreamID: ac.networkReplyStreamID})
	case ResetInbound:
		_ = ac.d.sendReset(frame.Reset{RouteID: routeIDOf(ac.rt), StreamID: ac.networkStreamID})
	case AbortOutbound:
		_ = ac.d.sendAbort(frame.Abort{RouteID: routeIDOf(ac.rt), StreamID: ac.networkReplyStreamID})
	}
	ac.teardown()
	return f
}

func routeIDOf(r *route.Route) uint64 {
	if r == nil {
		return 0
	}
	return r.RouteID
}

func (ac *AcceptConnection) teardown() {
	if ac.networkSlot != nil {
		ac.d.NetworkPool.Release(ac.networkSlot)
		ac.networkSlot = nil
		ac.d.Counters.Add(counterServerNetworkReleases, 1)
	}
	if ac.applicationSlot != nil {
		ac.d.AppPool.Release(ac.applicationSlot)
		ac.applicationSlot = nil
		ac.d.Counters.Add(counterServerApplicationReleases, 1)
	}
	if ac.correlationID != 0 {
		ac.d.dropCorrelation(ac.correlationID)
	}
	ac.d.removeAccept(ac.networkStreamID)
	ac.d.removeAccept(ac.networkReplyStreamID)
	ac.d.removeAccept(ac.appStreamID)
}
