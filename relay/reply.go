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
	"fmt"

	"github.com/Jigsaw-Code/outline-tls-dataplane/frame"
	"github.com/Jigsaw-Code/outline-tls-dataplane/tlsengine"
)

type replyState int

const (
	replyBeforeBegin replyState = iota
	replyAfterBegin
)

// maxRecordPlaintext is the largest cleartext chunk handed to a single
// Engine.Wrap call, matching the TLS record payload bound (§4.F).
const maxRecordPlaintext = 16 * 1024

// ReplyConnection is the per-reply-stream record pump driving the
// encrypt path (§4.F). It comes into existence when the application
// target answers the app-initial stream AcceptConnection opened, and
// inherits the TLS engine and the network-reply stream id from the
// Handshake an AcceptConnection registered in the CorrelationRegistry.
type ReplyConnection struct {
	d   *Dispatcher
	sta replyState

	applicationReplyStreamID frame.StreamID
	networkReplyStreamID     frame.StreamID
	acceptStreamID           frame.StreamID
	routeID                  uint64
	correlationID            uint64

	engine *tlsengine.Engine

	networkReplyBudget  int
	networkReplyPadding int

	inboundBudget  int
	inboundPadding int
}

func newReplyConnection(d *Dispatcher, applicationReplyStreamID frame.StreamID) *ReplyConnection {
	return &ReplyConnection{d: d, sta: replyBeforeBegin, applicationReplyStreamID: applicationReplyStreamID}
}

func (rc *ReplyConnection) onMessage(h frame.Header, r *bytes.Reader) error {
	switch h.StreamID {
	case rc.applicationReplyStreamID:
		return rc.onApplicationMessage(h, r)
	case rc.networkReplyStreamID:
		return rc.onNetworkReplyMessage(h, r)
	default:
		return fmt.Errorf("relay: reply connection received message for unknown stream %v", h.StreamID)
	}
}

// onBegin implements the handoff of §4.F: the application target's BEGIN
// carries the correlation id an AcceptConnection minted at FINISHED,
// which resolves the Handshake holding the TLS engine and the
// network-reply stream's credit state.
func (rc *ReplyConnection) onBegin(begin frame.Begin) error {
	h, ok := rc.d.takeCorrelation(begin.CorrelationID)
	if !ok {
		_ = rc.d.sendReset(frame.Reset{RouteID: begin.RouteID, StreamID: rc.applicationReplyStreamID, TraceID: begin.TraceID})
		rc.teardown()
		return fmt.Errorf("relay: reply BEGIN names unknown correlation %d", begin.CorrelationID)
	}

	rc.routeID = begin.RouteID
	rc.correlationID = begin.CorrelationID
	rc.acceptStreamID = h.acceptStreamID
	rc.engine = h.engine
	rc.networkReplyStreamID = h.networkReplyStreamID
	rc.networkReplyBudget = h.networkReplyBudget
	rc.networkReplyPadding = h.networkReplyPadding

	rc.d.adoptNetworkReply(rc.networkReplyStreamID, rc)

	// The handshake's own ciphertext flushes run unconditionally (see
	// Handshake.emitNetworkReply) without waiting on network-reply credit,
	// so networkReplyBudget itself is not a meaningful initial grant here;
	// the configured window stands in for the host's implicit initial
	// credit on a freshly-opened stream, same as the accept side's own
	// handshake-window grant in onBegin.
	rc.inboundBudget = rc.d.WindowBytes
	rc.inboundPadding = rc.networkReplyPadding + MaxHeaderSize

	rc.sta = replyAfterBegin
	return rc.d.sendWindow(frame.Window{
		RouteID:  rc.routeID,
		StreamID: rc.applicationReplyStreamID,
		Credit:   uint32(rc.inboundBudget),
		Padding:  uint32(rc.inboundPadding),
	})
}

func (rc *ReplyConnection) onApplicationMessage(h frame.Header, r *bytes.Reader) error {
	switch h.Type {
	case frame.KindData:
		d, err := frame.DecodeData(r, h)
		if err != nil {
			return err
		}
		return rc.onApplicationData(d)
	case frame.KindEnd:
		return rc.onApplicationEnd()
	case frame.KindAbort:
		return rc.onApplicationAbort()
	default:
		return fmt.Errorf("relay: reply connection unexpected %v from application", h.Type)
	}
}

func (rc *ReplyConnection) onApplicationData(data frame.Data) error {
	rc.d.Counters.Add(routeCounter(rc.routeID, counterBytesRead), int64(len(data.Payload)))
	rc.d.Counters.Add(routeCounter(rc.routeID, counterFramesRead), 1)

	rc.inboundBudget -= len(data.Payload) + rc.inboundPadding
	if rc.inboundBudget < 0 {
		_ = rc.d.sendAbort(frame.Abort{RouteID: rc.routeID, StreamID: rc.networkReplyStreamID})
		rc.teardown()
		return ErrNegativeBudget
	}

	for offset := 0; offset < len(data.Payload); {
		end := offset + maxRecordPlaintext
		if end > len(data.Payload) {
			end = len(data.Payload)
		}
		ciphertext, err := rc.engine.Wrap(data.Payload[offset:end])
		if err != nil {
			_ = rc.d.sendAbort(frame.Abort{RouteID: rc.routeID, StreamID: rc.networkReplyStreamID})
			rc.teardown()
			return err
		}
		if err := rc.emitCiphertext(ciphertext); err != nil {
			return err
		}
		offset = end
	}

	return nil
}

// grantApplicationWindow implements §4.F's window propagation: the
// application-reply side is only ever granted as much credit as the
// network-reply side still has capacity for, since one cleartext byte
// handed in here becomes at least one ciphertext byte handed out there.
func (rc *ReplyConnection) grantApplicationWindow() error {
	credit := rc.networkReplyBudget - rc.inboundBudget
	if credit <= 0 {
		return nil
	}
	rc.inboundBudget += credit
	return rc.d.sendWindow(frame.Window{
		RouteID:  rc.routeID,
		StreamID: rc.applicationReplyStreamID,
		Credit:   uint32(credit),
		Padding:  uint32(rc.inboundPadding),
	})
}

func (rc *ReplyConnection) emitCiphertext(ciphertext []byte) error {
	if len(ciphertext) == 0 {
		return nil
	}
	rc.networkReplyBudget -= len(ciphertext) + rc.networkReplyPadding
	if err := rc.d.sendData(frame.Data{RouteID: rc.routeID, StreamID: rc.networkReplyStreamID, Payload: ciphertext}); err != nil {
		return err
	}
	rc.d.Counters.Add(routeCounter(rc.routeID, counterBytesWritten), int64(len(ciphertext)))
	rc.d.Counters.Add(routeCounter(rc.routeID, counterFramesWritten), 1)
	return nil
}

// onApplicationEnd implements the clean-shutdown path (§4.F): a final
// wrap of empty input flushes close_notify before the network-reply
// stream is ended.
func (rc *ReplyConnection) onApplicationEnd() error {
	ciphertext, err := rc.engine.CloseOutbound()
	if err != nil {
		_ = rc.d.sendAbort(frame.Abort{RouteID: rc.routeID, StreamID: rc.networkReplyStreamID})
		rc.teardown()
		return err
	}
	if err := rc.emitCiphertext(ciphertext); err != nil {
		return err
	}
	if err := rc.d.sendEnd(frame.End{RouteID: rc.routeID, StreamID: rc.networkReplyStreamID}); err != nil {
		return err
	}
	rc.teardown()
	return nil
}

func (rc *ReplyConnection) onApplicationAbort() error {
	_ = rc.engine.Close()
	_ = rc.d.sendAbort(frame.Abort{RouteID: rc.routeID, StreamID: rc.networkReplyStreamID})
	rc.teardown()
	return nil
}

func (rc *ReplyConnection) onNetworkReplyMessage(h frame.Header, r *bytes.Reader) error {
	switch h.Type {
	case frame.KindWindow:
		w, err := frame.DecodeWindow(r, h)
		if err != nil {
			return err
		}
		rc.networkReplyBudget += int(w.Credit)
		rc.networkReplyPadding = int(w.Padding)
		return rc.grantApplicationWindow()
	case frame.KindReset, frame.KindAbort:
		_ = rc.d.sendAbort(frame.Abort{RouteID: rc.routeID, StreamID: rc.applicationReplyStreamID})
		rc.teardown()
		return nil
	default:
		return nil
	}
}

func (rc *ReplyConnection) teardown() {
	if rc.correlationID != 0 {
		rc.d.dropCorrelation(rc.correlationID)
	}
	rc.d.removeReply(rc.applicationReplyStreamID)
	rc.d.removeReply(rc.networkReplyStreamID)
}
