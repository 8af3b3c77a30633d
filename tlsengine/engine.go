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

package tlsengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Role selects whether an Engine terminates (server) or originates
// (client) TLS, mirroring the spec's useClientMode parameter.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Status is the coarse handshake status the coordinator (relay package)
// polls. Unlike a raw SSLEngine, which exposes NEED_TASK / NEED_WRAP /
// NEED_UNWRAP / FINISHED / NOT_HANDSHAKING and expects the caller to drive
// every step, Engine drives the handshake itself on a background
// goroutine (see doc.go) and only reports whether it is still in
// progress, finished, or failed.
type Status int

const (
	StatusHandshaking Status = iota
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusHandshaking:
		return "HANDSHAKING"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Executor submits a unit of work to run off the caller's goroutine. It
// is satisfied by worker.Executor; defined locally to avoid a dependency
// from this leaf package onto worker.
type Executor interface {
	Submit(task func()) (cancel func())
}

// Session is the subset of a finished handshake's negotiated parameters
// the routing layer needs.
type Session struct {
	NegotiatedProtocol string
	ServerName         string
	PeerCertificates   []*x509.Certificate
}

// ALPNSelector resolves the ALPN protocol to negotiate (or declines) once
// a ClientHello's SNI and offered protocol list are known. Returning
// ok=false rejects the handshake outright (route miss).
type ALPNSelector func(sni string, offeredProtocols []string) (protocol string, ok bool)

// ErrAlreadyStarted is returned by BeginHandshake if called more than once.
var ErrAlreadyStarted = errors.New("tlsengine: handshake already started")

// Engine is the TLS engine facade (§4.D): wrap, unwrap, handshake-status
// polling, delegated-task offload, and directional close, backed by
// crypto/tls.
type Engine struct {
	role       Role
	conn       *tls.Conn
	facade     *pipeConn
	selectALPN ALPNSelector

	mu            sync.Mutex
	negotiatedSNI string

	started       atomic.Bool
	pendingTasks  atomic.Int32
	handshakeDone atomic.Bool
	handshakeErr  atomic.Value // error
	outboundClose atomic.Bool
	sessionValid  atomic.Bool
}

const readPollWindow = 1 * time.Millisecond

// NewServerEngine builds an Engine that terminates TLS using baseConfig.
// selectALPN, if non-nil, is wired through baseConfig's
// GetConfigForClient to resolve SNI/ALPN per connection without mutating
// the shared base config.
func NewServerEngine(baseConfig *tls.Config, selectALPN ALPNSelector) *Engine {
	engineSide, facade := newPipePair()
	cfg := baseConfig.Clone()
	e := &Engine{role: RoleServer, facade: facade, selectALPN: selectALPN}
	e.sessionValid.Store(true)
	cfg.GetConfigForClient = func(hello *net_tlsClientHelloInfo) (*tls.Config, error) {
		e.mu.Lock()
		e.negotiatedSNI = hello.ServerName
		e.mu.Unlock()
		if selectALPN == nil {
			return nil, nil
		}
		proto, ok := selectALPN(hello.ServerName, hello.SupportedProtos)
		if !ok {
			return nil, fmt.Errorf("tlsengine: no route for sni=%q alpn=%v", hello.ServerName, hello.SupportedProtos)
		}
		c2 := baseConfig.Clone()
		if proto != "" {
			c2.NextProtos = []string{proto}
		} else {
			c2.NextProtos = nil
		}
		return c2, nil
	}
	e.conn = tls.Server(engineSide, cfg)
	return e
}

// net_tlsClientHelloInfo aliases tls.ClientHelloInfo; named to keep the
// GetConfigForClient signature above readable without a second import
// line for the same package.
type net_tlsClientHelloInfo = tls.ClientHelloInfo

// NewClientEngine builds an Engine that originates TLS using cfg (which
// callers configure with ServerName/NextProtos/RootCAs as needed, the
// same way transport/tls.ClientConfig does for the SDK's blocking dialer).
func NewClientEngine(cfg *tls.Config) *Engine {
	engineSide, facade := newPipePair()
	e := &Engine{role: RoleClient, facade: facade}
	e.sessionValid.Store(true)
	e.conn = tls.Client(engineSide, cfg.Clone())
	return e
}

// BeginHandshake submits the handshake to exec and reports completion via
// onDone once it returns, success or failure. The returned cancel func
// interrupts an in-flight handshake the way Future.cancel(true) does in
// the source: it unblocks a handshake currently waiting on peer bytes,
// causing it to fail with a context error.
func (e *Engine) BeginHandshake(ctx context.Context, exec Executor, onDone func(err error)) (cancel func(), err error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	e.pendingTasks.Store(1)
	hctx, cancelFn := context.WithCancel(ctx)
	queueCancel := exec.Submit(func() {
		herr := e.conn.HandshakeContext(hctx)
		e.handshakeDone.Store(true)
		if herr != nil {
			e.handshakeErr.Store(herr)
		}
		e.pendingTasks.Add(-1)
		// The output callback exists to flush handshake bytes produced
		// asynchronously by this goroutine; once the handshake settles,
		// Wrap's own drainProduced call is the only producer/consumer of
		// the facade's buffer, and leaving the callback wired would race
		// it for the same bytes.
		e.SetOutputCallback(nil)
		onDone(herr)
	})
	return func() {
		queueCancel()
		cancelFn()
	}, nil
}

// SetOutputCallback registers cb to run every time the engine produces
// network-bound bytes on its own (during the handshake, driven entirely
// by the background goroutine from BeginHandshake). The callback fires
// synchronously on whichever goroutine produced the bytes — for the
// handshake phase, that is the delegated-task goroutine, never the
// caller's own goroutine — so cb must not call back into this Engine;
// it should only drain DrainHandshakeOutput and forward the result.
func (e *Engine) SetOutputCallback(cb func()) {
	e.facade.local.setOnWrite(cb)
}

// DrainHandshakeOutput returns and clears whatever ciphertext the engine
// has produced but not yet had drained, for use from an output callback
// or, defensively, by a caller polling after FeedNetworkBytes.
func (e *Engine) DrainHandshakeOutput() []byte {
	return e.facade.drainProduced()
}

// PendingTasks returns the number of delegated tasks in flight: 1 while
// the handshake goroutine is running, 0 otherwise. While this is
// nonzero, callers must not call Wrap, Unwrap, or GetHandshakeStatus
// expecting a settled answer — they may only push bytes in via
// FeedNetworkBytes to feed the in-flight goroutine.
func (e *Engine) PendingTasks() int32 { return e.pendingTasks.Load() }

// GetHandshakeStatus reports the coarse handshake state.
func (e *Engine) GetHandshakeStatus() Status {
	if !e.handshakeDone.Load() {
		return StatusHandshaking
	}
	if err, _ := e.handshakeErr.Load().(error); err != nil {
		return StatusFailed
	}
	return StatusFinished
}

// FeedNetworkBytes pushes ciphertext read off the network into the
// engine. It never blocks: during the handshake it simply wakes the
// in-flight handshake goroutine; after the handshake it is a prerequisite
// to a subsequent Unwrap call producing data.
func (e *Engine) FeedNetworkBytes(ciphertext []byte) error {
	if len(ciphertext) == 0 {
		return nil
	}
	_, err := e.facade.Write(ciphertext)
	return err
}

// Unwrap decrypts as much application data as is currently available
// without blocking. Callers must call FeedNetworkBytes first. A read
// timeout (no full record yet) is reported as zero bytes produced with a
// nil error, the equivalent of SSLEngine's BUFFER_UNDERFLOW.
func (e *Engine) Unwrap() (plaintext []byte, closed bool, err error) {
	if e.GetHandshakeStatus() != StatusFinished {
		return nil, false, nil
	}
	_ = e.conn.SetReadDeadline(time.Now().Add(readPollWindow))
	defer e.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 16*1024)
	var out []byte
	for {
		n, rerr := e.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if rerr != nil {
			if isTimeout(rerr) {
				return out, false, nil
			}
			if errors.Is(rerr, io.EOF) {
				return out, true, nil
			}
			return out, false, rerr
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Wrap encrypts cleartext (which callers must keep to at most 16 KiB,
// per the TLS record payload bound) and returns the ciphertext produced,
// draining whatever the library buffered for send.
func (e *Engine) Wrap(cleartext []byte) ([]byte, error) {
	if e.outboundClose.Load() {
		return nil, net.ErrClosed
	}
	if len(cleartext) > 0 {
		if _, err := e.conn.Write(cleartext); err != nil {
			return nil, err
		}
	}
	return e.facade.drainProduced(), nil
}

// CloseOutbound sends close_notify (if the handshake finished) and
// returns any ciphertext produced, per §4.F's "final wrap of empty input
// may produce the TLS close_notify record".
func (e *Engine) CloseOutbound() ([]byte, error) {
	if !e.outboundClose.CompareAndSwap(false, true) {
		return nil, nil
	}
	if e.GetHandshakeStatus() != StatusFinished {
		return nil, nil
	}
	if err := e.conn.CloseWrite(); err != nil {
		return e.facade.drainProduced(), err
	}
	return e.facade.drainProduced(), nil
}

// CloseInbound marks the TLS session as not eligible for resumption,
// used when the peer half-closes without sending close_notify (§7.5): no
// user-visible error, but future GetSession calls report the session as
// invalid.
func (e *Engine) CloseInbound() {
	e.sessionValid.Store(false)
}

// GetSession returns the negotiated session parameters and whether they
// remain valid for resumption.
func (e *Engine) GetSession() (Session, bool) {
	if e.GetHandshakeStatus() != StatusFinished {
		return Session{}, false
	}
	cs := e.conn.ConnectionState()
	e.mu.Lock()
	sni := e.negotiatedSNI
	e.mu.Unlock()
	if sni == "" {
		sni = cs.ServerName
	}
	return Session{
		NegotiatedProtocol: cs.NegotiatedProtocol,
		ServerName:         sni,
		PeerCertificates:   cs.PeerCertificates,
	}, e.sessionValid.Load()
}

// Close tears down the underlying pipe without sending close_notify; used
// on protocol-violation/reset paths where no graceful shutdown applies.
func (e *Engine) Close() error {
	return e.conn.Close()
}

func (c *pipeConn) drainProduced() []byte {
	return c.local.drainAll()
}

func (h *pipeHalf) drainAll() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, h.buf.Len())
	h.buf.Read(out)
	return out
}
