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

package relay_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/outline-tls-dataplane/counters"
	"github.com/Jigsaw-Code/outline-tls-dataplane/frame"
	"github.com/Jigsaw-Code/outline-tls-dataplane/relay"
	"github.com/Jigsaw-Code/outline-tls-dataplane/route"
	"github.com/Jigsaw-Code/outline-tls-dataplane/slot"
	"github.com/Jigsaw-Code/outline-tls-dataplane/tlsengine"
)

// This file exercises the end-to-end scenarios of §8 against the public
// Dispatcher API, standing in for the host on one side (a remote TLS
// client, driven by a second tlsengine.Engine exactly as a real peer
// would be) and the embedding application on the other (a goroutine that
// answers BEGIN/DATA/END by hand). Nothing here reaches into relay's
// unexported state; it only observes frames the Dispatcher emits through
// a recording Transport.

const strmNetwork = frame.StreamID(2)

// idSupplier is a deterministic stand-in for the host's id allocator: the
// reply bit is the only bit SupplyReplyID ever flips, and fresh initial
// ids/correlation ids are handed out from monotonic counters.
type idSupplier struct {
	nextInitial uint64
	nextCorr    uint64
}

func newIDSupplier() *idSupplier { return &idSupplier{nextInitial: 1000} }

func (s *idSupplier) SupplyReplyID(initial frame.StreamID) frame.StreamID {
	return initial | frame.StreamID(1<<63)
}
func (s *idSupplier) NewInitialStreamID() frame.StreamID {
	s.nextInitial += 2
	return frame.StreamID(s.nextInitial)
}
func (s *idSupplier) NewCorrelationID() uint64 {
	s.nextCorr++
	return s.nextCorr
}

// recordingTransport captures every frame the Dispatcher emits, keyed by
// stream id, and lets a test install a hook that fires synchronously as
// each frame lands (the in-test equivalent of the host forwarding bytes
// onward over its ring buffers).
type recordingTransport struct {
	mu   sync.Mutex
	t    *testing.T
	hook func(id frame.StreamID, h frame.Header, body []byte)
}

func (tr *recordingTransport) Send(id frame.StreamID, encoded []byte) error {
	r := bytes.NewReader(encoded)
	h, err := frame.ReadHeader(r)
	require.NoError(tr.t, err)
	tr.mu.Lock()
	hook := tr.hook
	tr.mu.Unlock()
	if hook != nil {
		hook(id, h, encoded)
	}
	return nil
}

func selfSignedCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

// inlineExecutor runs a submitted task on its own goroutine immediately;
// used for the test's client-side Engine, which is not itself under test.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) (cancel func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		task()
	}()
	return func() { <-done }
}

// harness wires one relay.Dispatcher (the module under test) against a
// simulated network peer (a client tlsengine.Engine) and a simulated
// application (plain channel-driven code answering BEGIN by hand).
type harness struct {
	t *testing.T
	d *relay.Dispatcher
	tr *recordingTransport
	ids *idSupplier

	client *tlsengine.Engine

	netPool *slot.FixedPool
	appPool *slot.FixedPool

	appBegins chan frame.Begin
	appData   chan frame.Data
	appEnds   chan frame.StreamID
	appAborts chan frame.StreamID

	networkReplyBegins chan frame.Begin
	networkReplyData   chan []byte
	networkReplyEnds   chan struct{}
	networkReplyAborts chan struct{}
	networkResets      chan struct{}
}

func newHarness(t *testing.T, rt *route.Route, clientCfg *tls.Config) *harness {
	t.Helper()
	h := &harness{
		t:                  t,
		ids:                newIDSupplier(),
		client:             tlsengine.NewClientEngine(clientCfg),
		appBegins:          make(chan frame.Begin, 8),
		appData:            make(chan frame.Data, 64),
		appEnds:            make(chan frame.StreamID, 8),
		appAborts:          make(chan frame.StreamID, 8),
		networkReplyBegins: make(chan frame.Begin, 8),
		networkReplyData:   make(chan []byte, 64),
		networkReplyEnds:   make(chan struct{}, 8),
		networkReplyAborts: make(chan struct{}, 8),
		networkResets:      make(chan struct{}, 8),
	}
	h.tr = &recordingTransport{t: t}
	h.tr.hook = h.onSend

	routes := route.NewMemTable()
	routes.Add(rt)
	h.netPool = slot.NewFixedPool(4, 32*1024)
	h.appPool = slot.NewFixedPool(4, 32*1024)
	pool := &inlineSubmitter{}
	h.d = relay.NewDispatcher(h.tr, h.ids, routes, h.netPool, h.appPool, pool, counters.NewMapSink(), 32*1024)

	// The client's own handshake output is ciphertext bound for the
	// network stream: feed it straight into Dispatcher.Deliver, the exact
	// role the host's ring-buffer transport plays for real.
	h.client.SetOutputCallback(func() {
		ciphertext := h.client.DrainHandshakeOutput()
		if len(ciphertext) == 0 {
			return
		}
		h.deliverData(strmNetwork, ciphertext)
	})
	return h
}

// inlineSubmitter is the Dispatcher's worker.Executor: it runs delegated
// handshake tasks on their own goroutine, same as worker.Pool would, but
// without pulling in a semaphore for a single-connection test.
type inlineSubmitter struct{ n atomic.Int32 }

func (s *inlineSubmitter) Submit(task func()) (cancel func()) {
	s.n.Add(1)
	go func() {
		defer s.n.Add(-1)
		task()
	}()
	// Like worker.Pool's cancel once a task is underway, this is a no-op:
	// the handshake itself is interrupted through its context.
	return func() {}
}

func (h *harness) onSend(id frame.StreamID, hd frame.Header, encoded []byte) {
	r := bytes.NewReader(encoded[16:]) // skip the already-parsed header
	switch {
	case id == h.ids.SupplyReplyID(strmNetwork):
		switch hd.Type {
		case frame.KindBegin:
			b, err := frame.DecodeBegin(r, hd)
			require.NoError(h.t, err)
			h.networkReplyBegins <- b
		case frame.KindData:
			d, err := frame.DecodeData(r, hd)
			require.NoError(h.t, err)
			require.NoError(h.t, h.client.FeedNetworkBytes(d.Payload))
			h.networkReplyData <- d.Payload
		case frame.KindEnd:
			h.networkReplyEnds <- struct{}{}
		case frame.KindAbort:
			h.networkReplyAborts <- struct{}{}
		}
	case hd.Type == frame.KindReset:
		h.networkResets <- struct{}{}
	default:
		switch hd.Type {
		case frame.KindBegin:
			b, err := frame.DecodeBegin(r, hd)
			require.NoError(h.t, err)
			h.appBegins <- b
		case frame.KindData:
			d, err := frame.DecodeData(r, hd)
			require.NoError(h.t, err)
			h.appData <- d
		case frame.KindEnd:
			h.appEnds <- id
		case frame.KindAbort:
			h.appAborts <- id
		}
	}
}

func (h *harness) deliverData(id frame.StreamID, payload []byte) {
	var buf bytes.Buffer
	require.NoError(h.t, frame.EncodeData(&buf, frame.Data{StreamID: id, Payload: payload}))
	require.NoError(h.t, h.d.Deliver(buf.Bytes()))
}

func (h *harness) deliverBegin(m frame.Begin) {
	var buf bytes.Buffer
	require.NoError(h.t, frame.EncodeBegin(&buf, m))
	require.NoError(h.t, h.d.Deliver(buf.Bytes()))
}

func (h *harness) deliverEnd(id frame.StreamID) {
	var buf bytes.Buffer
	require.NoError(h.t, frame.EncodeEnd(&buf, frame.End{StreamID: id}))
	require.NoError(h.t, h.d.Deliver(buf.Bytes()))
}

func (h *harness) deliverAbort(id frame.StreamID) {
	var buf bytes.Buffer
	require.NoError(h.t, frame.EncodeAbort(&buf, frame.Abort{StreamID: id}))
	require.NoError(h.t, h.d.Deliver(buf.Bytes()))
}

func (h *harness) deliverWindow(id frame.StreamID, credit uint32) {
	var buf bytes.Buffer
	require.NoError(h.t, frame.EncodeWindow(&buf, frame.Window{StreamID: id, Credit: credit}))
	require.NoError(h.t, h.d.Deliver(buf.Bytes()))
}

// runHandshake drives the accept connection's handshake to completion:
// the client initiates BEGIN, then both sides' Engines exchange bytes
// through the harness's plumbing until the application BEGIN for the
// routed downstream target arrives.
func (h *harness) runHandshake(t *testing.T, routeID uint64) frame.Begin {
	t.Helper()
	h.deliverBegin(frame.Begin{RouteID: routeID, StreamID: strmNetwork, Authorization: "caller"})

	var wg sync.WaitGroup
	wg.Add(1)
	_, err := h.client.BeginHandshake(context.Background(), inlineExecutor{}, func(error) { wg.Done() })
	require.NoError(t, err)

	select {
	case begin := <-h.appBegins:
		wg.Wait()
		require.Equal(t, tlsengine.StatusFinished, h.client.GetHandshakeStatus())
		return begin
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for application BEGIN after handshake")
		return frame.Begin{}
	}
}

func mustCertPool(cert tls.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	return pool
}

// Scenario 1: connection established, no payload (§8.1).
func TestHandshakeEstablishedNoPayload(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	sc := &route.StoreContext{Name: "default", Certificates: []tls.Certificate{cert}}
	rt := route.NewRoute(1, route.RoleServer, "", "", route.Extension{}, sc)

	h := newHarness(t, rt, &tls.Config{RootCAs: mustCertPool(cert), ServerName: "localhost"})
	begin := h.runHandshake(t, 1)

	require.NotNil(t, begin.Extension.Hostname)
	require.Equal(t, "localhost", *begin.Extension.Hostname)
	require.Nil(t, begin.Extension.ApplicationProtocol)

	select {
	case <-h.appData:
		t.Fatal("expected no application DATA")
	case <-time.After(50 * time.Millisecond):
	}
}

// Scenario 2 (abridged): echo round-trip through both record pumps.
func TestEchoRoundTrip(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	sc := &route.StoreContext{Name: "default", Certificates: []tls.Certificate{cert}}
	rt := route.NewRoute(1, route.RoleServer, "", "", route.Extension{}, sc)

	h := newHarness(t, rt, &tls.Config{RootCAs: mustCertPool(cert), ServerName: "localhost"})
	begin := h.runHandshake(t, 1)
	appStreamID := begin.StreamID
	appReplyStreamID := h.ids.SupplyReplyID(appStreamID)

	// The application grants the accept side credit to deliver decrypted
	// bytes, then answers the reply stream to claim the correlation.
	h.deliverWindow(appStreamID, 1<<20)
	h.deliverBegin(frame.Begin{StreamID: appReplyStreamID, CorrelationID: begin.CorrelationID})

	payload := bytes.Repeat([]byte("echo-me-"), 1280) // 10240 bytes
	ciphertext, err := h.client.Wrap(payload)
	require.NoError(t, err)
	h.deliverData(strmNetwork, ciphertext)

	var got []byte
	deadline := time.After(5 * time.Second)
	for len(got) < len(payload) {
		select {
		case d := <-h.appData:
			got = append(got, d.Payload...)
		case <-deadline:
			t.Fatalf("timed out, got %d/%d bytes", len(got), len(payload))
		}
	}
	require.Equal(t, payload, got)

	// Application echoes the same bytes back; client must decrypt them
	// identically after the reply record pump wraps them.
	h.deliverData(appReplyStreamID, payload)

	// onSend already fed the ciphertext into h.client as it was sent; this
	// just waits for at least one record to arrive before unwrapping.
	select {
	case c := <-h.networkReplyData:
		_ = c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for encrypted reply")
	}
	plaintext, closed, err := h.client.Unwrap()
	require.NoError(t, err)
	require.False(t, closed)
	require.Equal(t, payload, plaintext)

	require.Equal(t, 0, h.netPool.Outstanding(), "network slots must all be released once drained")
}

// Scenario 3 (inbound half): a large payload delivered under a tight
// application-side credit window still arrives whole and in order. Only
// the decrypt path is exercised; nothing is echoed back on the reply path.
func TestEchoWithBackpressure(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	sc := &route.StoreContext{Name: "default", Certificates: []tls.Certificate{cert}}
	rt := route.NewRoute(1, route.RoleServer, "", "", route.Extension{}, sc)

	h := newHarness(t, rt, &tls.Config{RootCAs: mustCertPool(cert), ServerName: "localhost"})
	begin := h.runHandshake(t, 1)
	appStreamID := begin.StreamID

	const windowCredit = 8 * 1024
	h.deliverWindow(appStreamID, windowCredit)

	payload := bytes.Repeat([]byte("x"), 100*1024)

	// Encrypt and deliver in bounded chunks, the way a real peer throttled
	// to this module's own granted network credit would: Engine.Wrap's own
	// contract caps a single call at 16 KiB of cleartext, and each DATA
	// frame here stays well under the network window so debiting never
	// goes negative mid-test.
	var got []byte
	deadline := time.After(10 * time.Second)
	drain := func() {
		for {
			select {
			case d := <-h.appData:
				got = append(got, d.Payload...)
			default:
				return
			}
		}
	}
	for off := 0; off < len(payload); off += 16 * 1024 {
		end := off + 16*1024
		if end > len(payload) {
			end = len(payload)
		}
		ciphertext, err := h.client.Wrap(payload[off:end])
		require.NoError(t, err)
		h.deliverData(strmNetwork, ciphertext)
		drain()
		// Re-arm the inbound application window, the way a draining
		// application keeps granting credit as it consumes bytes.
		h.deliverWindow(appStreamID, windowCredit)
		drain()
	}
	for len(got) < len(payload) {
		select {
		case d := <-h.appData:
			got = append(got, d.Payload...)
			h.deliverWindow(appStreamID, windowCredit)
		case <-deadline:
			t.Fatalf("timed out, got %d/%d bytes", len(got), len(payload))
		}
	}
	require.Equal(t, payload, got)
}

// Scenario 4: the application answers the reply stream, then closes it;
// the reply side must flush close_notify on the network-reply stream and
// then end it.
func TestApplicationCloseFlushesCloseNotify(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	sc := &route.StoreContext{Name: "default", Certificates: []tls.Certificate{cert}}
	rt := route.NewRoute(1, route.RoleServer, "", "", route.Extension{}, sc)

	h := newHarness(t, rt, &tls.Config{RootCAs: mustCertPool(cert), ServerName: "localhost"})
	begin := h.runHandshake(t, 1)
	appReplyStreamID := h.ids.SupplyReplyID(begin.StreamID)
	h.deliverBegin(frame.Begin{StreamID: appReplyStreamID, CorrelationID: begin.CorrelationID})

	h.deliverEnd(appReplyStreamID)

	select {
	case <-h.networkReplyData:
	case <-time.After(time.Second):
		t.Fatal("expected close_notify ciphertext on the network-reply stream")
	}
	select {
	case <-h.networkReplyEnds:
	case <-time.After(time.Second):
		t.Fatal("expected END on the network-reply stream")
	}
}

// Scenario 6: ALPN mismatch causes the handshake to fail and both sides
// to tear down.
func TestALPNMismatchRejectsHandshake(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	sc := &route.StoreContext{Name: "default", Certificates: []tls.Certificate{cert}}
	httpOnly := "http/1.1"
	rt := route.NewRoute(1, route.RoleServer, "", "", route.Extension{ApplicationProtocol: &httpOnly}, sc)

	h := newHarness(t, rt, &tls.Config{
		RootCAs:    mustCertPool(cert),
		ServerName: "localhost",
		NextProtos: []string{"h2"},
	})
	h.deliverBegin(frame.Begin{RouteID: 1, StreamID: strmNetwork, Authorization: "caller"})

	var wg sync.WaitGroup
	wg.Add(1)
	_, err := h.client.BeginHandshake(context.Background(), inlineExecutor{}, func(error) { wg.Done() })
	require.NoError(t, err)
	wg.Wait()

	require.Equal(t, tlsengine.StatusFailed, h.client.GetHandshakeStatus())
	select {
	case <-h.networkResets:
	case <-time.After(time.Second):
		t.Fatal("expected a RESET on the inbound network stream")
	}
}

// Scenario 5: a client ABORT mid-handshake tears the connection down
// without delivering an application BEGIN.
func TestClientAbortDuringHandshakeAborts(t *testing.T) {
	cert := selfSignedCert(t, "localhost")
	sc := &route.StoreContext{Name: "default", Certificates: []tls.Certificate{cert}}
	rt := route.NewRoute(1, route.RoleServer, "", "", route.Extension{}, sc)

	h := newHarness(t, rt, &tls.Config{RootCAs: mustCertPool(cert), ServerName: "localhost"})
	h.deliverBegin(frame.Begin{RouteID: 1, StreamID: strmNetwork, Authorization: "caller"})
	h.deliverAbort(strmNetwork)

	select {
	case <-h.networkReplyAborts:
	case <-time.After(time.Second):
		t.Fatal("expected ABORT on the network-reply stream")
	}
}
