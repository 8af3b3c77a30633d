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
	"bytes"
	"net"
	"os"
	"sync"
	"time"
)

// pipeHalf is one direction of an in-process byte pipe: Write always
// succeeds immediately (appends to an unbounded buffer); Read blocks
// until data is available, the half is closed, or a read deadline
// elapses. This stands in for the network socket crypto/tls expects to
// read from and write to, letting the facade feed and drain bytes
// without ever touching a real file descriptor.
type pipeHalf struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	closed   bool
	deadline time.Time
	onWrite  func()
}

func newPipeHalf() *pipeHalf {
	h := &pipeHalf{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *pipeHalf) write(p []byte) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, net.ErrClosed
	}
	n, _ := h.buf.Write(p)
	h.cond.Broadcast()
	cb := h.onWrite
	h.mu.Unlock()
	// Fired outside the lock: a waiting reader's Broadcast already ran,
	// and the callback (e.g. draining produced handshake bytes onto the
	// network) may itself need to touch this half's state from another
	// path without deadlocking against this write.
	if cb != nil {
		cb()
	}
	return n, nil
}

// setOnWrite installs a callback invoked after every successful write,
// letting a caller notice TLS handshake output (a ClientHello response,
// a certificate flight) as soon as it is produced instead of polling.
func (h *pipeHalf) setOnWrite(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onWrite = cb
}

func (h *pipeHalf) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 && !h.closed {
		if !h.deadline.IsZero() {
			if !h.deadline.After(time.Now()) {
				return 0, os.ErrDeadlineExceeded
			}
			timer := time.AfterFunc(time.Until(h.deadline), h.cond.Broadcast)
			h.cond.Wait()
			timer.Stop()
			continue
		}
		h.cond.Wait()
	}
	if h.buf.Len() == 0 && h.closed {
		return 0, net.ErrClosed
	}
	return h.buf.Read(p)
}

func (h *pipeHalf) setDeadline(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadline = t
	h.cond.Broadcast()
}

func (h *pipeHalf) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
}

// pipeConn is one side of a pair of connected in-process net.Conn
// endpoints: writes on this side land on the peer's read buffer and vice
// versa, mirroring net.Pipe but with a non-blocking, unbounded Write
// (real net.Pipe rendezvous would block the handshake goroutine on the
// facade goroutine in lock-step, which we must avoid).
type pipeConn struct {
	local  *pipeHalf
	remote *pipeHalf
}

var _ net.Conn = (*pipeConn)(nil)

// newPipePair returns two connected ends of an in-process byte pipe.
func newPipePair() (a, b *pipeConn) {
	h1, h2 := newPipeHalf(), newPipeHalf()
	return &pipeConn{local: h1, remote: h2}, &pipeConn{local: h2, remote: h1}
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.local.read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.remote.write(p) }
func (c *pipeConn) Close() error {
	c.local.close()
	c.remote.close()
	return nil
}
func (c *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (c *pipeConn) SetDeadline(t time.Time) error      { c.local.setDeadline(t); return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { c.local.setDeadline(t); return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error   { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
