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

package route

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// MaxStores is the number of distinct certificate/trust stores a single
// module instance may have loaded at once. A store registration beyond
// this is a hard rejection (§7.4).
const MaxStores = 256

// ErrTooManyStores is returned when a 257th distinct store would be
// registered.
var ErrTooManyStores = errors.New("route: store index overflow, at most 256 stores supported")

// StoreContext is a loaded certificate/trust store, reference-counted by
// the routes that name it. It is dropped from its registry when the
// count reaches zero.
type StoreContext struct {
	Name                 string
	Index                int
	Certificates         []tls.Certificate
	TrustedCAs           *x509.CertPool
	HasTrustStore        bool
	CADistinguishedNames []string

	refCount atomic.Int32
}

func (s *StoreContext) retain() { s.refCount.Add(1) }

// release decrements the reference count and reports the value after the
// decrement.
func (s *StoreContext) release() int32 { return s.refCount.Add(-1) }

// ServerTLSConfig builds a *tls.Config suitable for terminating TLS with
// this store's certificate. When the store has a trust store loaded, a
// client certificate is verified against it if the client presents one;
// a client that presents none is still accepted.
func (s *StoreContext) ServerTLSConfig() *tls.Config {
	cfg := &tls.Config{Certificates: s.Certificates}
	if s.HasTrustStore {
		cfg.ClientCAs = s.TrustedCAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg
}

// ClientTLSConfig builds a *tls.Config suitable for originating TLS
// against a peer verified by this store's trust store, presenting this
// store's certificate for mutual TLS if configured.
func (s *StoreContext) ClientTLSConfig() *tls.Config {
	cfg := &tls.Config{Certificates: s.Certificates}
	if s.HasTrustStore {
		cfg.RootCAs = s.TrustedCAs
	}
	return cfg
}

// StoreRegistry loads and reference-counts [StoreContext] values by name.
type StoreRegistry struct {
	mu        sync.Mutex
	byName    map[string]*StoreContext
	nextIndex int
}

// NewStoreRegistry creates an empty registry.
func NewStoreRegistry() *StoreRegistry {
	return &StoreRegistry{byName: make(map[string]*StoreContext)}
}

// StoreParams names the PEM files backing a store, per the filesystem
// layout of §6: {dataplaneDir}/tls/[stores/{store}/]{keystore|truststore}.
type StoreParams struct {
	KeystorePath   string
	TruststorePath string // empty if the store has no trust store
}

// Load returns the named store, loading it from disk on first use and
// incrementing its reference count on every subsequent call. Callers must
// pair every successful Load with a [StoreRegistry.Release].
func (reg *StoreRegistry) Load(name string, params StoreParams) (*StoreContext, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.byName[name]; ok {
		existing.retain()
		return existing, nil
	}
	if reg.nextIndex >= MaxStores {
		return nil, ErrTooManyStores
	}

	cert, err := loadKeyPair(params.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("route: loading keystore %q: %w", params.KeystorePath, err)
	}

	sc := &StoreContext{
		Name:         name,
		Index:        reg.nextIndex,
		Certificates: []tls.Certificate{cert},
	}
	if params.TruststorePath != "" {
		pool, names, err := loadTrustStore(params.TruststorePath)
		if err != nil {
			return nil, fmt.Errorf("route: loading truststore %q: %w", params.TruststorePath, err)
		}
		sc.HasTrustStore = true
		sc.TrustedCAs = pool
		sc.CADistinguishedNames = names
	}
	sc.retain()
	reg.byName[name] = sc
	reg.nextIndex++
	return sc, nil
}

// Release decrements the named store's reference count, evicting it from
// the registry once the count reaches zero. Its index is not reused,
// matching the spec's "store-index overflow at 256 distinct trust stores"
// invariant: the registry counts distinct stores ever loaded, not stores
// currently live.
func (reg *StoreRegistry) Release(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	sc, ok := reg.byName[name]
	if !ok {
		return
	}
	if sc.release() <= 0 {
		delete(reg.byName, name)
	}
}

// loadKeyPair reads a combined certificate+private-key PEM file. Go's
// tls.X509KeyPair accepts the same byte slice for both the certificate
// and key arguments: it scans the first for CERTIFICATE blocks and the
// second for the private key block, so a single bundled file works for
// both scans.
func loadKeyPair(path string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(data, data)
}

func loadTrustStore(path string) (*x509.CertPool, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, nil, errors.New("no certificates found")
	}
	var names []string
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		names = append(names, cert.Subject.String())
	}
	return pool, names, nil
}
