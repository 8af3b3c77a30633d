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

// Role is the TLS role a route's connections are established in.
type Role int

const (
	// RoleServer routes terminate inbound TLS (the module is the server).
	RoleServer Role = iota
	// RoleClient routes originate outbound TLS (the module is the client).
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Extension is the TLS-specific portion of a route record: the named
// certificate/trust store plus the optional SNI hostname and ALPN
// protocol the route is selected by. A nil field matches anything.
type Extension struct {
	Store               *string
	Hostname            *string
	ApplicationProtocol *string
}

// Route is a persistent route record. RouteID is unique within the
// module; Store, if set, names a loaded [StoreContext].
type Route struct {
	RouteID       uint64
	Role          Role
	LocalAddress  string
	RemoteAddress string
	Extension     Extension

	store *StoreContext
}

// NewRoute constructs a persistent route record naming store, the loaded
// [StoreContext] a control-plane ROUTE message resolved for this route's
// extension (nil if the route carries none). Callers outside this package
// have no other way to attach a store to a route, since [Route.store] is
// unexported to keep route mutation funneled through this constructor.
func NewRoute(routeID uint64, role Role, localAddress, remoteAddress string, ext Extension, store *StoreContext) *Route {
	return &Route{
		RouteID:       routeID,
		Role:          role,
		LocalAddress:  localAddress,
		RemoteAddress: remoteAddress,
		Extension:     ext,
		store:         store,
	}
}

// Store returns the certificate/trust store this route's extension names,
// or nil if the route has none (and so cannot serve TLS).
func (r *Route) Store() *StoreContext { return r.store }

// matchesHostname reports whether the route's SNI selector accepts host.
// An unset selector accepts any host, including none offered.
func (r *Route) matchesHostname(host string) bool {
	if r.Extension.Hostname == nil {
		return true
	}
	return *r.Extension.Hostname == host
}

// matchesProtocol reports whether the route's ALPN selector accepts proto.
// An unset selector accepts any protocol, including none negotiated.
func (r *Route) matchesProtocol(proto string) bool {
	if r.Extension.ApplicationProtocol == nil {
		return true
	}
	return *r.Extension.ApplicationProtocol == proto
}

// Matches implements the predicate from §4.G onFinished: a route matches
// a finished handshake's negotiated SNI hostname and ALPN protocol when
// both selectors (if present) agree with what was negotiated.
func (r *Route) Matches(tlsHostname, tlsApplicationProtocol string) bool {
	return r.matchesHostname(tlsHostname) && r.matchesProtocol(tlsApplicationProtocol)
}
