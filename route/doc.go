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

// Package route holds the persistent route records the handshake
// coordinator resolves against: (routeId, role, addresses, extension),
// plus the certificate/trust store each route's extension may name.
//
// Route registry mutation (the ROUTE/UNROUTE control-plane messages) is an
// external collaborator; this package defines the read-path facade
// ([Table]) the core consumes, a reference in-memory implementation, and
// the filesystem store loader.
package route
