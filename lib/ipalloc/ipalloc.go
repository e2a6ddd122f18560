/*
Copyright 2024 Pharos Networks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ipalloc picks overlay addresses from a pool, optionally
// narrowed to a sub-range. Allocation is deterministic: the
// numerically smallest free candidate wins, which keeps tests
// reproducible and debugging sane. Serialization of concurrent
// allocations is the store's concern.
package ipalloc

import (
	"net/netip"

	"github.com/gravitational/trace"
)

// Request describes a single allocation.
type Request struct {
	// Pool is the pool CIDR in canonical (masked) form.
	Pool netip.Prefix
	// Start and End optionally narrow candidates to an inclusive
	// sub-range of the pool.
	Start netip.Addr
	End   netip.Addr
	// Taken reports whether an address is already assigned within the
	// pool.
	Taken func(netip.Addr) bool
	// Requested pins the allocation to a specific address. The
	// operation fails if the address is outside the candidate set or
	// already taken.
	Requested netip.Addr
}

// Allocate returns the smallest free candidate address: the pool CIDR
// minus network and broadcast addresses, intersected with the
// sub-range if given, minus taken addresses.
func Allocate(req Request) (netip.Addr, error) {
	var zero netip.Addr
	if !req.Pool.IsValid() || !req.Pool.Addr().Is4() {
		return zero, trace.BadParameter("allocation requires a valid IPv4 pool")
	}
	if req.Taken == nil {
		return zero, trace.BadParameter("allocation requires a taken set")
	}

	first, last := HostRange(req.Pool)
	if req.Start.IsValid() || req.End.IsValid() {
		if !req.Start.IsValid() || !req.End.IsValid() {
			return zero, trace.BadParameter("sub-range requires both start and end")
		}
		if !req.Pool.Contains(req.Start) || !req.Pool.Contains(req.End) {
			return zero, trace.BadParameter("sub-range %v-%v is outside pool %v", req.Start, req.End, req.Pool)
		}
		if first.Less(req.Start) {
			first = req.Start
		}
		if last.Compare(req.End) > 0 {
			last = req.End
		}
	}
	if last.Less(first) {
		return zero, trace.LimitExceeded("pool %v has no allocatable addresses", req.Pool)
	}

	if req.Requested.IsValid() {
		if req.Requested.Less(first) || last.Less(req.Requested) {
			return zero, trace.AlreadyExists("address %v is not allocatable from pool %v", req.Requested, req.Pool)
		}
		if req.Taken(req.Requested) {
			return zero, trace.AlreadyExists("address %v is already assigned", req.Requested)
		}
		return req.Requested, nil
	}

	for addr := first; !last.Less(addr); addr = addr.Next() {
		if !req.Taken(addr) {
			return addr, nil
		}
	}
	return zero, trace.LimitExceeded("pool %v is exhausted", req.Pool)
}

// HostRange returns the first and last assignable host addresses of an
// IPv4 prefix, excluding network and broadcast addresses. A /31 or /32
// has no assignable hosts under this policy; the returned range is
// then inverted and callers treat it as empty.
func HostRange(pool netip.Prefix) (first, last netip.Addr) {
	network := pool.Masked().Addr()
	first = network.Next()

	bits := pool.Addr().BitLen() - pool.Bits()
	b := network.As4()
	var host uint32 = 1<<uint(bits) - 1
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= host
	broadcast := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	last = broadcast.Prev()
	return first, last
}
