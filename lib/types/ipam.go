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

package types

import (
	"net/netip"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// IPPool is an overlay address pool.
type IPPool struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// CIDR is the pool address block, e.g. "10.100.0.0/16".
	CIDR string `json:"cidr"`
	// Description is free form operator text.
	Description string `json:"description,omitempty"`
}

// CheckAndSetDefaults validates the pool and fills in defaults.
func (p *IPPool) CheckAndSetDefaults() error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	prefix, err := netip.ParsePrefix(p.CIDR)
	if err != nil {
		return trace.BadParameter("invalid pool cidr %q: %v", p.CIDR, err)
	}
	if !prefix.Addr().Is4() {
		return trace.BadParameter("pool cidr %q: only IPv4 overlays are supported", p.CIDR)
	}
	if prefix.Masked() != prefix {
		return trace.BadParameter("pool cidr %q is not in canonical form, expected %q", p.CIDR, prefix.Masked())
	}
	return nil
}

// Prefix returns the parsed pool CIDR. The pool must have been
// validated first.
func (p *IPPool) Prefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(p.CIDR)
	return prefix, trace.Wrap(err)
}

// IPGroup is a named sub-range [StartIP, EndIP] of a pool. The range
// is fully contained in the pool CIDR, excludes network and broadcast
// addresses and does not overlap other groups of the same pool.
type IPGroup struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// PoolID references the owning pool.
	PoolID string `json:"pool_id"`
	// Name is unique within the pool.
	Name string `json:"name"`
	// StartIP and EndIP bound the range, inclusive.
	StartIP string `json:"start_ip"`
	EndIP   string `json:"end_ip"`
}

// CheckAndSetDefaults validates the group range shape. Containment in
// the pool and overlap with sibling groups is checked by the store,
// which knows the pool.
func (g *IPGroup) CheckAndSetDefaults() error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.PoolID == "" {
		return trace.BadParameter("missing ip group pool")
	}
	if g.Name == "" {
		return trace.BadParameter("missing ip group name")
	}
	start, err := netip.ParseAddr(g.StartIP)
	if err != nil {
		return trace.BadParameter("invalid ip group start %q: %v", g.StartIP, err)
	}
	end, err := netip.ParseAddr(g.EndIP)
	if err != nil {
		return trace.BadParameter("invalid ip group end %q: %v", g.EndIP, err)
	}
	if end.Less(start) {
		return trace.BadParameter("ip group %q range is inverted", g.Name)
	}
	return nil
}

// Range returns the parsed [start, end] addresses.
func (g *IPGroup) Range() (start, end netip.Addr, err error) {
	start, err = netip.ParseAddr(g.StartIP)
	if err != nil {
		return start, end, trace.Wrap(err)
	}
	end, err = netip.ParseAddr(g.EndIP)
	return start, end, trace.Wrap(err)
}

// IPAssignment binds an overlay address from a pool to a client.
// (pool, ip) is unique; every client has exactly one primary.
type IPAssignment struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// ClientID references the holding client.
	ClientID string `json:"client_id"`
	// PoolID references the pool the address came from.
	PoolID string `json:"pool_id"`
	// IPGroupID optionally references the sub-range the address was
	// drawn from.
	IPGroupID string `json:"ip_group_id,omitempty"`
	// IPAddress is the allocated overlay address.
	IPAddress string `json:"ip_address"`
	// IsPrimary marks the address embedded in the client certificate.
	IsPrimary bool `json:"is_primary"`
}

// CheckAndSetDefaults validates the assignment.
func (a *IPAssignment) CheckAndSetDefaults() error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ClientID == "" {
		return trace.BadParameter("missing assignment client")
	}
	if a.PoolID == "" {
		return trace.BadParameter("missing assignment pool")
	}
	if _, err := netip.ParseAddr(a.IPAddress); err != nil {
		return trace.BadParameter("invalid assignment address %q: %v", a.IPAddress, err)
	}
	return nil
}

// Addr returns the parsed assignment address.
func (a *IPAssignment) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(a.IPAddress)
	return addr, trace.Wrap(err)
}
