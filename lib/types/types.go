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

// Package types defines the entities of the pharos control plane:
// certificate authorities, clients, groups, firewall rulesets, IP
// pools and assignments, client certificates, tokens and enrollment
// codes. Entities validate themselves via CheckAndSetDefaults; cross
// entity invariants are enforced by the policy store.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// CertAuthority is a certificate authority of the mesh. At most one
// authority is current and allowed to sign at any instant; superseded
// authorities stay in the distributed chain for the overlap window.
type CertAuthority struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// Name is a human readable unique name.
	Name string `json:"name"`
	// NotBefore and NotAfter bound the authority validity.
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	// CertPEM is the PEM encoded public certificate.
	CertPEM []byte `json:"cert_pem"`
	// KeyPEM is the PEM encoded private key. Sensitive; never
	// serialized, empty for imported authorities without key material.
	KeyPEM []byte `json:"-"`
	// CanSign is true when this authority may mint client
	// certificates.
	CanSign bool `json:"can_sign"`
	// IncludeInChain is true while the authority belongs to the CA
	// chain distributed to agents.
	IncludeInChain bool `json:"include_in_chain"`
	// IsCurrent marks the single active signing authority.
	IsCurrent bool `json:"is_current"`
	// IsPrevious marks an authority demoted by a rotation.
	IsPrevious bool `json:"is_previous"`
	// PreviousSince records when the authority was demoted, used to
	// expire the overlap window.
	PreviousSince time.Time `json:"previous_since"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the authority and fills in defaults.
func (a *CertAuthority) CheckAndSetDefaults() error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Name == "" {
		return trace.BadParameter("missing certificate authority name")
	}
	if len(a.CertPEM) == 0 {
		return trace.BadParameter("missing certificate authority certificate")
	}
	if !a.NotAfter.After(a.NotBefore) {
		return trace.BadParameter("certificate authority %q has inverted validity window", a.Name)
	}
	return nil
}

// Expired reports whether the authority validity has elapsed at the
// given instant.
func (a *CertAuthority) Expired(now time.Time) bool {
	return now.After(a.NotAfter)
}

// Client is a node of the mesh managed by the control plane.
type Client struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// Name is the stable unique name of the client. It is embedded in
	// the certificate CommonName and must not change across the client
	// lifetime.
	Name string `json:"name"`
	// Owner is an opaque reference to the operator owning the client.
	Owner string `json:"owner,omitempty"`
	// IsLighthouse marks the client as a rendezvous point. Lighthouses
	// require a routable PublicIP.
	IsLighthouse bool `json:"is_lighthouse"`
	// PublicIP is the public address of a lighthouse, empty otherwise.
	PublicIP string `json:"public_ip,omitempty"`
	// IsBlocked denies bundle distribution while keeping the client
	// and its assignments intact.
	IsBlocked bool `json:"is_blocked"`
	// Groups are the groups directly assigned to the client.
	Groups []Group `json:"groups,omitempty"`
	// Rulesets are the firewall rulesets assigned to the client.
	Rulesets []FirewallRuleset `json:"rulesets,omitempty"`
	// Assignments are the overlay addresses held by the client,
	// exactly one of which is primary.
	Assignments []IPAssignment `json:"assignments,omitempty"`
	// ConfigDirtyAt advances on every mutation that could change the
	// emitted bundle.
	ConfigDirtyAt time.Time `json:"config_dirty_at"`
	// LastDeliveredAt is stamped on every successful bundle fetch.
	LastDeliveredAt time.Time `json:"last_delivered_at"`
	// ClientVersion and NebulaVersion are the last versions reported
	// by the agent. Stored opportunistically, never acted upon.
	ClientVersion string `json:"client_version,omitempty"`
	NebulaVersion string `json:"nebula_version,omitempty"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the client and fills in defaults.
func (c *Client) CheckAndSetDefaults() error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		return trace.BadParameter("missing client name")
	}
	if c.IsLighthouse {
		addr, err := netip.ParseAddr(c.PublicIP)
		if err != nil {
			return trace.BadParameter("lighthouse %q requires a routable public ip: %v", c.Name, err)
		}
		if addr.IsLoopback() || addr.IsUnspecified() {
			return trace.BadParameter("lighthouse %q public ip %q is not routable", c.Name, c.PublicIP)
		}
	}
	return nil
}

// PrimaryAssignment returns the primary overlay address of the client
// or nil when none is assigned.
func (c *Client) PrimaryAssignment() *IPAssignment {
	for i := range c.Assignments {
		if c.Assignments[i].IsPrimary {
			return &c.Assignments[i]
		}
	}
	return nil
}

// GroupNames returns the sorted set of group names assigned to the
// client.
func (c *Client) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		names = append(names, g.Name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Group is a hierarchical client group. Hierarchy is encoded in the
// colon separated name: creating "a:b:c" requires "a:b" to exist.
type Group struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// Name is the colon separated hierarchical path, unique.
	Name string `json:"name"`
	// Owner is an opaque reference to the operator owning the group.
	Owner string `json:"owner,omitempty"`
}

// CheckAndSetDefaults validates the group and fills in defaults.
func (g *Group) CheckAndSetDefaults() error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Name == "" {
		return trace.BadParameter("missing group name")
	}
	for _, seg := range strings.Split(g.Name, ":") {
		if seg == "" {
			return trace.BadParameter("group name %q has an empty path segment", g.Name)
		}
	}
	return nil
}

// Parent returns the name of the parent group, or an empty string for
// a top level group.
func (g *Group) Parent() string {
	return GroupParent(g.Name)
}

// GroupParent returns the parent path of a colon separated group name.
func GroupParent(name string) string {
	idx := strings.LastIndexByte(name, ':')
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// GroupsHash returns the stable hash over a set of group names: hex
// encoded SHA-256 of the sorted, deduplicated names joined by
// newlines. Used as a certificate reuse key.
func GroupsHash(names []string) string {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}
