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
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Direction of a firewall rule.
type Direction string

const (
	// DirectionInbound applies a rule to traffic arriving at the node.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound applies a rule to traffic leaving the node.
	DirectionOutbound Direction = "outbound"
)

// Protocol of a firewall rule.
type Protocol string

const (
	ProtoAny  Protocol = "any"
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
)

// Port sentinels accepted in addition to literal ports and N-M ranges.
const (
	PortAny      = "any"
	PortFragment = "fragment"
)

// SelectorKind identifies which selector field of a rule is set.
type SelectorKind string

const (
	SelectorHost   SelectorKind = "host"
	SelectorCIDR   SelectorKind = "cidr"
	SelectorGroups SelectorKind = "groups"
	SelectorCAName SelectorKind = "ca_name"
	SelectorCASha  SelectorKind = "ca_sha"
)

// FirewallRuleset is an ordered set of firewall rules assigned to
// clients. An empty ruleset denies all traffic; a non empty ruleset is
// a positive allow-list terminated by an implicit default deny.
type FirewallRuleset struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// Name is a unique human readable name.
	Name string `json:"name"`
	// Rules is the ordered rule list.
	Rules []FirewallRule `json:"rules"`
}

// CheckAndSetDefaults validates the ruleset and all of its rules.
func (rs *FirewallRuleset) CheckAndSetDefaults() error {
	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}
	if rs.Name == "" {
		return trace.BadParameter("missing firewall ruleset name")
	}
	for i := range rs.Rules {
		if err := rs.Rules[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "ruleset %q rule %d", rs.Name, i)
		}
	}
	return nil
}

// FirewallRule is a single allow rule. Exactly one selector is set:
// host, cidr, groups, ca_name or ca_sha.
type FirewallRule struct {
	// Direction is inbound or outbound.
	Direction Direction `json:"direction"`
	// Port is a literal port, a range "N-M", "any" or "fragment".
	Port string `json:"port"`
	// Proto is tcp, udp, icmp or any.
	Proto Protocol `json:"proto"`
	// Host matches a peer by certificate name. "any" matches all.
	Host string `json:"host,omitempty"`
	// CIDR matches peers by overlay address block.
	CIDR string `json:"cidr,omitempty"`
	// Groups matches peers carrying all of the listed groups.
	Groups []string `json:"groups,omitempty"`
	// CAName matches peers whose certificate chains to the named CA.
	CAName string `json:"ca_name,omitempty"`
	// CASha matches peers whose certificate chains to the CA with
	// this fingerprint.
	CASha string `json:"ca_sha,omitempty"`
}

// CheckAndSetDefaults validates the rule and canonicalizes its port.
func (r *FirewallRule) CheckAndSetDefaults() error {
	switch r.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return trace.BadParameter("invalid rule direction %q", r.Direction)
	}
	switch r.Proto {
	case "":
		r.Proto = ProtoAny
	case ProtoAny, ProtoTCP, ProtoUDP, ProtoICMP:
	default:
		return trace.BadParameter("invalid rule protocol %q", r.Proto)
	}
	port, err := CanonicalPort(r.Port)
	if err != nil {
		return trace.Wrap(err)
	}
	r.Port = port
	if r.CIDR != "" {
		if _, err := netip.ParsePrefix(r.CIDR); err != nil {
			return trace.BadParameter("invalid rule cidr %q: %v", r.CIDR, err)
		}
	}
	selectors := 0
	if r.Host != "" {
		selectors++
	}
	if r.CIDR != "" {
		selectors++
	}
	if len(r.Groups) > 0 {
		selectors++
		slices.Sort(r.Groups)
		r.Groups = slices.Compact(r.Groups)
	}
	if r.CAName != "" {
		selectors++
	}
	if r.CASha != "" {
		selectors++
	}
	if selectors == 0 {
		return trace.BadParameter("firewall rule requires a selector: host, cidr, groups, ca_name or ca_sha")
	}
	if selectors > 1 {
		return trace.BadParameter("firewall rule must carry exactly one selector kind")
	}
	return nil
}

// SelectorKind returns which selector the rule carries.
func (r *FirewallRule) SelectorKind() SelectorKind {
	switch {
	case r.Host != "":
		return SelectorHost
	case r.CIDR != "":
		return SelectorCIDR
	case len(r.Groups) > 0:
		return SelectorGroups
	case r.CAName != "":
		return SelectorCAName
	default:
		return SelectorCASha
	}
}

// SelectorValue returns the selector payload as a single string, used
// for stable rule ordering and structural comparison.
func (r *FirewallRule) SelectorValue() string {
	switch r.SelectorKind() {
	case SelectorHost:
		return r.Host
	case SelectorCIDR:
		return r.CIDR
	case SelectorGroups:
		return strings.Join(r.Groups, ",")
	case SelectorCAName:
		return r.CAName
	default:
		return r.CASha
	}
}

// Equal reports structural equality of two rules, used to deduplicate
// the union of a client's rulesets.
func (r *FirewallRule) Equal(other *FirewallRule) bool {
	return r.Direction == other.Direction &&
		r.Port == other.Port &&
		r.Proto == other.Proto &&
		r.SelectorKind() == other.SelectorKind() &&
		r.SelectorValue() == other.SelectorValue()
}

// CanonicalPort validates and canonicalizes a rule port: "any",
// "fragment", a literal port, or an "N-M" range with N <= M. A single
// port range "N-N" collapses to "N".
func CanonicalPort(port string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(port))
	switch p {
	case "", PortAny:
		return PortAny, nil
	case PortFragment:
		return PortFragment, nil
	}
	if lo, hi, ok := strings.Cut(p, "-"); ok {
		start, err := parsePortNumber(lo)
		if err != nil {
			return "", trace.Wrap(err)
		}
		end, err := parsePortNumber(hi)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if start > end {
			return "", trace.BadParameter("inverted port range %q", port)
		}
		if start == end {
			return strconv.Itoa(start), nil
		}
		return strconv.Itoa(start) + "-" + strconv.Itoa(end), nil
	}
	n, err := parsePortNumber(p)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return strconv.Itoa(n), nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 65535 {
		return 0, trace.BadParameter("invalid port %q", s)
	}
	return n, nil
}
