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

package assembler

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/gravitational/trace"
	yaml "gopkg.in/yaml.v2"

	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/types"
)

// staticHost is one static_host_map entry: a lighthouse overlay
// address and its public endpoint.
type staticHost struct {
	overlay netip.Addr
	public  string
}

// nebulaParams drives config rendering. Everything in here is derived
// from store state; rendering itself is pure.
type nebulaParams struct {
	caPath   string
	certPath string
	keyPath  string

	isLighthouse bool
	staticHosts  []staticHost
	// lighthouseHosts are the overlay addresses a non lighthouse node
	// reports to, the node itself excluded.
	lighthouseHosts []netip.Addr

	// groups is the sorted group membership of the node. Rendered even
	// when no firewall rule references it, so the agent always sees its
	// own membership.
	groups []string

	rules []types.FirewallRule
}

// renderConfig produces the node configuration YAML. The output is
// byte reproducible for identical inputs: maps are rendered as ordered
// yaml.MapSlice and every list is sorted before rendering.
func renderConfig(p nebulaParams) ([]byte, error) {
	sort.Slice(p.staticHosts, func(i, j int) bool {
		return p.staticHosts[i].overlay.Less(p.staticHosts[j].overlay)
	})
	sort.Slice(p.lighthouseHosts, func(i, j int) bool {
		return p.lighthouseHosts[i].Less(p.lighthouseHosts[j])
	})

	staticHostMap := yaml.MapSlice{}
	for _, h := range p.staticHosts {
		staticHostMap = append(staticHostMap, yaml.MapItem{
			Key:   h.overlay.String(),
			Value: []string{h.public},
		})
	}
	lighthouseHosts := make([]string, 0, len(p.lighthouseHosts))
	for _, h := range p.lighthouseHosts {
		lighthouseHosts = append(lighthouseHosts, h.String())
	}

	listenPort := 0
	if p.isLighthouse {
		listenPort = defaults.LighthousePort
	}

	inbound, outbound, err := renderRules(p.rules)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	groups := make([]string, len(p.groups))
	copy(groups, p.groups)
	sort.Strings(groups)

	doc := yaml.MapSlice{
		{Key: "pki", Value: yaml.MapSlice{
			{Key: "ca", Value: p.caPath},
			{Key: "cert", Value: p.certPath},
			{Key: "key", Value: p.keyPath},
		}},
		{Key: "groups", Value: groups},
		{Key: "static_host_map", Value: staticHostMap},
		{Key: "lighthouse", Value: yaml.MapSlice{
			{Key: "am_lighthouse", Value: p.isLighthouse},
			{Key: "interval", Value: 60},
			{Key: "hosts", Value: lighthouseHosts},
		}},
		{Key: "listen", Value: yaml.MapSlice{
			{Key: "host", Value: defaults.BindIP},
			{Key: "port", Value: listenPort},
		}},
		{Key: "punchy", Value: yaml.MapSlice{
			{Key: "punch", Value: true},
			{Key: "respond", Value: true},
		}},
		{Key: "tun", Value: yaml.MapSlice{
			{Key: "disabled", Value: false},
			{Key: "dev", Value: "pharos0"},
			{Key: "drop_local_broadcast", Value: false},
			{Key: "drop_multicast", Value: false},
			{Key: "tx_queue", Value: 500},
			{Key: "mtu", Value: 1300},
		}},
		{Key: "logging", Value: yaml.MapSlice{
			{Key: "level", Value: "info"},
			{Key: "format", Value: "text"},
		}},
		{Key: "firewall", Value: yaml.MapSlice{
			{Key: "conntrack", Value: yaml.MapSlice{
				{Key: "tcp_timeout", Value: "12m"},
				{Key: "udp_timeout", Value: "3m"},
				{Key: "default_timeout", Value: "10m"},
			}},
			{Key: "outbound", Value: outbound},
			{Key: "inbound", Value: inbound},
		}},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// renderRules deduplicates the rule union and renders both directions
// in a stable order. An empty direction renders as an empty list,
// which the dataplane treats as default deny.
func renderRules(rules []types.FirewallRule) (inbound, outbound []yaml.MapSlice, err error) {
	deduped := make([]types.FirewallRule, 0, len(rules))
	for i := range rules {
		dup := false
		for j := range deduped {
			if rules[i].Equal(&deduped[j]) {
				dup = true
				break
			}
		}
		if !dup {
			deduped = append(deduped, rules[i])
		}
	}
	sort.Slice(deduped, func(i, j int) bool {
		a, b := &deduped[i], &deduped[j]
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		if a.Proto != b.Proto {
			return a.Proto < b.Proto
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		if a.SelectorKind() != b.SelectorKind() {
			return a.SelectorKind() < b.SelectorKind()
		}
		return a.SelectorValue() < b.SelectorValue()
	})

	inbound = []yaml.MapSlice{}
	outbound = []yaml.MapSlice{}
	for i := range deduped {
		item, err := renderRule(&deduped[i])
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		switch deduped[i].Direction {
		case types.DirectionInbound:
			inbound = append(inbound, item)
		case types.DirectionOutbound:
			outbound = append(outbound, item)
		default:
			return nil, nil, trace.BadParameter("unknown rule direction %q", deduped[i].Direction)
		}
	}
	return inbound, outbound, nil
}

func renderRule(r *types.FirewallRule) (yaml.MapSlice, error) {
	item := yaml.MapSlice{
		{Key: "port", Value: r.Port},
		{Key: "proto", Value: string(r.Proto)},
	}
	switch r.SelectorKind() {
	case types.SelectorHost:
		item = append(item, yaml.MapItem{Key: "host", Value: r.Host})
	case types.SelectorCIDR:
		item = append(item, yaml.MapItem{Key: "cidr", Value: r.CIDR})
	case types.SelectorGroups:
		if len(r.Groups) == 1 {
			item = append(item, yaml.MapItem{Key: "group", Value: r.Groups[0]})
		} else {
			item = append(item, yaml.MapItem{Key: "groups", Value: r.Groups})
		}
	case types.SelectorCAName:
		item = append(item, yaml.MapItem{Key: "ca_name", Value: r.CAName})
	case types.SelectorCASha:
		item = append(item, yaml.MapItem{Key: "ca_sha", Value: r.CASha})
	default:
		return nil, trace.BadParameter("rule carries no selector")
	}
	return item, nil
}

// publicEndpoint renders the advertised endpoint of a lighthouse.
func publicEndpoint(publicIP string) string {
	return fmt.Sprintf("%s:%d", publicIP, defaults.LighthousePort)
}
