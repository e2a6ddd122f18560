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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"

	"github.com/pharosvpn/pharos/lib/ca"
	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/services/local"
	"github.com/pharosvpn/pharos/lib/types"
	"github.com/pharosvpn/pharos/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

type testPack struct {
	store     services.Store
	clock     *clockwork.FakeClock
	assembler *Assembler
	pool      *types.IPPool
	authority *types.CertAuthority
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := local.New(ctx, local.Config{
		Path:  filepath.Join(t.TempDir(), "pharos.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	generated, err := ca.GenerateAuthority(ca.GenerateConfig{
		Name:  "pharos-root",
		TTL:   defaults.CAValidity,
		Clock: clock,
	})
	require.NoError(t, err)
	authority, err := store.CreateCertAuthority(ctx, types.CertAuthority{
		Name:      "pharos-root",
		NotBefore: generated.NotBefore,
		NotAfter:  generated.NotAfter,
		CertPEM:   generated.CertPEM,
		KeyPEM:    generated.KeyPEM,
	})
	require.NoError(t, err)

	pool, err := store.CreateIPPool(ctx, types.IPPool{CIDR: "10.100.0.0/16"})
	require.NoError(t, err)

	asm, err := New(Config{Store: store, Clock: clock})
	require.NoError(t, err)
	return &testPack{store: store, clock: clock, assembler: asm, pool: pool, authority: authority}
}

func (p *testPack) addClient(t *testing.T, name string, groups ...string) *types.Client {
	t.Helper()
	ctx := context.Background()
	client, err := p.store.CreateClient(ctx, types.Client{Name: name})
	require.NoError(t, err)
	_, err = p.store.AllocateIP(ctx, services.AllocateIPRequest{ClientID: client.ID, PoolID: p.pool.ID})
	require.NoError(t, err)
	var ids []string
	for _, name := range groups {
		g, err := p.store.GetGroupByName(ctx, name)
		if trace.IsNotFound(err) {
			g, err = p.store.CreateGroup(ctx, types.Group{Name: name})
		}
		require.NoError(t, err)
		ids = append(ids, g.ID)
	}
	if len(ids) > 0 {
		require.NoError(t, p.store.SetClientGroups(ctx, client.ID, ids))
	}
	return client
}

func (p *testPack) addLighthouse(t *testing.T, name, publicIP string) *types.Client {
	t.Helper()
	client := p.addClient(t, name)
	require.NoError(t, p.store.SetClientLighthouse(context.Background(), client.ID, true, publicIP))
	return client
}

func newAgentKey(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pem, err := ca.MarshalPublicKeyPEM(key.Public())
	require.NoError(t, err)
	return pem
}

func TestAssembleIssuesAndReuses(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	p.addLighthouse(t, "lh-1", "198.51.100.7")
	client := p.addClient(t, "node-1", "eng", "eng:backend")
	key := newAgentKey(t)

	bundle, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)
	require.False(t, bundle.IsLighthouse)
	require.Len(t, bundle.CAChainPEM, 1)

	// The certificate chains to the distributed authority and binds
	// name, address and groups.
	require.NoError(t, ca.VerifyChain(bundle.ClientCertPEM, bundle.CAChainPEM, p.clock.Now()))
	cert, err := ca.ParseCertificatePEM(bundle.ClientCertPEM)
	require.NoError(t, err)
	require.Equal(t, "node-1", cert.Subject.CommonName)
	ipCIDR, err := ca.IPCIDRFromCert(cert)
	require.NoError(t, err)
	require.Equal(t, "10.100.0.2/16", ipCIDR)
	require.Equal(t, []string{"eng", "eng:backend"}, ca.GroupsFromCert(cert))

	// Delivery was stamped.
	delivered, err := p.store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	require.False(t, delivered.LastDeliveredAt.IsZero())

	// A second assembly reuses the certificate and renders the exact
	// same bytes.
	again, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)
	require.Equal(t, bundle.ClientCertPEM, again.ClientCertPEM)
	require.Equal(t, bundle.ConfigYAML, again.ConfigYAML)

	certs, err := p.store.ListClientCertificates(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
}

func TestAssembleConfigContents(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	lh1 := p.addLighthouse(t, "lh-1", "198.51.100.7")
	p.addLighthouse(t, "lh-2", "203.0.113.9")
	client := p.addClient(t, "node-1", "eng")

	rs, err := p.store.CreateRuleset(ctx, types.FirewallRuleset{
		Name: "base",
		Rules: []types.FirewallRule{
			{Direction: types.DirectionOutbound, Port: "any", Proto: types.ProtoAny, Host: "any"},
			{Direction: types.DirectionInbound, Port: "22", Proto: types.ProtoTCP, Groups: []string{"eng"}},
			{Direction: types.DirectionInbound, Port: "443", Proto: types.ProtoTCP, Host: "any"},
			// Duplicate of the ssh rule, must collapse.
			{Direction: types.DirectionInbound, Port: "22", Proto: types.ProtoTCP, Groups: []string{"eng"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.store.SetClientRulesets(ctx, client.ID, []string{rs.ID}))

	bundle, err := p.assembler.Assemble(ctx, client.ID, newAgentKey(t))
	require.NoError(t, err)

	var cfg struct {
		PKI struct {
			CA   string `yaml:"ca"`
			Cert string `yaml:"cert"`
			Key  string `yaml:"key"`
		} `yaml:"pki"`
		Groups        []string            `yaml:"groups"`
		StaticHostMap map[string][]string `yaml:"static_host_map"`
		Lighthouse    struct {
			AmLighthouse bool     `yaml:"am_lighthouse"`
			Hosts        []string `yaml:"hosts"`
		} `yaml:"lighthouse"`
		Listen struct {
			Port int `yaml:"port"`
		} `yaml:"listen"`
		Firewall struct {
			Inbound  []map[string]any `yaml:"inbound"`
			Outbound []map[string]any `yaml:"outbound"`
		} `yaml:"firewall"`
	}
	require.NoError(t, yaml.Unmarshal(bundle.ConfigYAML, &cfg))

	require.Equal(t, defaults.AgentCAPath, cfg.PKI.CA)
	require.Equal(t, defaults.AgentCertPath, cfg.PKI.Cert)
	require.Equal(t, defaults.AgentKeyPath, cfg.PKI.Key)
	require.Equal(t, []string{"eng"}, cfg.Groups)

	// Both lighthouses appear in the static host map with their
	// advertised endpoints.
	require.Equal(t, map[string][]string{
		"10.100.0.1": {"198.51.100.7:4242"},
		"10.100.0.2": {"203.0.113.9:4242"},
	}, cfg.StaticHostMap)
	require.False(t, cfg.Lighthouse.AmLighthouse)
	require.Equal(t, []string{"10.100.0.1", "10.100.0.2"}, cfg.Lighthouse.Hosts)
	require.Equal(t, 0, cfg.Listen.Port)

	// Rules deduplicated and stably ordered.
	require.Len(t, cfg.Firewall.Inbound, 2)
	require.Equal(t, "22", cfg.Firewall.Inbound[0]["port"])
	require.Equal(t, "eng", cfg.Firewall.Inbound[0]["group"])
	require.Equal(t, "443", cfg.Firewall.Inbound[1]["port"])
	require.Len(t, cfg.Firewall.Outbound, 1)

	// The lighthouse's own bundle excludes itself from the hosts list
	// and listens on the advertised port.
	lhBundle, err := p.assembler.Assemble(ctx, lh1.ID, newAgentKey(t))
	require.NoError(t, err)
	require.True(t, lhBundle.IsLighthouse)
	require.NoError(t, yaml.Unmarshal(lhBundle.ConfigYAML, &cfg))
	require.True(t, cfg.Lighthouse.AmLighthouse)
	require.Equal(t, []string{"10.100.0.2"}, cfg.Lighthouse.Hosts)
	require.Equal(t, defaults.LighthousePort, cfg.Listen.Port)
}

func TestAssembleRendersGroupMembership(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	// Membership renders even when no firewall rule references the
	// groups, so the agent always knows what it belongs to.
	client := p.addClient(t, "node-1", "env", "env:prod")
	bundle, err := p.assembler.Assemble(ctx, client.ID, newAgentKey(t))
	require.NoError(t, err)
	require.Contains(t, string(bundle.ConfigYAML), "env:prod")

	var cfg struct {
		Groups []string `yaml:"groups"`
	}
	require.NoError(t, yaml.Unmarshal(bundle.ConfigYAML, &cfg))
	require.Equal(t, []string{"env", "env:prod"}, cfg.Groups)
}

func TestAssembleRenewalWindow(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	client := p.addClient(t, "node-1")
	key := newAgentKey(t)

	first, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)

	// Outside the renewal window the certificate is reused.
	p.clock.Advance(30 * 24 * time.Hour)
	reused, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)
	require.Equal(t, first.ClientCertPEM, reused.ClientCertPEM)

	// Inside the window a fresh certificate is minted; the old one is
	// not revoked.
	p.clock.Advance(65 * 24 * time.Hour)
	renewed, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)
	require.NotEqual(t, first.ClientCertPEM, renewed.ClientCertPEM)

	certs, err := p.store.ListClientCertificates(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	for _, c := range certs {
		require.False(t, c.Revoked)
	}
}

func TestAssembleGroupChangeReissues(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	client := p.addClient(t, "node-1", "eng")
	key := newAgentKey(t)

	first, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)

	ops, err := p.store.CreateGroup(ctx, types.Group{Name: "ops"})
	require.NoError(t, err)
	eng, err := p.store.GetGroupByName(ctx, "eng")
	require.NoError(t, err)
	require.NoError(t, p.store.SetClientGroups(ctx, client.ID, []string{eng.ID, ops.ID}))

	second, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)
	require.NotEqual(t, first.ClientCertPEM, second.ClientCertPEM)

	cert, err := ca.ParseCertificatePEM(second.ClientCertPEM)
	require.NoError(t, err)
	require.Equal(t, []string{"eng", "ops"}, ca.GroupsFromCert(cert))
}

func TestAssembleKeyChangeReissues(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	client := p.addClient(t, "node-1")
	first, err := p.assembler.Assemble(ctx, client.ID, newAgentKey(t))
	require.NoError(t, err)

	// A different agent key cannot reuse the stored certificate.
	second, err := p.assembler.Assemble(ctx, client.ID, newAgentKey(t))
	require.NoError(t, err)
	require.NotEqual(t, first.ClientCertPEM, second.ClientCertPEM)
}

func TestAssembleRotationSwitchesIssuer(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	client := p.addClient(t, "node-1")
	key := newAgentKey(t)
	first, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)

	p.clock.Advance(time.Hour)
	generated, err := ca.GenerateAuthority(ca.GenerateConfig{
		Name:  "pharos-root-2",
		TTL:   defaults.CAValidity,
		Clock: p.clock,
	})
	require.NoError(t, err)
	next, err := p.store.CreateCertAuthority(ctx, types.CertAuthority{
		Name:      "pharos-root-2",
		NotBefore: generated.NotBefore,
		NotAfter:  generated.NotAfter,
		CertPEM:   generated.CertPEM,
		KeyPEM:    generated.KeyPEM,
	})
	require.NoError(t, err)
	require.NoError(t, p.store.ActivateCertAuthority(ctx, next.ID))

	// The next bundle is signed by the new authority and ships the
	// overlap chain.
	bundle, err := p.assembler.Assemble(ctx, client.ID, key)
	require.NoError(t, err)
	require.NotEqual(t, first.ClientCertPEM, bundle.ClientCertPEM)
	require.Len(t, bundle.CAChainPEM, 2)
	require.NoError(t, ca.VerifyChain(bundle.ClientCertPEM, [][]byte{generated.CertPEM}, p.clock.Now()))
}

func TestAssembleFailureModes(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	blocked := p.addClient(t, "blocked")
	require.NoError(t, p.store.SetClientBlocked(ctx, blocked.ID, true))
	_, err := p.assembler.Assemble(ctx, blocked.ID, newAgentKey(t))
	require.True(t, trace.IsAccessDenied(err))

	// No primary address is a conflict, not absence.
	unaddressed, err := p.store.CreateClient(ctx, types.Client{Name: "unaddressed"})
	require.NoError(t, err)
	_, err = p.assembler.Assemble(ctx, unaddressed.ID, newAgentKey(t))
	require.True(t, trace.IsCompareFailed(err))

	_, err = p.assembler.Assemble(ctx, "no-such-client", newAgentKey(t))
	require.True(t, trace.IsNotFound(err))

	// A garbage public key is rejected before touching the store.
	addressed := p.addClient(t, "addressed")
	_, err = p.assembler.Assemble(ctx, addressed.ID, []byte("not a key"))
	require.Error(t, err)
}

func TestAssembleNoPrimaryAddress(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	client, err := p.store.CreateClient(ctx, types.Client{Name: "unaddressed"})
	require.NoError(t, err)

	// Internally the condition is its own error, distinct from the
	// insert-conflict signal that drives the assembly retry.
	_, err = p.assembler.assembleOnce(ctx, client.ID, newAgentKey(t))
	var noPrimary *noPrimaryAddressError
	require.ErrorAs(t, err, &noPrimary)
	require.Equal(t, "unaddressed", noPrimary.name)
	require.False(t, trace.IsCompareFailed(err))

	// At the boundary it still surfaces as a conflict.
	_, err = p.assembler.Assemble(ctx, client.ID, newAgentKey(t))
	require.True(t, trace.IsCompareFailed(err))
}
