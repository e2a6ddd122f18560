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

// Package assembler turns store state into node bundles: the signed
// client certificate, the distributed CA chain and a rendered
// dataplane configuration. Assembly never mutates policy; the only
// writes are certificate persistence and the delivery stamp.
package assembler

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pharosvpn/pharos"
	"github.com/pharosvpn/pharos/lib/ca"
	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/types"
)

// Config holds assembler configuration.
type Config struct {
	// Store is the policy store.
	Store services.Store
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// CertValidity is the TTL of freshly minted client certificates.
	CertValidity time.Duration
	// RenewBefore is the remaining-lifetime threshold below which an
	// otherwise matching certificate is reissued instead of reused.
	RenewBefore time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing assembler store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CertValidity <= 0 {
		c.CertValidity = defaults.CertValidity
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = defaults.CertRenewBefore
	}
	return nil
}

// Bundle is everything a node agent needs to (re)configure its
// dataplane.
type Bundle struct {
	// ConfigYAML is the rendered dataplane configuration. Byte
	// reproducible for identical store state, so agents can compare
	// content instead of timestamps.
	ConfigYAML []byte
	// ClientCertPEM is the client certificate, minted or reused.
	ClientCertPEM []byte
	// CAChainPEM holds the PEM certificates of the distributed chain,
	// in stable order.
	CAChainPEM [][]byte
	// CertNotBefore and CertNotAfter echo the certificate validity so
	// agents can schedule their next fetch.
	CertNotBefore time.Time
	CertNotAfter  time.Time
	// IsLighthouse reports the role the bundle was assembled for.
	IsLighthouse bool
}

// noPrimaryAddressError marks a client that exists but holds no
// primary overlay address. Surfaced as a conflict on the wire, kept
// distinct internally: unlike an optimistic-insert conflict it cannot
// heal on a retry, allocation is an operator action.
type noPrimaryAddressError struct {
	name string
}

func (e *noPrimaryAddressError) Error() string {
	return fmt.Sprintf("client %q has no primary overlay address", e.name)
}

// Assembler assembles node bundles.
type Assembler struct {
	cfg    Config
	logger *slog.Logger
}

// New returns an Assembler backed by the given store.
func New(cfg Config) (*Assembler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Assembler{
		cfg:    cfg,
		logger: slog.With(pharos.ComponentKey, pharos.ComponentAssembler),
	}, nil
}

// Assemble builds the bundle for a client. The caller supplies the
// agent's public key; private keys never reach the control plane.
// Certificate inputs are read, the certificate signed outside any
// transaction, and the insert re-checks the inputs; when policy moved
// underneath the signature the whole read-sign-insert sequence runs
// once more.
func (a *Assembler) Assemble(ctx context.Context, clientID string, publicKeyPEM []byte) (*Bundle, error) {
	var bundle *Bundle
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		bundle, err = a.assembleOnce(ctx, clientID, publicKeyPEM)
		if err == nil {
			return bundle, nil
		}
		var noPrimary *noPrimaryAddressError
		if errors.As(err, &noPrimary) {
			return nil, trace.CompareFailed("client %q has no primary overlay address", noPrimary.name)
		}
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
		a.logger.InfoContext(ctx, "Certificate inputs changed mid-issuance, retrying.",
			"client", clientID, "error", err)
	}
	return nil, trace.Wrap(err)
}

func (a *Assembler) assembleOnce(ctx context.Context, clientID string, publicKeyPEM []byte) (*Bundle, error) {
	now := a.cfg.Clock.Now().UTC()
	client, err := a.cfg.Store.GetClientWithRelations(ctx, clientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if client.IsBlocked {
		return nil, trace.AccessDenied("client %q is blocked", client.Name)
	}
	primary := client.PrimaryAssignment()
	if primary == nil {
		return nil, &noPrimaryAddressError{name: client.Name}
	}
	pool, err := a.cfg.Store.GetIPPool(ctx, primary.PoolID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ipCIDR, err := assignmentCIDR(primary, pool)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups := client.GroupNames()
	groupsHash := types.GroupsHash(groups)

	cert, err := a.ensureCertificate(ctx, client, ipCIDR, groups, groupsHash, publicKeyPEM, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	chain, err := a.cfg.Store.GetCertAuthorityChain(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(chain) == 0 {
		return nil, trace.ConnectionProblem(nil, "no certificate authority chain to distribute")
	}
	chainPEMs := make([][]byte, 0, len(chain))
	for _, authority := range chain {
		chainPEMs = append(chainPEMs, authority.CertPEM)
	}

	params, err := a.buildParams(ctx, client, pool)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	configYAML, err := renderConfig(*params)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := a.cfg.Store.StampDelivered(ctx, client.ID, now); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bundle{
		ConfigYAML:    configYAML,
		ClientCertPEM: cert.CertPEM,
		CAChainPEM:    chainPEMs,
		CertNotBefore: cert.NotBefore,
		CertNotAfter:  cert.NotAfter,
		IsLighthouse:  client.IsLighthouse,
	}, nil
}

// ensureCertificate reuses the newest certificate matching the current
// inputs, unless it entered the renewal window or the agent presented
// a different key. Superseded certificates are never revoked here;
// they age out on their own.
func (a *Assembler) ensureCertificate(ctx context.Context, client *types.Client, ipCIDR string, groups []string, groupsHash string, publicKeyPEM []byte, now time.Time) (*types.ClientCertificate, error) {
	authority, err := a.cfg.Store.GetSigningCertAuthority(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := a.cfg.Store.GetLatestMatchingCertificate(ctx, client.ID, authority.ID, ipCIDR, groupsHash)
	if err == nil {
		fresh := existing.Usable(now) && existing.NotAfter.After(now.Add(a.cfg.RenewBefore))
		if fresh && certMatchesKey(existing.CertPEM, publicKeyPEM) {
			return existing, nil
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	signReq := ca.SignRequest{
		PublicKeyPEM: publicKeyPEM,
		CommonName:   client.Name,
		IPCIDR:       ipCIDR,
		Groups:       groups,
		TTL:          a.cfg.CertValidity,
		Clock:        a.cfg.Clock,
	}
	signed, err := ca.SignClientCert(authority.CertPEM, authority.KeyPEM, signReq)
	if err != nil && !trace.IsBadParameter(err) {
		// One inline retry for transient signer failures.
		signed, err = ca.SignClientCert(authority.CertPEM, authority.KeyPEM, signReq)
		if err != nil {
			return nil, trace.ConnectionProblem(err, "certificate signing failed")
		}
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := a.cfg.Store.CreateClientCertificate(ctx, types.ClientCertificate{
		ClientID:            client.ID,
		Fingerprint:         signed.Fingerprint,
		Serial:              signed.Serial,
		NotBefore:           signed.NotBefore,
		NotAfter:            signed.NotAfter,
		IssuedForIPCIDR:     ipCIDR,
		IssuedForGroupsHash: groupsHash,
		CAID:                authority.ID,
		CertPEM:             signed.CertPEM,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.logger.InfoContext(ctx, "Issued client certificate.",
		"client", client.Name, "fingerprint", record.Fingerprint, "not_after", record.NotAfter)
	return record, nil
}

// buildParams derives the rendering inputs: static host map and
// lighthouse list from the lighthouses of the client's pool, firewall
// rules from the union of assigned rulesets.
func (a *Assembler) buildParams(ctx context.Context, client *types.Client, pool *types.IPPool) (*nebulaParams, error) {
	lighthouses, err := a.cfg.Store.GetLighthousesForPool(ctx, pool.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	params := &nebulaParams{
		caPath:       defaults.AgentCAPath,
		certPath:     defaults.AgentCertPath,
		keyPath:      defaults.AgentKeyPath,
		isLighthouse: client.IsLighthouse,
		groups:       client.GroupNames(),
	}
	for i := range lighthouses {
		lh := &lighthouses[i]
		overlay, err := lighthouseOverlayAddr(lh, pool.ID)
		if err != nil {
			a.logger.WarnContext(ctx, "Skipping lighthouse without a pool address.",
				"lighthouse", lh.Name, "error", err)
			continue
		}
		params.staticHosts = append(params.staticHosts, staticHost{
			overlay: overlay,
			public:  publicEndpoint(lh.PublicIP),
		})
		if lh.ID != client.ID {
			params.lighthouseHosts = append(params.lighthouseHosts, overlay)
		}
	}
	for i := range client.Rulesets {
		params.rules = append(params.rules, client.Rulesets[i].Rules...)
	}
	return params, nil
}

// lighthouseOverlayAddr picks the address a lighthouse is reachable at
// inside the pool: its primary when assigned from this pool, otherwise
// the numerically smallest pool address it holds.
func lighthouseOverlayAddr(lh *types.Client, poolID string) (netip.Addr, error) {
	var zero netip.Addr
	var best netip.Addr
	for i := range lh.Assignments {
		assignment := &lh.Assignments[i]
		if assignment.PoolID != poolID {
			continue
		}
		addr, err := assignment.Addr()
		if err != nil {
			return zero, trace.Wrap(err)
		}
		if assignment.IsPrimary {
			return addr, nil
		}
		if !best.IsValid() || addr.Less(best) {
			best = addr
		}
	}
	if !best.IsValid() {
		return zero, trace.NotFound("lighthouse %q holds no address in pool %q", lh.Name, poolID)
	}
	return best, nil
}

func assignmentCIDR(assignment *types.IPAssignment, pool *types.IPPool) (string, error) {
	_, bits, ok := strings.Cut(pool.CIDR, "/")
	if !ok {
		return "", trace.BadParameter("pool cidr %q has no prefix length", pool.CIDR)
	}
	return assignment.IPAddress + "/" + bits, nil
}

// certMatchesKey reports whether the certificate public key equals the
// presented PKIX public key.
func certMatchesKey(certPEM, publicKeyPEM []byte) bool {
	cert, err := ca.ParseCertificatePEM(certPEM)
	if err != nil {
		return false
	}
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false
	}
	presented, err := ca.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false
	}
	presentedDER, err := x509.MarshalPKIXPublicKey(presented)
	if err != nil {
		return false
	}
	return bytes.Equal(certPub, presentedDER)
}
