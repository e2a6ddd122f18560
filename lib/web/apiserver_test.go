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

package web

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pharosvpn/pharos/lib/assembler"
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

var scannerSecret = []byte("webhook-shared-secret")

type testPack struct {
	store  services.Store
	clock  *clockwork.FakeClock
	server *httptest.Server
	pool   *types.IPPool
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
	_, err = store.CreateCertAuthority(ctx, types.CertAuthority{
		Name:      "pharos-root",
		NotBefore: generated.NotBefore,
		NotAfter:  generated.NotAfter,
		CertPEM:   generated.CertPEM,
		KeyPEM:    generated.KeyPEM,
	})
	require.NoError(t, err)

	pool, err := store.CreateIPPool(ctx, types.IPPool{CIDR: "10.100.0.0/16"})
	require.NoError(t, err)

	asm, err := assembler.New(assembler.Config{Store: store, Clock: clock})
	require.NoError(t, err)
	handler, err := NewHandler(Config{
		Store:         store,
		Assembler:     asm,
		Clock:         clock,
		ScannerSecret: scannerSecret,
		// Generous burst so only the rate limit test trips it.
		TokenRateBurst: 100,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testPack{store: store, clock: clock, server: server, pool: pool}
}

// addClient creates a client with a primary address and an active
// token, returning the client and the token secret.
func (p *testPack) addClient(t *testing.T, name string) (*types.Client, string) {
	t.Helper()
	ctx := context.Background()
	client, err := p.store.CreateClient(ctx, types.Client{Name: name})
	require.NoError(t, err)
	_, err = p.store.AllocateIP(ctx, services.AllocateIPRequest{ClientID: client.ID, PoolID: p.pool.ID})
	require.NoError(t, err)

	random, err := utils.CryptoRandomToken(defaults.TokenSecretLength)
	require.NoError(t, err)
	secret := defaults.TokenPrefix + random
	_, err = p.store.CreateClientToken(ctx, types.ClientToken{
		ClientID: client.ID,
		Secret:   secret,
		IsActive: true,
	})
	require.NoError(t, err)
	return client, secret
}

func newAgentKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pem, err := ca.MarshalPublicKeyPEM(key.Public())
	require.NoError(t, err)
	return string(pem)
}

// postJSON sends a JSON request and decodes the reply into out when
// the status matches.
func (p *testPack) postJSON(t *testing.T, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(p.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

// postSigned sends a scanner webhook request with a valid HMAC.
func (p *testPack) postSigned(t *testing.T, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, scannerSecret)
	mac.Write(payload)

	req, err := http.NewRequest(http.MethodPost, p.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)

	resp, err := http.Get(p.server.URL + "/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pong pingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pong))
	require.NotEmpty(t, pong.ServerVersion)
}

func TestClientConfigFetch(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	_, secret := p.addClient(t, "node-1")

	var bundle clientConfigResponse
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:         secret,
		PublicKey:     newAgentKey(t),
		ClientVersion: "0.4.0",
		NebulaVersion: "1.9.5",
	}, http.StatusOK, &bundle)

	require.NotEmpty(t, bundle.Config)
	require.NotEmpty(t, bundle.ClientCertPEM)
	require.Len(t, bundle.CAChainPEMs, 1)
	require.Equal(t, defaults.AgentKeyPath, bundle.KeyPath)
	require.False(t, bundle.Lighthouse)
	require.True(t, bundle.CertNotAfter.After(bundle.CertNotBefore))

	// The minted certificate chains to the distributed authority.
	chain := [][]byte{[]byte(bundle.CAChainPEMs[0])}
	require.NoError(t, ca.VerifyChain([]byte(bundle.ClientCertPEM), chain, p.clock.Now()))

	// Reported versions were recorded.
	client, err := p.store.GetClientByName(context.Background(), "node-1")
	require.NoError(t, err)
	require.Equal(t, "0.4.0", client.ClientVersion)
	require.Equal(t, "1.9.5", client.NebulaVersion)
	require.False(t, client.LastDeliveredAt.IsZero())
}

func TestClientConfigRejectsBadTokens(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	client, secret := p.addClient(t, "node-1")
	key := newAgentKey(t)

	// Unknown token.
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     defaults.TokenPrefix + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		PublicKey: key,
	}, http.StatusUnauthorized, nil)

	// Deactivated token.
	tokens, err := p.store.ListClientTokens(context.Background(), client.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NoError(t, p.store.DeactivateClientToken(context.Background(), tokens[0].ID))
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     secret,
		PublicKey: key,
	}, http.StatusUnauthorized, nil)

	// Missing fields.
	p.postJSON(t, "/v1/client/config", clientConfigRequest{Token: secret}, http.StatusBadRequest, nil)
}

func TestClientConfigBlockedAndConflict(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()
	key := newAgentKey(t)

	// A blocked client keeps its token but is refused.
	client, secret := p.addClient(t, "node-1")
	require.NoError(t, p.store.SetClientBlocked(ctx, client.ID, true))
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     secret,
		PublicKey: key,
	}, http.StatusForbidden, nil)

	// A client without a primary address is a conflict, not an error.
	orphan, err := p.store.CreateClient(ctx, types.Client{Name: "node-2"})
	require.NoError(t, err)
	random, err := utils.CryptoRandomToken(defaults.TokenSecretLength)
	require.NoError(t, err)
	orphanSecret := defaults.TokenPrefix + random
	_, err = p.store.CreateClientToken(ctx, types.ClientToken{
		ClientID: orphan.ID,
		Secret:   orphanSecret,
		IsActive: true,
	})
	require.NoError(t, err)
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     orphanSecret,
		PublicKey: key,
	}, http.StatusConflict, nil)
}

func TestClientConfigRateLimit(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()

	client, err := p.store.CreateClient(ctx, types.Client{Name: "node-1"})
	require.NoError(t, err)
	_, err = p.store.AllocateIP(ctx, services.AllocateIPRequest{ClientID: client.ID, PoolID: p.pool.ID})
	require.NoError(t, err)

	// A dedicated handler with a burst of 2 so the third fetch trips.
	asm, err := assembler.New(assembler.Config{Store: p.store, Clock: p.clock})
	require.NoError(t, err)
	handler, err := NewHandler(Config{
		Store:          p.store,
		Assembler:      asm,
		Clock:          p.clock,
		TokenRateLimit: 0.001,
		TokenRateBurst: 2,
	})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()

	random, err := utils.CryptoRandomToken(defaults.TokenSecretLength)
	require.NoError(t, err)
	secret := defaults.TokenPrefix + random
	_, err = p.store.CreateClientToken(ctx, types.ClientToken{
		ClientID: client.ID,
		Secret:   secret,
		IsActive: true,
	})
	require.NoError(t, err)

	key := newAgentKey(t)
	body, err := json.Marshal(clientConfigRequest{Token: secret, PublicKey: key})
	require.NoError(t, err)
	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		resp, err := http.Post(server.URL+"/v1/client/config", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, "fetch %d", i)
	}
}

func TestScannerManifest(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)

	resp, err := http.Get(p.server.URL + "/.well-known/secret-scanning.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var manifest []scannerManifestEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&manifest))
	require.Len(t, manifest, 1)
	require.Equal(t, scannerTokenType, manifest[0].Type)
	require.Equal(t, scannerPattern, manifest[0].Pattern)
}

func TestScannerVerifyAndRevoke(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()
	_, secret := p.addClient(t, "node-1")
	unknown := defaults.TokenPrefix + "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"

	// Verify reports known/active without revoking anything.
	var verdicts []scannerVerdict
	p.postSigned(t, "/v1/secret-scanning/verify", []scannerHit{
		{Type: scannerTokenType, Token: secret, URL: "https://example.com/gist/1"},
		{Type: scannerTokenType, Token: unknown, URL: "https://example.com/gist/2"},
	}, http.StatusOK, &verdicts)
	require.Len(t, verdicts, 2)
	require.True(t, verdicts[0].Known)
	require.True(t, verdicts[0].Active)
	require.Equal(t, secret[:8], verdicts[0].TokenPrefix)
	require.False(t, verdicts[1].Known)

	// Revoke deactivates the known token and records an audit event.
	var revoked scannerRevokeResponse
	p.postSigned(t, "/v1/secret-scanning/revoke", []scannerHit{
		{Type: scannerTokenType, Token: secret, URL: "https://example.com/gist/1"},
		{Type: scannerTokenType, Token: unknown, URL: "https://example.com/gist/2"},
	}, http.StatusOK, &revoked)
	require.Equal(t, 1, revoked.Revoked)

	token, err := p.store.GetClientTokenBySecret(ctx, secret)
	require.NoError(t, err)
	require.False(t, token.IsActive)

	events, err := p.store.ListAuditEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.AuditKindTokenLeak, events[0].Kind)
	require.Equal(t, secret[:8], events[0].TokenPrefix)
	require.Equal(t, "https://example.com/gist/1", events[0].URL)

	// The leaked token no longer fetches configs, but certificates it
	// already obtained stay valid: revocation cuts distribution, not
	// the dataplane.
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     secret,
		PublicKey: newAgentKey(t),
	}, http.StatusUnauthorized, nil)
}

func TestScannerRejectsBadSignature(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)

	payload, err := json.Marshal([]scannerHit{{Type: scannerTokenType, Token: "phr_x", URL: "u"}})
	require.NoError(t, err)
	for _, signature := range []string{"", "deadbeef", "not-hex"} {
		req, err := http.NewRequest(http.MethodPost, p.server.URL+"/v1/secret-scanning/revoke", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set(signatureHeader, signature)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode, "signature %q", signature)
	}
}

func TestEnrollFlow(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	client, _ := p.addClient(t, "node-1")

	var created createEnrollmentCodeResponse
	p.postJSON(t, "/v1/admin/clients/"+client.ID+"/enrollment-codes",
		createEnrollmentCodeRequest{DeviceHint: "laptop"}, http.StatusOK, &created)
	require.NotEmpty(t, created.Code)

	// A bad public key does not burn the code.
	p.postJSON(t, "/v1/enroll", enrollRequest{
		Code:      created.Code,
		PublicKey: "garbage",
	}, http.StatusBadRequest, nil)

	key := newAgentKey(t)
	var enrolled enrollResponse
	p.postJSON(t, "/v1/enroll", enrollRequest{
		Code:       created.Code,
		PublicKey:  key,
		DeviceHint: "alice-laptop",
	}, http.StatusOK, &enrolled)
	require.Equal(t, client.ID, enrolled.ClientID)
	require.NotEmpty(t, enrolled.Token)

	// The fresh token fetches a bundle right away.
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     enrolled.Token,
		PublicKey: key,
	}, http.StatusOK, &clientConfigResponse{})

	// The code is single use.
	p.postJSON(t, "/v1/enroll", enrollRequest{
		Code:      created.Code,
		PublicKey: key,
	}, http.StatusUnauthorized, nil)

	// An expired code reads the same as an unknown one.
	var expired createEnrollmentCodeResponse
	p.postJSON(t, "/v1/admin/clients/"+client.ID+"/enrollment-codes",
		createEnrollmentCodeRequest{}, http.StatusOK, &expired)
	p.clock.Advance(defaults.EnrollmentCodeTTL + time.Minute)
	p.postJSON(t, "/v1/enroll", enrollRequest{
		Code:      expired.Code,
		PublicKey: key,
	}, http.StatusUnauthorized, nil)
}

func TestTokenReissue(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	ctx := context.Background()
	client, oldSecret := p.addClient(t, "node-1")
	key := newAgentKey(t)

	var reissued reissueTokenResponse
	p.postJSON(t, "/v1/admin/clients/"+client.ID+"/tokens", struct{}{}, http.StatusOK, &reissued)
	require.NotEmpty(t, reissued.Token)
	require.NotEqual(t, oldSecret, reissued.Token)

	// Old token is dead, new token works.
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     oldSecret,
		PublicKey: key,
	}, http.StatusUnauthorized, nil)
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     reissued.Token,
		PublicKey: key,
	}, http.StatusOK, &clientConfigResponse{})

	events, err := p.store.ListAuditEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.AuditKindTokenReissue, events[0].Kind)
}

func TestAdminLifecycle(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)

	// Create a group, a ruleset, a client, then wire them together.
	var group types.Group
	p.postJSON(t, "/v1/admin/groups", types.Group{Name: "eng"}, http.StatusOK, &group)

	var ruleset types.FirewallRuleset
	p.postJSON(t, "/v1/admin/rulesets", types.FirewallRuleset{
		Name: "allow-ssh",
		Rules: []types.FirewallRule{
			{Direction: types.DirectionInbound, Port: "22", Proto: types.ProtoTCP, Groups: []string{"eng"}},
		},
	}, http.StatusOK, &ruleset)

	var client types.Client
	p.postJSON(t, "/v1/admin/clients", types.Client{Name: "node-1"}, http.StatusOK, &client)
	p.postJSON(t, "/v1/admin/allocations", allocateIPRequest{
		ClientID: client.ID,
		PoolID:   p.pool.ID,
	}, http.StatusOK, &types.IPAssignment{})

	putJSON := func(path string, body interface{}, wantStatus int) {
		t.Helper()
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPut, p.server.URL+path, bytes.NewReader(payload))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, wantStatus, resp.StatusCode)
	}
	putJSON("/v1/admin/clients/"+client.ID+"/groups", setGroupsRequest{GroupIDs: []string{group.ID}}, http.StatusOK)
	putJSON("/v1/admin/clients/"+client.ID+"/rulesets", setRulesetsRequest{RulesetIDs: []string{ruleset.ID}}, http.StatusOK)

	// Relations show up on the detail read.
	resp, err := http.Get(p.server.URL + "/v1/admin/clients/" + client.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detailed types.Client
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detailed))
	require.Len(t, detailed.Groups, 1)
	require.Len(t, detailed.Rulesets, 1)
	require.Len(t, detailed.Assignments, 1)
	require.True(t, detailed.Assignments[0].IsPrimary)

	// A referenced group cannot be deleted.
	req, err := http.NewRequest(http.MethodDelete, p.server.URL+"/v1/admin/groups/"+group.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusBadRequest, delResp.StatusCode)
}

func TestAdminAuthorityRotation(t *testing.T) {
	t.Parallel()
	p := newTestPack(t)
	_, secret := p.addClient(t, "node-1")
	key := newAgentKey(t)

	var first clientConfigResponse
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     secret,
		PublicKey: key,
	}, http.StatusOK, &first)

	// Generate and activate a replacement authority through the API.
	var next types.CertAuthority
	p.postJSON(t, "/v1/admin/cas", createAuthorityRequest{
		Name:     "pharos-root-2",
		Generate: true,
		Activate: true,
	}, http.StatusOK, &next)
	require.True(t, next.IsCurrent)
	require.Empty(t, next.KeyPEM)

	// The next fetch returns a certificate from the new authority with
	// both roots in the chain.
	var second clientConfigResponse
	p.postJSON(t, "/v1/client/config", clientConfigRequest{
		Token:     secret,
		PublicKey: key,
	}, http.StatusOK, &second)
	require.Len(t, second.CAChainPEMs, 2)
	require.NotEqual(t, first.ClientCertPEM, second.ClientCertPEM)

	chain := make([][]byte, 0, len(second.CAChainPEMs))
	for _, pem := range second.CAChainPEMs {
		chain = append(chain, []byte(pem))
	}
	require.NoError(t, ca.VerifyChain([]byte(second.ClientCertPEM), chain, p.clock.Now()))

	// The demoted authority alone no longer verifies the new leaf.
	oldRoot := [][]byte{[]byte(first.CAChainPEMs[0])}
	require.Error(t, ca.VerifyChain([]byte(second.ClientCertPEM), oldRoot, p.clock.Now()))
}
