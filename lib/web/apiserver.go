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

// Package web serves the HTTP surface of the control plane: the agent
// distribution endpoint, device enrollment, the leak scanner webhook
// and the admin API. The admin routes carry no authentication of their
// own and must only be exposed on a trusted interface.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pharosvpn/pharos"
	"github.com/pharosvpn/pharos/lib/assembler"
	"github.com/pharosvpn/pharos/lib/ca"
	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/httplib"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/types"
	"github.com/pharosvpn/pharos/lib/utils"
)

var (
	configFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pharos",
		Name:      "config_fetches_total",
		Help:      "Agent config fetches by outcome.",
	}, []string{"outcome"})
	leakRevocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pharos",
		Name:      "token_leak_revocations_total",
		Help:      "Tokens deactivated after leak scanner notifications.",
	})
)

// Config holds the API server configuration.
type Config struct {
	// Store is the policy store.
	Store services.Store
	// Assembler builds client bundles.
	Assembler *assembler.Assembler
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// ScannerSecret is the shared secret the leak scanner signs webhook
	// payloads with. Empty disables the scanner routes.
	ScannerSecret []byte
	// TokenRateLimit and TokenRateBurst bound config fetches per token.
	TokenRateLimit float64
	TokenRateBurst int
	// RequestTimeout bounds a single request.
	RequestTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing web store")
	}
	if c.Assembler == nil {
		return trace.BadParameter("missing web assembler")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TokenRateLimit <= 0 {
		c.TokenRateLimit = defaults.TokenRateLimit
	}
	if c.TokenRateBurst <= 0 {
		c.TokenRateBurst = defaults.TokenRateBurst
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	return nil
}

// Handler is the HTTP API of the control plane.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler returns the API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:      cfg,
		logger:   slog.With(pharos.ComponentKey, pharos.ComponentWeb),
		limiters: make(map[string]*rate.Limiter),
	}

	h.GET("/v1/ping", httplib.MakeHandler(h.ping))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	h.POST("/v1/client/config", httplib.MakeHandler(h.clientConfig))
	h.POST("/v1/enroll", httplib.MakeHandler(h.enroll))

	if len(cfg.ScannerSecret) != 0 {
		h.GET("/.well-known/secret-scanning.json", httplib.MakeHandler(h.scannerManifest))
		h.POST("/v1/secret-scanning/verify", httplib.MakeHandler(h.scannerVerify))
		h.POST("/v1/secret-scanning/revoke", httplib.MakeHandler(h.scannerRevoke))
	}

	h.bindAdminRoutes()
	return h, nil
}

type pingResponse struct {
	ServerVersion string `json:"server_version"`
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return pingResponse{ServerVersion: pharos.Version}, nil
}

// clientConfigRequest is the agent fetch request.
type clientConfigRequest struct {
	Token         string `json:"token"`
	PublicKey     string `json:"public_key"`
	ClientVersion string `json:"client_version,omitempty"`
	NebulaVersion string `json:"nebula_version,omitempty"`
}

// clientConfigResponse is the delivered bundle.
type clientConfigResponse struct {
	Config        string    `json:"config"`
	ClientCertPEM string    `json:"client_cert_pem"`
	CAChainPEMs   []string  `json:"ca_chain_pems"`
	CertNotBefore time.Time `json:"cert_not_before"`
	CertNotAfter  time.Time `json:"cert_not_after"`
	Lighthouse    bool      `json:"lighthouse"`
	KeyPath       string    `json:"key_path"`
}

// clientConfig is the only endpoint node agents talk to: it resolves
// the token, applies the per token rate limit and returns the
// assembled bundle.
func (h *Handler) clientConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	var req clientConfigRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Token == "" || req.PublicKey == "" {
		return nil, trace.BadParameter("missing token or public key")
	}

	token, err := h.cfg.Store.GetClientTokenBySecret(ctx, req.Token)
	if err != nil {
		if trace.IsNotFound(err) {
			configFetchesTotal.WithLabelValues("unauthenticated").Inc()
			return nil, httplib.Unauthenticated("invalid token")
		}
		return nil, trace.Wrap(err)
	}
	if !token.IsActive {
		configFetchesTotal.WithLabelValues("unauthenticated").Inc()
		return nil, httplib.Unauthenticated("token is no longer active")
	}
	if !h.limiterFor(token.ID).Allow() {
		configFetchesTotal.WithLabelValues("rate_limited").Inc()
		return nil, trace.LimitExceeded("token %v exceeded the config fetch rate", token.Prefix)
	}

	if req.ClientVersion != "" || req.NebulaVersion != "" {
		if err := h.cfg.Store.RecordClientVersions(ctx, token.ClientID, req.ClientVersion, req.NebulaVersion); err != nil {
			h.logger.WarnContext(ctx, "Failed to record agent versions.", "client", token.ClientID, "error", err)
		}
	}

	bundle, err := h.cfg.Assembler.Assemble(ctx, token.ClientID, []byte(req.PublicKey))
	if err != nil {
		configFetchesTotal.WithLabelValues("error").Inc()
		return nil, trace.Wrap(err)
	}
	configFetchesTotal.WithLabelValues("ok").Inc()

	chain := make([]string, 0, len(bundle.CAChainPEM))
	for _, pem := range bundle.CAChainPEM {
		chain = append(chain, string(pem))
	}
	return clientConfigResponse{
		Config:        string(bundle.ConfigYAML),
		ClientCertPEM: string(bundle.ClientCertPEM),
		CAChainPEMs:   chain,
		CertNotBefore: bundle.CertNotBefore,
		CertNotAfter:  bundle.CertNotAfter,
		Lighthouse:    bundle.IsLighthouse,
		KeyPath:       defaults.AgentKeyPath,
	}, nil
}

// enrollRequest exchanges a one-time code for a fresh token.
type enrollRequest struct {
	Code       string `json:"code"`
	PublicKey  string `json:"public_key"`
	DeviceHint string `json:"device_hint,omitempty"`
}

// enrollResponse carries the freshly issued token, exactly once.
type enrollResponse struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// enroll redeems an enrollment code for a token. The public key is
// validated before the code is consumed so a malformed request does
// not burn the one-time code.
func (h *Handler) enroll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	var req enrollRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Code == "" {
		return nil, trace.BadParameter("missing enrollment code")
	}
	if _, err := ca.ParsePublicKeyPEM([]byte(req.PublicKey)); err != nil {
		return nil, trace.BadParameter("invalid public key: %v", err)
	}

	code, err := h.cfg.Store.RedeemEnrollmentCode(ctx, req.Code, req.DeviceHint, h.cfg.Clock.Now().UTC())
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthenticated("enrollment code is unknown, expired or already used")
		}
		return nil, trace.Wrap(err)
	}
	token, err := h.issueToken(ctx, code.ClientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.logger.InfoContext(ctx, "Enrolled device.", "client", code.ClientID, "token_prefix", token.Prefix)
	return enrollResponse{Token: token.Secret, ClientID: code.ClientID}, nil
}

// issueToken mints and persists a fresh active token for a client. The
// returned token carries the full secret; callers hand it out exactly
// once.
func (h *Handler) issueToken(ctx context.Context, clientID string) (*types.ClientToken, error) {
	random, err := utils.CryptoRandomToken(defaults.TokenSecretLength)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.cfg.Store.CreateClientToken(ctx, types.ClientToken{
		ClientID: clientID,
		Secret:   defaults.TokenPrefix + random,
		IsActive: true,
	})
	return token, trace.Wrap(err)
}

// limiterFor returns the rate limiter of a token, creating it on first
// use. Limiters are never evicted; the token space is operator bounded.
func (h *Handler) limiterFor(tokenID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.limiters[tokenID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.TokenRateLimit), h.cfg.TokenRateBurst)
		h.limiters[tokenID] = limiter
	}
	return limiter
}
