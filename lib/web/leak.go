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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/httplib"
	"github.com/pharosvpn/pharos/lib/types"
)

// signatureHeader carries the hex HMAC-SHA-256 over the raw request
// body, keyed with the shared scanner secret.
const signatureHeader = "X-Pharos-Signature"

// scannerTokenType is the token type name published in the manifest
// and echoed back by the scanner.
const scannerTokenType = "pharos_client_token"

// scannerPattern matches the client token format. The secret alphabet
// is lowercase alphanumeric so the pattern stays false-positive
// resistant.
const scannerPattern = "phr_[a-z0-9]{32}"

// scannerManifestEntry is one entry of the published scanner manifest.
type scannerManifestEntry struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

// scannerManifest publishes the token patterns a leak scanner should
// look for.
func (h *Handler) scannerManifest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return []scannerManifestEntry{
		{Type: scannerTokenType, Pattern: scannerPattern},
	}, nil
}

// scannerHit is one candidate token reported by the scanner.
type scannerHit struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

// scannerVerdict answers a verify request for one candidate. The full
// token is never echoed back.
type scannerVerdict struct {
	Type        string `json:"type"`
	TokenPrefix string `json:"token_prefix"`
	Known       bool   `json:"known"`
	Active      bool   `json:"active"`
}

// readSignedHits authenticates the webhook and decodes its payload.
// The signature covers the raw body, so the body is read before any
// JSON decoding.
func (h *Handler) readSignedHits(r *http.Request) ([]scannerHit, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httplib.MaxBodyBytes))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	signature, err := hex.DecodeString(r.Header.Get(signatureHeader))
	if err != nil {
		return nil, trace.AccessDenied("malformed webhook signature")
	}
	mac := hmac.New(sha256.New, h.cfg.ScannerSecret)
	mac.Write(body)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, trace.AccessDenied("webhook signature mismatch")
	}
	var hits []scannerHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return nil, trace.BadParameter("invalid webhook payload: %v", err)
	}
	return hits, nil
}

// scannerVerify reports for each candidate whether it is a known token
// and whether it is still active, without mutating anything.
func (h *Handler) scannerVerify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	hits, err := h.readSignedHits(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	verdicts := make([]scannerVerdict, 0, len(hits))
	for _, hit := range hits {
		verdict := scannerVerdict{Type: hit.Type, TokenPrefix: tokenPrefix(hit.Token)}
		token, err := h.cfg.Store.GetClientTokenBySecret(r.Context(), hit.Token)
		switch {
		case err == nil:
			verdict.Known = true
			verdict.Active = token.IsActive
		case trace.IsNotFound(err):
		default:
			return nil, trace.Wrap(err)
		}
		verdicts = append(verdicts, verdict)
	}
	return verdicts, nil
}

// scannerRevokeResponse reports how many tokens a revoke request
// actually deactivated.
type scannerRevokeResponse struct {
	Revoked int `json:"revoked"`
}

// scannerRevoke deactivates every reported token that is still active.
// Certificates issued through a leaked token stay valid; a leaked
// distribution token does not compromise the node key.
func (h *Handler) scannerRevoke(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	hits, err := h.readSignedHits(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secrets := make([]string, 0, len(hits))
	urls := make(map[string]string, len(hits))
	for _, hit := range hits {
		secrets = append(secrets, hit.Token)
		urls[tokenPrefix(hit.Token)] = hit.URL
	}
	revoked, err := h.cfg.Store.DeactivateTokensBySecret(r.Context(), secrets)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, token := range revoked {
		leakRevocationsTotal.Inc()
		event := types.AuditEvent{
			Kind:        types.AuditKindTokenLeak,
			TokenPrefix: token.Prefix,
			URL:         urls[token.Prefix],
			Detail:      "token deactivated after leak scanner notification",
		}
		if err := h.cfg.Store.EmitAuditEvent(r.Context(), event); err != nil {
			h.logger.WarnContext(r.Context(), "Failed to record token leak audit event.", "token_prefix", token.Prefix, "error", err)
		}
		h.logger.InfoContext(r.Context(), "Deactivated leaked token.", "token_prefix", token.Prefix, "url", urls[token.Prefix])
	}
	return scannerRevokeResponse{Revoked: len(revoked)}, nil
}

// tokenPrefix truncates a candidate secret to the stored prefix length
// so logs and responses never carry the full token.
func tokenPrefix(secret string) string {
	n := len(defaults.TokenPrefix) + 4
	if len(secret) < n {
		return secret
	}
	return secret[:n]
}
