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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/pharosvpn/pharos/lib/ca"
	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/httplib"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/types"
	"github.com/pharosvpn/pharos/lib/utils"
)

// bindAdminRoutes registers the operator intent API. Routes mutate the
// policy store only; agents observe the changes on their next fetch.
func (h *Handler) bindAdminRoutes() {
	h.POST("/v1/admin/clients", httplib.MakeHandler(h.createClient))
	h.GET("/v1/admin/clients", httplib.MakeHandler(h.listClients))
	h.GET("/v1/admin/clients/:id", httplib.MakeHandler(h.getClient))
	h.DELETE("/v1/admin/clients/:id", httplib.MakeHandler(h.deleteClient))
	h.PUT("/v1/admin/clients/:id/groups", httplib.MakeHandler(h.setClientGroups))
	h.PUT("/v1/admin/clients/:id/rulesets", httplib.MakeHandler(h.setClientRulesets))
	h.PUT("/v1/admin/clients/:id/blocked", httplib.MakeHandler(h.setClientBlocked))
	h.PUT("/v1/admin/clients/:id/lighthouse", httplib.MakeHandler(h.setClientLighthouse))
	h.POST("/v1/admin/clients/:id/tokens", httplib.MakeHandler(h.reissueToken))
	h.GET("/v1/admin/clients/:id/tokens", httplib.MakeHandler(h.listClientTokens))
	h.POST("/v1/admin/clients/:id/enrollment-codes", httplib.MakeHandler(h.createEnrollmentCode))
	h.GET("/v1/admin/clients/:id/certificates", httplib.MakeHandler(h.listClientCertificates))

	h.POST("/v1/admin/groups", httplib.MakeHandler(h.createGroup))
	h.GET("/v1/admin/groups", httplib.MakeHandler(h.listGroups))
	h.PUT("/v1/admin/groups/:id/name", httplib.MakeHandler(h.renameGroup))
	h.DELETE("/v1/admin/groups/:id", httplib.MakeHandler(h.deleteGroup))

	h.POST("/v1/admin/rulesets", httplib.MakeHandler(h.createRuleset))
	h.GET("/v1/admin/rulesets", httplib.MakeHandler(h.listRulesets))
	h.PUT("/v1/admin/rulesets/:id", httplib.MakeHandler(h.updateRuleset))
	h.DELETE("/v1/admin/rulesets/:id", httplib.MakeHandler(h.deleteRuleset))

	h.POST("/v1/admin/pools", httplib.MakeHandler(h.createPool))
	h.GET("/v1/admin/pools", httplib.MakeHandler(h.listPools))
	h.DELETE("/v1/admin/pools/:id", httplib.MakeHandler(h.deletePool))
	h.POST("/v1/admin/pools/:id/ip-groups", httplib.MakeHandler(h.createIPGroup))
	h.GET("/v1/admin/pools/:id/ip-groups", httplib.MakeHandler(h.listIPGroups))
	h.GET("/v1/admin/pools/:id/assignments", httplib.MakeHandler(h.listAssignments))
	h.DELETE("/v1/admin/ip-groups/:id", httplib.MakeHandler(h.deleteIPGroup))
	h.POST("/v1/admin/allocations", httplib.MakeHandler(h.allocateIP))
	h.DELETE("/v1/admin/allocations/:id", httplib.MakeHandler(h.releaseIP))

	h.POST("/v1/admin/cas", httplib.MakeHandler(h.createAuthority))
	h.GET("/v1/admin/cas", httplib.MakeHandler(h.listAuthorities))
	h.POST("/v1/admin/cas/:id/activate", httplib.MakeHandler(h.activateAuthority))
	h.DELETE("/v1/admin/cas/:id", httplib.MakeHandler(h.deleteAuthority))

	h.POST("/v1/admin/certificates/:id/revoke", httplib.MakeHandler(h.revokeCertificate))
	h.GET("/v1/admin/audit", httplib.MakeHandler(h.listAuditEvents))
}

// statusOK is the body of mutation replies that carry no entity.
type statusOK struct {
	Status string `json:"status"`
}

var replyOK = statusOK{Status: "ok"}

func (h *Handler) createClient(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var client types.Client
	if err := httplib.ReadJSON(r, &client); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateClient(r.Context(), client)
	return created, trace.Wrap(err)
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	clients, err := h.cfg.Store.ListClients(r.Context())
	return clients, trace.Wrap(err)
}

func (h *Handler) getClient(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.cfg.Store.GetClientWithRelations(r.Context(), p.ByName("id"))
	return client, trace.Wrap(err)
}

func (h *Handler) deleteClient(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.DeleteClient(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

type setGroupsRequest struct {
	GroupIDs []string `json:"group_ids"`
}

func (h *Handler) setClientGroups(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req setGroupsRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.SetClientGroups(r.Context(), p.ByName("id"), req.GroupIDs); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

type setRulesetsRequest struct {
	RulesetIDs []string `json:"ruleset_ids"`
}

func (h *Handler) setClientRulesets(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req setRulesetsRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.SetClientRulesets(r.Context(), p.ByName("id"), req.RulesetIDs); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

type setBlockedRequest struct {
	Blocked bool `json:"blocked"`
}

func (h *Handler) setClientBlocked(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req setBlockedRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.SetClientBlocked(r.Context(), p.ByName("id"), req.Blocked); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

type setLighthouseRequest struct {
	Lighthouse bool   `json:"lighthouse"`
	PublicIP   string `json:"public_ip"`
}

func (h *Handler) setClientLighthouse(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req setLighthouseRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.SetClientLighthouse(r.Context(), p.ByName("id"), req.Lighthouse, req.PublicIP); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

// reissueTokenResponse carries the fresh secret, exactly once.
type reissueTokenResponse struct {
	Token string `json:"token"`
}

// reissueToken mints a new token for a client and deactivates every
// previously active one, so a client holds at most one live token.
func (h *Handler) reissueToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	clientID := p.ByName("id")
	if _, err := h.cfg.Store.GetClient(r.Context(), clientID); err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Store.ListClientTokens(r.Context(), clientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, old := range existing {
		if !old.IsActive {
			continue
		}
		if err := h.cfg.Store.DeactivateClientToken(r.Context(), old.ID); err != nil {
			return nil, trace.Wrap(err)
		}
		event := types.AuditEvent{
			Kind:        types.AuditKindTokenReissue,
			TokenPrefix: old.Prefix,
			Detail:      "token replaced by operator reissue",
		}
		if err := h.cfg.Store.EmitAuditEvent(r.Context(), event); err != nil {
			h.logger.WarnContext(r.Context(), "Failed to record token reissue audit event.", "token_prefix", old.Prefix, "error", err)
		}
	}
	token, err := h.issueToken(r.Context(), clientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return reissueTokenResponse{Token: token.Secret}, nil
}

func (h *Handler) listClientTokens(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	tokens, err := h.cfg.Store.ListClientTokens(r.Context(), p.ByName("id"))
	return tokens, trace.Wrap(err)
}

type createEnrollmentCodeRequest struct {
	DeviceHint string `json:"device_hint,omitempty"`
}

// createEnrollmentCodeResponse carries the one-time code, exactly once.
type createEnrollmentCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) createEnrollmentCode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	clientID := p.ByName("id")
	if _, err := h.cfg.Store.GetClient(r.Context(), clientID); err != nil {
		return nil, trace.Wrap(err)
	}
	var req createEnrollmentCodeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	// Codes are hex so they cannot collide with the token pattern the
	// leak scanner watches for.
	secret, err := utils.CryptoRandomHex(16)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	expires := h.cfg.Clock.Now().UTC().Add(defaults.EnrollmentCodeTTL)
	code, err := h.cfg.Store.CreateEnrollmentCode(r.Context(), types.EnrollmentCode{
		ClientID:   clientID,
		Code:       secret,
		ExpiresAt:  expires,
		DeviceHint: req.DeviceHint,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return createEnrollmentCodeResponse{
		Code:      secret,
		ExpiresAt: code.ExpiresAt,
	}, nil
}

func (h *Handler) listClientCertificates(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	certs, err := h.cfg.Store.ListClientCertificates(r.Context(), p.ByName("id"))
	return certs, trace.Wrap(err)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var group types.Group
	if err := httplib.ReadJSON(r, &group); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateGroup(r.Context(), group)
	return created, trace.Wrap(err)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	groups, err := h.cfg.Store.ListGroups(r.Context())
	return groups, trace.Wrap(err)
}

type renameGroupRequest struct {
	Name string `json:"name"`
}

func (h *Handler) renameGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req renameGroupRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.RenameGroup(r.Context(), p.ByName("id"), req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.DeleteGroup(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

func (h *Handler) createRuleset(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var ruleset types.FirewallRuleset
	if err := httplib.ReadJSON(r, &ruleset); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateRuleset(r.Context(), ruleset)
	return created, trace.Wrap(err)
}

func (h *Handler) listRulesets(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	rulesets, err := h.cfg.Store.ListRulesets(r.Context())
	return rulesets, trace.Wrap(err)
}

func (h *Handler) updateRuleset(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var ruleset types.FirewallRuleset
	if err := httplib.ReadJSON(r, &ruleset); err != nil {
		return nil, trace.Wrap(err)
	}
	ruleset.ID = p.ByName("id")
	if err := h.cfg.Store.UpdateRuleset(r.Context(), ruleset); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

func (h *Handler) deleteRuleset(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.DeleteRuleset(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

func (h *Handler) createPool(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var pool types.IPPool
	if err := httplib.ReadJSON(r, &pool); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Store.CreateIPPool(r.Context(), pool)
	return created, trace.Wrap(err)
}

func (h *Handler) listPools(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	pools, err := h.cfg.Store.ListIPPools(r.Context())
	return pools, trace.Wrap(err)
}

func (h *Handler) deletePool(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.DeleteIPPool(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

func (h *Handler) createIPGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var group types.IPGroup
	if err := httplib.ReadJSON(r, &group); err != nil {
		return nil, trace.Wrap(err)
	}
	group.PoolID = p.ByName("id")
	created, err := h.cfg.Store.CreateIPGroup(r.Context(), group)
	return created, trace.Wrap(err)
}

func (h *Handler) listIPGroups(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	groups, err := h.cfg.Store.ListIPGroups(r.Context(), p.ByName("id"))
	return groups, trace.Wrap(err)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	assignments, err := h.cfg.Store.ListIPAssignments(r.Context(), p.ByName("id"))
	return assignments, trace.Wrap(err)
}

func (h *Handler) deleteIPGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.DeleteIPGroup(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

type allocateIPRequest struct {
	ClientID    string `json:"client_id"`
	PoolID      string `json:"pool_id"`
	IPGroupID   string `json:"ip_group_id,omitempty"`
	RequestedIP string `json:"requested_ip,omitempty"`
	Primary     bool   `json:"primary,omitempty"`
}

func (h *Handler) allocateIP(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req allocateIPRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	assignment, err := h.cfg.Store.AllocateIP(r.Context(), services.AllocateIPRequest{
		ClientID:    req.ClientID,
		PoolID:      req.PoolID,
		IPGroupID:   req.IPGroupID,
		RequestedIP: req.RequestedIP,
		Primary:     req.Primary,
	})
	return assignment, trace.Wrap(err)
}

func (h *Handler) releaseIP(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.ReleaseIP(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

// createAuthorityRequest either imports PEM material or asks for a
// freshly generated authority.
type createAuthorityRequest struct {
	Name string `json:"name"`
	// CertPEM and KeyPEM import an existing authority. KeyPEM may be
	// empty for a trust-only import that can never sign.
	CertPEM string `json:"cert_pem,omitempty"`
	KeyPEM  string `json:"key_pem,omitempty"`
	// Generate mints a new self signed authority, ignoring the PEM
	// fields.
	Generate bool `json:"generate,omitempty"`
	// Activate makes the new authority current immediately.
	Activate bool `json:"activate,omitempty"`
}

func (h *Handler) createAuthority(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createAuthorityRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing authority name")
	}

	var authority types.CertAuthority
	if req.Generate {
		generated, err := ca.GenerateAuthority(ca.GenerateConfig{
			Name:  req.Name,
			TTL:   defaults.CAValidity,
			Clock: h.cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		authority = types.CertAuthority{
			Name:      req.Name,
			NotBefore: generated.NotBefore,
			NotAfter:  generated.NotAfter,
			CertPEM:   generated.CertPEM,
			KeyPEM:    generated.KeyPEM,
		}
	} else {
		if req.CertPEM == "" {
			return nil, trace.BadParameter("authority import requires cert_pem")
		}
		parsed, err := ca.ParseCertificatePEM([]byte(req.CertPEM))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if req.KeyPEM != "" {
			if _, err := ca.CheckAuthorityKeyPair([]byte(req.CertPEM), []byte(req.KeyPEM)); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		authority = types.CertAuthority{
			Name:      req.Name,
			NotBefore: parsed.NotBefore,
			NotAfter:  parsed.NotAfter,
			CertPEM:   []byte(req.CertPEM),
			KeyPEM:    []byte(req.KeyPEM),
		}
	}

	created, err := h.cfg.Store.CreateCertAuthority(r.Context(), authority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Activate && !created.IsCurrent {
		if err := h.cfg.Store.ActivateCertAuthority(r.Context(), created.ID); err != nil {
			return nil, trace.Wrap(err)
		}
		created, err = h.cfg.Store.GetCertAuthority(r.Context(), created.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	created.KeyPEM = nil
	return created, nil
}

func (h *Handler) listAuthorities(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	authorities, err := h.cfg.Store.GetCertAuthorities(r.Context())
	return authorities, trace.Wrap(err)
}

func (h *Handler) activateAuthority(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	if err := h.cfg.Store.ActivateCertAuthority(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	event := types.AuditEvent{
		Kind:   types.AuditKindCARotate,
		Detail: "authority " + id + " activated by operator",
	}
	if err := h.cfg.Store.EmitAuditEvent(r.Context(), event); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to record authority activation audit event.", "authority", id, "error", err)
	}
	return replyOK, nil
}

func (h *Handler) deleteAuthority(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Store.DeleteCertAuthority(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return replyOK, nil
}

func (h *Handler) revokeCertificate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	if err := h.cfg.Store.RevokeClientCertificate(r.Context(), id, h.cfg.Clock.Now().UTC()); err != nil {
		return nil, trace.Wrap(err)
	}
	event := types.AuditEvent{
		Kind:   types.AuditKindCertRevoke,
		Detail: "certificate " + id + " revoked by operator",
	}
	if err := h.cfg.Store.EmitAuditEvent(r.Context(), event); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to record certificate revocation audit event.", "certificate", id, "error", err)
	}
	return replyOK, nil
}

func (h *Handler) listAuditEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	events, err := h.cfg.Store.ListAuditEvents(r.Context())
	return events, trace.Wrap(err)
}
