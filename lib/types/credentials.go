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
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// ClientCertificate is a leaf certificate issued to a client, together
// with the inputs it was minted from. The inputs act as the reuse key:
// a certificate is returned again while (issuing CA, ip cidr, groups
// hash) are unchanged and it is outside the renewal window.
type ClientCertificate struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// ClientID references the subject client.
	ClientID string `json:"client_id"`
	// Fingerprint is the hex SHA-256 over the certificate DER.
	Fingerprint string `json:"fingerprint"`
	// Serial is the certificate serial number, decimal.
	Serial string `json:"serial"`
	// NotBefore and NotAfter bound the certificate validity.
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	// IssuedForIPCIDR is the "ip/prefix" the certificate binds.
	IssuedForIPCIDR string `json:"issued_for_ip_cidr"`
	// IssuedForGroupsHash is the stable hash over the sorted group
	// name set at issue time.
	IssuedForGroupsHash string `json:"issued_for_groups_hash"`
	// Revoked is set by explicit operator action only. Superseded
	// certificates are NOT revoked; they stay valid until expiry to
	// avoid tearing live tunnels.
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revoked_at"`
	// CAID references the issuing authority.
	CAID string `json:"ca_id"`
	// CertPEM is the PEM encoded certificate.
	CertPEM []byte `json:"cert_pem"`
	// CreatedAt is the issue timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the certificate record.
func (c *ClientCertificate) CheckAndSetDefaults() error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ClientID == "" {
		return trace.BadParameter("missing certificate client")
	}
	if c.CAID == "" {
		return trace.BadParameter("missing certificate issuing authority")
	}
	if c.Fingerprint == "" {
		return trace.BadParameter("missing certificate fingerprint")
	}
	if len(c.CertPEM) == 0 {
		return trace.BadParameter("missing certificate payload")
	}
	return nil
}

// Usable reports whether the certificate is non revoked and valid at
// the given instant.
func (c *ClientCertificate) Usable(now time.Time) bool {
	return !c.Revoked && now.Before(c.NotAfter) && !now.Before(c.NotBefore)
}

// ClientToken authenticates a node agent to the distribution endpoint.
// The secret carries a recognizable prefix to aid leak scanning.
type ClientToken struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// ClientID references the client this token resolves to.
	ClientID string `json:"client_id"`
	// Secret is the full high entropy token, prefix included. Never
	// serialized; creation responses carry it explicitly, exactly
	// once.
	Secret string `json:"-"`
	// Prefix is the recognizable secret prefix, stored separately so
	// audit records never carry the full secret.
	Prefix string `json:"prefix"`
	// IsActive is cleared on reissue or leak revocation.
	IsActive bool `json:"is_active"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the token record.
func (t *ClientToken) CheckAndSetDefaults() error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ClientID == "" {
		return trace.BadParameter("missing token client")
	}
	if t.Secret == "" {
		return trace.BadParameter("missing token secret")
	}
	return nil
}

// EnrollmentCode is a one-time onboarding code exchanged by a new
// device for a freshly issued token.
type EnrollmentCode struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// ClientID references the client the code enrolls into.
	ClientID string `json:"client_id"`
	// Code is the one-time secret. Never serialized; creation
	// responses carry it explicitly, exactly once.
	Code string `json:"-"`
	// ExpiresAt bounds redeemability.
	ExpiresAt time.Time `json:"expires_at"`
	// UsedAt is zero until the code is redeemed.
	UsedAt time.Time `json:"used_at"`
	// DeviceHint is a free form hint describing the enrolling device.
	DeviceHint string `json:"device_hint,omitempty"`
}

// CheckAndSetDefaults validates the enrollment code record.
func (e *EnrollmentCode) CheckAndSetDefaults() error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ClientID == "" {
		return trace.BadParameter("missing enrollment code client")
	}
	if e.Code == "" {
		return trace.BadParameter("missing enrollment code secret")
	}
	if e.ExpiresAt.IsZero() {
		return trace.BadParameter("missing enrollment code expiry")
	}
	return nil
}

// Redeemable reports whether the code can still be exchanged at the
// given instant.
func (e *EnrollmentCode) Redeemable(now time.Time) bool {
	return e.UsedAt.IsZero() && now.Before(e.ExpiresAt)
}

// Audit event kinds recorded in the append-only audit log.
const (
	// AuditKindTokenLeak records a token deactivated after a leak
	// scanner notification.
	AuditKindTokenLeak = "token.leak"
	// AuditKindTokenReissue records a token replaced by the operator.
	AuditKindTokenReissue = "token.reissue"
	// AuditKindCertRevoke records an explicit certificate revocation.
	AuditKindCertRevoke = "cert.revoke"
	// AuditKindCARotate records a CA rotation performed by the
	// scheduler or the operator.
	AuditKindCARotate = "ca.rotate"
)

// AuditEvent is an append-only audit record. Token events carry the
// token prefix only, never the full secret.
type AuditEvent struct {
	// ID is an opaque unique handle.
	ID string `json:"id"`
	// Kind is one of the AuditKind constants.
	Kind string `json:"kind"`
	// TokenPrefix identifies the affected token without exposing it.
	TokenPrefix string `json:"token_prefix,omitempty"`
	// URL is where a leaked token was found, when applicable.
	URL string `json:"url,omitempty"`
	// Detail is free form context.
	Detail string `json:"detail,omitempty"`
	// CreatedAt is the event timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the audit event.
func (e *AuditEvent) CheckAndSetDefaults() error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Kind == "" {
		return trace.BadParameter("missing audit event kind")
	}
	return nil
}
