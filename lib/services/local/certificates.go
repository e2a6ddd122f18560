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

package local

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos/lib/types"
)

const certColumns = `id, client_id, fingerprint, serial, not_before, not_after,
	issued_for_ip_cidr, issued_for_groups_hash, revoked, revoked_at, ca_id, cert_pem, created_at`

func scanClientCertificate(row interface{ Scan(...any) error }) (*types.ClientCertificate, error) {
	var c types.ClientCertificate
	var notBefore, notAfter, revoked, revokedAt, createdAt int64
	var certPEM string
	err := row.Scan(&c.ID, &c.ClientID, &c.Fingerprint, &c.Serial, &notBefore, &notAfter,
		&c.IssuedForIPCIDR, &c.IssuedForGroupsHash, &revoked, &revokedAt, &c.CAID, &certPEM, &createdAt)
	if err != nil {
		return nil, convertError(err)
	}
	c.NotBefore = at(notBefore)
	c.NotAfter = at(notAfter)
	c.Revoked = revoked != 0
	c.RevokedAt = at(revokedAt)
	c.CertPEM = []byte(certPEM)
	c.CreatedAt = at(createdAt)
	return &c, nil
}

// CreateClientCertificate inserts a minted certificate. Signing happens
// outside any transaction, so before committing the insert the
// certificate inputs are re-read and compared against the client's
// current state; a mismatch means policy changed mid-flight and the
// caller must re-read inputs and sign again. That failure surfaces as
// CompareFailed.
func (s *Store) CreateClientCertificate(ctx context.Context, cert types.ClientCertificate) (*types.ClientCertificate, error) {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = s.clock.Now().UTC()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var caID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM ca WHERE id = ? AND is_current = 1 AND can_sign = 1",
			cert.CAID).Scan(&caID); err != nil {
			return convertError(err)
		}
		if caID == 0 {
			return trace.CompareFailed("issuing authority %q is no longer current", cert.CAID)
		}
		var primaryIP, poolCIDR string
		err := tx.QueryRowContext(ctx, `
SELECT a.ip_address, p.cidr FROM ip_assignment a
JOIN ip_pool p ON p.id = a.pool_id
WHERE a.client_id = ? AND a.is_primary = 1`, cert.ClientID).Scan(&primaryIP, &poolCIDR)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.CompareFailed("client %q lost its primary address", cert.ClientID)
			}
			return convertError(err)
		}
		if got := ipCIDR(primaryIP, poolCIDR); got != cert.IssuedForIPCIDR {
			return trace.CompareFailed("client %q address changed from %q to %q",
				cert.ClientID, cert.IssuedForIPCIDR, got)
		}
		names, err := clientGroupNamesTx(ctx, tx, cert.ClientID)
		if err != nil {
			return trace.Wrap(err)
		}
		if got := types.GroupsHash(names); got != cert.IssuedForGroupsHash {
			return trace.CompareFailed("client %q group set changed during issuance", cert.ClientID)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO client_certificate (`+certColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cert.ID, cert.ClientID, cert.Fingerprint, cert.Serial,
			unix(cert.NotBefore), unix(cert.NotAfter),
			cert.IssuedForIPCIDR, cert.IssuedForGroupsHash,
			boolInt(cert.Revoked), unix(cert.RevokedAt),
			cert.CAID, string(cert.CertPEM), unix(cert.CreatedAt))
		return convertError(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &cert, nil
}

// GetLatestMatchingCertificate returns the newest non revoked
// certificate matching the reuse key (client, CA, ip cidr, groups
// hash), or NotFound.
func (s *Store) GetLatestMatchingCertificate(ctx context.Context, clientID, caID, ipCIDR, groupsHash string) (*types.ClientCertificate, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+certColumns+` FROM client_certificate
WHERE client_id = ? AND ca_id = ? AND issued_for_ip_cidr = ? AND issued_for_groups_hash = ?
  AND revoked = 0
ORDER BY created_at DESC, id DESC LIMIT 1`, clientID, caID, ipCIDR, groupsHash)
	c, err := scanClientCertificate(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no matching certificate for client %q", clientID)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// ListClientCertificates returns the certificates of a client, newest
// first.
func (s *Store) ListClientCertificates(ctx context.Context, clientID string) ([]types.ClientCertificate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+certColumns+` FROM client_certificate
WHERE client_id = ? ORDER BY created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.ClientCertificate
	for rows.Next() {
		c, err := scanClientCertificate(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	return out, convertError(rows.Err())
}

// RevokeClientCertificate marks a certificate revoked and the subject
// client dirty, forcing reissue on the next bundle fetch.
func (s *Store) RevokeClientCertificate(ctx context.Context, certID string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var clientID string
		err := tx.QueryRowContext(ctx,
			"SELECT client_id FROM client_certificate WHERE id = ?", certID).Scan(&clientID)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("certificate %q not found", certID)
			}
			return convertError(err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE client_certificate SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0",
			unix(now), certID); err != nil {
			return convertError(err)
		}
		return touchClientTx(ctx, tx, clientID, now)
	})
}

// ListRenewalCandidates returns ids of non blocked clients whose
// soonest-expiring usable certificate falls inside the renewal window.
// Clients without any usable certificate are not candidates: issuance
// for them happens on their first bundle fetch.
func (s *Store) ListRenewalCandidates(ctx context.Context, now time.Time, renewBefore time.Duration) ([]string, error) {
	deadline := unix(now.Add(renewBefore))
	rows, err := s.db.QueryContext(ctx, `
SELECT cc.client_id FROM client_certificate cc
JOIN client c ON c.id = cc.client_id
WHERE cc.revoked = 0 AND cc.not_after > ? AND c.is_blocked = 0
GROUP BY cc.client_id
HAVING min(cc.not_after) <= ?
ORDER BY cc.client_id`, unix(now), deadline)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, convertError(err)
		}
		out = append(out, id)
	}
	return out, convertError(rows.Err())
}

// PruneExpiredCertificates removes expired certificates from hot
// storage. Returns the number pruned.
func (s *Store) PruneExpiredCertificates(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM client_certificate WHERE not_after <= ?", unix(now))
	if err != nil {
		return 0, convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(n), nil
}

// ipCIDR renders the "ip/prefix" string embedded in certificates from
// an assigned address and its pool CIDR.
func ipCIDR(ip, poolCIDR string) string {
	_, bits, ok := strings.Cut(poolCIDR, "/")
	if !ok {
		return ip
	}
	return ip + "/" + bits
}

func clientGroupNamesTx(ctx context.Context, tx *sql.Tx, clientID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT g.name FROM mesh_group g
JOIN client_group cg ON cg.group_id = g.id
WHERE cg.client_id = ?`, clientID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, convertError(err)
		}
		names = append(names, name)
	}
	return names, convertError(rows.Err())
}
