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
	"time"

	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos/lib/types"
)

const caColumns = `id, name, not_before, not_after, cert_pem, key_pem,
	can_sign, include_in_chain, is_current, is_previous, previous_since, created_at`

func scanCertAuthority(row interface{ Scan(...any) error }) (*types.CertAuthority, error) {
	var a types.CertAuthority
	var notBefore, notAfter, previousSince, createdAt int64
	var canSign, includeInChain, isCurrent, isPrevious int64
	var certPEM, keyPEM string
	err := row.Scan(&a.ID, &a.Name, &notBefore, &notAfter, &certPEM, &keyPEM,
		&canSign, &includeInChain, &isCurrent, &isPrevious, &previousSince, &createdAt)
	if err != nil {
		return nil, convertError(err)
	}
	a.NotBefore = at(notBefore)
	a.NotAfter = at(notAfter)
	a.CertPEM = []byte(certPEM)
	a.KeyPEM = []byte(keyPEM)
	a.CanSign = canSign != 0
	a.IncludeInChain = includeInChain != 0
	a.IsCurrent = isCurrent != 0
	a.IsPrevious = isPrevious != 0
	a.PreviousSince = at(previousSince)
	a.CreatedAt = at(createdAt)
	return &a, nil
}

// CreateCertAuthority persists a new authority. The first authority of
// the mesh activates immediately; later authorities are created
// inactive and take over via ActivateCertAuthority.
func (s *Store) CreateCertAuthority(ctx context.Context, authority types.CertAuthority) (*types.CertAuthority, error) {
	if err := authority.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if authority.CreatedAt.IsZero() {
		authority.CreatedAt = s.clock.Now().UTC()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM ca WHERE is_current = 1").Scan(&existing); err != nil {
			return convertError(err)
		}
		if existing == 0 {
			authority.IsCurrent = true
			authority.CanSign = len(authority.KeyPEM) > 0
			authority.IncludeInChain = true
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO ca (`+caColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			authority.ID, authority.Name, unix(authority.NotBefore), unix(authority.NotAfter),
			string(authority.CertPEM), string(authority.KeyPEM),
			boolInt(authority.CanSign), boolInt(authority.IncludeInChain),
			boolInt(authority.IsCurrent), boolInt(authority.IsPrevious),
			unix(authority.PreviousSince), unix(authority.CreatedAt))
		return convertError(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &authority, nil
}

// GetCertAuthority returns an authority by id, key material included.
func (s *Store) GetCertAuthority(ctx context.Context, id string) (*types.CertAuthority, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+caColumns+" FROM ca WHERE id = ?", id)
	a, err := scanCertAuthority(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("certificate authority %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// GetCertAuthorities returns all authorities ordered by creation, key
// material stripped.
func (s *Store) GetCertAuthorities(ctx context.Context) ([]types.CertAuthority, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+caColumns+" FROM ca ORDER BY created_at, id")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.CertAuthority
	for rows.Next() {
		a, err := scanCertAuthority(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		a.KeyPEM = nil
		out = append(out, *a)
	}
	return out, convertError(rows.Err())
}

// GetSigningCertAuthority returns the current signing authority, key
// material included. The absence of a signing authority is a
// ConnectionProblem: issuance is expected to heal once an authority is
// installed, and callers surface it as a retryable condition.
func (s *Store) GetSigningCertAuthority(ctx context.Context) (*types.CertAuthority, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+caColumns+" FROM ca WHERE is_current = 1 AND can_sign = 1")
	a, err := scanCertAuthority(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.ConnectionProblem(nil, "no signing certificate authority is installed")
		}
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// GetCertAuthorityChain returns the authorities distributed to agents,
// ordered stably by id so assembled bundles are byte reproducible. Key
// material is stripped.
func (s *Store) GetCertAuthorityChain(ctx context.Context) ([]types.CertAuthority, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+caColumns+" FROM ca WHERE include_in_chain = 1 ORDER BY id")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.CertAuthority
	for rows.Next() {
		a, err := scanCertAuthority(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		a.KeyPEM = nil
		out = append(out, *a)
	}
	return out, convertError(rows.Err())
}

// ActivateCertAuthority promotes the authority to current. The demotion
// of the old current and the promotion commit atomically, so the write
// lock of the transaction acts as the activation lease: two concurrent
// rotations cannot both promote. Every client is marked dirty because
// the distributed chain changed.
func (s *Store) ActivateCertAuthority(ctx context.Context, id string) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+caColumns+" FROM ca WHERE id = ?", id)
		next, err := scanCertAuthority(row)
		if err != nil {
			if trace.IsNotFound(err) {
				return trace.NotFound("certificate authority %q not found", id)
			}
			return trace.Wrap(err)
		}
		if next.IsCurrent {
			return nil
		}
		if len(next.KeyPEM) == 0 {
			return trace.BadParameter("certificate authority %q has no key material and cannot sign", next.Name)
		}
		if next.Expired(now) {
			return trace.BadParameter("certificate authority %q is expired", next.Name)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE ca SET is_current = 0, can_sign = 0, is_previous = 1, previous_since = ?
WHERE is_current = 1`, unix(now))
		if err != nil {
			return convertError(err)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE ca SET is_current = 1, can_sign = 1, include_in_chain = 1, is_previous = 0, previous_since = 0
WHERE id = ?`, id)
		if err != nil {
			return convertError(err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE client SET config_dirty_at = ?", unix(now))
		return convertError(err)
	})
}

// RetireAuthorities drops authorities from the distributed chain once
// their overlap window elapsed or their validity expired, and clears
// can_sign on expired authorities. Clients are marked dirty when the
// chain shrank. Returns the number of authorities touched.
func (s *Store) RetireAuthorities(ctx context.Context, now time.Time, overlap time.Duration) (int, error) {
	var touched int
	cutoff := unix(now.Add(-overlap))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE ca SET include_in_chain = 0, can_sign = 0, is_previous = 0
WHERE include_in_chain = 1 AND is_current = 0
  AND ((is_previous = 1 AND previous_since > 0 AND previous_since <= ?) OR not_after <= ?)`,
			cutoff, unix(now))
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		res, err = tx.ExecContext(ctx, `
UPDATE ca SET can_sign = 0 WHERE can_sign = 1 AND not_after <= ?`, unix(now))
		if err != nil {
			return convertError(err)
		}
		m, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		touched = int(n + m)
		if touched > 0 {
			if _, err := tx.ExecContext(ctx,
				"UPDATE client SET config_dirty_at = ?", unix(now)); err != nil {
				return convertError(err)
			}
		}
		return nil
	})
	return touched, trace.Wrap(err)
}

// DeleteCertAuthority removes an authority. The current authority must
// be rotated away first.
func (s *Store) DeleteCertAuthority(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var isCurrent int64
		err := tx.QueryRowContext(ctx,
			"SELECT is_current FROM ca WHERE id = ?", id).Scan(&isCurrent)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("certificate authority %q not found", id)
			}
			return convertError(err)
		}
		if isCurrent != 0 {
			return trace.BadParameter("cannot delete the current signing authority, activate another first")
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM ca WHERE id = ?", id)
		return convertError(err)
	})
}
