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
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"time"

	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/types"
)

const tokenColumns = `id, client_id, secret, prefix, is_active, created_at`

func scanClientToken(row interface{ Scan(...any) error }) (*types.ClientToken, error) {
	var t types.ClientToken
	var isActive, createdAt int64
	err := row.Scan(&t.ID, &t.ClientID, &t.Secret, &t.Prefix, &isActive, &createdAt)
	if err != nil {
		return nil, convertError(err)
	}
	t.IsActive = isActive != 0
	t.CreatedAt = at(createdAt)
	return &t, nil
}

// CreateClientToken persists a token.
func (s *Store) CreateClientToken(ctx context.Context, token types.ClientToken) (*types.ClientToken, error) {
	if err := token.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if token.Prefix == "" && len(token.Secret) >= len(defaults.TokenPrefix)+4 {
		token.Prefix = token.Secret[:len(defaults.TokenPrefix)+4]
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = s.clock.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO client_token (`+tokenColumns+`)
VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.ClientID, token.Secret, token.Prefix,
		boolInt(token.IsActive), unix(token.CreatedAt))
	if err != nil {
		return nil, convertError(err)
	}
	return &token, nil
}

// GetClientTokenBySecret resolves a presented secret. The comparison
// walks every stored token and compares SHA-256 digests in constant
// time, so lookup duration does not depend on how much of the secret
// matched or whether it exists at all. The active flag is returned, not
// filtered on: callers distinguish unknown from deactivated.
func (s *Store) GetClientTokenBySecret(ctx context.Context, secret string) (*types.ClientToken, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tokenColumns+" FROM client_token")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	presented := sha256.Sum256([]byte(secret))
	var found *types.ClientToken
	for rows.Next() {
		t, err := scanClientToken(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		stored := sha256.Sum256([]byte(t.Secret))
		if subtle.ConstantTimeCompare(presented[:], stored[:]) == 1 && found == nil {
			found = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, convertError(err)
	}
	if found == nil {
		return nil, trace.NotFound("token not found")
	}
	return found, nil
}

// ListClientTokens returns the tokens of a client, newest first.
func (s *Store) ListClientTokens(ctx context.Context, clientID string) ([]types.ClientToken, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tokenColumns+" FROM client_token WHERE client_id = ? ORDER BY created_at DESC, id",
		clientID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.ClientToken
	for rows.Next() {
		t, err := scanClientToken(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *t)
	}
	return out, convertError(rows.Err())
}

// DeactivateClientToken clears is_active on one token.
func (s *Store) DeactivateClientToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE client_token SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return convertError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("token %q not found", id)
	}
	return nil
}

// DeactivateTokensBySecret deactivates every active token whose secret
// appears in the list, returning the affected tokens. Unknown secrets
// are skipped silently: the leak scanner reports candidates, not
// certainties.
func (s *Store) DeactivateTokensBySecret(ctx context.Context, secrets []string) ([]types.ClientToken, error) {
	var affected []types.ClientToken
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, secret := range secrets {
			row := tx.QueryRowContext(ctx,
				"SELECT "+tokenColumns+" FROM client_token WHERE secret = ? AND is_active = 1", secret)
			t, err := scanClientToken(row)
			if err != nil {
				if trace.IsNotFound(err) {
					continue
				}
				return trace.Wrap(err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE client_token SET is_active = 0 WHERE id = ?", t.ID); err != nil {
				return convertError(err)
			}
			t.IsActive = false
			affected = append(affected, *t)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return affected, nil
}

// CreateEnrollmentCode persists a one-time enrollment code.
func (s *Store) CreateEnrollmentCode(ctx context.Context, code types.EnrollmentCode) (*types.EnrollmentCode, error) {
	if err := code.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO enrollment_code (id, client_id, code, expires_at, used_at, device_hint)
VALUES (?, ?, ?, ?, ?, ?)`,
		code.ID, code.ClientID, code.Code, unix(code.ExpiresAt), unix(code.UsedAt), code.DeviceHint)
	if err != nil {
		return nil, convertError(err)
	}
	return &code, nil
}

// RedeemEnrollmentCode consumes an unexpired, unused code. The
// conditional UPDATE makes redemption single-shot under concurrency:
// whoever flips used_at first wins, everyone else gets NotFound.
// Unknown, expired and already consumed codes are indistinguishable to
// the caller. A non-empty deviceHint replaces the hint recorded at
// creation; an empty one keeps it.
func (s *Store) RedeemEnrollmentCode(ctx context.Context, code, deviceHint string, now time.Time) (*types.EnrollmentCode, error) {
	var out *types.EnrollmentCode
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE enrollment_code
SET used_at = ?, device_hint = CASE WHEN ? = '' THEN device_hint ELSE ? END
WHERE code = ? AND used_at = 0 AND expires_at > ?`,
			unix(now), deviceHint, deviceHint, code, unix(now))
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("enrollment code is unknown, expired or already used")
		}
		row := tx.QueryRowContext(ctx, `
SELECT id, client_id, code, expires_at, used_at, device_hint
FROM enrollment_code WHERE code = ?`, code)
		var e types.EnrollmentCode
		var expiresAt, usedAt int64
		if err := row.Scan(&e.ID, &e.ClientID, &e.Code, &expiresAt, &usedAt, &e.DeviceHint); err != nil {
			return convertError(err)
		}
		e.ExpiresAt = at(expiresAt)
		e.UsedAt = at(usedAt)
		out = &e
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
