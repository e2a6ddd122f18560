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

	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos/lib/types"
)

// EmitAuditEvent appends an audit record. Token events must carry the
// prefix only; the store never sees full secrets in audit rows.
func (s *Store) EmitAuditEvent(ctx context.Context, event types.AuditEvent) error {
	if err := event.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_event (id, kind, token_prefix, url, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Kind, event.TokenPrefix, event.URL, event.Detail, unix(event.CreatedAt))
	return convertError(err)
}

// ListAuditEvents returns audit records, newest first.
func (s *Store) ListAuditEvents(ctx context.Context) ([]types.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, token_prefix, url, detail, created_at
FROM audit_event ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.TokenPrefix, &e.URL, &e.Detail, &createdAt); err != nil {
			return nil, convertError(err)
		}
		e.CreatedAt = at(createdAt)
		out = append(out, e)
	}
	return out, convertError(rows.Err())
}
