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
	"fmt"

	"github.com/gravitational/trace"
)

// migrations is the ordered list of schema steps. Every statement is
// guarded (IF NOT EXISTS) so replaying a step is a no-op; the
// user_version pragma records the last applied step.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS ca (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	not_before INTEGER NOT NULL,
	not_after INTEGER NOT NULL,
	cert_pem TEXT NOT NULL,
	key_pem TEXT NOT NULL DEFAULT '',
	can_sign INTEGER NOT NULL DEFAULT 0,
	include_in_chain INTEGER NOT NULL DEFAULT 0,
	is_current INTEGER NOT NULL DEFAULT 0,
	is_previous INTEGER NOT NULL DEFAULT 0,
	previous_since INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ca_single_current
	ON ca (is_current) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS client (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL DEFAULT '',
	is_lighthouse INTEGER NOT NULL DEFAULT 0,
	public_ip TEXT NOT NULL DEFAULT '',
	is_blocked INTEGER NOT NULL DEFAULT 0,
	config_dirty_at INTEGER NOT NULL DEFAULT 0,
	last_delivered_at INTEGER NOT NULL DEFAULT 0,
	client_version TEXT NOT NULL DEFAULT '',
	nebula_version TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mesh_group (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	parent TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS client_group (
	client_id TEXT NOT NULL REFERENCES client (id) ON DELETE CASCADE,
	group_id TEXT NOT NULL REFERENCES mesh_group (id),
	PRIMARY KEY (client_id, group_id)
);

CREATE TABLE IF NOT EXISTS firewall_ruleset (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS firewall_rule (
	id TEXT PRIMARY KEY,
	ruleset_id TEXT NOT NULL REFERENCES firewall_ruleset (id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	direction TEXT NOT NULL,
	port TEXT NOT NULL,
	proto TEXT NOT NULL,
	selector_kind TEXT NOT NULL,
	selector_value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS client_ruleset (
	client_id TEXT NOT NULL REFERENCES client (id) ON DELETE CASCADE,
	ruleset_id TEXT NOT NULL REFERENCES firewall_ruleset (id),
	PRIMARY KEY (client_id, ruleset_id)
);

CREATE TABLE IF NOT EXISTS ip_pool (
	id TEXT PRIMARY KEY,
	cidr TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ip_group (
	id TEXT PRIMARY KEY,
	pool_id TEXT NOT NULL REFERENCES ip_pool (id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	start_ip TEXT NOT NULL,
	end_ip TEXT NOT NULL,
	UNIQUE (pool_id, name)
);

CREATE TABLE IF NOT EXISTS ip_assignment (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES client (id) ON DELETE CASCADE,
	pool_id TEXT NOT NULL REFERENCES ip_pool (id),
	ip_group_id TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL,
	is_primary INTEGER NOT NULL DEFAULT 0,
	UNIQUE (pool_id, ip_address)
);
CREATE UNIQUE INDEX IF NOT EXISTS ip_assignment_single_primary
	ON ip_assignment (client_id) WHERE is_primary = 1;

CREATE TABLE IF NOT EXISTS client_certificate (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES client (id) ON DELETE CASCADE,
	fingerprint TEXT NOT NULL UNIQUE,
	serial TEXT NOT NULL DEFAULT '',
	not_before INTEGER NOT NULL,
	not_after INTEGER NOT NULL,
	issued_for_ip_cidr TEXT NOT NULL,
	issued_for_groups_hash TEXT NOT NULL,
	revoked INTEGER NOT NULL DEFAULT 0,
	revoked_at INTEGER NOT NULL DEFAULT 0,
	ca_id TEXT NOT NULL REFERENCES ca (id),
	cert_pem TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS client_certificate_by_client
	ON client_certificate (client_id, created_at);

CREATE TABLE IF NOT EXISTS client_token (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES client (id) ON DELETE CASCADE,
	secret TEXT NOT NULL UNIQUE,
	prefix TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS enrollment_code (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES client (id) ON DELETE CASCADE,
	code TEXT NOT NULL UNIQUE,
	expires_at INTEGER NOT NULL,
	used_at INTEGER NOT NULL DEFAULT 0,
	device_hint TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_event (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	token_prefix TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`,
}

// migrate applies pending schema steps. Safe to call repeatedly and
// from multiple instances: steps are replay safe and run in a
// transaction holding the write lock.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return trace.Wrap(err)
	}
	for i := version; i < len(migrations); i++ {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return trace.Wrap(err, "schema migration %d", i+1)
			}
			return nil
		})
		if err != nil {
			return trace.Wrap(err)
		}
		// PRAGMA cannot be parameterized and does not run inside the
		// transaction above on all driver versions, so set it after a
		// successful step.
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
