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

const clientColumns = `id, name, owner, is_lighthouse, public_ip, is_blocked,
	config_dirty_at, last_delivered_at, client_version, nebula_version, created_at`

func scanClient(row interface{ Scan(...any) error }) (*types.Client, error) {
	var c types.Client
	var isLighthouse, isBlocked int64
	var dirtyAt, deliveredAt, createdAt int64
	err := row.Scan(&c.ID, &c.Name, &c.Owner, &isLighthouse, &c.PublicIP, &isBlocked,
		&dirtyAt, &deliveredAt, &c.ClientVersion, &c.NebulaVersion, &createdAt)
	if err != nil {
		return nil, convertError(err)
	}
	c.IsLighthouse = isLighthouse != 0
	c.IsBlocked = isBlocked != 0
	c.ConfigDirtyAt = at(dirtyAt)
	c.LastDeliveredAt = at(deliveredAt)
	c.CreatedAt = at(createdAt)
	return &c, nil
}

// CreateClient persists a new client. The client starts dirty so the
// first bundle fetch always assembles.
func (s *Store) CreateClient(ctx context.Context, client types.Client) (*types.Client, error) {
	if err := client.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	if client.ConfigDirtyAt.IsZero() {
		client.ConfigDirtyAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO client (`+clientColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.Owner, boolInt(client.IsLighthouse), client.PublicIP,
		boolInt(client.IsBlocked), unix(client.ConfigDirtyAt), unix(client.LastDeliveredAt),
		client.ClientVersion, client.NebulaVersion, unix(client.CreatedAt))
	if err != nil {
		return nil, convertError(err)
	}
	return &client, nil
}

// GetClient returns a client without relations.
func (s *Store) GetClient(ctx context.Context, id string) (*types.Client, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+clientColumns+" FROM client WHERE id = ?", id)
	c, err := scanClient(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("client %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// GetClientByName returns a client by its unique name.
func (s *Store) GetClientByName(ctx context.Context, name string) (*types.Client, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+clientColumns+" FROM client WHERE name = ?", name)
	c, err := scanClient(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("client %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// GetClientWithRelations returns a client with groups, rulesets and
// address assignments loaded.
func (s *Store) GetClientWithRelations(ctx context.Context, id string) (*types.Client, error) {
	c, err := s.GetClient(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if c.Groups, err = s.clientGroups(ctx, id); err != nil {
		return nil, trace.Wrap(err)
	}
	if c.Rulesets, err = s.clientRulesets(ctx, id); err != nil {
		return nil, trace.Wrap(err)
	}
	if c.Assignments, err = s.clientAssignments(ctx, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

func (s *Store) clientGroups(ctx context.Context, clientID string) ([]types.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT g.id, g.name, g.owner FROM mesh_group g
JOIN client_group cg ON cg.group_id = g.id
WHERE cg.client_id = ? ORDER BY g.name`, clientID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.Group
	for rows.Next() {
		var g types.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Owner); err != nil {
			return nil, convertError(err)
		}
		out = append(out, g)
	}
	return out, convertError(rows.Err())
}

func (s *Store) clientRulesets(ctx context.Context, clientID string) ([]types.FirewallRuleset, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.name FROM firewall_ruleset r
JOIN client_ruleset cr ON cr.ruleset_id = r.id
WHERE cr.client_id = ? ORDER BY r.name`, clientID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.FirewallRuleset
	for rows.Next() {
		var r types.FirewallRuleset
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, convertError(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, convertError(err)
	}
	for i := range out {
		rules, err := s.rulesetRules(ctx, out[i].ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[i].Rules = rules
	}
	return out, nil
}

func (s *Store) clientAssignments(ctx context.Context, clientID string) ([]types.IPAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, client_id, pool_id, ip_group_id, ip_address, is_primary
FROM ip_assignment WHERE client_id = ? ORDER BY ip_address`, clientID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]types.IPAssignment, error) {
	var out []types.IPAssignment
	for rows.Next() {
		var a types.IPAssignment
		var isPrimary int64
		if err := rows.Scan(&a.ID, &a.ClientID, &a.PoolID, &a.IPGroupID, &a.IPAddress, &isPrimary); err != nil {
			return nil, convertError(err)
		}
		a.IsPrimary = isPrimary != 0
		out = append(out, a)
	}
	return out, convertError(rows.Err())
}

// ListClients returns all clients ordered by name, relations not
// loaded.
func (s *Store) ListClients(ctx context.Context) ([]types.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM client ORDER BY name")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	return out, convertError(rows.Err())
}

// DeleteClient removes a client. Assignments, certificates, tokens and
// enrollment codes cascade with it.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM client WHERE id = ?", id)
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("client %q not found", id)
		}
		return nil
	})
}

// SetClientGroups replaces the group set of the client and marks it
// dirty.
func (s *Store) SetClientGroups(ctx context.Context, clientID string, groupIDs []string) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchClientTx(ctx, tx, clientID, now); err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM client_group WHERE client_id = ?", clientID); err != nil {
			return convertError(err)
		}
		for _, gid := range groupIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO client_group (client_id, group_id) VALUES (?, ?)",
				clientID, gid); err != nil {
				return convertError(err)
			}
		}
		return nil
	})
}

// SetClientRulesets replaces the ruleset set of the client and marks it
// dirty.
func (s *Store) SetClientRulesets(ctx context.Context, clientID string, rulesetIDs []string) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchClientTx(ctx, tx, clientID, now); err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM client_ruleset WHERE client_id = ?", clientID); err != nil {
			return convertError(err)
		}
		for _, rid := range rulesetIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO client_ruleset (client_id, ruleset_id) VALUES (?, ?)",
				clientID, rid); err != nil {
				return convertError(err)
			}
		}
		return nil
	})
}

// SetClientBlocked flips the blocked flag and marks the client dirty.
func (s *Store) SetClientBlocked(ctx context.Context, clientID string, blocked bool) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE client SET is_blocked = ?, config_dirty_at = ? WHERE id = ?",
			boolInt(blocked), unix(now), clientID)
		if err != nil {
			return convertError(err)
		}
		return requireAffected(res, clientID)
	})
}

// SetClientLighthouse updates the lighthouse role of the client. A
// public address change invalidates static_host_map entries mesh wide,
// so every client sharing a pool with this one is marked dirty too.
func (s *Store) SetClientLighthouse(ctx context.Context, clientID string, lighthouse bool, publicIP string) error {
	c := types.Client{ID: clientID, Name: "placeholder", IsLighthouse: lighthouse, PublicIP: publicIP}
	if err := c.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var prevIP string
		var prevLighthouse int64
		err := tx.QueryRowContext(ctx,
			"SELECT public_ip, is_lighthouse FROM client WHERE id = ?", clientID).
			Scan(&prevIP, &prevLighthouse)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("client %q not found", clientID)
			}
			return convertError(err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE client SET is_lighthouse = ?, public_ip = ?, config_dirty_at = ? WHERE id = ?",
			boolInt(lighthouse), publicIP, unix(now), clientID)
		if err != nil {
			return convertError(err)
		}
		changed := prevIP != publicIP || (prevLighthouse != 0) != lighthouse
		if !changed {
			return nil
		}
		// Dirty every client holding an assignment in any pool this
		// client is assigned to.
		_, err = tx.ExecContext(ctx, `
UPDATE client SET config_dirty_at = ? WHERE id IN (
	SELECT DISTINCT peer.client_id FROM ip_assignment peer
	JOIN ip_assignment own ON own.pool_id = peer.pool_id
	WHERE own.client_id = ?)`, unix(now), clientID)
		return convertError(err)
	})
}

// GetLighthousesForPool returns the lighthouses holding an assignment
// in the pool, assignments loaded, ordered by name.
func (s *Store) GetLighthousesForPool(ctx context.Context, poolID string) ([]types.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT `+prefixedClientColumns("c")+` FROM client c
JOIN ip_assignment a ON a.client_id = c.id
WHERE c.is_lighthouse = 1 AND a.pool_id = ?
ORDER BY c.name`, poolID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, convertError(err)
	}
	for i := range out {
		assignments, err := s.clientAssignments(ctx, out[i].ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[i].Assignments = assignments
	}
	return out, nil
}

// MarkClientDirty advances config_dirty_at for one client.
func (s *Store) MarkClientDirty(ctx context.Context, clientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE client SET config_dirty_at = ? WHERE id = ?", unix(now), clientID)
	if err != nil {
		return convertError(err)
	}
	return requireAffected(res, clientID)
}

// MarkAllClientsDirty advances config_dirty_at for every client.
func (s *Store) MarkAllClientsDirty(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE client SET config_dirty_at = ?", unix(now))
	return convertError(err)
}

// RecordClientVersions stores the versions last reported by the agent.
// Metadata only: the client is not marked dirty.
func (s *Store) RecordClientVersions(ctx context.Context, clientID, clientVersion, nebulaVersion string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE client SET client_version = ?, nebula_version = ? WHERE id = ?",
		clientVersion, nebulaVersion, clientID)
	return convertError(err)
}

// StampDelivered records a successful bundle delivery. config_dirty_at
// is left alone: the agent decides freshness by content, not by a
// server side flag.
func (s *Store) StampDelivered(ctx context.Context, clientID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE client SET last_delivered_at = ? WHERE id = ?", unix(now), clientID)
	return convertError(err)
}

func touchClientTx(ctx context.Context, tx *sql.Tx, clientID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE client SET config_dirty_at = ? WHERE id = ?", unix(now), clientID)
	if err != nil {
		return convertError(err)
	}
	return requireAffected(res, clientID)
}

func requireAffected(res sql.Result, clientID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("client %q not found", clientID)
	}
	return nil
}

func prefixedClientColumns(alias string) string {
	return alias + `.id, ` + alias + `.name, ` + alias + `.owner, ` + alias + `.is_lighthouse,
	` + alias + `.public_ip, ` + alias + `.is_blocked, ` + alias + `.config_dirty_at,
	` + alias + `.last_delivered_at, ` + alias + `.client_version, ` + alias + `.nebula_version,
	` + alias + `.created_at`
}
