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

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos/lib/types"
)

// CreateGroup persists a group. Hierarchy is by name: "a:b:c" requires
// "a:b" to exist first.
func (s *Store) CreateGroup(ctx context.Context, group types.Group) (*types.Group, error) {
	if err := group.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if parent := group.Parent(); parent != "" {
			var n int64
			if err := tx.QueryRowContext(ctx,
				"SELECT count(*) FROM mesh_group WHERE name = ?", parent).Scan(&n); err != nil {
				return convertError(err)
			}
			if n == 0 {
				return trace.BadParameter("parent group %q does not exist", parent)
			}
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO mesh_group (id, name, parent, owner) VALUES (?, ?, ?, ?)",
			group.ID, group.Name, group.Parent(), group.Owner)
		return convertError(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &group, nil
}

// GetGroup returns a group by id.
func (s *Store) GetGroup(ctx context.Context, id string) (*types.Group, error) {
	var g types.Group
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, owner FROM mesh_group WHERE id = ?", id).
		Scan(&g.ID, &g.Name, &g.Owner)
	if err != nil {
		if trace.IsNotFound(convertError(err)) {
			return nil, trace.NotFound("group %q not found", id)
		}
		return nil, convertError(err)
	}
	return &g, nil
}

// GetGroupByName returns a group by its unique name.
func (s *Store) GetGroupByName(ctx context.Context, name string) (*types.Group, error) {
	var g types.Group
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, owner FROM mesh_group WHERE name = ?", name).
		Scan(&g.ID, &g.Name, &g.Owner)
	if err != nil {
		if trace.IsNotFound(convertError(err)) {
			return nil, trace.NotFound("group %q not found", name)
		}
		return nil, convertError(err)
	}
	return &g, nil
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]types.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, owner FROM mesh_group ORDER BY name")
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

// RenameGroup renames a leaf group. Renaming changes the group set
// embedded in member certificates, so directly assigned clients are
// marked dirty. Groups with subgroups cannot be renamed: the children
// encode the old path in their names.
func (s *Store) RenameGroup(ctx context.Context, id, newName string) error {
	check := types.Group{ID: id, Name: newName}
	if err := check.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var oldName string
		err := tx.QueryRowContext(ctx,
			"SELECT name FROM mesh_group WHERE id = ?", id).Scan(&oldName)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("group %q not found", id)
			}
			return convertError(err)
		}
		var children int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM mesh_group WHERE parent = ?", oldName).Scan(&children); err != nil {
			return convertError(err)
		}
		if children > 0 {
			return trace.BadParameter("group %q has subgroups and cannot be renamed", oldName)
		}
		if parent := types.GroupParent(newName); parent != "" {
			var n int64
			if err := tx.QueryRowContext(ctx,
				"SELECT count(*) FROM mesh_group WHERE name = ?", parent).Scan(&n); err != nil {
				return convertError(err)
			}
			if n == 0 {
				return trace.BadParameter("parent group %q does not exist", parent)
			}
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE mesh_group SET name = ?, parent = ? WHERE id = ?",
			newName, types.GroupParent(newName), id)
		if err != nil {
			return convertError(err)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE client SET config_dirty_at = ? WHERE id IN (
	SELECT client_id FROM client_group WHERE group_id = ?)`, unix(now), id)
		return convertError(err)
	})
}

// DeleteGroup removes a group. Deletion is refused while clients are
// assigned to it, firewall rules reference it by name, or subgroups
// exist.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx,
			"SELECT name FROM mesh_group WHERE id = ?", id).Scan(&name)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("group %q not found", id)
			}
			return convertError(err)
		}
		var members int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM client_group WHERE group_id = ?", id).Scan(&members); err != nil {
			return convertError(err)
		}
		if members > 0 {
			return trace.BadParameter("group %q is assigned to %d client(s)", name, members)
		}
		var children int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM mesh_group WHERE parent = ?", name).Scan(&children); err != nil {
			return convertError(err)
		}
		if children > 0 {
			return trace.BadParameter("group %q has subgroups", name)
		}
		// Group selectors store the comma joined sorted name list;
		// match the name as an exact list element.
		var referencing int64
		if err := tx.QueryRowContext(ctx, `
SELECT count(*) FROM firewall_rule
WHERE selector_kind = ? AND (selector_value = ?
	OR selector_value LIKE ? OR selector_value LIKE ? OR selector_value LIKE ?)`,
			string(types.SelectorGroups), name,
			name+",%", "%,"+name, "%,"+name+",%").Scan(&referencing); err != nil {
			return convertError(err)
		}
		if referencing > 0 {
			return trace.BadParameter("group %q is referenced by %d firewall rule(s)", name, referencing)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM mesh_group WHERE id = ?", id)
		return convertError(err)
	})
}

// CreateRuleset persists a ruleset with its ordered rules.
func (s *Store) CreateRuleset(ctx context.Context, ruleset types.FirewallRuleset) (*types.FirewallRuleset, error) {
	if err := ruleset.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO firewall_ruleset (id, name) VALUES (?, ?)",
			ruleset.ID, ruleset.Name); err != nil {
			return convertError(err)
		}
		return insertRulesTx(ctx, tx, ruleset.ID, ruleset.Rules)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ruleset, nil
}

// GetRuleset returns a ruleset with its rules in order.
func (s *Store) GetRuleset(ctx context.Context, id string) (*types.FirewallRuleset, error) {
	var rs types.FirewallRuleset
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name FROM firewall_ruleset WHERE id = ?", id).
		Scan(&rs.ID, &rs.Name)
	if err != nil {
		if trace.IsNotFound(convertError(err)) {
			return nil, trace.NotFound("firewall ruleset %q not found", id)
		}
		return nil, convertError(err)
	}
	rs.Rules, err = s.rulesetRules(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &rs, nil
}

// ListRulesets returns all rulesets with their rules.
func (s *Store) ListRulesets(ctx context.Context) ([]types.FirewallRuleset, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name FROM firewall_ruleset ORDER BY name")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.FirewallRuleset
	for rows.Next() {
		var rs types.FirewallRuleset
		if err := rows.Scan(&rs.ID, &rs.Name); err != nil {
			return nil, convertError(err)
		}
		out = append(out, rs)
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

// UpdateRuleset replaces the rules of a ruleset and marks every client
// referencing it dirty.
func (s *Store) UpdateRuleset(ctx context.Context, ruleset types.FirewallRuleset) error {
	if err := ruleset.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE firewall_ruleset SET name = ? WHERE id = ?", ruleset.Name, ruleset.ID)
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("firewall ruleset %q not found", ruleset.ID)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM firewall_rule WHERE ruleset_id = ?", ruleset.ID); err != nil {
			return convertError(err)
		}
		if err := insertRulesTx(ctx, tx, ruleset.ID, ruleset.Rules); err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE client SET config_dirty_at = ? WHERE id IN (
	SELECT client_id FROM client_ruleset WHERE ruleset_id = ?)`, unix(now), ruleset.ID)
		return convertError(err)
	})
}

// DeleteRuleset removes a ruleset and its client assignments, marking
// affected clients dirty.
func (s *Store) DeleteRuleset(ctx context.Context, id string) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE client SET config_dirty_at = ? WHERE id IN (
	SELECT client_id FROM client_ruleset WHERE ruleset_id = ?)`, unix(now), id); err != nil {
			return convertError(err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM client_ruleset WHERE ruleset_id = ?", id); err != nil {
			return convertError(err)
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM firewall_ruleset WHERE id = ?", id)
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("firewall ruleset %q not found", id)
		}
		return nil
	})
}

func insertRulesTx(ctx context.Context, tx *sql.Tx, rulesetID string, rules []types.FirewallRule) error {
	for i := range rules {
		r := &rules[i]
		_, err := tx.ExecContext(ctx, `
INSERT INTO firewall_rule (id, ruleset_id, position, direction, port, proto, selector_kind, selector_value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), rulesetID, i, string(r.Direction), r.Port, string(r.Proto),
			string(r.SelectorKind()), r.SelectorValue())
		if err != nil {
			return convertError(err)
		}
	}
	return nil
}

func (s *Store) rulesetRules(ctx context.Context, rulesetID string) ([]types.FirewallRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT direction, port, proto, selector_kind, selector_value
FROM firewall_rule WHERE ruleset_id = ? ORDER BY position`, rulesetID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.FirewallRule
	for rows.Next() {
		var direction, port, proto, kind, value string
		if err := rows.Scan(&direction, &port, &proto, &kind, &value); err != nil {
			return nil, convertError(err)
		}
		r := types.FirewallRule{
			Direction: types.Direction(direction),
			Port:      port,
			Proto:     types.Protocol(proto),
		}
		switch types.SelectorKind(kind) {
		case types.SelectorHost:
			r.Host = value
		case types.SelectorCIDR:
			r.CIDR = value
		case types.SelectorGroups:
			r.Groups = strings.Split(value, ",")
		case types.SelectorCAName:
			r.CAName = value
		case types.SelectorCASha:
			r.CASha = value
		}
		out = append(out, r)
	}
	return out, convertError(rows.Err())
}
