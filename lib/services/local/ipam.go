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
	"net/netip"

	"github.com/gravitational/trace"

	"github.com/pharosvpn/pharos/lib/ipalloc"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/types"
)

// CreateIPPool persists a pool.
func (s *Store) CreateIPPool(ctx context.Context, pool types.IPPool) (*types.IPPool, error) {
	if err := pool.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ip_pool (id, cidr, description) VALUES (?, ?, ?)",
		pool.ID, pool.CIDR, pool.Description)
	if err != nil {
		return nil, convertError(err)
	}
	return &pool, nil
}

// GetIPPool returns a pool by id.
func (s *Store) GetIPPool(ctx context.Context, id string) (*types.IPPool, error) {
	var p types.IPPool
	err := s.db.QueryRowContext(ctx,
		"SELECT id, cidr, description FROM ip_pool WHERE id = ?", id).
		Scan(&p.ID, &p.CIDR, &p.Description)
	if err != nil {
		if trace.IsNotFound(convertError(err)) {
			return nil, trace.NotFound("ip pool %q not found", id)
		}
		return nil, convertError(err)
	}
	return &p, nil
}

// ListIPPools returns all pools.
func (s *Store) ListIPPools(ctx context.Context) ([]types.IPPool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, cidr, description FROM ip_pool ORDER BY cidr")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.IPPool
	for rows.Next() {
		var p types.IPPool
		if err := rows.Scan(&p.ID, &p.CIDR, &p.Description); err != nil {
			return nil, convertError(err)
		}
		out = append(out, p)
	}
	return out, convertError(rows.Err())
}

// DeleteIPPool removes a pool. Deletion is refused while assignments
// exist.
func (s *Store) DeleteIPPool(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var assigned int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM ip_assignment WHERE pool_id = ?", id).Scan(&assigned); err != nil {
			return convertError(err)
		}
		if assigned > 0 {
			return trace.BadParameter("ip pool %q still has %d assignment(s)", id, assigned)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM ip_pool WHERE id = ?", id)
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("ip pool %q not found", id)
		}
		return nil
	})
}

// CreateIPGroup persists a sub-range after checking containment in the
// pool host range and overlap with sibling groups.
func (s *Store) CreateIPGroup(ctx context.Context, group types.IPGroup) (*types.IPGroup, error) {
	if err := group.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	start, end, err := group.Range()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var cidr string
		err := tx.QueryRowContext(ctx,
			"SELECT cidr FROM ip_pool WHERE id = ?", group.PoolID).Scan(&cidr)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("ip pool %q not found", group.PoolID)
			}
			return convertError(err)
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return trace.Wrap(err)
		}
		first, last := ipalloc.HostRange(prefix)
		if start.Less(first) || last.Less(end) {
			return trace.BadParameter("ip group %q range %v-%v is outside pool host range %v-%v",
				group.Name, start, end, first, last)
		}
		rows, err := tx.QueryContext(ctx,
			"SELECT name, start_ip, end_ip FROM ip_group WHERE pool_id = ?", group.PoolID)
		if err != nil {
			return convertError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var name, otherStart, otherEnd string
			if err := rows.Scan(&name, &otherStart, &otherEnd); err != nil {
				return convertError(err)
			}
			os, err := netip.ParseAddr(otherStart)
			if err != nil {
				return trace.Wrap(err)
			}
			oe, err := netip.ParseAddr(otherEnd)
			if err != nil {
				return trace.Wrap(err)
			}
			if !end.Less(os) && !oe.Less(start) {
				return trace.BadParameter("ip group %q overlaps existing group %q (%v-%v)",
					group.Name, name, os, oe)
			}
		}
		if err := rows.Err(); err != nil {
			return convertError(err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO ip_group (id, pool_id, name, start_ip, end_ip) VALUES (?, ?, ?, ?, ?)",
			group.ID, group.PoolID, group.Name, group.StartIP, group.EndIP)
		return convertError(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &group, nil
}

// GetIPGroup returns a sub-range by id.
func (s *Store) GetIPGroup(ctx context.Context, id string) (*types.IPGroup, error) {
	var g types.IPGroup
	err := s.db.QueryRowContext(ctx,
		"SELECT id, pool_id, name, start_ip, end_ip FROM ip_group WHERE id = ?", id).
		Scan(&g.ID, &g.PoolID, &g.Name, &g.StartIP, &g.EndIP)
	if err != nil {
		if trace.IsNotFound(convertError(err)) {
			return nil, trace.NotFound("ip group %q not found", id)
		}
		return nil, convertError(err)
	}
	return &g, nil
}

// ListIPGroups returns the sub-ranges of a pool.
func (s *Store) ListIPGroups(ctx context.Context, poolID string) ([]types.IPGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, pool_id, name, start_ip, end_ip FROM ip_group WHERE pool_id = ? ORDER BY name", poolID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []types.IPGroup
	for rows.Next() {
		var g types.IPGroup
		if err := rows.Scan(&g.ID, &g.PoolID, &g.Name, &g.StartIP, &g.EndIP); err != nil {
			return nil, convertError(err)
		}
		out = append(out, g)
	}
	return out, convertError(rows.Err())
}

// DeleteIPGroup removes a sub-range. Deletion is refused while
// assignments drawn from it exist.
func (s *Store) DeleteIPGroup(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var assigned int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM ip_assignment WHERE ip_group_id = ?", id).Scan(&assigned); err != nil {
			return convertError(err)
		}
		if assigned > 0 {
			return trace.BadParameter("ip group %q still has %d assignment(s)", id, assigned)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM ip_group WHERE id = ?", id)
		if err != nil {
			return convertError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("ip group %q not found", id)
		}
		return nil
	})
}

// AllocateIP assigns an address. The whole allocation runs inside one
// immediate transaction: the database write lock serializes concurrent
// allocations, and the UNIQUE (pool, ip) constraint backstops the
// invariant if the lease discipline is ever broken. The first
// assignment of a client is always primary; promoting a later
// assignment demotes the old primary. The client is marked dirty.
func (s *Store) AllocateIP(ctx context.Context, req services.AllocateIPRequest) (*types.IPAssignment, error) {
	if req.ClientID == "" {
		return nil, trace.BadParameter("missing allocation client")
	}
	if req.PoolID == "" {
		return nil, trace.BadParameter("missing allocation pool")
	}
	now := s.clock.Now().UTC()
	var out *types.IPAssignment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cidr string
		err := tx.QueryRowContext(ctx,
			"SELECT cidr FROM ip_pool WHERE id = ?", req.PoolID).Scan(&cidr)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("ip pool %q not found", req.PoolID)
			}
			return convertError(err)
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return trace.Wrap(err)
		}

		alloc := ipalloc.Request{Pool: prefix}
		if req.IPGroupID != "" {
			var poolID, startIP, endIP string
			err := tx.QueryRowContext(ctx,
				"SELECT pool_id, start_ip, end_ip FROM ip_group WHERE id = ?", req.IPGroupID).
				Scan(&poolID, &startIP, &endIP)
			if err != nil {
				if trace.IsNotFound(convertError(err)) {
					return trace.NotFound("ip group %q not found", req.IPGroupID)
				}
				return convertError(err)
			}
			if poolID != req.PoolID {
				return trace.BadParameter("ip group %q belongs to a different pool", req.IPGroupID)
			}
			if alloc.Start, err = netip.ParseAddr(startIP); err != nil {
				return trace.Wrap(err)
			}
			if alloc.End, err = netip.ParseAddr(endIP); err != nil {
				return trace.Wrap(err)
			}
		}
		if req.RequestedIP != "" {
			requested, err := netip.ParseAddr(req.RequestedIP)
			if err != nil {
				return trace.BadParameter("invalid requested address %q: %v", req.RequestedIP, err)
			}
			alloc.Requested = requested
		}

		taken := make(map[netip.Addr]bool)
		rows, err := tx.QueryContext(ctx,
			"SELECT ip_address FROM ip_assignment WHERE pool_id = ?", req.PoolID)
		if err != nil {
			return convertError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var ip string
			if err := rows.Scan(&ip); err != nil {
				return convertError(err)
			}
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				return trace.Wrap(err)
			}
			taken[addr] = true
		}
		if err := rows.Err(); err != nil {
			return convertError(err)
		}
		alloc.Taken = func(a netip.Addr) bool { return taken[a] }

		addr, err := ipalloc.Allocate(alloc)
		if err != nil {
			return trace.Wrap(err)
		}

		var existing int64
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM ip_assignment WHERE client_id = ?", req.ClientID).Scan(&existing); err != nil {
			return convertError(err)
		}
		primary := req.Primary || existing == 0
		if primary {
			if _, err := tx.ExecContext(ctx,
				"UPDATE ip_assignment SET is_primary = 0 WHERE client_id = ?", req.ClientID); err != nil {
				return convertError(err)
			}
		}

		assignment := types.IPAssignment{
			ClientID:  req.ClientID,
			PoolID:    req.PoolID,
			IPGroupID: req.IPGroupID,
			IPAddress: addr.String(),
			IsPrimary: primary,
		}
		if err := assignment.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO ip_assignment (id, client_id, pool_id, ip_group_id, ip_address, is_primary)
VALUES (?, ?, ?, ?, ?, ?)`,
			assignment.ID, assignment.ClientID, assignment.PoolID, assignment.IPGroupID,
			assignment.IPAddress, boolInt(assignment.IsPrimary))
		if err != nil {
			return convertError(err)
		}
		if err := touchClientTx(ctx, tx, req.ClientID, now); err != nil {
			return trace.Wrap(err)
		}
		out = &assignment
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// ReleaseIP drops an assignment and marks the client dirty. When the
// primary is released the numerically smallest remaining address is
// promoted so the client never lacks a primary while addressed.
func (s *Store) ReleaseIP(ctx context.Context, assignmentID string) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var clientID string
		var wasPrimary int64
		err := tx.QueryRowContext(ctx,
			"SELECT client_id, is_primary FROM ip_assignment WHERE id = ?", assignmentID).
			Scan(&clientID, &wasPrimary)
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return trace.NotFound("ip assignment %q not found", assignmentID)
			}
			return convertError(err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM ip_assignment WHERE id = ?", assignmentID); err != nil {
			return convertError(err)
		}
		if wasPrimary != 0 {
			rows, err := tx.QueryContext(ctx,
				"SELECT id, ip_address FROM ip_assignment WHERE client_id = ?", clientID)
			if err != nil {
				return convertError(err)
			}
			defer rows.Close()
			var bestID string
			var best netip.Addr
			for rows.Next() {
				var id, ip string
				if err := rows.Scan(&id, &ip); err != nil {
					return convertError(err)
				}
				addr, err := netip.ParseAddr(ip)
				if err != nil {
					return trace.Wrap(err)
				}
				if bestID == "" || addr.Less(best) {
					bestID, best = id, addr
				}
			}
			if err := rows.Err(); err != nil {
				return convertError(err)
			}
			if bestID != "" {
				if _, err := tx.ExecContext(ctx,
					"UPDATE ip_assignment SET is_primary = 1 WHERE id = ?", bestID); err != nil {
					return convertError(err)
				}
			}
		}
		return touchClientTx(ctx, tx, clientID, now)
	})
}

// ListIPAssignments returns the assignments of a pool.
func (s *Store) ListIPAssignments(ctx context.Context, poolID string) ([]types.IPAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, client_id, pool_id, ip_group_id, ip_address, is_primary
FROM ip_assignment WHERE pool_id = ? ORDER BY ip_address`, poolID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}
