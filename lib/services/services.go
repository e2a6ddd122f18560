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

// Package services defines the policy store interfaces of the control
// plane. The store is the single authority on intent: mutators enforce
// the data model invariants and advance config_dirty_at on every
// client whose emitted bundle could change.
package services

import (
	"context"
	"time"

	"github.com/pharosvpn/pharos/lib/types"
)

// Trust manages certificate authorities.
type Trust interface {
	// CreateCertAuthority persists a new authority. When no current
	// authority exists the new one is activated immediately.
	CreateCertAuthority(ctx context.Context, authority types.CertAuthority) (*types.CertAuthority, error)

	// GetCertAuthority returns an authority by id, key material
	// included.
	GetCertAuthority(ctx context.Context, id string) (*types.CertAuthority, error)

	// GetCertAuthorities returns all authorities, key material
	// stripped.
	GetCertAuthorities(ctx context.Context) ([]types.CertAuthority, error)

	// GetSigningCertAuthority returns the single current authority
	// allowed to sign, key material included. Returns a
	// ConnectionProblem error when no signing authority exists.
	GetSigningCertAuthority(ctx context.Context) (*types.CertAuthority, error)

	// GetCertAuthorityChain returns the authorities distributed to
	// agents (include_in_chain), ordered stably by id, key material
	// stripped.
	GetCertAuthorityChain(ctx context.Context) ([]types.CertAuthority, error)

	// ActivateCertAuthority makes the authority current: the previous
	// current is demoted (is_previous, can_sign=false) and every
	// client is marked config-dirty.
	ActivateCertAuthority(ctx context.Context, id string) error

	// RetireAuthorities drops from the chain every previous authority
	// whose overlap window elapsed and every authority past its
	// not_after, and clears can_sign on expired authorities. Returns
	// the number of authorities touched.
	RetireAuthorities(ctx context.Context, now time.Time, overlap time.Duration) (int, error)

	// DeleteCertAuthority removes an authority. The current authority
	// cannot be deleted.
	DeleteCertAuthority(ctx context.Context, id string) error
}

// Inventory manages clients and their relations.
type Inventory interface {
	// CreateClient persists a new client.
	CreateClient(ctx context.Context, client types.Client) (*types.Client, error)

	// GetClient returns a client without relations.
	GetClient(ctx context.Context, id string) (*types.Client, error)

	// GetClientByName returns a client by its unique name.
	GetClientByName(ctx context.Context, name string) (*types.Client, error)

	// GetClientWithRelations returns a client with groups, rulesets
	// and assignments loaded.
	GetClientWithRelations(ctx context.Context, id string) (*types.Client, error)

	// ListClients returns all clients without relations.
	ListClients(ctx context.Context) ([]types.Client, error)

	// DeleteClient removes a client and releases its addresses,
	// certificates, tokens and enrollment codes.
	DeleteClient(ctx context.Context, id string) error

	// SetClientGroups replaces the client group set and marks the
	// client dirty.
	SetClientGroups(ctx context.Context, clientID string, groupIDs []string) error

	// SetClientRulesets replaces the client ruleset set and marks the
	// client dirty.
	SetClientRulesets(ctx context.Context, clientID string, rulesetIDs []string) error

	// SetClientBlocked flips the blocked flag and marks the client
	// dirty.
	SetClientBlocked(ctx context.Context, clientID string, blocked bool) error

	// SetClientLighthouse updates the lighthouse flag and public
	// address. The client is marked dirty; on a public address change
	// every client sharing a pool with the lighthouse is marked dirty
	// too.
	SetClientLighthouse(ctx context.Context, clientID string, lighthouse bool, publicIP string) error

	// GetLighthousesForPool returns the lighthouses holding an
	// assignment in the pool, assignments loaded.
	GetLighthousesForPool(ctx context.Context, poolID string) ([]types.Client, error)

	// MarkClientDirty advances config_dirty_at for one client.
	MarkClientDirty(ctx context.Context, clientID string, now time.Time) error

	// MarkAllClientsDirty advances config_dirty_at for every client.
	MarkAllClientsDirty(ctx context.Context, now time.Time) error

	// RecordClientVersions stores the last versions reported by the
	// agent. Best effort metadata; does not mark the client dirty.
	RecordClientVersions(ctx context.Context, clientID, clientVersion, nebulaVersion string) error

	// StampDelivered records a successful bundle delivery. Does NOT
	// clear config_dirty_at: the agent decides freshness by content
	// hash.
	StampDelivered(ctx context.Context, clientID string, now time.Time) error
}

// Access manages groups and firewall rulesets.
type Access interface {
	// CreateGroup persists a group. The parent path must already
	// exist.
	CreateGroup(ctx context.Context, group types.Group) (*types.Group, error)

	// GetGroup returns a group by id.
	GetGroup(ctx context.Context, id string) (*types.Group, error)

	// GetGroupByName returns a group by its unique name.
	GetGroupByName(ctx context.Context, name string) (*types.Group, error)

	// ListGroups returns all groups ordered by name.
	ListGroups(ctx context.Context) ([]types.Group, error)

	// RenameGroup renames a leaf group and marks clients directly
	// assigned to it dirty.
	RenameGroup(ctx context.Context, id, newName string) error

	// DeleteGroup removes a group. Deletion is refused while clients
	// or rules reference the group or while subgroups exist.
	DeleteGroup(ctx context.Context, id string) error

	// CreateRuleset persists a ruleset with its rules.
	CreateRuleset(ctx context.Context, ruleset types.FirewallRuleset) (*types.FirewallRuleset, error)

	// GetRuleset returns a ruleset with rules, ordered by position.
	GetRuleset(ctx context.Context, id string) (*types.FirewallRuleset, error)

	// ListRulesets returns all rulesets with their rules.
	ListRulesets(ctx context.Context) ([]types.FirewallRuleset, error)

	// UpdateRuleset replaces the rules of a ruleset and marks every
	// client referencing it dirty.
	UpdateRuleset(ctx context.Context, ruleset types.FirewallRuleset) error

	// DeleteRuleset removes a ruleset and its assignments, marking
	// affected clients dirty.
	DeleteRuleset(ctx context.Context, id string) error
}

// AllocateIPRequest drives a single address allocation.
type AllocateIPRequest struct {
	// ClientID is the client receiving the address.
	ClientID string
	// PoolID is the pool to draw from.
	PoolID string
	// IPGroupID optionally narrows the allocation to a sub-range.
	IPGroupID string
	// RequestedIP optionally pins the address.
	RequestedIP string
	// Primary marks the assignment as the client's primary address.
	// The first assignment of a client is always primary.
	Primary bool
}

// IPAM manages pools, sub-ranges and address assignments.
type IPAM interface {
	// CreateIPPool persists a pool.
	CreateIPPool(ctx context.Context, pool types.IPPool) (*types.IPPool, error)

	// GetIPPool returns a pool by id.
	GetIPPool(ctx context.Context, id string) (*types.IPPool, error)

	// ListIPPools returns all pools.
	ListIPPools(ctx context.Context) ([]types.IPPool, error)

	// DeleteIPPool removes a pool without assignments.
	DeleteIPPool(ctx context.Context, id string) error

	// CreateIPGroup persists a sub-range after checking containment
	// in the pool and overlap with sibling groups.
	CreateIPGroup(ctx context.Context, group types.IPGroup) (*types.IPGroup, error)

	// GetIPGroup returns a sub-range by id.
	GetIPGroup(ctx context.Context, id string) (*types.IPGroup, error)

	// ListIPGroups returns the sub-ranges of a pool.
	ListIPGroups(ctx context.Context, poolID string) ([]types.IPGroup, error)

	// DeleteIPGroup removes a sub-range without assignments.
	DeleteIPGroup(ctx context.Context, id string) error

	// AllocateIP assigns an address inside a single serialized
	// transaction and marks the client dirty.
	AllocateIP(ctx context.Context, req AllocateIPRequest) (*types.IPAssignment, error)

	// ReleaseIP drops an assignment and marks the client dirty.
	ReleaseIP(ctx context.Context, assignmentID string) error

	// ListIPAssignments returns the assignments of a pool.
	ListIPAssignments(ctx context.Context, poolID string) ([]types.IPAssignment, error)
}

// Certificates manages issued client certificates.
type Certificates interface {
	// CreateClientCertificate inserts a minted certificate, checking
	// optimistically that its inputs (issuing CA, ip cidr, groups
	// hash) still match the client state; a CompareFailed error tells
	// the caller to re-read inputs and retry.
	CreateClientCertificate(ctx context.Context, cert types.ClientCertificate) (*types.ClientCertificate, error)

	// GetLatestMatchingCertificate returns the most recent non revoked
	// certificate matching the reuse key, or NotFound.
	GetLatestMatchingCertificate(ctx context.Context, clientID, caID, ipCIDR, groupsHash string) (*types.ClientCertificate, error)

	// ListClientCertificates returns the certificates of a client,
	// newest first.
	ListClientCertificates(ctx context.Context, clientID string) ([]types.ClientCertificate, error)

	// RevokeClientCertificate marks a certificate revoked.
	RevokeClientCertificate(ctx context.Context, certID string, now time.Time) error

	// ListRenewalCandidates returns ids of non blocked clients whose
	// soonest-expiring usable certificate falls inside the renewal
	// window.
	ListRenewalCandidates(ctx context.Context, now time.Time, renewBefore time.Duration) ([]string, error)

	// PruneExpiredCertificates removes certificates past expiry from
	// hot storage. Returns the number pruned.
	PruneExpiredCertificates(ctx context.Context, now time.Time) (int, error)
}

// Tokens manages client tokens and enrollment codes.
type Tokens interface {
	// CreateClientToken persists a token.
	CreateClientToken(ctx context.Context, token types.ClientToken) (*types.ClientToken, error)

	// GetClientTokenBySecret resolves a presented secret to a token
	// using a constant-time comparison across the candidate set.
	// Returns NotFound for unknown secrets; the caller checks
	// IsActive.
	GetClientTokenBySecret(ctx context.Context, secret string) (*types.ClientToken, error)

	// ListClientTokens returns the tokens of a client.
	ListClientTokens(ctx context.Context, clientID string) ([]types.ClientToken, error)

	// DeactivateClientToken clears is_active on one token.
	DeactivateClientToken(ctx context.Context, id string) error

	// DeactivateTokensBySecret deactivates every active token whose
	// secret matches, returning the affected tokens. Used by the leak
	// scanner webhook.
	DeactivateTokensBySecret(ctx context.Context, secrets []string) ([]types.ClientToken, error)

	// CreateEnrollmentCode persists a one-time enrollment code.
	CreateEnrollmentCode(ctx context.Context, code types.EnrollmentCode) (*types.EnrollmentCode, error)

	// RedeemEnrollmentCode atomically consumes an unexpired, unused
	// code, recording the device hint the enrolling agent presented.
	// Returns NotFound for unknown or already consumed codes.
	RedeemEnrollmentCode(ctx context.Context, code, deviceHint string, now time.Time) (*types.EnrollmentCode, error)
}

// Audit is the append-only audit log. Writes are best effort and must
// never block a primary operation.
type Audit interface {
	// EmitAuditEvent appends an audit record.
	EmitAuditEvent(ctx context.Context, event types.AuditEvent) error

	// ListAuditEvents returns audit records, newest first.
	ListAuditEvents(ctx context.Context) ([]types.AuditEvent, error)
}

// Store is the full policy store.
type Store interface {
	Trust
	Inventory
	Access
	IPAM
	Certificates
	Tokens
	Audit

	// Close releases the underlying database.
	Close() error
}
