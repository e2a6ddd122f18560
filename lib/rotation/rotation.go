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

// Package rotation runs the background lifecycle sweeps of the control
// plane: authority bootstrap and rotation, retirement of superseded
// authorities, renewal marking and certificate pruning. Every sweep is
// idempotent; running it twice in a row changes nothing the second
// time.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pharosvpn/pharos"
	"github.com/pharosvpn/pharos/lib/ca"
	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/types"
	"github.com/pharosvpn/pharos/lib/utils"
)

var (
	rotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pharos",
		Name:      "ca_rotations_total",
		Help:      "Number of certificate authority rotations performed.",
	})
	renewalsMarkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pharos",
		Name:      "cert_renewals_marked_total",
		Help:      "Number of clients marked dirty for certificate renewal.",
	})
	certsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pharos",
		Name:      "certs_pruned_total",
		Help:      "Number of expired certificates pruned from the store.",
	})
)

// Config holds scheduler configuration.
type Config struct {
	// Store is the policy store.
	Store services.Store
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// Interval is the wake interval of the scheduler.
	Interval time.Duration
	// CAValidity is the validity of generated authorities.
	CAValidity time.Duration
	// RotateAfter is the authority age that triggers rotation.
	RotateAfter time.Duration
	// OverlapWindow is how long a superseded authority stays in the
	// distributed chain.
	OverlapWindow time.Duration
	// RenewBefore is the remaining-lifetime threshold that marks a
	// client for certificate renewal.
	RenewBefore time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing scheduler store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = defaults.RotationInterval
	}
	if c.CAValidity <= 0 {
		c.CAValidity = defaults.CAValidity
	}
	if c.RotateAfter <= 0 {
		c.RotateAfter = defaults.CARotateAfter
	}
	if c.RotateAfter >= c.CAValidity {
		return trace.BadParameter("rotation age %v must leave overlap headroom below authority validity %v",
			c.RotateAfter, c.CAValidity)
	}
	if c.OverlapWindow <= 0 {
		c.OverlapWindow = defaults.CAOverlapWindow
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = defaults.CertRenewBefore
	}
	return nil
}

// Scheduler runs lifecycle sweeps on a coarse interval.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Scheduler. Call Run to start it.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		cfg:    cfg,
		logger: slog.With(pharos.ComponentKey, pharos.ComponentRotation),
	}, nil
}

// Run sweeps immediately and then roughly every interval until the
// context is canceled. Wakeups are jittered so control planes started
// together do not sweep in lockstep. Sweep failures are logged, never
// fatal: the next wakeup retries.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Lifecycle sweep failed.", "error", err)
	}
	jitter := utils.NewSeventhJitter()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(jitter(s.cfg.Interval)):
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Lifecycle sweep failed.", "error", err)
			}
		}
	}
}

// Sweep runs one pass: ensure a signing authority exists and is young
// enough, retire stale authorities, mark clients for renewal and prune
// expired certificates. At most one rotation happens per pass.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.cfg.Clock.Now().UTC()
	if err := s.ensureAuthority(ctx, now); err != nil {
		return trace.Wrap(err)
	}
	retired, err := s.cfg.Store.RetireAuthorities(ctx, now, s.cfg.OverlapWindow)
	if err != nil {
		return trace.Wrap(err)
	}
	if retired > 0 {
		s.logger.InfoContext(ctx, "Retired certificate authorities.", "count", retired)
	}
	s.markRenewals(ctx, now)
	pruned, err := s.cfg.Store.PruneExpiredCertificates(ctx, now)
	if err != nil {
		return trace.Wrap(err)
	}
	if pruned > 0 {
		certsPrunedTotal.Add(float64(pruned))
		s.logger.InfoContext(ctx, "Pruned expired certificates.", "count", pruned)
	}
	return nil
}

// ensureAuthority bootstraps the first authority and rotates the
// current one once it reaches the configured age.
func (s *Scheduler) ensureAuthority(ctx context.Context, now time.Time) error {
	current, err := s.cfg.Store.GetSigningCertAuthority(ctx)
	if err != nil {
		if !trace.IsConnectionProblem(err) {
			return trace.Wrap(err)
		}
		s.logger.InfoContext(ctx, "No signing authority installed, bootstrapping.")
		_, err := s.generateAuthority(ctx, now)
		return trace.Wrap(err)
	}
	if now.Sub(current.NotBefore) < s.cfg.RotateAfter {
		return nil
	}
	s.logger.InfoContext(ctx, "Rotating certificate authority.",
		"authority", current.Name, "age", now.Sub(current.NotBefore))
	next, err := s.generateAuthority(ctx, now)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Store.ActivateCertAuthority(ctx, next.ID); err != nil {
		return trace.Wrap(err)
	}
	rotationsTotal.Inc()
	s.emitAudit(ctx, types.AuditEvent{
		Kind:   types.AuditKindCARotate,
		Detail: fmt.Sprintf("rotated %s to %s", current.Name, next.Name),
	})
	return nil
}

func (s *Scheduler) generateAuthority(ctx context.Context, now time.Time) (*types.CertAuthority, error) {
	name := fmt.Sprintf("pharos-ca-%d", now.Unix())
	generated, err := ca.GenerateAuthority(ca.GenerateConfig{
		Name:  name,
		TTL:   s.cfg.CAValidity,
		Clock: s.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	authority, err := s.cfg.Store.CreateCertAuthority(ctx, types.CertAuthority{
		Name:      name,
		NotBefore: generated.NotBefore,
		NotAfter:  generated.NotAfter,
		CertPEM:   generated.CertPEM,
		KeyPEM:    generated.KeyPEM,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Generated certificate authority.",
		"authority", name, "not_after", authority.NotAfter)
	return authority, nil
}

// markRenewals dirties clients whose soonest-expiring certificate
// entered the renewal window. Per-client failures are logged and the
// sweep continues.
func (s *Scheduler) markRenewals(ctx context.Context, now time.Time) {
	candidates, err := s.cfg.Store.ListRenewalCandidates(ctx, now, s.cfg.RenewBefore)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list renewal candidates.", "error", err)
		return
	}
	for _, clientID := range candidates {
		if err := s.cfg.Store.MarkClientDirty(ctx, clientID, now); err != nil {
			s.logger.WarnContext(ctx, "Failed to mark client for renewal.",
				"client", clientID, "error", err)
			continue
		}
		renewalsMarkedTotal.Inc()
	}
	if len(candidates) > 0 {
		s.logger.InfoContext(ctx, "Marked clients for certificate renewal.", "count", len(candidates))
	}
}

// emitAudit appends an audit record, logging on failure. Audit writes
// never block lifecycle progress.
func (s *Scheduler) emitAudit(ctx context.Context, event types.AuditEvent) {
	if err := s.cfg.Store.EmitAuditEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to write audit event.", "kind", event.Kind, "error", err)
	}
}
