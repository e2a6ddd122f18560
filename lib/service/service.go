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

// Package service wires the store, the rotation scheduler and the HTTP
// API into the pharosd process and supervises their lifecycle.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pharosvpn/pharos"
	"github.com/pharosvpn/pharos/lib/assembler"
	"github.com/pharosvpn/pharos/lib/config"
	"github.com/pharosvpn/pharos/lib/defaults"
	"github.com/pharosvpn/pharos/lib/rotation"
	"github.com/pharosvpn/pharos/lib/services"
	"github.com/pharosvpn/pharos/lib/services/local"
	"github.com/pharosvpn/pharos/lib/web"
)

// Process is a running pharosd instance.
type Process struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *slog.Logger

	store     services.Store
	scheduler *rotation.Scheduler
	server    *http.Server
}

// New assembles a process from resolved configuration. Nothing starts
// listening until Run.
func New(ctx context.Context, cfg *config.Config) (*Process, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing process configuration")
	}
	clock := clockwork.NewRealClock()
	logger := slog.With(pharos.ComponentKey, pharos.ComponentProcess)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	store, err := local.New(ctx, local.Config{
		Path:  filepath.Join(cfg.DataDir, defaults.StoreFile),
		Clock: clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	asm, err := assembler.New(assembler.Config{
		Store:        store,
		Clock:        clock,
		CertValidity: cfg.CertValidity,
		RenewBefore:  cfg.RenewBefore,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	scheduler, err := rotation.New(rotation.Config{
		Store:         store,
		Clock:         clock,
		Interval:      cfg.SweepInterval,
		CAValidity:    cfg.CAValidity,
		RotateAfter:   cfg.CARotateAfter,
		OverlapWindow: cfg.CAOverlap,
		RenewBefore:   cfg.RenewBefore,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	handler, err := web.NewHandler(web.Config{
		Store:          store,
		Assembler:      asm,
		Clock:          clock,
		ScannerSecret:  cfg.ScannerSecret,
		TokenRateLimit: cfg.TokenRateLimit,
		TokenRateBurst: cfg.TokenRateBurst,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	return &Process{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		store:     store,
		scheduler: scheduler,
		server: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: handler,
		},
	}, nil
}

// Run serves until the context is canceled, then drains in-flight
// requests and closes the store.
func (p *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- p.scheduler.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() {
		p.logger.InfoContext(ctx, "Serving pharos API.", "addr", p.cfg.ListenAddr, "version", pharos.Version)
		serverDone <- p.server.ListenAndServe()
	}()

	var runErr error
	schedulerStopped := false
	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = trace.Wrap(err)
		}
	case err := <-schedulerDone:
		schedulerStopped = true
		runErr = trace.Wrap(err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaults.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		p.logger.WarnContext(shutdownCtx, "Graceful shutdown incomplete.", "error", err)
	}
	if !schedulerStopped {
		if err := <-schedulerDone; err != nil && runErr == nil {
			runErr = trace.Wrap(err)
		}
	}
	if err := p.store.Close(); err != nil && runErr == nil {
		runErr = trace.Wrap(err)
	}
	p.logger.InfoContext(context.Background(), "Pharos process stopped.")
	return runErr
}
