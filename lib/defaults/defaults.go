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

// Package defaults contains default constants used across the pharos
// control plane.
package defaults

import "time"

const (
	// HTTPListenPort is the port the distribution and admin API
	// listens on.
	HTTPListenPort = 8440

	// BindIP is the address the API server binds to by default.
	BindIP = "0.0.0.0"

	// LighthousePort is the UDP port lighthouses advertise to peers
	// in the static host map.
	LighthousePort = 4242

	// CAValidity is the total validity of a generated certificate
	// authority (18 months).
	CAValidity = 540 * 24 * time.Hour

	// CARotateAfter is the age at which the current CA is rotated
	// out (12 months), leaving CAValidity-CARotateAfter of overlap
	// headroom.
	CARotateAfter = 365 * 24 * time.Hour

	// CAOverlapWindow is how long a superseded CA stays in the
	// distributed chain after rotation (3 months).
	CAOverlapWindow = 90 * 24 * time.Hour

	// CertValidity is the validity of issued client certificates
	// (6 months).
	CertValidity = 180 * 24 * time.Hour

	// CertRenewBefore is the remaining-lifetime threshold below which
	// a client certificate is reissued instead of reused (3 months).
	CertRenewBefore = 90 * 24 * time.Hour

	// RotationInterval is the coarse wake interval of the rotation
	// scheduler.
	RotationInterval = time.Hour

	// RequestTimeout is the wall-clock deadline applied to each
	// request handler.
	RequestTimeout = 30 * time.Second

	// GracefulShutdownTimeout bounds draining of in-flight requests
	// on shutdown.
	GracefulShutdownTimeout = 30 * time.Second

	// EnrollmentCodeTTL is how long a one-time enrollment code stays
	// redeemable.
	EnrollmentCodeTTL = 24 * time.Hour

	// TokenPrefix is prepended to every client token secret so that
	// public source code scanners can recognize leaked tokens.
	TokenPrefix = "phr_"

	// TokenSecretLength is the number of [a-z0-9] characters following
	// the token prefix.
	TokenSecretLength = 32

	// TokenRateLimit is the per-token soft ceiling on config fetches,
	// in requests per second.
	TokenRateLimit = 1.0

	// TokenRateBurst is the burst allowance of the per-token limiter.
	TokenRateBurst = 5

	// AgentKeyPath is the on-disk path the node agent is expected to
	// keep its private key at. The key material itself never reaches
	// the control plane.
	AgentKeyPath = "/etc/pharos/host.key"

	// AgentCertPath is the on-disk path of the delivered host
	// certificate referenced from the generated config.
	AgentCertPath = "/etc/pharos/host.crt"

	// AgentCAPath is the on-disk path of the delivered CA chain
	// referenced from the generated config.
	AgentCAPath = "/etc/pharos/ca.crt"

	// StoreFile is the name of the SQLite database file inside the
	// data directory.
	StoreFile = "pharos.db"

	// DataDir is the default data directory of pharosd.
	DataDir = "/var/lib/pharos"
)
