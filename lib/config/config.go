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

// Package config loads the pharosd configuration file and merges it
// with command line overrides into the runtime service configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	yaml "gopkg.in/yaml.v2"

	"github.com/pharosvpn/pharos/lib/defaults"
)

// FileConfig mirrors the pharosd YAML configuration file.
type FileConfig struct {
	// ListenAddr is the host:port the API listens on.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DataDir holds the SQLite store.
	DataDir string `yaml:"data_dir,omitempty"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
	// ScannerSecretFile points at the shared webhook secret. The
	// secret lives in its own file so the config can be world
	// readable.
	ScannerSecretFile string `yaml:"scanner_secret_file,omitempty"`

	// CA tunes authority rotation.
	CA CAConfig `yaml:"ca,omitempty"`
	// Certs tunes client certificate issuance.
	Certs CertConfig `yaml:"certs,omitempty"`

	// TokenRateLimit and TokenRateBurst bound per token config
	// fetches.
	TokenRateLimit float64 `yaml:"token_rate_limit,omitempty"`
	TokenRateBurst int     `yaml:"token_rate_burst,omitempty"`
}

// Duration is a time.Duration that unmarshals from Go duration syntax,
// e.g. "2160h".
type Duration time.Duration

// UnmarshalYAML parses the duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// CAConfig tunes authority rotation. All durations accept Go duration
// syntax, e.g. "2160h".
type CAConfig struct {
	Validity      Duration `yaml:"validity,omitempty"`
	RotateAfter   Duration `yaml:"rotate_after,omitempty"`
	OverlapWindow Duration `yaml:"overlap_window,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// CertConfig tunes client certificate issuance.
type CertConfig struct {
	Validity    Duration `yaml:"validity,omitempty"`
	RenewBefore Duration `yaml:"renew_before,omitempty"`
}

// ReadConfigFile parses the YAML file at path. A missing file is not
// an error when path is empty; defaults apply.
func ReadConfigFile(path string) (*FileConfig, error) {
	if path == "" {
		return &FileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed parsing config file %v: %v", path, err)
	}
	return &fc, nil
}

// CommandLineFlags are the pharosd start flags that override the file
// config.
type CommandLineFlags struct {
	// ConfigFile is the path to the YAML configuration file.
	ConfigFile string
	// DataDir overrides the data directory.
	DataDir string
	// ListenAddr overrides the listen address.
	ListenAddr string
	// Debug forces debug level logging.
	Debug bool
}

// Config is the fully resolved runtime configuration of pharosd.
type Config struct {
	ListenAddr     string
	DataDir        string
	LogLevel       string
	ScannerSecret  []byte
	CAValidity     time.Duration
	CARotateAfter  time.Duration
	CAOverlap      time.Duration
	SweepInterval  time.Duration
	CertValidity   time.Duration
	RenewBefore    time.Duration
	TokenRateLimit float64
	TokenRateBurst int
}

// Apply resolves the file config and the command line into a runtime
// config, validating as it goes.
func Apply(fc *FileConfig, flags CommandLineFlags) (*Config, error) {
	cfg := &Config{
		ListenAddr:     fc.ListenAddr,
		DataDir:        fc.DataDir,
		LogLevel:       fc.LogLevel,
		CAValidity:     time.Duration(fc.CA.Validity),
		CARotateAfter:  time.Duration(fc.CA.RotateAfter),
		CAOverlap:      time.Duration(fc.CA.OverlapWindow),
		SweepInterval:  time.Duration(fc.CA.SweepInterval),
		CertValidity:   time.Duration(fc.Certs.Validity),
		RenewBefore:    time.Duration(fc.Certs.RenewBefore),
		TokenRateLimit: fc.TokenRateLimit,
		TokenRateBurst: fc.TokenRateBurst,
	}
	if flags.ListenAddr != "" {
		cfg.ListenAddr = flags.ListenAddr
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.Debug {
		cfg.LogLevel = "debug"
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = net.JoinHostPort(defaults.BindIP, strconv.Itoa(defaults.HTTPListenPort))
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return nil, trace.BadParameter("invalid listen address %q: %v", cfg.ListenAddr, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return nil, trace.BadParameter("invalid log level %q", cfg.LogLevel)
	}

	if fc.ScannerSecretFile != "" {
		secret, err := os.ReadFile(fc.ScannerSecretFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		cfg.ScannerSecret = secret
	}

	if cfg.CAValidity == 0 {
		cfg.CAValidity = defaults.CAValidity
	}
	if cfg.CARotateAfter == 0 {
		cfg.CARotateAfter = defaults.CARotateAfter
	}
	if cfg.CAOverlap == 0 {
		cfg.CAOverlap = defaults.CAOverlapWindow
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.RotationInterval
	}
	if cfg.CertValidity == 0 {
		cfg.CertValidity = defaults.CertValidity
	}
	if cfg.RenewBefore == 0 {
		cfg.RenewBefore = defaults.CertRenewBefore
	}
	for name, d := range map[string]time.Duration{
		"ca.validity":        cfg.CAValidity,
		"ca.rotate_after":    cfg.CARotateAfter,
		"ca.overlap_window":  cfg.CAOverlap,
		"ca.sweep_interval":  cfg.SweepInterval,
		"certs.validity":     cfg.CertValidity,
		"certs.renew_before": cfg.RenewBefore,
	} {
		if d < 0 {
			return nil, trace.BadParameter("%v must be positive, got %v", name, d)
		}
	}
	if cfg.CARotateAfter >= cfg.CAValidity {
		return nil, trace.BadParameter(
			"ca.rotate_after (%v) must leave overlap headroom inside ca.validity (%v)",
			cfg.CARotateAfter, cfg.CAValidity)
	}
	if cfg.RenewBefore >= cfg.CertValidity {
		return nil, trace.BadParameter(
			"certs.renew_before (%v) must be shorter than certs.validity (%v)",
			cfg.RenewBefore, cfg.CertValidity)
	}
	return cfg, nil
}

// SampleConfig returns a commented sample configuration file.
func SampleConfig() string {
	return fmt.Sprintf(`# pharosd configuration file
listen_addr: %v:%v
data_dir: %v
log_level: info
# scanner_secret_file: /etc/pharos/scanner.secret
#
# ca:
#   validity: %v
#   rotate_after: %v
#   overlap_window: %v
# certs:
#   validity: %v
#   renew_before: %v
`,
		defaults.BindIP, defaults.HTTPListenPort, defaults.DataDir,
		defaults.CAValidity, defaults.CARotateAfter, defaults.CAOverlapWindow,
		defaults.CertValidity, defaults.CertRenewBefore)
}
