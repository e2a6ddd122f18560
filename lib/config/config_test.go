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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pharosvpn/pharos/lib/defaults"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Apply(&FileConfig{}, CommandLineFlags{})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8440", cfg.ListenAddr)
	require.Equal(t, defaults.DataDir, cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, defaults.CAValidity, cfg.CAValidity)
	require.Equal(t, defaults.CertRenewBefore, cfg.RenewBefore)
	require.Empty(t, cfg.ScannerSecret)
}

func TestApplyFlagsOverrideFile(t *testing.T) {
	t.Parallel()
	fc := &FileConfig{
		ListenAddr: "127.0.0.1:9000",
		DataDir:    "/tmp/from-file",
		LogLevel:   "warn",
	}
	cfg, err := Apply(fc, CommandLineFlags{
		ListenAddr: "127.0.0.1:9001",
		DataDir:    "/tmp/from-flag",
		Debug:      true,
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9001", cfg.ListenAddr)
	require.Equal(t, "/tmp/from-flag", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pharos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9000"
log_level: debug
ca:
  rotate_after: 2160h
  validity: 4320h
certs:
  validity: 720h
  renew_before: 240h
token_rate_limit: 2.5
`), 0o600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	cfg, err := Apply(fc, CommandLineFlags{})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, 2160*time.Hour, cfg.CARotateAfter)
	require.Equal(t, 4320*time.Hour, cfg.CAValidity)
	require.Equal(t, 720*time.Hour, cfg.CertValidity)
	require.Equal(t, 240*time.Hour, cfg.RenewBefore)
	require.Equal(t, 2.5, cfg.TokenRateLimit)

	// Unknown keys are rejected, not ignored.
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("listen_adr: oops\n"), 0o600))
	_, err = ReadConfigFile(bad)
	require.Error(t, err)

	// A missing path means pure defaults.
	fc, err = ReadConfigFile("")
	require.NoError(t, err)
	require.Equal(t, &FileConfig{}, fc)
}

func TestApplyScannerSecretFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scanner.secret")
	require.NoError(t, os.WriteFile(path, []byte("hush"), 0o600))

	cfg, err := Apply(&FileConfig{ScannerSecretFile: path}, CommandLineFlags{})
	require.NoError(t, err)
	require.Equal(t, []byte("hush"), cfg.ScannerSecret)

	_, err = Apply(&FileConfig{ScannerSecretFile: filepath.Join(t.TempDir(), "absent")}, CommandLineFlags{})
	require.Error(t, err)
}

func TestApplyValidation(t *testing.T) {
	t.Parallel()
	_, err := Apply(&FileConfig{ListenAddr: "no-port"}, CommandLineFlags{})
	require.Error(t, err)

	_, err = Apply(&FileConfig{LogLevel: "chatty"}, CommandLineFlags{})
	require.Error(t, err)

	_, err = Apply(&FileConfig{CA: CAConfig{
		Validity:    Duration(100 * time.Hour),
		RotateAfter: Duration(100 * time.Hour),
	}}, CommandLineFlags{})
	require.Error(t, err)

	_, err = Apply(&FileConfig{Certs: CertConfig{
		Validity:    Duration(100 * time.Hour),
		RenewBefore: Duration(200 * time.Hour),
	}}, CommandLineFlags{})
	require.Error(t, err)
}
