// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, env map[string]string) *Config {
	t.Helper()
	return &Config{
		dataplaneDir: t.TempDir(),
		lookup: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	}
}

func TestStorePathsDefaultsToConventionalLayout(t *testing.T) {
	c := newTestConfig(t, nil)
	keystore, truststore, err := c.StorePaths("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.dataplaneDir, "tls", "keys"), keystore)
	require.Equal(t, filepath.Join(c.dataplaneDir, "tls", "trust"), truststore)
}

func TestStorePathsNamedStoreUsesStoresSubdir(t *testing.T) {
	c := newTestConfig(t, nil)
	keystore, _, err := c.StorePaths("alpha")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.dataplaneDir, "tls", "stores", "alpha", "keys"), keystore)
}

func TestStorePathsEnvOverridesFilenames(t *testing.T) {
	c := newTestConfig(t, map[string]string{"tls.keystore": "custom.pem"})
	keystore, _, err := c.StorePaths("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.dataplaneDir, "tls", "custom.pem"), keystore)
}

func TestStorePathsRejectsNonPEMType(t *testing.T) {
	c := newTestConfig(t, map[string]string{"tls.keystore.type": "JKS"})
	_, _, err := c.StorePaths("")
	require.Error(t, err)
}

func TestStorePasswordsEnvWinsOverOverlay(t *testing.T) {
	c := newTestConfig(t, map[string]string{"tls.keystore.password": "from-env"})
	c.overlay.TLS.KeystorePassword = "from-yaml"
	kp, _ := c.StorePasswords()
	require.Equal(t, "from-env", kp)
}

func TestHandshakeWindowBytesFallsBackToSlotCapacity(t *testing.T) {
	c := newTestConfig(t, nil)
	require.Equal(t, 16384, c.HandshakeWindowBytes(16384))
}

func TestHandshakeWindowBytesEnvOverride(t *testing.T) {
	c := newTestConfig(t, map[string]string{"tls.handshake.window.bytes": "8192"})
	require.Equal(t, 8192, c.HandshakeWindowBytes(16384))
}

func TestLoadReadsYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("tls:\n  handshake_window_bytes: 4096\n"), 0o600))
	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 4096, c.HandshakeWindowBytes(16384))
}

func TestLoadToleratesMissingOverlay(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 16384, c.HandshakeWindowBytes(16384))
}
