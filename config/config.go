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
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StoreDefaults is the default filesystem layout for a TLS store under
// {dataplaneDir}/tls/[stores/{store}/]{keystore|truststore}, before any
// environment or file override is applied.
type StoreDefaults struct {
	KeystoreFilename   string
	TruststoreFilename string
	Format             string
	Password           string
}

func defaultStoreDefaults() StoreDefaults {
	return StoreDefaults{KeystoreFilename: "keys", TruststoreFilename: "trust", Format: "pem", Password: "generated"}
}

// file is the optional YAML overlay, read once and consulted only for
// keys env doesn't set; it never overrides an environment variable that
// is present.
type file struct {
	TLS struct {
		HandshakeWindowBytes *int   `yaml:"handshake_window_bytes"`
		KeystorePassword     string `yaml:"keystore_password"`
		TruststorePassword   string `yaml:"truststore_password"`
	} `yaml:"tls"`
}

// Config resolves dataplane settings from the environment first, an
// optional YAML overlay file second. All six keystore/truststore
// environment variables are read through the same accessor (Lookup),
// resolving the source's documented accidental split between keystore
// and truststore lookup paths.
type Config struct {
	dataplaneDir string
	overlay      file
	lookup       func(string) (string, bool)
}

// Load reads dataplaneDir's optional config.yaml overlay (if present) and
// returns a Config backed by os.LookupEnv plus that overlay.
func Load(dataplaneDir string) (*Config, error) {
	c := &Config{dataplaneDir: dataplaneDir, lookup: os.LookupEnv}
	overlayPath := filepath.Join(dataplaneDir, "config.yaml")
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: reading overlay %s: %w", overlayPath, err)
	}
	if err := yaml.Unmarshal(data, &c.overlay); err != nil {
		return nil, fmt.Errorf("config: parsing overlay %s: %w", overlayPath, err)
	}
	return c, nil
}

// Lookup reads a single environment variable uniformly; used for all six
// of tls.keystore, tls.keystore.type, tls.keystore.password,
// tls.truststore, tls.truststore.type, tls.truststore.password.
func (c *Config) Lookup(envVar string) (string, bool) {
	return c.lookup(envVar)
}

// StorePaths resolves the keystore/truststore file paths for a named
// store ("" for the default, unnamed store), layering environment
// overrides over the filesystem-layout defaults. tls.keystore.type and
// tls.truststore.type are read uniformly alongside the other four but,
// since stores are PEM bundles rather than JKS (see DESIGN.md), only ""
// and "pem" are accepted. The two passwords are resolved but unused by
// the PEM loader (crypto/tls.X509KeyPair expects unencrypted keys);
// StorePasswords exposes them for parity with the source's config
// surface.
func (c *Config) StorePaths(storeName string) (keystorePath, truststorePath string, err error) {
	d := defaultStoreDefaults()
	base := filepath.Join(c.dataplaneDir, "tls")
	if storeName != "" {
		base = filepath.Join(base, "stores", storeName)
	}

	keystoreFile := d.KeystoreFilename
	if v, ok := c.Lookup("tls.keystore"); ok {
		keystoreFile = v
	}
	truststoreFile := d.TruststoreFilename
	if v, ok := c.Lookup("tls.truststore"); ok {
		truststoreFile = v
	}

	for _, envVar := range []string{"tls.keystore.type", "tls.truststore.type"} {
		if v, ok := c.Lookup(envVar); ok && v != "" && v != "pem" {
			return "", "", fmt.Errorf("config: %s=%q unsupported, stores are PEM bundles", envVar, v)
		}
	}

	return filepath.Join(base, keystoreFile), filepath.Join(base, truststoreFile), nil
}

// StorePasswords resolves the keystore and truststore passwords,
// environment first, YAML overlay second, filesystem-layout default
// last.
func (c *Config) StorePasswords() (keystorePassword, truststorePassword string) {
	d := defaultStoreDefaults()

	keystorePassword = d.Password
	if v, ok := c.Lookup("tls.keystore.password"); ok {
		keystorePassword = v
	} else if c.overlay.TLS.KeystorePassword != "" {
		keystorePassword = c.overlay.TLS.KeystorePassword
	}

	truststorePassword = d.Password
	if v, ok := c.Lookup("tls.truststore.password"); ok {
		truststorePassword = v
	} else if c.overlay.TLS.TruststorePassword != "" {
		truststorePassword = c.overlay.TLS.TruststorePassword
	}
	return keystorePassword, truststorePassword
}

// HandshakeWindowBytes returns tls.handshake.window.bytes, falling back
// to the YAML overlay and then to slotCapacity, the documented default.
func (c *Config) HandshakeWindowBytes(slotCapacity int) int {
	if v, ok := c.Lookup("tls.handshake.window.bytes"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if c.overlay.TLS.HandshakeWindowBytes != nil && *c.overlay.TLS.HandshakeWindowBytes > 0 {
		return *c.overlay.TLS.HandshakeWindowBytes
	}
	return slotCapacity
}
