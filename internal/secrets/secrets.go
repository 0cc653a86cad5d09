// Package secrets resolves database credentials that should not live
// in the main configuration file: environment variables first, then an
// optional secrets file with restrictive permissions.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSecretsDir is the default directory for the secrets file.
	DefaultSecretsDir = ".secrets"
	// DefaultSecretsFile is the default secrets filename.
	DefaultSecretsFile = "sqlpull.yaml"
	// SecretsFileEnvVar overrides the secrets file location.
	SecretsFileEnvVar = "SQLPULL_SECRETS_FILE"

	// SourcePasswordEnvVar overrides the source password directly.
	SourcePasswordEnvVar = "SQLPULL_SOURCE_PASSWORD"
	// TargetPasswordEnvVar overrides the target password directly.
	TargetPasswordEnvVar = "SQLPULL_TARGET_PASSWORD"

	// SecureFileMode is the widest permission mode accepted for the
	// secrets file.
	SecureFileMode = 0600
)

// Credentials holds the secret halves of the connection settings.
type Credentials struct {
	SourcePassword string `yaml:"source_password"`
	TargetPassword string `yaml:"target_password"`
}

var (
	mu     sync.Mutex
	cached *Credentials
)

// Load resolves credentials. Environment variables win over the
// secrets file; a missing file is not an error since both passwords
// may come from the environment or the main config.
func Load() (*Credentials, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	creds, err := loadFromFile()
	if err != nil {
		return nil, err
	}

	if v := os.Getenv(SourcePasswordEnvVar); v != "" {
		creds.SourcePassword = v
	}
	if v := os.Getenv(TargetPasswordEnvVar); v != "" {
		creds.TargetPassword = v
	}

	cached = creds
	return creds, nil
}

// Reset clears the cache so the next Load re-reads. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}

// Path returns the effective secrets file location.
func Path() string {
	if p := os.Getenv(SecretsFileEnvVar); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DefaultSecretsDir, DefaultSecretsFile)
	}
	return filepath.Join(home, DefaultSecretsDir, DefaultSecretsFile)
}

func loadFromFile() (*Credentials, error) {
	path := Path()

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking secrets file: %w", err)
	}

	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("secrets file %s has mode %04o, want at most %04o", path, mode, SecureFileMode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return &creds, nil
}
