package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/benaskins/coffer/internal/audit"
	"github.com/benaskins/coffer/internal/config"
	"github.com/benaskins/coffer/internal/keychain"
	"github.com/benaskins/coffer/internal/securestore"
)

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newBackend builds the configured backend without auditing.
func newBackend(cfg *config.Config) (keychain.Backend, error) {
	switch cfg.BackendName() {
	case config.BackendSystem:
		return keychain.NewSystemBackend(), nil
	case config.BackendKeyring:
		return keychain.NewKeyringBackend(keychain.KeyringConfig{
			Backends: cfg.Keyring.Backends,
			FileDir:  cfg.KeyringDir(),
			Password: cfg.KeyringPassword(),
		}), nil
	case config.BackendMemory:
		return keychain.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// openStore builds the audited store for the given actor. Audit records are
// also copied to tails. The returned close function closes the audit log.
func openStore(cfg *config.Config, actor string, tails ...io.Writer) (*securestore.Store, func(), error) {
	inner, err := newBackend(cfg)
	if err != nil {
		return nil, nil, err
	}

	for _, p := range []string{cfg.AuditLogPath(), cfg.MetadataPath()} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", filepath.Dir(p), err)
		}
	}

	auditLog, err := audit.NewLogger(cfg.AuditLogPath(), tails...)
	if err != nil {
		return nil, nil, err
	}
	meta, err := keychain.NewMetadataStore(cfg.MetadataPath())
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}

	audited := keychain.NewAuditedBackend(inner, auditLog, meta, actor)
	return securestore.New(audited), func() { auditLog.Close() }, nil
}

func currentHandle() securestore.Handle {
	return securestore.Resolve(currentOptions())
}

func currentOptions() securestore.Options {
	return securestore.Options{GroupID: groupID, Accessibility: accessibility}
}
