package keychain

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"

	"github.com/99designs/keyring"
)

// KeyringConfig selects and configures the keyring implementations a
// KeyringBackend may open.
type KeyringConfig struct {
	// Backends lists allowed keyring backends in preference order
	// ("secret-service", "kwallet", "wincred", "keyctl", "pass", "file").
	// Empty means every backend available on the platform.
	Backends []string
	// FileDir is the root directory for the encrypted file backend.
	FileDir string
	// Password unlocks the file backend. Empty prompts on the terminal.
	Password string
}

// KeyringBackend stores entries through github.com/99designs/keyring. It is
// the persistent backend on platforms without macOS Keychain.
//
// Each Scope opens its own keyring, so accessibility only partitions
// domains here; there is no lock-state attribute to configure.
type KeyringBackend struct {
	cfg  KeyringConfig
	open func(keyring.Config) (keyring.Keyring, error)
}

// NewKeyringBackend creates a keyring-backed backend.
func NewKeyringBackend(cfg KeyringConfig) *KeyringBackend {
	return &KeyringBackend{cfg: cfg, open: keyring.Open}
}

// pathSegment encodes a service name as a single path element. The
// encoding is injective and escapes separators, so namespaces such as
// "x/../victim" cannot alias another scope or leave FileDir.
func pathSegment(service string) string {
	seg := url.PathEscape(service)
	switch seg {
	case "", ".", "..":
		return "%2E" + seg
	}
	return seg
}

func (b *KeyringBackend) config(service string) keyring.Config {
	seg := pathSegment(service)
	kc := keyring.Config{
		ServiceName:                    service,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		LibSecretCollectionName:        seg,
		KWalletAppID:                   "coffer",
		KWalletFolder:                  seg,
		WinCredPrefix:                  "coffer:" + service,
		PassPrefix:                     "coffer/" + seg,
		KeyCtlScope:                    "user",
	}
	for _, name := range b.cfg.Backends {
		kc.AllowedBackends = append(kc.AllowedBackends, keyring.BackendType(name))
	}
	if b.cfg.FileDir != "" {
		kc.FileDir = filepath.Join(b.cfg.FileDir, seg)
	}
	if b.cfg.Password != "" {
		kc.FilePasswordFunc = keyring.FixedStringPrompt(b.cfg.Password)
	} else {
		kc.FilePasswordFunc = keyring.TerminalPrompt
	}
	return kc
}

func (b *KeyringBackend) ring(service string) (keyring.Keyring, error) {
	kr, err := b.open(b.config(service))
	if err != nil {
		return nil, fmt.Errorf("keyring open %q: %w", service, err)
	}
	return kr, nil
}

func (b *KeyringBackend) Set(scope Scope, key, value string) error {
	kr, err := b.ring(scope.Service())
	if err != nil {
		return err
	}
	return setItem(kr, key, value)
}

func setItem(kr keyring.Keyring, key, value string) error {
	err := kr.Set(keyring.Item{
		Key:                       key,
		Data:                      []byte(value),
		Label:                     fmt.Sprintf("coffer: %s", key),
		KeychainNotSynchronizable: true,
	})
	if err != nil {
		return fmt.Errorf("keyring set %q: %w", key, err)
	}
	return nil
}

func (b *KeyringBackend) Get(scope Scope, key string) (string, error) {
	kr, err := b.ring(scope.Service())
	if err != nil {
		return "", err
	}
	item, err := kr.Get(key)
	if err != nil {
		if isMissing(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("keyring get %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (b *KeyringBackend) Delete(scope Scope, key string) error {
	kr, err := b.ring(scope.Service())
	if err != nil {
		return err
	}
	return removeItem(kr, key)
}

func removeItem(kr keyring.Keyring, key string) error {
	if err := kr.Remove(key); err != nil && !isMissing(err) {
		return fmt.Errorf("keyring remove %q: %w", key, err)
	}
	return nil
}

func (b *KeyringBackend) DeleteAll(scope Scope) error {
	kr, err := b.ring(scope.Service())
	if err != nil {
		return err
	}
	keys, err := kr.Keys()
	if err != nil {
		return fmt.Errorf("keyring list: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := removeItem(kr, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *KeyringBackend) Keys(scope Scope) ([]string, error) {
	kr, err := b.ring(scope.Service())
	if err != nil {
		return nil, err
	}
	keys, err := kr.Keys()
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keyring list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// legacyService names the keyring holding a legacy source. Keyrings have
// no access groups, so the group becomes part of the name.
func legacyService(src MigrationSource) string {
	if src.AccessGroup == "" {
		return src.Service
	}
	return src.Service + "." + src.AccessGroup
}

func (b *KeyringBackend) MigrateMatching(src MigrationSource, dst Scope, removeOnCompletion bool) (int, error) {
	legacy, err := b.ring(legacyService(src))
	if err != nil {
		return 0, err
	}
	keys, err := legacy.Keys()
	if err != nil {
		if isMissing(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("keyring list legacy: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	target, err := b.ring(dst.Service())
	if err != nil {
		return 0, err
	}

	var errs []error
	migrated := 0
	for _, key := range keys {
		item, err := legacy.Get(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("keyring get legacy %q: %w", key, err))
			continue
		}
		if err := setItem(target, key, string(item.Data)); err != nil {
			errs = append(errs, err)
			continue
		}
		migrated++
		if removeOnCompletion {
			if err := removeItem(legacy, key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return migrated, errors.Join(errs...)
}

func isMissing(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}
