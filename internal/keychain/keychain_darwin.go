//go:build darwin

package keychain

import (
	"errors"
	"fmt"

	gokeychain "github.com/keybase/go-keychain"
)

// SystemBackend provides CRUD operations for entries in macOS Keychain.
type SystemBackend struct {
	// prefix is prepended to every scope service; empty in production.
	prefix string
}

// NewSystemBackend creates a new Keychain-backed backend.
func NewSystemBackend() *SystemBackend {
	return &SystemBackend{}
}

func (b *SystemBackend) service(scope Scope) string {
	return b.prefix + scope.Service()
}

func toAccessible(a Accessibility) gokeychain.Accessible {
	switch a {
	case WhenUnlockedThisDeviceOnly:
		return gokeychain.AccessibleWhenUnlockedThisDeviceOnly
	case AfterFirstUnlock:
		return gokeychain.AccessibleAfterFirstUnlock
	case AfterFirstUnlockThisDeviceOnly:
		return gokeychain.AccessibleAfterFirstUnlockThisDeviceOnly
	case WhenPasscodeSetThisDeviceOnly:
		return gokeychain.AccessibleWhenPasscodeSetThisDeviceOnly
	default:
		return gokeychain.AccessibleWhenUnlocked
	}
}

func (b *SystemBackend) put(service, key, value string, a Accessibility) error {
	// Update = delete + add, so the accessible attribute is always rewritten.
	if err := gokeychain.DeleteGenericPasswordItem(service, key); err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain replace %q: %w", key, err)
	}

	item := gokeychain.NewGenericPassword(
		service,
		key,
		fmt.Sprintf("coffer: %s", key),
		[]byte(value),
		"",
	)
	item.SetSynchronizable(gokeychain.SynchronizableNo)
	item.SetAccessible(toAccessible(a))

	if err := gokeychain.AddItem(item); err != nil {
		return fmt.Errorf("keychain add %q: %w", key, err)
	}
	return nil
}

// Set stores an entry in the Keychain. Overwrites if it already exists.
func (b *SystemBackend) Set(scope Scope, key, value string) error {
	return b.put(b.service(scope), key, value, scope.Accessibility)
}

// Get retrieves an entry from the Keychain.
func (b *SystemBackend) Get(scope Scope, key string) (string, error) {
	data, err := gokeychain.GetGenericPassword(b.service(scope), key, "", "")
	if err != nil {
		if errors.Is(err, gokeychain.ErrorItemNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("keychain get %q: %w", key, err)
	}
	if data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return string(data), nil
}

// Keys returns every account stored under the scope's service.
func (b *SystemBackend) Keys(scope Scope) ([]string, error) {
	accounts, err := gokeychain.GetGenericPasswordAccounts(b.service(scope))
	if err != nil {
		if errors.Is(err, gokeychain.ErrorItemNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("keychain list: %w", err)
	}
	return accounts, nil
}

// Delete removes an entry from the Keychain.
func (b *SystemBackend) Delete(scope Scope, key string) error {
	err := gokeychain.DeleteGenericPasswordItem(b.service(scope), key)
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain delete %q: %w", key, err)
	}
	return nil
}

// DeleteAll removes every generic password under the scope's service.
func (b *SystemBackend) DeleteAll(scope Scope) error {
	item := gokeychain.NewItem()
	item.SetSecClass(gokeychain.SecClassGenericPassword)
	item.SetService(b.service(scope))
	if err := gokeychain.DeleteItem(item); err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain delete all %q: %w", scope.Namespace, err)
	}
	return nil
}

// MigrateMatching copies every generic password matching src into dst,
// removing each legacy item once its copy has been written.
func (b *SystemBackend) MigrateMatching(src MigrationSource, dst Scope, removeOnCompletion bool) (int, error) {
	query := gokeychain.NewItem()
	query.SetSecClass(gokeychain.SecClassGenericPassword)
	query.SetService(src.Service)
	if src.AccessGroup != "" {
		query.SetAccessGroup(src.AccessGroup)
	}
	query.SetAccessible(toAccessible(src.Accessibility))
	query.SetMatchLimit(gokeychain.MatchLimitAll)
	query.SetReturnAttributes(true)
	query.SetReturnData(true)

	results, err := gokeychain.QueryItem(query)
	if err != nil {
		if errors.Is(err, gokeychain.ErrorItemNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("keychain query legacy %q: %w", src.Service, err)
	}

	var errs []error
	migrated := 0
	for _, r := range results {
		if r.Account == "" || r.Data == nil {
			continue
		}
		if err := b.put(b.service(dst), r.Account, string(r.Data), dst.Accessibility); err != nil {
			errs = append(errs, err)
			continue
		}
		migrated++
		if !removeOnCompletion {
			continue
		}
		legacy := gokeychain.NewItem()
		legacy.SetSecClass(gokeychain.SecClassGenericPassword)
		legacy.SetService(src.Service)
		legacy.SetAccount(r.Account)
		if src.AccessGroup != "" {
			legacy.SetAccessGroup(src.AccessGroup)
		}
		if err := gokeychain.DeleteItem(legacy); err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
			errs = append(errs, fmt.Errorf("keychain remove legacy %q: %w", r.Account, err))
		}
	}
	return migrated, errors.Join(errs...)
}
