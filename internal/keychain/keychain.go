// Package keychain provides the OS secure-storage capability coffer is built on.
//
// Entries are stored as generic passwords with:
//   - Service: "<namespace>.<accessibility>" (see Scope.Service)
//   - Account: the entry key
//   - Label: "coffer: <key>" (for Keychain Access.app visibility)
//
// A storage domain is a Scope: the same key written under two accessibility
// policies lands in two separate entries. Items are never synchronizable.
package keychain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entry does not exist in the backend.
var ErrNotFound = errors.New("entry not found")

// DefaultNamespace is used whenever a caller does not name a namespace.
const DefaultNamespace = "secure_storage"

// LegacyServiceName is the service attribute used by the flat legacy scheme
// that Migrate reads from.
const LegacyServiceName = "flutter_secure_storage_service"

// Scope is a resolved storage domain.
type Scope struct {
	Namespace     string
	Accessibility Accessibility
}

// NewScope returns a Scope, substituting DefaultNamespace for an empty namespace.
func NewScope(namespace string, a Accessibility) Scope {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Scope{Namespace: namespace, Accessibility: a}
}

// Service is the OS service attribute for entries in this scope.
func (s Scope) Service() string {
	return fmt.Sprintf("%s.%s", s.Namespace, s.Accessibility.Option())
}

func (s Scope) String() string {
	return s.Service()
}

// MigrationSource describes a legacy storage location.
type MigrationSource struct {
	Service     string
	AccessGroup string
	// Accessibility is matched against the legacy item's accessible attribute.
	Accessibility Accessibility
}

// LegacySource returns the default migration source for the given access
// group and accessibility override.
func LegacySource(group string, a Accessibility) MigrationSource {
	return MigrationSource{Service: LegacyServiceName, AccessGroup: group, Accessibility: a}
}

// Backend is the interface for secure-storage operations.
type Backend interface {
	Set(scope Scope, key, value string) error
	Get(scope Scope, key string) (string, error)
	Delete(scope Scope, key string) error
	DeleteAll(scope Scope) error
	Keys(scope Scope) ([]string, error)
	MigrateMatching(src MigrationSource, dst Scope, removeOnCompletion bool) (int, error)
}
