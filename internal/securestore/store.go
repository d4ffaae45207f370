// Package securestore implements a namespaced, accessibility-scoped string
// store on top of a keychain.Backend.
//
// The Store keeps no configuration of its own. Every operation takes a
// Handle produced by Resolve, so the namespace and policy are chosen per
// call and can never drift between calls.
package securestore

import (
	"errors"
	"fmt"

	"github.com/benaskins/coffer/internal/keychain"
)

// ErrInvalidArgument reports a missing or malformed call parameter. No
// storage access happens when it is returned.
var ErrInvalidArgument = errors.New("invalid argument")

// StorageError wraps a failure from the underlying backend.
type StorageError struct {
	Op        string
	Namespace string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Namespace, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Options are the per-call options a caller supplies.
type Options struct {
	GroupID       string `json:"groupId,omitempty"`
	Accessibility string `json:"accessibility,omitempty"`
}

// Handle is a resolved (namespace, policy) pair.
type Handle struct {
	scope keychain.Scope
}

// Resolve maps options to a Handle. It is total: an empty group selects
// keychain.DefaultNamespace and an unknown accessibility selects
// keychain.WhenUnlocked.
func Resolve(opts Options) Handle {
	return Handle{scope: keychain.NewScope(opts.GroupID, keychain.ParseAccessibility(opts.Accessibility))}
}

// Namespace returns the resolved namespace.
func (h Handle) Namespace() string { return h.scope.Namespace }

// Accessibility returns the resolved policy.
func (h Handle) Accessibility() keychain.Accessibility { return h.scope.Accessibility }

// Scope returns the backend storage domain.
func (h Handle) Scope() keychain.Scope { return h.scope }

// Store is the secure key-value store.
type Store struct {
	backend keychain.Backend
}

// New creates a Store over the given backend.
func New(backend keychain.Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) storageErr(op string, h Handle, key string, err error) error {
	return &StorageError{Op: op, Namespace: h.scope.Namespace, Key: key, Err: err}
}

// Write creates or overwrites the entry for key.
func (s *Store) Write(h Handle, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if err := s.backend.Set(h.scope, key, value); err != nil {
		return s.storageErr("write", h, key, err)
	}
	return nil
}

// Read returns the value for key. A missing entry is reported as
// ok == false with a nil error.
func (s *Store) Read(h Handle, key string) (value string, ok bool, err error) {
	if key == "" {
		return "", false, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	value, err = s.backend.Get(h.scope, key)
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return "", false, nil
		}
		return "", false, s.storageErr("read", h, key, err)
	}
	return value, true, nil
}

// Delete removes the entry for key. Deleting an absent key is not an error.
func (s *Store) Delete(h Handle, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if err := s.backend.Delete(h.scope, key); err != nil {
		return s.storageErr("delete", h, key, err)
	}
	return nil
}

// ReadAll returns every entry in the handle's domain. Entries that fail
// individual retrieval are left out of the map; their errors are joined
// into the returned error, so a non-nil error can come with a usable map.
func (s *Store) ReadAll(h Handle) (map[string]string, error) {
	keys, err := s.backend.Keys(h.scope)
	if err != nil {
		return map[string]string{}, s.storageErr("readAll", h, "", err)
	}

	result := make(map[string]string, len(keys))
	var errs []error
	for _, key := range keys {
		val, err := s.backend.Get(h.scope, key)
		if err != nil {
			// Removed between listing and retrieval.
			if errors.Is(err, keychain.ErrNotFound) {
				continue
			}
			errs = append(errs, s.storageErr("readAll", h, key, err))
			continue
		}
		result[key] = val
	}
	return result, errors.Join(errs...)
}

// DeleteAll removes every entry in the handle's domain.
func (s *Store) DeleteAll(h Handle) error {
	if err := s.backend.DeleteAll(h.scope); err != nil {
		return s.storageErr("deleteAll", h, "", err)
	}
	return nil
}

// Migrate moves every entry matching src into the handle's domain. When
// removeOnCompletion is set each legacy entry is removed once its copy has
// been written, so a second run finds nothing. It returns the number of
// entries copied.
func (s *Store) Migrate(h Handle, src keychain.MigrationSource, removeOnCompletion bool) (int, error) {
	if src.Service == "" {
		return 0, fmt.Errorf("%w: empty legacy service", ErrInvalidArgument)
	}
	n, err := s.backend.MigrateMatching(src, h.scope, removeOnCompletion)
	if err != nil {
		return n, s.storageErr("migrate", h, "", err)
	}
	return n, nil
}

// Rotator is implemented by backends that can replace an entry with the
// output of a command, such as keychain.AuditedBackend.
type Rotator interface {
	Rotate(scope keychain.Scope, key, command string) error
}

// ErrRotateUnsupported is returned by Rotate when the backend is not a Rotator.
var ErrRotateUnsupported = errors.New("backend does not support rotation")

// Rotate replaces the entry for key with the trimmed output of command.
func (s *Store) Rotate(h Handle, key, command string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if command == "" {
		return fmt.Errorf("%w: empty rotation command", ErrInvalidArgument)
	}
	r, ok := s.backend.(Rotator)
	if !ok {
		return ErrRotateUnsupported
	}
	if err := r.Rotate(h.scope, key, command); err != nil {
		return s.storageErr("rotate", h, key, err)
	}
	return nil
}

// LegacySource builds the migration source implied by the same options a
// caller passes to every other operation: the group becomes the legacy
// access group and the accessibility string selects the legacy item's
// accessible attribute.
func LegacySource(service string, opts Options) keychain.MigrationSource {
	if service == "" {
		service = keychain.LegacyServiceName
	}
	return keychain.MigrationSource{
		Service:       service,
		AccessGroup:   opts.GroupID,
		Accessibility: keychain.ParseAccessibility(opts.Accessibility),
	}
}
