package keychain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benaskins/coffer/internal/audit"
)

// EntryMetadata tracks lifecycle timestamps for an entry.
type EntryMetadata struct {
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	LastRotated time.Time `json:"last_rotated,omitempty"`
}

// MetadataStore persists entry metadata to a JSON file, keyed by
// "<scope service>/<key>".
type MetadataStore struct {
	mu       sync.RWMutex
	path     string
	metadata map[string]*EntryMetadata
}

// NewMetadataStore loads or creates a metadata file.
func NewMetadataStore(path string) (*MetadataStore, error) {
	ms := &MetadataStore{
		path:     path,
		metadata: make(map[string]*EntryMetadata),
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &ms.metadata); jsonErr != nil {
			slog.Warn("corrupt metadata file, starting fresh", "path", path, "error", jsonErr)
		}
	}

	return ms, nil
}

func metadataKey(scope Scope, key string) string {
	return scope.Service() + "/" + key
}

// Get returns a copy of the metadata for an entry, or nil if not tracked.
func (ms *MetadataStore) Get(scope Scope, key string) *EntryMetadata {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	m, ok := ms.metadata[metadataKey(scope, key)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Touch applies fn to the entry's metadata, creating it if needed, and
// persists the result.
func (ms *MetadataStore) Touch(scope Scope, key string, fn func(m *EntryMetadata, now time.Time)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := time.Now().UTC()
	mk := metadataKey(scope, key)
	m, ok := ms.metadata[mk]
	if !ok {
		m = &EntryMetadata{CreatedAt: now}
		ms.metadata[mk] = m
	}
	fn(m, now)
	return ms.save()
}

// Delete removes metadata for the given keys in a scope.
func (ms *MetadataStore) Delete(scope Scope, keys ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, key := range keys {
		delete(ms.metadata, metadataKey(scope, key))
	}
	return ms.save()
}

func (ms *MetadataStore) save() error {
	data, err := json.MarshalIndent(ms.metadata, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := ms.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, ms.path)
}

// AuditedBackend wraps a Backend and adds audit logging and metadata tracking.
type AuditedBackend struct {
	inner    Backend
	audit    *audit.Logger
	metadata *MetadataStore
	actor    string // "cli" or "server"
}

// NewAuditedBackend wraps an existing backend with audit logging.
func NewAuditedBackend(inner Backend, auditLog *audit.Logger, metadata *MetadataStore, actor string) *AuditedBackend {
	return &AuditedBackend{
		inner:    inner,
		audit:    auditLog,
		metadata: metadata,
		actor:    actor,
	}
}

func (b *AuditedBackend) log(action audit.Action, scope Scope, key string, err error) {
	e := audit.Entry{
		Action:        action,
		Namespace:     scope.Namespace,
		Accessibility: scope.Accessibility.Option(),
		Key:           key,
		Actor:         b.actor,
	}
	if err != nil {
		e.Error = err.Error()
	}
	b.audit.Log(e)
}

func (b *AuditedBackend) Set(scope Scope, key, value string) error {
	if err := b.inner.Set(scope, key, value); err != nil {
		b.log(audit.ActionEntryWrite, scope, key, err)
		return fmt.Errorf("audited set: %w", err)
	}
	b.log(audit.ActionEntryWrite, scope, key, nil)

	b.metadataFailed("write", scope, key, b.metadata.Touch(scope, key, func(m *EntryMetadata, now time.Time) {
		m.UpdatedAt = now
	}))
	return nil
}

func (b *AuditedBackend) Get(scope Scope, key string) (string, error) {
	val, err := b.inner.Get(scope, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.log(audit.ActionEntryRead, scope, key, err)
		}
		return "", fmt.Errorf("audited get: %w", err)
	}
	b.log(audit.ActionEntryRead, scope, key, nil)
	return val, nil
}

func (b *AuditedBackend) Delete(scope Scope, key string) error {
	if err := b.inner.Delete(scope, key); err != nil {
		b.log(audit.ActionEntryDelete, scope, key, err)
		return fmt.Errorf("audited delete: %w", err)
	}
	b.log(audit.ActionEntryDelete, scope, key, nil)

	b.metadataFailed("delete", scope, key, b.metadata.Delete(scope, key))
	return nil
}

func (b *AuditedBackend) DeleteAll(scope Scope) error {
	keys, listErr := b.inner.Keys(scope)
	if listErr != nil {
		slog.Warn("listing entries before delete all, metadata may be left behind",
			"namespace", scope.Namespace, "accessibility", scope.Accessibility.Option(), "error", listErr)
	}
	err := b.inner.DeleteAll(scope)
	b.log(audit.ActionEntryDeleteAll, scope, "", err)
	if err != nil {
		return fmt.Errorf("audited delete all: %w", err)
	}
	b.metadataFailed("delete all", scope, "", b.metadata.Delete(scope, keys...))
	return nil
}

func (b *AuditedBackend) Keys(scope Scope) ([]string, error) {
	keys, err := b.inner.Keys(scope)
	b.log(audit.ActionEntryReadAll, scope, "", err)
	return keys, err
}

func (b *AuditedBackend) MigrateMatching(src MigrationSource, dst Scope, removeOnCompletion bool) (int, error) {
	n, err := b.inner.MigrateMatching(src, dst, removeOnCompletion)

	e := audit.Entry{
		Action:        audit.ActionEntryMigrate,
		Namespace:     dst.Namespace,
		Accessibility: dst.Accessibility.Option(),
		Actor:         b.actor,
		Trigger:       "migration",
		Source:        legacyService(src),
		Count:         n,
	}
	if err != nil {
		e.Error = err.Error()
	}
	b.audit.Log(e)

	if err != nil {
		return n, fmt.Errorf("audited migrate: %w", err)
	}
	return n, nil
}

// Rotate runs a rotation command, captures its output, stores the new value,
// and logs the rotation.
func (b *AuditedBackend) Rotate(scope Scope, key, command string) error {
	output, err := runRotationCommand(command)
	if err != nil {
		b.audit.Log(audit.Entry{
			Action:        audit.ActionEntryRotate,
			Namespace:     scope.Namespace,
			Accessibility: scope.Accessibility.Option(),
			Key:           key,
			Actor:         b.actor,
			Trigger:       "hook",
			Command:       command,
			Error:         err.Error(),
		})
		return fmt.Errorf("rotation command failed: %w", err)
	}

	if err := b.inner.Set(scope, key, output); err != nil {
		return fmt.Errorf("storing rotated entry: %w", err)
	}

	b.audit.Log(audit.Entry{
		Action:        audit.ActionEntryRotate,
		Namespace:     scope.Namespace,
		Accessibility: scope.Accessibility.Option(),
		Key:           key,
		Actor:         b.actor,
		Trigger:       "hook",
		Command:       command,
	})

	b.metadataFailed("rotate", scope, key, b.metadata.Touch(scope, key, func(m *EntryMetadata, now time.Time) {
		m.UpdatedAt = now
		m.LastRotated = now
	}))
	return nil
}

// metadataFailed logs a metadata update that failed after the entry itself
// was stored. The entry operation still succeeds.
func (b *AuditedBackend) metadataFailed(op string, scope Scope, key string, err error) {
	if err == nil {
		return
	}
	slog.Warn("entry metadata not updated",
		"op", op,
		"namespace", scope.Namespace,
		"accessibility", scope.Accessibility.Option(),
		"key", key,
		"error", err)
}

// Metadata returns the metadata store for direct access.
func (b *AuditedBackend) Metadata() *MetadataStore {
	return b.metadata
}
