package keychain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileKeyringBackend uses the encrypted file keyring so tests run on any
// platform without a desktop secret service.
func fileKeyringBackend(t *testing.T) *KeyringBackend {
	t.Helper()
	return NewKeyringBackend(KeyringConfig{
		Backends: []string{string(keyring.FileBackend)},
		FileDir:  t.TempDir(),
		Password: "test-password",
	})
}

func TestKeyringBackendRoundTrip(t *testing.T) {
	b := fileKeyringBackend(t)
	scope := NewScope("g1", WhenUnlocked)

	require.NoError(t, b.Set(scope, "token", "abc123"))
	val, err := b.Get(scope, "token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", val)

	require.NoError(t, b.Set(scope, "token", "def456"))
	val, err = b.Get(scope, "token")
	require.NoError(t, err)
	assert.Equal(t, "def456", val, "overwrite should keep only the second value")

	_, err = b.Get(NewScope("g2", WhenUnlocked), "token")
	assert.True(t, errors.Is(err, ErrNotFound), "other namespace must not see the entry")
}

func TestKeyringBackendDelete(t *testing.T) {
	b := fileKeyringBackend(t)
	scope := NewScope("", WhenUnlocked)

	require.NoError(t, b.Set(scope, "k", "v"))
	require.NoError(t, b.Delete(scope, "k"))
	require.NoError(t, b.Delete(scope, "k"), "deleting an absent key is a no-op")

	_, err := b.Get(scope, "k")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestKeyringBackendKeysAndDeleteAll(t *testing.T) {
	b := fileKeyringBackend(t)
	scope := NewScope("", AfterFirstUnlock)

	require.NoError(t, b.Set(scope, "b", "2"))
	require.NoError(t, b.Set(scope, "a", "1"))

	keys, err := b.Keys(scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, b.DeleteAll(scope))
	keys, err = b.Keys(scope)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeyringBackendMigrate(t *testing.T) {
	b := fileKeyringBackend(t)
	src := LegacySource("", WhenUnlocked)
	dst := NewScope("", WhenUnlocked)

	legacy, err := b.ring(legacyService(src))
	require.NoError(t, err)
	require.NoError(t, setItem(legacy, "old-token", "xyz"))

	n, err := b.MigrateMatching(src, dst, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	val, err := b.Get(dst, "old-token")
	require.NoError(t, err)
	assert.Equal(t, "xyz", val)

	left, err := legacy.Keys()
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err = b.MigrateMatching(src, dst, true)
	require.NoError(t, err)
	assert.Zero(t, n, "second migration finds nothing")
}

func TestKeyringBackendOpenFailure(t *testing.T) {
	b := NewKeyringBackend(KeyringConfig{})
	b.open = func(keyring.Config) (keyring.Keyring, error) {
		return nil, keyring.ErrNoAvailImpl
	}

	err := b.Set(NewScope("", WhenUnlocked), "k", "v")
	assert.ErrorIs(t, err, keyring.ErrNoAvailImpl)
}

func TestKeyringConfigPartitionsByService(t *testing.T) {
	b := NewKeyringBackend(KeyringConfig{FileDir: "/tmp/coffer", Backends: []string{"file", "pass"}})
	kc := b.config("g1.passcode")

	assert.Equal(t, "g1.passcode", kc.ServiceName)
	assert.Equal(t, "/tmp/coffer/g1.passcode", kc.FileDir)
	assert.Equal(t, []keyring.BackendType{keyring.FileBackend, keyring.PassBackend}, kc.AllowedBackends)
}

func TestKeyringBackendNamespaceCannotAliasPath(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "rings")
	b := NewKeyringBackend(KeyringConfig{
		Backends: []string{string(keyring.FileBackend)},
		FileDir:  root,
		Password: "test-password",
	})

	require.NoError(t, b.Set(NewScope("victim", WhenUnlocked), "token", "secret"))
	_, err := b.Get(NewScope("x/../victim", WhenUnlocked), "token")
	assert.True(t, errors.Is(err, ErrNotFound), "dot segments must not reach another namespace, got %v", err)

	require.NoError(t, b.Set(NewScope("../escaped", WhenUnlocked), "k", "v"))
	_, statErr := os.Stat(filepath.Join(dir, "escaped.unlocked"))
	assert.True(t, os.IsNotExist(statErr), "entries must stay under FileDir")

	val, err := b.Get(NewScope("../escaped", WhenUnlocked), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestKeyringConfigEscapesService(t *testing.T) {
	b := NewKeyringBackend(KeyringConfig{FileDir: "/tmp/coffer"})

	kc := b.config("../escaped.unlocked")
	assert.Equal(t, "/tmp/coffer/..%2Fescaped.unlocked", kc.FileDir)
	assert.Equal(t, "..%2Fescaped.unlocked", kc.KWalletFolder)
	assert.Equal(t, "coffer/..%2Fescaped.unlocked", kc.PassPrefix)
	assert.Equal(t, "../escaped.unlocked", kc.ServiceName)

	assert.NotEqual(t, b.config("x/../victim.unlocked").FileDir, b.config("victim.unlocked").FileDir)
	assert.Equal(t, "%2E..", pathSegment(".."))
}
