//go:build !darwin

package keychain

// NewSystemBackend returns a MemoryBackend on non-darwin platforms.
// The macOS Keychain is not available outside of macOS; entries are
// held in memory only and will not persist across restarts. Use
// KeyringBackend for persistent storage on these platforms.
func NewSystemBackend() *MemoryBackend {
	return NewMemoryBackend()
}
