//go:build unix

package api

import (
	"net"

	"golang.org/x/sys/unix"
)

// listenPrivate creates the socket with umask 0077 so it is never
// reachable by other users, not even briefly before a chmod.
func listenPrivate(path string) (net.Listener, error) {
	old := unix.Umask(0o077)
	defer unix.Umask(old)
	return net.Listen("unix", path)
}
