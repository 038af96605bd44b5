// Package broker is the only part of winebasin that runs with elevated
// rights. It performs exactly two operations, mounting and unmounting an
// overlay below the data directory, and nothing else.
//
// The unprivileged side talks to an elevated helper process (the hidden
// `winebasin broker` command started through sudo) using the request/response
// protocol in protocol.go. When winebasin already runs as root the same
// Server is used in-process through Local.
package broker

import "context"

// MountRequest names the four overlay paths
type MountRequest struct {
	Lower  string
	Upper  string
	Work   string
	Target string
}

// Broker performs privileged mount operations on behalf of the caller
type Broker interface {
	// Mount mounts an overlay of Lower and Upper (scratch Work) on Target
	Mount(ctx context.Context, req MountRequest) error
	// Unmount unmounts Target; unmounting something not mounted succeeds
	Unmount(ctx context.Context, target string) error
	// Close releases the elevated helper, if any
	Close() error
}
