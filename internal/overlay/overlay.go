// Package overlay composes a system's view: the basis root as the read-only
// lower layer and the system's private upper layer on top, mounted on the
// system's merged directory through the privilege broker.
package overlay

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/zoro11031/winebasin/internal/broker"
	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
)

// Layers is the set of paths making up one overlay mount
type Layers struct {
	Lower  string
	Upper  string
	Work   string
	Merged string
}

// Status describes what is mounted on a merged path
type Status int

const (
	// StatusNone means nothing is mounted
	StatusNone Status = iota
	// StatusOurs means the system's own overlay is mounted
	StatusOurs
	// StatusForeign means something else occupies the mount point
	StatusForeign
)

func (s Status) String() string {
	switch s {
	case StatusOurs:
		return "ours"
	case StatusForeign:
		return "foreign"
	default:
		return "none"
	}
}

// Controller mounts and unmounts system overlays
type Controller struct {
	broker broker.Broker
	table  system.MountTable
	fs     *system.FileSystem
}

// NewController returns a Controller using b for privileged operations and
// table to observe the current mounts
func NewController(b broker.Broker, table system.MountTable) *Controller {
	return &Controller{broker: b, table: table, fs: system.NewFileSystem()}
}

// Layers derives the overlay layers of sys on top of b
func (c *Controller) Layers(sys *store.System, b *store.Basis) Layers {
	return Layers{
		Lower:  b.Root,
		Upper:  sys.Upper,
		Work:   sys.Work,
		Merged: sys.Merged,
	}
}

// Inspect reports what currently occupies the merged path of l
func (c *Controller) Inspect(l Layers) (Status, error) {
	mounts, err := c.table.Mounts()
	if err != nil {
		return StatusNone, err
	}

	mount := lookup(mounts, l.Merged)
	if mount == nil {
		return StatusNone, nil
	}
	if mount.Type != "overlay" {
		return StatusForeign, nil
	}
	upper, ok := mount.Option("upperdir")
	if !ok || !samePath(upper, l.Upper) {
		return StatusForeign, nil
	}
	return StatusOurs, nil
}

// Mount mounts l. Mounting an overlay that is already ours is a no-op.
func (c *Controller) Mount(ctx context.Context, l Layers) error {
	exists, err := c.fs.DirectoryExists(l.Lower)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", common.ErrBasisMissing, l.Lower)
	}

	status, err := c.Inspect(l)
	if err != nil {
		return err
	}
	switch status {
	case StatusOurs:
		log.Debug().Str("merged", l.Merged).Msg("overlay already mounted")
		return nil
	case StatusForeign:
		return fmt.Errorf("%w: %s", common.ErrAlreadyMountedElsewhere, l.Merged)
	}

	for _, dir := range []string{l.Upper, l.Work, l.Merged} {
		if err := c.fs.EnsureDirectory(dir, 0755); err != nil {
			return err
		}
	}

	if empty, err := c.fs.IsEmptyDirectory(l.Merged); err == nil && !empty {
		log.Warn().Str("merged", l.Merged).Msg("mount point is not empty; its files are hidden while mounted")
	}

	log.Debug().Str("lower", l.Lower).Str("upper", l.Upper).Str("merged", l.Merged).Msg("mounting overlay")
	if err := c.broker.Mount(ctx, broker.MountRequest{
		Lower:  l.Lower,
		Upper:  l.Upper,
		Work:   l.Work,
		Target: l.Merged,
	}); err != nil {
		return fmt.Errorf("failed to mount %s: %w", l.Merged, err)
	}
	return nil
}

// Unmount unmounts l. Nothing mounted is success; a foreign mount is left
// alone and reported.
func (c *Controller) Unmount(ctx context.Context, l Layers) error {
	status, err := c.Inspect(l)
	if err != nil {
		return err
	}
	switch status {
	case StatusNone:
		return nil
	case StatusForeign:
		return fmt.Errorf("%w: refusing to unmount %s", common.ErrAlreadyMountedElsewhere, l.Merged)
	}

	log.Debug().Str("merged", l.Merged).Msg("unmounting overlay")
	if err := c.broker.Unmount(ctx, l.Merged); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", l.Merged, err)
	}

	status, err = c.Inspect(l)
	if err != nil {
		return err
	}
	if status != StatusNone {
		return fmt.Errorf("%w: %s is still mounted", common.ErrMountSyscallFailed, l.Merged)
	}
	return nil
}

// lookup finds the topmost mount on path, comparing symlink-resolved paths
// since the kernel reports resolved mount points
func lookup(mounts system.MountPoints, path string) *system.MountPoint {
	if m := mounts.Get(path); m != nil {
		return m
	}
	if resolved, err := system.ResolveRealPath(path); err == nil && resolved != path {
		return mounts.Get(resolved)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := system.ResolveRealPath(a)
	rb, errB := system.ResolveRealPath(b)
	if errA != nil || errB != nil {
		return false
	}
	if ra == rb {
		return true
	}
	// Fall back to inode identity for bind-mounted data dirs
	sa, errA := os.Stat(ra)
	sb, errB := os.Stat(rb)
	return errA == nil && errB == nil && os.SameFile(sa, sb)
}
