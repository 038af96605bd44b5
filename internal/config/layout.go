package config

import "path/filepath"

// Layout computes every on-disk path below the data directory. All components
// take their paths from a Layout so the elevated broker and the unprivileged
// side agree on the tree.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at dataDir
func NewLayout(dataDir string) Layout {
	return Layout{Root: filepath.Clean(dataDir)}
}

// BasesDir holds one directory per basis
func (l Layout) BasesDir() string { return filepath.Join(l.Root, "basis") }

// SystemsDir holds one directory tree per system
func (l Layout) SystemsDir() string { return filepath.Join(l.Root, "system") }

// StateDir holds the State Store records
func (l Layout) StateDir() string { return filepath.Join(l.Root, "state") }

// LocksDir holds session lock files
func (l Layout) LocksDir() string { return filepath.Join(l.Root, "locks") }

// BasisRoot is the basis prefix, the overlay lower layer
func (l Layout) BasisRoot(name string) string { return filepath.Join(l.BasesDir(), name) }

// SystemDir is the private tree of a system
func (l Layout) SystemDir(name string) string { return filepath.Join(l.SystemsDir(), name) }

// SystemUpper is where a system's writes land
func (l Layout) SystemUpper(name string) string { return filepath.Join(l.SystemDir(name), "upper") }

// SystemWork is the overlay scratch directory
func (l Layout) SystemWork(name string) string { return filepath.Join(l.SystemDir(name), "work") }

// SystemMerged is the mount point exposed to applications
func (l Layout) SystemMerged(name string) string { return filepath.Join(l.SystemDir(name), "merged") }

// LockFile is the session lock for a system
func (l Layout) LockFile(name string) string { return filepath.Join(l.LocksDir(), name+".lock") }
