// Package brokertest provides an unprivileged stand-in for the privilege
// broker. Fake emulates an overlay mount by materialising the lower and upper
// layers into the target directory, and on unmount folds every change made in
// the target back into the upper layer. It also serves as the mount table, so
// code under test sees its mounts exactly as it would see real ones.
package brokertest

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zoro11031/winebasin/internal/broker"
	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/system"
)

// whiteoutPrefix marks a lower-layer file deleted through the overlay
const whiteoutPrefix = ".wh."

// Fake is an in-memory broker and mount table
type Fake struct {
	mu      sync.Mutex
	mounts  map[string]broker.MountRequest
	foreign map[string]string
	closed  bool

	// MountErr and UnmountErr, when set, are returned instead of acting
	MountErr   error
	UnmountErr error

	MountCalls   int
	UnmountCalls int
}

// New returns a Fake with nothing mounted
func New() *Fake {
	return &Fake{
		mounts:  make(map[string]broker.MountRequest),
		foreign: make(map[string]string),
	}
}

// AddForeign pretends that some other filesystem is mounted on target
func (f *Fake) AddForeign(target, fstype string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreign[target] = fstype
}

// Mounted reports whether the fake holds an overlay on target
func (f *Fake) Mounted(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounts[target]
	return ok
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Mount implements broker.Broker
func (f *Fake) Mount(ctx context.Context, req broker.MountRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.MountCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.MountErr != nil {
		return f.MountErr
	}
	if _, ok := f.mounts[req.Target]; ok {
		return fmt.Errorf("%w: %s is already mounted", common.ErrMountSyscallFailed, req.Target)
	}
	if _, err := os.Stat(req.Lower); err != nil {
		return fmt.Errorf("%w: lowerdir: %v", common.ErrMountSyscallFailed, err)
	}

	if err := copyTree(req.Lower, req.Target, whiteouts(req.Upper)); err != nil {
		return err
	}
	if err := copyTree(req.Upper, req.Target, nil); err != nil {
		return err
	}
	f.mounts[req.Target] = req
	return nil
}

// Unmount implements broker.Broker
func (f *Fake) Unmount(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UnmountCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.UnmountErr != nil {
		return f.UnmountErr
	}
	req, ok := f.mounts[target]
	if !ok {
		return nil
	}

	if err := fold(req); err != nil {
		return err
	}
	if err := clearDir(target); err != nil {
		return err
	}
	delete(f.mounts, target)
	return nil
}

// Close implements broker.Broker
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Mounts implements system.MountTable
func (f *Fake) Mounts() (system.MountPoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var mounts system.MountPoints
	for target, fstype := range f.foreign {
		mounts = append(mounts, &system.MountPoint{Device: fstype, Path: target, Type: fstype, Opts: []string{"rw"}})
	}
	for target, req := range f.mounts {
		mounts = append(mounts, &system.MountPoint{
			Device: "overlay",
			Path:   target,
			Type:   "overlay",
			Opts: []string{
				"rw",
				"lowerdir=" + req.Lower,
				"upperdir=" + req.Upper,
				"workdir=" + req.Work,
			},
		})
	}
	return mounts, nil
}

// fold records every difference between the merged view and the lower layer
// in the upper layer
func fold(req broker.MountRequest) error {
	if err := clearDir(req.Upper); err != nil {
		return err
	}

	err := filepath.WalkDir(req.Target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(req.Target, path)
		if rel == "." {
			return nil
		}
		lowerPath := filepath.Join(req.Lower, rel)
		upperPath := filepath.Join(req.Upper, rel)

		if d.IsDir() {
			if info, err := os.Stat(lowerPath); err == nil && info.IsDir() {
				return nil
			}
			return os.MkdirAll(upperPath, 0755)
		}

		same, err := sameFile(path, lowerPath)
		if err != nil || same {
			return err
		}
		return copyFile(path, upperPath)
	})
	if err != nil {
		return fmt.Errorf("fake overlay fold failed: %w", err)
	}

	// Lower files that vanished from the merged view become whiteouts
	return filepath.WalkDir(req.Lower, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(req.Lower, path)
		if rel == "." {
			return nil
		}
		if _, err := os.Lstat(filepath.Join(req.Target, rel)); os.IsNotExist(err) {
			wh := filepath.Join(req.Upper, filepath.Dir(rel), whiteoutPrefix+filepath.Base(rel))
			if err := os.MkdirAll(filepath.Dir(wh), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(wh, nil, 0644); err != nil {
				return err
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

// whiteouts lists the lower-relative paths hidden by upper
func whiteouts(upper string) map[string]bool {
	hidden := make(map[string]bool)
	filepath.WalkDir(upper, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, whiteoutPrefix) {
			rel, _ := filepath.Rel(upper, filepath.Join(filepath.Dir(path), strings.TrimPrefix(name, whiteoutPrefix)))
			hidden[rel] = true
		}
		return nil
	})
	return hidden
}

// copyTree copies src into dst, skipping whiteout markers and hidden paths
func copyTree(src, dst string, hidden map[string]bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, path)
		if rel == "." {
			return nil
		}
		if hidden[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), whiteoutPrefix) {
			return nil
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func sameFile(a, b string) (bool, error) {
	bData, err := os.ReadFile(b)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	aData, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aData, bData), nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
