package system

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zoro11031/winebasin/internal/common"
)

// FileSystem handles the unprivileged file system operations on the data tree
type FileSystem struct{}

// NewFileSystem creates a new FileSystem instance
func NewFileSystem() *FileSystem {
	return &FileSystem{}
}

// EnsureDirectory creates a directory with the given permissions.
// If the directory already exists, it does nothing
func (fs *FileSystem) EnsureDirectory(path string, perms os.FileMode) error {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists but is not a directory", path)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check directory %s: %w", path, err)
	}

	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// DirectoryExists checks if a directory exists
func (fs *FileSystem) DirectoryExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check if directory exists %s: %w", path, err)
}

// IsEmptyDirectory reports whether path is a directory without entries
func (fs *FileSystem) IsEmptyDirectory(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open directory %s: %w", path, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return false, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read directory %s: %w", path, err)
	}
	return true, nil
}

// criticalPaths can never be removed, whatever the data root is set to
var criticalPaths = []string{
	"/",
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/home",
	"/lib",
	"/lib64",
	"/proc",
	"/root",
	"/sbin",
	"/sys",
	"/usr",
	"/var",
}

// RemoveDirectory removes a directory and all its contents. path must lie
// inside root; critical system directories are always refused.
func (fs *FileSystem) RemoveDirectory(root, path string) error {
	if path == "" {
		return fmt.Errorf("refusing to remove empty path")
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("refusing to remove relative path: %s (must be absolute)", path)
	}

	for _, critical := range criticalPaths {
		if path == critical {
			return fmt.Errorf("refusing to remove critical system path: %s", path)
		}
	}

	if err := common.ValidateContained(root, path); err != nil {
		return fmt.Errorf("refusing to remove %s: %w", path, err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", path, err)
	}
	return nil
}

// ResolveRealPath resolves symlinks in path. Components that do not exist
// yet are appended unresolved to the deepest existing ancestor.
func ResolveRealPath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	var missing []string
	current := cleaned
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			parts := append([]string{resolved}, missing...)
			return filepath.Join(parts...), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve %s: %w", current, err)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return cleaned, nil
		}
		missing = append([]string{filepath.Base(current)}, missing...)
		current = parent

		if strings.TrimSpace(current) == "" || current == "." {
			return cleaned, nil
		}
	}
}
