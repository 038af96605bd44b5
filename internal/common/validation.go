package common

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxNameLength keeps record and lock file names well below NAME_MAX
const maxNameLength = 64

// ValidateName validates a basis or system name. Names become directory and
// file names, so only a conservative character set is accepted.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("name too long (max %d characters): %s", maxNameLength, name)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..': %s", name)
	}

	firstChar := name[0]
	if !((firstChar >= 'a' && firstChar <= 'z') || (firstChar >= 'A' && firstChar <= 'Z') || (firstChar >= '0' && firstChar <= '9')) {
		return fmt.Errorf("name must start with a letter or digit: %s", name)
	}

	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
			return fmt.Errorf("name contains invalid character %q: %s", c, name)
		}
	}

	return nil
}

// ValidatePath validates that a path is absolute
func ValidatePath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	return nil
}

// ValidateContained checks that path is absolute, already clean and lies
// strictly inside root. Both arguments are compared lexically; callers that
// must defend against symlinks resolve them first.
func ValidateContained(root, path string) error {
	if err := ValidatePath(path); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("%w: path is not clean: %s", ErrInvalidPath, path)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("%w: %s is not under %s", ErrInvalidPath, path, root)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes %s", ErrInvalidPath, path, root)
	}

	return nil
}

// ValidateMountOptionValue rejects characters that would let a path inject
// extra overlay mount options or additional lower layers.
func ValidateMountOptionValue(path string) error {
	if strings.ContainsAny(path, ",:\n\x00") {
		return fmt.Errorf("%w: path contains a reserved character: %q", ErrInvalidPath, path)
	}
	return nil
}
