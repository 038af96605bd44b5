// Package common holds the error taxonomy and input validation shared by every
// winebasin component. Errors returned anywhere in the tool wrap one of the
// sentinels below so callers can branch with errors.Is.
package common

import "errors"

var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyExists            = errors.New("already exists")
	ErrReferencedByActiveSystem = errors.New("basis is referenced by a system")
	ErrSystemBusy               = errors.New("system is busy")
	ErrSystemStillMounted       = errors.New("system is still mounted")
	ErrBasisMissing             = errors.New("basis root is missing")
	ErrAlreadyMountedElsewhere  = errors.New("mount point is occupied by a foreign mount")
	ErrInvalidPath              = errors.New("invalid path")
	ErrPrivilegeDenied          = errors.New("privilege elevation denied")
	ErrMountSyscallFailed       = errors.New("mount syscall failed")

	// ErrPackageInstallFailed is warning-level: it is attached to the basis
	// record and never aborts basis creation.
	ErrPackageInstallFailed = errors.New("package installation failed")
)
