package store

import "time"

// recordVersion is bumped whenever a record layout changes incompatibly
const recordVersion = 1

// PackageStatus records the outcome of the bulk package installation job
type PackageStatus string

const (
	PackagesNone      PackageStatus = "none"
	PackagesInstalled PackageStatus = "installed"
	PackagesFailed    PackageStatus = "failed"
)

// Arch is the Wine prefix architecture of a basis
type Arch string

const (
	ArchWin64 Arch = "win64"
	ArchWin32 Arch = "win32"
)

// ParseArch validates an architecture name; empty selects win64
func ParseArch(s string) (Arch, bool) {
	switch Arch(s) {
	case "", ArchWin64:
		return ArchWin64, true
	case ArchWin32:
		return ArchWin32, true
	}
	return "", false
}

// State is the lifecycle state of a system
type State string

const (
	StateUnmounted       State = "unmounted"
	StateMountInProgress State = "mount-in-progress"
	StateMounted         State = "mounted"
)

// Basis is a shared, read-mostly base prefix
type Basis struct {
	Version        int           `json:"version"`
	Name           string        `json:"name"`
	Root           string        `json:"root"`
	Arch           Arch          `json:"arch"`
	CreatedAt      time.Time     `json:"created_at"`
	Packages       PackageStatus `json:"packages"`
	PackageWarning string        `json:"package_warning,omitempty"`
}

// System is an isolated overlay layer bound to one basis
type System struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Basis     string    `json:"basis"`
	Upper     string    `json:"upper"`
	Work      string    `json:"work"`
	Merged    string    `json:"merged"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
