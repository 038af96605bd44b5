package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ProcMounts is the kernel's view of this process's mount namespace
const ProcMounts = "/proc/self/mounts"

// MountPoint is one entry of the mount table
type MountPoint struct {
	Device string
	Path   string
	Type   string
	Opts   []string // Opts may contain sensitive mount options and MUST NOT be logged verbatim.
	Freq   int
	Pass   int
}

// Option returns the value of a key=value mount option
func (m *MountPoint) Option(key string) (string, bool) {
	prefix := key + "="
	for _, opt := range m.Opts {
		if strings.HasPrefix(opt, prefix) {
			return strings.TrimPrefix(opt, prefix), true
		}
	}
	return "", false
}

// MountPoints is a parsed mount table
type MountPoints []*MountPoint

// Get returns the last (topmost) entry mounted on target
func (mounts MountPoints) Get(target string) *MountPoint {
	var found *MountPoint
	for _, mount := range mounts {
		if mount.Path == target {
			found = mount
		}
	}
	return found
}

// Exist reports whether anything is mounted on target
func (mounts MountPoints) Exist(target string) bool {
	return mounts.Get(target) != nil
}

// MountTable reads the current mount table
type MountTable interface {
	Mounts() (MountPoints, error)
}

// ProcMountTable reads mounts from a procfs file
type ProcMountTable struct {
	Path string
}

// NewMountTable returns a table backed by /proc/self/mounts
func NewMountTable() MountTable {
	return &ProcMountTable{Path: ProcMounts}
}

// Mounts parses the mount table file
func (p *ProcMountTable) Mounts() (MountPoints, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mount table: %w", err)
	}
	defer f.Close()

	return ParseMounts(f)
}

// ParseMounts parses fstab-formatted mount entries as found in /proc/mounts
func ParseMounts(r io.Reader) (MountPoints, error) {
	const expectedNumFieldsPerLine = 6 // Number of fields per line in /proc/mounts as per the fstab man page.

	out := MountPoints{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != expectedNumFieldsPerLine {
			// Do not log line in case it contains sensitive mount options
			return nil, fmt.Errorf("wrong number of fields (expected %d, got %d)", expectedNumFieldsPerLine, len(fields))
		}

		mp := &MountPoint{
			Device: unescapeMountField(fields[0]),
			Path:   unescapeMountField(fields[1]),
			Type:   fields[2],
			Opts:   strings.Split(unescapeMountField(fields[3]), ","),
		}

		freq, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, err
		}
		mp.Freq = freq

		pass, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, err
		}
		mp.Pass = pass

		out = append(out, mp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	return out, nil
}

// unescapeMountField decodes the \ooo octal escapes the kernel uses for
// space, tab, newline and backslash
func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}

	var b strings.Builder
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+3 < len(field) {
			if v, err := strconv.ParseUint(field[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(field[i])
	}
	return b.String()
}

// ProcFilesystems lists the filesystem types known to the running kernel
const ProcFilesystems = "/proc/filesystems"

// FilesystemSupported reports whether fstype appears in a filesystems list
// such as ProcFilesystems. overlay may be a module that is not loaded yet,
// in which case it is absent until first use.
func FilesystemSupported(path, fstype string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	types, err := ParseFilesystems(f)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t == fstype {
			return true, nil
		}
	}
	return false, nil
}

// ParseFilesystems parses /proc/filesystems lines of the form
// "[nodev]<TAB>type"
func ParseFilesystems(r io.Reader) ([]string, error) {
	var types []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		types = append(types, fields[len(fields)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read filesystems list: %w", err)
	}
	return types, nil
}
