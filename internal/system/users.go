package system

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// Invoker identifies the user who started winebasin. When the tool itself
// was started through sudo, this is the original user, not root.
type Invoker struct {
	UID      int
	GID      int
	Username string
	Elevated bool // The current process runs as root
}

// Credential returns the credential children must run with, or nil when the
// process already runs as the invoking user.
func (i Invoker) Credential() *syscall.Credential {
	if !i.Elevated || i.UID == 0 {
		return nil
	}
	return &syscall.Credential{Uid: uint32(i.UID), Gid: uint32(i.GID)}
}

// CurrentInvoker determines the invoking user, honouring SUDO_UID/SUDO_GID
// when running as root.
func CurrentInvoker() (Invoker, error) {
	inv := Invoker{
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		Elevated: os.Geteuid() == 0,
	}

	if inv.Elevated {
		if sudoUID := os.Getenv("SUDO_UID"); sudoUID != "" {
			uid, err := strconv.Atoi(sudoUID)
			if err != nil {
				return Invoker{}, fmt.Errorf("invalid SUDO_UID %q: %w", sudoUID, err)
			}
			inv.UID = uid
			inv.GID = uid
			if sudoGID := os.Getenv("SUDO_GID"); sudoGID != "" {
				gid, err := strconv.Atoi(sudoGID)
				if err != nil {
					return Invoker{}, fmt.Errorf("invalid SUDO_GID %q: %w", sudoGID, err)
				}
				inv.GID = gid
			}
		}
	}

	if u, err := user.LookupId(strconv.Itoa(inv.UID)); err == nil {
		inv.Username = u.Username
	} else {
		inv.Username = strconv.Itoa(inv.UID)
	}

	return inv, nil
}

// Own hands path over to the invoking user when the process runs elevated on
// their behalf, so files created as root stay usable without sudo.
func (i Invoker) Own(path string) error {
	if !i.Elevated || i.UID == 0 {
		return nil
	}
	if err := os.Lchown(path, i.UID, i.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %s: %w", path, i.Username, err)
	}
	return nil
}
