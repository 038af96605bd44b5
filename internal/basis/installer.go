package basis

import (
	"context"
	"fmt"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
)

// Installer runs the one-time package installation job on a fresh basis
type Installer interface {
	Install(ctx context.Context, b *store.Basis) error
}

// CommandInstaller runs a configured command line per architecture, e.g. a
// winetricks batch, inside the basis prefix
type CommandInstaller struct {
	Runner     system.CommandRunner
	Commands   map[store.Arch]string
	PrefixEnv  string
	Credential *syscall.Credential
}

// Install implements Installer. Every failure wraps
// common.ErrPackageInstallFailed.
func (i *CommandInstaller) Install(ctx context.Context, b *store.Basis) error {
	line := i.Commands[b.Arch]
	if line == "" {
		return fmt.Errorf("%w: no package command configured for %s", common.ErrPackageInstallFailed, b.Arch)
	}

	words, err := system.ParseCommandLine(line)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPackageInstallFailed, err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: package command is empty", common.ErrPackageInstallFailed)
	}

	cmd := system.Command{
		Name:       words[0],
		Args:       words[1:],
		Env:        Environment(i.PrefixEnv, b.Root, b.Arch),
		Dir:        b.Root,
		Credential: i.Credential,
	}

	log.Debug().Str("basis", b.Name).Str("command", cmd.String()).Msg("installing packages")
	if err := i.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %v", common.ErrPackageInstallFailed, err)
	}
	return nil
}
