// Package basis manages bases: shared Wine prefixes that systems overlay.
// A basis is written only while it is created, updated or maintained through
// its own shell, never through a system.
package basis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
)

// updateTimestampFile is written by wineboot into every prefix it updates
const updateTimestampFile = ".update-timestamp"

// Settings carries the configured commands and paths
type Settings struct {
	PrefixEnv   string // Variable pointing children at their prefix
	InitCommand string // Initialises or updates a prefix, empty to skip
	Shell       string
	WineINFPath string
}

// CreateOptions controls basis creation
type CreateOptions struct {
	Arch            store.Arch
	InstallPackages bool
}

// Manager creates and maintains bases
type Manager struct {
	store     *store.Store
	layout    config.Layout
	runner    system.CommandRunner
	installer Installer
	invoker   system.Invoker
	settings  Settings
	fs        *system.FileSystem
}

// NewManager wires a basis Manager
func NewManager(st *store.Store, layout config.Layout, runner system.CommandRunner, installer Installer, invoker system.Invoker, settings Settings) *Manager {
	return &Manager{
		store:     st,
		layout:    layout,
		runner:    runner,
		installer: installer,
		invoker:   invoker,
		settings:  settings,
		fs:        system.NewFileSystem(),
	}
}

// Create initialises a new basis prefix and records it. A failing package job
// does not fail creation: it is recorded on the basis as a warning.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*store.Basis, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	if opts.Arch == "" {
		opts.Arch = store.ArchWin64
	}
	if _, err := m.store.GetBasis(name); err == nil {
		return nil, fmt.Errorf("basis %s: %w", name, common.ErrAlreadyExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if err := m.fs.EnsureDirectory(m.layout.BasesDir(), 0755); err != nil {
		return nil, err
	}
	root := m.layout.BasisRoot(name)
	// Mkdir claims the name; a leftover directory counts as taken
	if err := os.Mkdir(root, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("basis directory %s already exists: %w", root, common.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create basis directory: %w", err)
	}

	rollback := func(cause error) error {
		if err := m.fs.RemoveDirectory(m.layout.BasesDir(), root); err != nil {
			log.Warn().Err(err).Str("basis", name).Msg("failed to roll back basis directory")
		}
		return cause
	}

	if err := m.invoker.Own(root); err != nil {
		return nil, rollback(err)
	}

	b := &store.Basis{
		Name:      name,
		Root:      root,
		Arch:      opts.Arch,
		CreatedAt: time.Now().UTC(),
		Packages:  store.PackagesNone,
	}

	if err := m.initPrefix(ctx, b); err != nil {
		return nil, rollback(fmt.Errorf("failed to initialise basis prefix: %w", err))
	}
	if err := m.store.CreateBasis(b); err != nil {
		return nil, rollback(err)
	}
	log.Debug().Str("basis", name).Str("arch", string(b.Arch)).Msg("basis created")

	if !opts.InstallPackages {
		return b, nil
	}

	if err := m.installer.Install(ctx, b); err != nil {
		b.Packages = store.PackagesFailed
		b.PackageWarning = err.Error()
		log.Warn().Err(err).Str("basis", name).Msg("package installation failed")
	} else {
		b.Packages = store.PackagesInstalled
	}
	if err := m.store.PutBasis(b); err != nil {
		return b, err
	}
	return b, nil
}

// Destroy removes a basis that no system references
func (m *Manager) Destroy(name string) error {
	b, err := m.store.GetBasis(name)
	if err != nil {
		return err
	}
	// The record goes first: without it no new system can bind to the basis
	if err := m.store.DeleteBasis(name); err != nil {
		return err
	}
	if err := m.fs.RemoveDirectory(m.layout.BasesDir(), b.Root); err != nil {
		return fmt.Errorf("basis %s unregistered but its directory remains: %w", name, err)
	}
	log.Debug().Str("basis", name).Msg("basis destroyed")
	return nil
}

// List returns all bases sorted by name
func (m *Manager) List() ([]*store.Basis, error) {
	return m.store.ListBases()
}

// Get returns one basis
func (m *Manager) Get(name string) (*store.Basis, error) {
	return m.store.GetBasis(name)
}

// Path returns the prefix directory of a basis
func (m *Manager) Path(name string) (string, error) {
	b, err := m.store.GetBasis(name)
	if err != nil {
		return "", err
	}
	return b.Root, nil
}

// NeedsUpdate reports whether the installed runtime is newer than the basis
// prefix, comparing the prefix's update timestamp with wine.inf. A prefix
// without a timestamp always needs an update.
func (m *Manager) NeedsUpdate(name string) (bool, error) {
	b, err := m.store.GetBasis(name)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(filepath.Join(b.Root, updateTimestampFile))
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read prefix update timestamp: %w", err)
	}
	have, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse prefix update timestamp %q: %w", strings.TrimSpace(string(data)), err)
	}

	info, err := os.Stat(m.settings.WineINFPath)
	if err != nil {
		return false, fmt.Errorf("failed to stat wine.inf (set WINE_INF_DIR): %w", err)
	}
	return have < info.ModTime().Unix(), nil
}

// Update re-initialises the basis prefix if the runtime changed. It reports
// whether an update ran. Bases under a mounted system are left alone.
func (m *Manager) Update(ctx context.Context, name string) (bool, error) {
	needed, err := m.NeedsUpdate(name)
	if err != nil || !needed {
		return false, err
	}
	if err := m.ensureIdle(name); err != nil {
		return false, err
	}

	b, err := m.store.GetBasis(name)
	if err != nil {
		return false, err
	}
	if err := m.initPrefix(ctx, b); err != nil {
		return false, fmt.Errorf("failed to update basis %s: %w", name, err)
	}
	log.Debug().Str("basis", name).Msg("basis updated")
	return true, nil
}

// Shell opens a shell in the basis prefix, for maintenance such as
// installing packages by hand. With command set, it runs that instead.
func (m *Manager) Shell(ctx context.Context, name string, command []string) error {
	b, err := m.store.GetBasis(name)
	if err != nil {
		return err
	}
	if err := m.ensureIdle(name); err != nil {
		return err
	}
	if _, err := m.Update(ctx, name); err != nil {
		return err
	}

	cmd, err := CallerShellCommand(m.settings.Shell, command)
	if err != nil {
		return err
	}
	cmd.Env = Environment(m.settings.PrefixEnv, b.Root, b.Arch)
	cmd.Dir = WorkDir(b.Root)
	cmd.Credential = m.invoker.Credential()

	log.Debug().Str("basis", name).Str("command", cmd.String()).Msg("starting basis shell")
	return m.runner.Run(ctx, cmd)
}

// ensureIdle fails when a system built on the basis is mounted, since its
// lower layer must not change underneath a live overlay
func (m *Manager) ensureIdle(name string) error {
	systems, err := m.store.ListSystems()
	if err != nil {
		return err
	}
	for _, sys := range systems {
		if sys.Basis == name && sys.State != store.StateUnmounted {
			return fmt.Errorf("basis %s is in use by system %s: %w", name, sys.Name, common.ErrSystemStillMounted)
		}
	}
	return nil
}

func (m *Manager) initPrefix(ctx context.Context, b *store.Basis) error {
	if strings.TrimSpace(m.settings.InitCommand) == "" {
		return nil
	}
	words, err := system.ParseCommandLine(m.settings.InitCommand)
	if err != nil {
		return err
	}

	cmd := system.Command{
		Name:       words[0],
		Args:       words[1:],
		Env:        Environment(m.settings.PrefixEnv, b.Root, b.Arch),
		Dir:        b.Root,
		Stdout:     io.Discard,
		Credential: m.invoker.Credential(),
	}
	log.Debug().Str("basis", b.Name).Str("command", cmd.String()).Msg("initialising prefix")
	return m.runner.Run(ctx, cmd)
}
