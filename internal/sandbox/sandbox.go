// Package sandbox manages systems: per-application overlays on top of a
// basis. Entering a system locks it, mounts its overlay, runs a shell or a
// single program inside it and always unmounts and unlocks afterwards.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zoro11031/winebasin/internal/basis"
	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/lock"
	"github.com/zoro11031/winebasin/internal/overlay"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
)

// Mode selects what Enter runs inside the system
type Mode int

const (
	// ModeShell runs the configured shell, optionally with a -c script
	ModeShell Mode = iota
	// ModeRun runs one program from inside the merged prefix
	ModeRun
)

// Command is what Enter runs. For ModeShell, Words is an optional script;
// for ModeRun, Words[0] is a path relative to the merged mount point and the
// rest are its arguments.
type Command struct {
	Mode       Mode
	Words      []string
	WorkingDir string // ModeRun only; defaults to the program's directory
}

// StaleAction is the choice made when a previous session left the overlay
// mounted
type StaleAction int

const (
	// ReuseMount keeps the existing mount
	ReuseMount StaleAction = iota
	// Remount unmounts and mounts again from a clean state
	Remount
)

// StaleResolver decides what to do with a leftover mount of sys
type StaleResolver func(sys *store.System) (StaleAction, error)

// Settings carries the configured commands
type Settings struct {
	PrefixEnv      string
	Shell          string
	RuntimeCommand string // Launcher for ModeRun, empty to exec directly
}

// Status is the observable state of one system
type Status struct {
	System *store.System
	Mount  overlay.Status
	Holder *lock.Record // nil when no session is active
}

// Manager creates, enters and destroys systems
type Manager struct {
	store    *store.Store
	layout   config.Layout
	overlay  *overlay.Controller
	locker   *lock.Locker
	runner   system.CommandRunner
	invoker  system.Invoker
	settings Settings
	stale    StaleResolver
	fs       *system.FileSystem
}

// NewManager wires a system Manager. A nil resolver reuses stale mounts.
func NewManager(st *store.Store, layout config.Layout, ctl *overlay.Controller, locker *lock.Locker, runner system.CommandRunner, invoker system.Invoker, settings Settings, stale StaleResolver) *Manager {
	if stale == nil {
		stale = func(*store.System) (StaleAction, error) { return ReuseMount, nil }
	}
	return &Manager{
		store:    st,
		layout:   layout,
		overlay:  ctl,
		locker:   locker,
		runner:   runner,
		invoker:  invoker,
		settings: settings,
		stale:    stale,
		fs:       system.NewFileSystem(),
	}
}

// Create makes an empty system bound to basisName
func (m *Manager) Create(name, basisName string) (*store.System, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := m.store.GetBasis(basisName); err != nil {
		return nil, fmt.Errorf("basis %s: %w", basisName, err)
	}
	if _, err := m.store.GetSystem(name); err == nil {
		return nil, fmt.Errorf("system %s: %w", name, common.ErrAlreadyExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if err := m.fs.EnsureDirectory(m.layout.SystemsDir(), 0755); err != nil {
		return nil, err
	}
	dir := m.layout.SystemDir(name)
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("system directory %s already exists: %w", dir, common.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create system directory: %w", err)
	}

	rollback := func(cause error) error {
		if err := m.fs.RemoveDirectory(m.layout.SystemsDir(), dir); err != nil {
			log.Warn().Err(err).Str("system", name).Msg("failed to roll back system directory")
		}
		return cause
	}

	sys := &store.System{
		Name:      name,
		Basis:     basisName,
		Upper:     m.layout.SystemUpper(name),
		Work:      m.layout.SystemWork(name),
		Merged:    m.layout.SystemMerged(name),
		State:     store.StateUnmounted,
		CreatedAt: time.Now().UTC(),
	}
	sys.UpdatedAt = sys.CreatedAt

	for _, path := range []string{dir, sys.Upper, sys.Work, sys.Merged} {
		if err := m.fs.EnsureDirectory(path, 0755); err != nil {
			return nil, rollback(err)
		}
		if err := m.invoker.Own(path); err != nil {
			return nil, rollback(err)
		}
	}

	if err := m.store.CreateSystem(sys); err != nil {
		return nil, rollback(err)
	}
	log.Debug().Str("system", name).Str("basis", basisName).Msg("system created")
	return sys, nil
}

// Enter runs cmd inside the system's overlay. The overlay is mounted for
// the duration of the call only; the child's error, including its exit
// status, is returned unchanged (joined with any cleanup error).
func (m *Manager) Enter(ctx context.Context, name string, cmd Command) (err error) {
	if _, err := m.store.GetSystem(name); err != nil {
		return err
	}
	session, err := m.locker.Acquire(name)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := session.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	sys, err := m.store.GetSystem(name)
	if err != nil {
		return err
	}
	b, err := m.store.GetBasis(sys.Basis)
	if err != nil {
		return fmt.Errorf("basis %s of system %s: %w", sys.Basis, name, err)
	}
	layers := m.overlay.Layers(sys, b)

	// Build the child before mounting so bad input never costs a mount
	child, err := m.childCommand(sys, b, cmd)
	if err != nil {
		return err
	}

	mounted, err := m.reconcile(ctx, sys, layers)
	if err != nil {
		return err
	}
	if !mounted {
		if err := m.mount(ctx, sys, layers); err != nil {
			return err
		}
	}

	defer func() {
		if uerr := m.unmount(context.WithoutCancel(ctx), sys, layers); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	if cmd.Mode == ModeShell {
		child.Dir = basis.WorkDir(sys.Merged)
	}
	return m.run(ctx, sys, child)
}

// reconcile clears up after a session that did not finish cleanly. It
// reports whether the overlay is mounted and should be reused.
func (m *Manager) reconcile(ctx context.Context, sys *store.System, layers overlay.Layers) (bool, error) {
	status, err := m.overlay.Inspect(layers)
	if err != nil {
		return false, err
	}

	switch status {
	case overlay.StatusForeign:
		return false, fmt.Errorf("%w: %s", common.ErrAlreadyMountedElsewhere, sys.Merged)

	case overlay.StatusOurs:
		action, err := m.stale(sys)
		if err != nil {
			return false, err
		}
		if action == ReuseMount {
			log.Debug().Str("system", sys.Name).Msg("reusing stale mount")
			return true, m.setState(sys, store.StateMounted)
		}
		log.Debug().Str("system", sys.Name).Msg("remounting stale mount")
		if err := m.overlay.Unmount(ctx, layers); err != nil {
			return false, err
		}
		return false, m.setState(sys, store.StateUnmounted)

	default:
		if sys.State != store.StateUnmounted {
			log.Debug().Str("system", sys.Name).Str("state", string(sys.State)).Msg("resetting stale state, nothing is mounted")
			return false, m.setState(sys, store.StateUnmounted)
		}
		return false, nil
	}
}

func (m *Manager) mount(ctx context.Context, sys *store.System, layers overlay.Layers) error {
	if err := m.setState(sys, store.StateMountInProgress); err != nil {
		return err
	}
	if err := m.overlay.Mount(ctx, layers); err != nil {
		if rerr := m.setState(sys, store.StateUnmounted); rerr != nil {
			log.Warn().Err(rerr).Str("system", sys.Name).Msg("failed to roll back system state")
		}
		return err
	}
	return m.setState(sys, store.StateMounted)
}

// unmount leaves the record mounted when the unmount fails, so the next
// Enter sees the stale mount
func (m *Manager) unmount(ctx context.Context, sys *store.System, layers overlay.Layers) error {
	if err := m.overlay.Unmount(ctx, layers); err != nil {
		log.Warn().Err(err).Str("system", sys.Name).Msg("failed to unmount system")
		return err
	}
	return m.setState(sys, store.StateUnmounted)
}

// run waits for the child with interrupt signals swallowed, so an interrupt
// reaches only the child and cleanup still happens afterwards
func (m *Manager) run(ctx context.Context, sys *store.System, child system.Command) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	defer func() {
		signal.Stop(signals)
		close(done)
	}()
	go func() {
		for {
			select {
			case sig := <-signals:
				log.Debug().Str("system", sys.Name).Str("signal", sig.String()).Msg("signal ignored while system is entered")
			case <-done:
				return
			}
		}
	}()

	log.Debug().Str("system", sys.Name).Str("command", child.String()).Msg("entering system")
	return m.runner.Run(ctx, child)
}

func (m *Manager) childCommand(sys *store.System, b *store.Basis, cmd Command) (system.Command, error) {
	var child system.Command

	switch cmd.Mode {
	case ModeShell:
		shell, err := basis.CallerShellCommand(m.settings.Shell, cmd.Words)
		if err != nil {
			return child, err
		}
		child = shell

	case ModeRun:
		if len(cmd.Words) == 0 {
			return child, fmt.Errorf("no program given")
		}
		program, err := ResolveProgram(sys.Merged, cmd.Words[0])
		if err != nil {
			return child, err
		}

		argv := []string{program}
		if m.settings.RuntimeCommand != "" {
			runtime, err := system.ParseCommandLine(m.settings.RuntimeCommand)
			if err != nil {
				return child, err
			}
			argv = append(runtime, program)
		}
		argv = append(argv, cmd.Words[1:]...)

		child = system.Command{Name: argv[0], Args: argv[1:], Dir: filepath.Dir(program)}
		if cmd.WorkingDir != "" {
			dir, err := filepath.Abs(cmd.WorkingDir)
			if err != nil {
				return child, fmt.Errorf("failed to resolve working directory: %w", err)
			}
			child.Dir = dir
		}

	default:
		return child, fmt.Errorf("unknown mode %d", cmd.Mode)
	}

	child.Env = basis.Environment(m.settings.PrefixEnv, sys.Merged, b.Arch)
	child.Credential = m.invoker.Credential()
	return child, nil
}

// ResolveProgram resolves a program path relative to the merged mount point.
// Absolute paths and paths escaping the mount point fail with
// common.ErrInvalidPath.
func ResolveProgram(merged, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: program path must be relative to the system: %q", common.ErrInvalidPath, rel)
	}
	program := filepath.Join(merged, rel)
	if err := common.ValidateContained(merged, program); err != nil {
		return "", err
	}
	return program, nil
}

// Destroy removes a system that is not in use
func (m *Manager) Destroy(name string) error {
	if _, err := m.store.GetSystem(name); err != nil {
		return err
	}
	session, err := m.locker.Acquire(name)
	if err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			session.Release()
		}
	}()

	sys, err := m.store.GetSystem(name)
	if err != nil {
		return err
	}
	if sys.State != store.StateUnmounted {
		return fmt.Errorf("system %s is %s: %w", name, sys.State, common.ErrSystemStillMounted)
	}
	status, err := m.overlay.Inspect(m.layers(sys))
	if err != nil {
		return err
	}
	if status != overlay.StatusNone {
		return fmt.Errorf("%s has a live mount: %w", sys.Merged, common.ErrSystemStillMounted)
	}

	if err := m.fs.RemoveDirectory(m.layout.SystemsDir(), m.layout.SystemDir(name)); err != nil {
		return err
	}
	if err := m.store.DeleteSystem(name); err != nil {
		return err
	}

	session.Release()
	released = true
	if err := m.locker.Remove(name); err != nil && !errors.Is(err, common.ErrSystemBusy) {
		log.Warn().Err(err).Str("system", name).Msg("failed to remove lock file")
	}
	log.Debug().Str("system", name).Msg("system destroyed")
	return nil
}

// List returns all systems sorted by name
func (m *Manager) List() ([]*store.System, error) {
	return m.store.ListSystems()
}

// Path returns the private directory of a system
func (m *Manager) Path(name string) (string, error) {
	if _, err := m.store.GetSystem(name); err != nil {
		return "", err
	}
	return m.layout.SystemDir(name), nil
}

// Status reports the recorded state, the live mount and the session holder
func (m *Manager) Status(name string) (*Status, error) {
	sys, err := m.store.GetSystem(name)
	if err != nil {
		return nil, err
	}
	mount, err := m.overlay.Inspect(m.layers(sys))
	if err != nil {
		return nil, err
	}
	holder, err := m.locker.Holder(name)
	if err != nil {
		return nil, err
	}
	return &Status{System: sys, Mount: mount, Holder: holder}, nil
}

// layers derives the overlay layers without requiring the basis to exist
func (m *Manager) layers(sys *store.System) overlay.Layers {
	b, err := m.store.GetBasis(sys.Basis)
	if err != nil {
		b = &store.Basis{Name: sys.Basis}
	}
	return m.overlay.Layers(sys, b)
}

func (m *Manager) setState(sys *store.System, state store.State) error {
	updated, err := m.store.UpdateSystemState(sys.Name, state)
	if err != nil {
		return err
	}
	*sys = *updated
	return nil
}
