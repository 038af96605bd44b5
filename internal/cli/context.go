// Package cli wires configuration, storage, the privilege broker and the
// basis and system managers into one AppContext for the command layer.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zoro11031/winebasin/internal/basis"
	"github.com/zoro11031/winebasin/internal/broker"
	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/lock"
	"github.com/zoro11031/winebasin/internal/overlay"
	"github.com/zoro11031/winebasin/internal/sandbox"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
	"github.com/zoro11031/winebasin/internal/ui"
)

// Options are the global command-line flags
type Options struct {
	ConfigPath     string
	DataDir        string
	NonInteractive bool
}

// AppContext holds all dependencies needed by commands
type AppContext struct {
	Config  *config.Config
	UI      *ui.UI
	Layout  config.Layout
	Store   *store.Store
	Invoker system.Invoker
	Bases   *basis.Manager
	Systems *sandbox.Manager

	broker broker.Broker
}

// SetupLogging routes zerolog to a console writer on w. Debug lowers the
// level from warn to debug.
func SetupLogging(w io.Writer, debug bool) {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
}

// NewAppContext loads configuration and builds every component. Close must
// be called to release the broker.
func NewAppContext(opts Options) (*AppContext, error) {
	cfg := config.New(opts.ConfigPath)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.DataDir != "" {
		cfg.Override(config.KeyDataDir, opts.DataDir)
	}

	u := ui.New()
	u.SetNonInteractive(opts.NonInteractive || !isatty.IsTerminal(os.Stdin.Fd()))

	invoker, err := system.CurrentInvoker()
	if err != nil {
		return nil, fmt.Errorf("failed to determine invoking user: %w", err)
	}

	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	layout := config.NewLayout(dataDir)
	if err := prepareLayout(layout, invoker); err != nil {
		return nil, err
	}

	st, err := store.Open(layout.StateDir())
	if err != nil {
		return nil, err
	}

	b, err := newBroker(cfg, layout, invoker)
	if err != nil {
		return nil, err
	}

	runner := system.NewCommandRunner()
	prefixEnv := cfg.GetOrDefault(config.KeyPrefixEnv, "WINEPREFIX")
	shell := cfg.GetOrDefault(config.KeyShell, "/bin/sh")

	installer := &basis.CommandInstaller{
		Runner: runner,
		Commands: map[store.Arch]string{
			store.ArchWin64: cfg.GetOrDefault(config.KeyPackagesCommandWin64, ""),
			store.ArchWin32: cfg.GetOrDefault(config.KeyPackagesCommandWin32, ""),
		},
		PrefixEnv:  prefixEnv,
		Credential: invoker.Credential(),
	}
	bases := basis.NewManager(st, layout, runner, installer, invoker, basis.Settings{
		PrefixEnv:   prefixEnv,
		InitCommand: cfg.GetOrDefault(config.KeyPrefixInitCommand, ""),
		Shell:       shell,
		WineINFPath: cfg.GetOrDefault(config.KeyWineINFPath, ""),
	})

	runtimeCommand := cfg.GetOrDefault(config.KeyRuntimeCommand, "")

	ctl := overlay.NewController(b, system.NewMountTable())
	systems := sandbox.NewManager(st, layout, ctl, lock.NewLocker(layout.LocksDir()), runner, invoker, sandbox.Settings{
		PrefixEnv:      prefixEnv,
		Shell:          shell,
		RuntimeCommand: runtimeCommand,
	}, StaleResolver(u))

	return &AppContext{
		Config:  cfg,
		UI:      u,
		Layout:  layout,
		Store:   st,
		Invoker: invoker,
		Bases:   bases,
		Systems: systems,
		broker:  b,
	}, nil
}

// Close shuts down the broker helper if one was started
func (a *AppContext) Close() error {
	if a.broker == nil {
		return nil
	}
	return a.broker.Close()
}

// StaleResolver turns the stale-mount prompt into a sandbox.StaleResolver
func StaleResolver(u *ui.UI) sandbox.StaleResolver {
	return func(sys *store.System) (sandbox.StaleAction, error) {
		choice, err := u.PromptStaleMount(sys.Name)
		if err != nil {
			return sandbox.ReuseMount, err
		}
		if choice == ui.StaleRemount {
			return sandbox.Remount, nil
		}
		return sandbox.ReuseMount, nil
	}
}

// newBroker mounts in-process when already root and otherwise goes through
// an elevated helper started on first use
func newBroker(cfg *config.Config, layout config.Layout, invoker system.Invoker) (broker.Broker, error) {
	if invoker.Elevated {
		server, err := broker.NewServer(layout.Root)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("root", server.Root()).Msg("using in-process mount broker")
		return broker.NewLocal(server), nil
	}

	elevate, err := system.ParseCommandLine(cfg.GetOrDefault(config.KeyElevateCommand, "sudo"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.KeyElevateCommand, err)
	}
	if len(elevate) == 0 {
		return unavailableBroker{err: fmt.Errorf("%w: %s is empty and winebasin is not running as root", common.ErrPrivilegeDenied, config.KeyElevateCommand)}, nil
	}
	client, err := broker.NewClient(elevate, layout.Root)
	if err != nil {
		return nil, err
	}
	log.Debug().Strs("elevate", elevate).Msg("using elevated mount broker")
	return client, nil
}

// unavailableBroker fails every mount, leaving commands that never mount
// usable without a way to elevate
type unavailableBroker struct {
	err error
}

func (b unavailableBroker) Mount(context.Context, broker.MountRequest) error {
	return b.err
}

func (b unavailableBroker) Unmount(context.Context, string) error {
	return b.err
}

func (b unavailableBroker) Close() error {
	return nil
}

// prepareLayout creates the data directory tree, owned by the invoking user
func prepareLayout(layout config.Layout, invoker system.Invoker) error {
	fs := system.NewFileSystem()
	for _, dir := range []string{layout.Root, layout.BasesDir(), layout.SystemsDir(), layout.StateDir(), layout.LocksDir()} {
		if err := fs.EnsureDirectory(dir, 0755); err != nil {
			return err
		}
		if err := invoker.Own(dir); err != nil {
			return err
		}
	}
	return nil
}

// CheckRuntime warns when the configured runtime launcher is not in PATH
func (a *AppContext) CheckRuntime() {
	words, err := system.ParseCommandLine(a.Config.GetOrDefault(config.KeyRuntimeCommand, ""))
	if err != nil || len(words) == 0 {
		return
	}
	if !system.CommandExists(words[0]) {
		a.UI.Warningf("%s not found in PATH (set %s or WINE)", words[0], config.KeyRuntimeCommand)
	}
}
