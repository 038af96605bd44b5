package basis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zoro11031/winebasin/internal/common"
	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
)

// fakeRunner records commands and, like wineboot, stamps the prefix it was
// pointed at
type fakeRunner struct {
	commands []system.Command
	err      error
	stamp    int64
}

func (r *fakeRunner) Run(ctx context.Context, cmd system.Command) error {
	r.commands = append(r.commands, cmd)
	if r.err != nil {
		return r.err
	}
	if prefix := envValue(cmd.Env, "WINEPREFIX"); prefix != "" && r.stamp != 0 {
		return os.WriteFile(filepath.Join(prefix, updateTimestampFile), []byte(fmt.Sprintf("%d\n", r.stamp)), 0644)
	}
	return nil
}

type fakeInstaller struct {
	err   error
	calls int
}

func (i *fakeInstaller) Install(ctx context.Context, b *store.Basis) error {
	i.calls++
	return i.err
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

type fixture struct {
	manager   *Manager
	store     *store.Store
	layout    config.Layout
	runner    *fakeRunner
	installer *fakeInstaller
	inf       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	st, err := store.Open(layout.StateDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	inf := filepath.Join(t.TempDir(), "wine.inf")
	if err := os.WriteFile(inf, []byte("[version]"), 0644); err != nil {
		t.Fatalf("write wine.inf: %v", err)
	}

	f := &fixture{
		store:     st,
		layout:    layout,
		runner:    &fakeRunner{stamp: time.Now().Add(time.Hour).Unix()},
		installer: &fakeInstaller{},
		inf:       inf,
	}
	f.manager = NewManager(st, layout, f.runner, f.installer, system.Invoker{UID: os.Getuid(), GID: os.Getgid()}, Settings{
		PrefixEnv:   "WINEPREFIX",
		InitCommand: "wine hostname",
		Shell:       "/bin/sh",
		WineINFPath: inf,
	})
	return f
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	b, err := f.manager.Create(context.Background(), "b1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if b.Arch != store.ArchWin64 || b.Packages != store.PackagesNone {
		t.Errorf("basis = %+v, want win64 without packages", b)
	}
	if b.Root != f.layout.BasisRoot("b1") {
		t.Errorf("root = %q, want %q", b.Root, f.layout.BasisRoot("b1"))
	}

	if len(f.runner.commands) != 1 {
		t.Fatalf("ran %d commands, want the initialiser only", len(f.runner.commands))
	}
	initCmd := f.runner.commands[0]
	if initCmd.String() != "wine hostname" {
		t.Errorf("initialiser = %q, want %q", initCmd.String(), "wine hostname")
	}
	if got := envValue(initCmd.Env, "WINEPREFIX"); got != b.Root {
		t.Errorf("WINEPREFIX = %q, want %q", got, b.Root)
	}
	if got := envValue(initCmd.Env, "WINEARCH"); got != "win64" {
		t.Errorf("WINEARCH = %q, want win64", got)
	}
	if initCmd.Stdout != io.Discard {
		t.Error("initialiser output is not discarded")
	}
	if f.installer.calls != 0 {
		t.Error("installer ran without being requested")
	}

	if _, err := f.store.GetBasis("b1"); err != nil {
		t.Errorf("basis record missing: %v", err)
	}
}

func TestCreateAlreadyExists(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Create(context.Background(), "b1", CreateOptions{}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := f.manager.Create(context.Background(), "b1", CreateOptions{}); !errors.Is(err, common.ErrAlreadyExists) {
		t.Errorf("second Create() error = %v, want ErrAlreadyExists", err)
	}

	// A leftover directory without a record also blocks the name
	if err := os.MkdirAll(f.layout.BasisRoot("orphan"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := f.manager.Create(context.Background(), "orphan", CreateOptions{}); !errors.Is(err, common.ErrAlreadyExists) {
		t.Errorf("Create() over orphan dir error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateInitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("wine: command not found")

	if _, err := f.manager.Create(context.Background(), "b1", CreateOptions{InstallPackages: true}); err == nil {
		t.Fatal("Create() error = nil, want initialiser failure")
	}
	if _, err := os.Stat(f.layout.BasisRoot("b1")); !os.IsNotExist(err) {
		t.Errorf("basis directory left behind: %v", err)
	}
	if _, err := f.store.GetBasis("b1"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("basis record left behind: %v", err)
	}
	if f.installer.calls != 0 {
		t.Error("installer ran after a failed initialisation")
	}
}

func TestCreatePackages(t *testing.T) {
	tests := []struct {
		name        string
		installErr  error
		wantStatus  store.PackageStatus
		wantWarning bool
	}{
		{"installed", nil, store.PackagesInstalled, false},
		{"failed", fmt.Errorf("%w: winetricks exited 1", common.ErrPackageInstallFailed), store.PackagesFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.installer.err = tt.installErr

			b, err := f.manager.Create(context.Background(), "b1", CreateOptions{Arch: store.ArchWin32, InstallPackages: true})
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}
			if f.installer.calls != 1 {
				t.Errorf("installer ran %d times, want 1", f.installer.calls)
			}

			stored, err := f.store.GetBasis("b1")
			if err != nil {
				t.Fatalf("get basis: %v", err)
			}
			for _, got := range []*store.Basis{b, stored} {
				if got.Packages != tt.wantStatus {
					t.Errorf("packages = %q, want %q", got.Packages, tt.wantStatus)
				}
				if (got.PackageWarning != "") != tt.wantWarning {
					t.Errorf("warning = %q, want present=%v", got.PackageWarning, tt.wantWarning)
				}
			}
		})
	}
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.manager.Create(ctx, "b1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	sys := &store.System{Name: "s1", Basis: "b1", State: store.StateUnmounted}
	if err := f.store.CreateSystem(sys); err != nil {
		t.Fatalf("create system: %v", err)
	}

	if err := f.manager.Destroy("b1"); !errors.Is(err, common.ErrReferencedByActiveSystem) {
		t.Fatalf("Destroy() error = %v, want ErrReferencedByActiveSystem", err)
	}
	if _, err := os.Stat(b.Root); err != nil {
		t.Errorf("basis root removed despite reference: %v", err)
	}

	if err := f.store.DeleteSystem("s1"); err != nil {
		t.Fatalf("delete system: %v", err)
	}
	if err := f.manager.Destroy("b1"); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}
	if _, err := os.Stat(b.Root); !os.IsNotExist(err) {
		t.Errorf("basis root still present: %v", err)
	}
	if err := f.manager.Destroy("b1"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("second Destroy() error = %v, want ErrNotFound", err)
	}
}

func TestNeedsUpdate(t *testing.T) {
	tests := []struct {
		name    string
		stamp   string // empty: no timestamp file
		want    bool
		wantErr bool
	}{
		{"no timestamp", "", true, false},
		{"older than wine.inf", "1000", true, false},
		{"newer than wine.inf", fmt.Sprint(time.Now().Add(time.Hour).Unix()), false, false},
		{"garbage", "yesterday", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.manager.settings.InitCommand = ""
			b, err := f.manager.Create(context.Background(), "b1", CreateOptions{})
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}
			if tt.stamp != "" {
				if err := os.WriteFile(filepath.Join(b.Root, updateTimestampFile), []byte(tt.stamp+"\n"), 0644); err != nil {
					t.Fatalf("write timestamp: %v", err)
				}
			}

			got, err := f.manager.NeedsUpdate("b1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NeedsUpdate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NeedsUpdate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNeedsUpdateMissingINF(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create(context.Background(), "b1", CreateOptions{}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	f.manager.settings.WineINFPath = filepath.Join(t.TempDir(), "missing.inf")

	if _, err := f.manager.NeedsUpdate("b1"); err == nil {
		t.Error("NeedsUpdate() error = nil, want missing wine.inf error")
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Create(ctx, "b1", CreateOptions{}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Freshly stamped: nothing to do
	updated, err := f.manager.Update(ctx, "b1")
	if err != nil || updated {
		t.Fatalf("Update() = %v, %v, want no update", updated, err)
	}

	// Runtime upgraded after the prefix was stamped
	future := time.Now().Add(2 * time.Hour)
	if err := os.Chtimes(f.inf, future, future); err != nil {
		t.Fatalf("touch wine.inf: %v", err)
	}
	f.runner.stamp = future.Add(time.Minute).Unix()

	sys := &store.System{Name: "s1", Basis: "b1", State: store.StateMounted}
	if err := f.store.CreateSystem(sys); err != nil {
		t.Fatalf("create system: %v", err)
	}
	if _, err := f.manager.Update(ctx, "b1"); !errors.Is(err, common.ErrSystemStillMounted) {
		t.Fatalf("Update() under mounted system error = %v, want ErrSystemStillMounted", err)
	}

	if _, err := f.store.UpdateSystemState("s1", store.StateUnmounted); err != nil {
		t.Fatalf("update state: %v", err)
	}
	before := len(f.runner.commands)
	updated, err = f.manager.Update(ctx, "b1")
	if err != nil || !updated {
		t.Fatalf("Update() = %v, %v, want update", updated, err)
	}
	if len(f.runner.commands) != before+1 {
		t.Errorf("initialiser ran %d times, want once", len(f.runner.commands)-before)
	}

	needed, err := f.manager.NeedsUpdate("b1")
	if err != nil || needed {
		t.Errorf("NeedsUpdate() after update = %v, %v, want false", needed, err)
	}
}

func TestShell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.manager.Create(ctx, "b1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(b.Root, "drive_c"), 0755); err != nil {
		t.Fatalf("mkdir drive_c: %v", err)
	}

	if err := f.manager.Shell(ctx, "b1", []string{"winecfg", "-v", "win10"}); err != nil {
		t.Fatalf("Shell() failed: %v", err)
	}
	cmd := f.runner.commands[len(f.runner.commands)-1]
	if cmd.Name != "/bin/sh" || len(cmd.Args) != 2 || cmd.Args[1] != "winecfg -v win10" {
		t.Errorf("shell command = %q, want /bin/sh -c 'winecfg -v win10'", cmd.String())
	}
	if cmd.Dir != filepath.Join(b.Root, "drive_c") {
		t.Errorf("shell dir = %q, want drive_c", cmd.Dir)
	}

	if err := f.manager.Shell(ctx, "missing", nil); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Shell() on missing basis error = %v, want ErrNotFound", err)
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		name     string
		words    []string
		wantArgs []string
	}{
		{"interactive", nil, nil},
		{"script", []string{"echo", "hello world"}, []string{"-c", "echo 'hello world'"}},
		{"relative script", []string{"./setup.sh", "--quiet"}, []string{"-c", "/home/u/setup.sh --quiet"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := ShellCommand("/bin/bash", tt.words, "/home/u")
			if cmd.Name != "/bin/bash" {
				t.Errorf("name = %q, want /bin/bash", cmd.Name)
			}
			if strings.Join(cmd.Args, "|") != strings.Join(tt.wantArgs, "|") {
				t.Errorf("args = %q, want %q", cmd.Args, tt.wantArgs)
			}
		})
	}
}

func TestCallerShellCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := CallerShellCommand("/bin/sh", []string{"./setup.sh"}); err == nil {
		t.Error("CallerShellCommand() with a deleted working directory should fail for ./ words")
	}
	cmd, err := CallerShellCommand("/bin/sh", []string{"echo", "hi"})
	if err != nil {
		t.Fatalf("CallerShellCommand() without ./ words error = %v", err)
	}
	if strings.Join(cmd.Args, "|") != "-c|echo hi" {
		t.Errorf("args = %q", cmd.Args)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("WINEPREFIX", "/home/u/.wine")
	t.Setenv("WINEBASIN_TEST_KEEP", "yes")

	env := Environment("WINEPREFIX", "/data/system/s1/merged", store.ArchWin32)

	if got := envValue(env, "WINEPREFIX"); got != "/data/system/s1/merged" {
		t.Errorf("WINEPREFIX = %q, want merged path", got)
	}
	if got := envValue(env, "WINEARCH"); got != "win32" {
		t.Errorf("WINEARCH = %q, want win32", got)
	}
	if got := envValue(env, "WINEBASIN_TEST_KEEP"); got != "yes" {
		t.Errorf("inherited variable lost: %q", got)
	}

	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "WINEPREFIX=") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("WINEPREFIX appears %d times, want 1", count)
	}
}

func TestCommandInstaller(t *testing.T) {
	b := &store.Basis{Name: "b1", Root: "/data/basis/b1", Arch: store.ArchWin64}

	t.Run("runs arch command", func(t *testing.T) {
		runner := &fakeRunner{}
		inst := &CommandInstaller{
			Runner:    runner,
			Commands:  map[store.Arch]string{store.ArchWin64: "winetricks --unattended 'vcrun2022' corefonts"},
			PrefixEnv: "WINEPREFIX",
		}
		if err := inst.Install(context.Background(), b); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		cmd := runner.commands[0]
		if cmd.Name != "winetricks" || strings.Join(cmd.Args, " ") != "--unattended vcrun2022 corefonts" {
			t.Errorf("command = %q", cmd.String())
		}
		if envValue(cmd.Env, "WINEPREFIX") != b.Root {
			t.Errorf("WINEPREFIX not set to basis root")
		}
	})

	t.Run("missing command", func(t *testing.T) {
		inst := &CommandInstaller{Runner: &fakeRunner{}, PrefixEnv: "WINEPREFIX"}
		if err := inst.Install(context.Background(), b); !errors.Is(err, common.ErrPackageInstallFailed) {
			t.Errorf("Install() error = %v, want ErrPackageInstallFailed", err)
		}
	})

	t.Run("command fails", func(t *testing.T) {
		inst := &CommandInstaller{
			Runner:    &fakeRunner{err: errors.New("exit status 1")},
			Commands:  map[store.Arch]string{store.ArchWin64: "winetricks"},
			PrefixEnv: "WINEPREFIX",
		}
		if err := inst.Install(context.Background(), b); !errors.Is(err, common.ErrPackageInstallFailed) {
			t.Errorf("Install() error = %v, want ErrPackageInstallFailed", err)
		}
	})
}
