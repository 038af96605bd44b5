package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
	"github.com/zoro11031/winebasin/internal/ui"
)

// Check is one preflight check. Optional checks only warn.
type Check struct {
	Name     string
	Optional bool
	Run      func() error
}

// RunPreflight runs every check, reporting each on u, and fails when a
// required check failed
func RunPreflight(u *ui.UI, checks []Check) error {
	u.Header("winebasin Preflight")

	var failed []string
	for _, check := range checks {
		u.Step(check.Name)
		err := check.Run()
		switch {
		case err == nil:
			u.Success("OK")
		case check.Optional:
			u.Warning(err.Error())
		default:
			u.Error(err.Error())
			failed = append(failed, check.Name)
		}
	}

	u.Separator()
	if len(failed) > 0 {
		return fmt.Errorf("preflight failed: %s", strings.Join(failed, ", "))
	}
	u.Success("All required checks passed")
	return nil
}

// PreflightChecks returns the host checks for this configuration
func (a *AppContext) PreflightChecks() []Check {
	return []Check{
		{Name: "Overlay filesystem", Run: checkOverlay},
		{Name: "Privilege elevation", Run: a.checkElevation},
		{Name: "Runtime command", Run: a.commandCheck(config.KeyRuntimeCommand)},
		{Name: "Prefix initialiser", Run: a.commandCheck(config.KeyPrefixInitCommand)},
		{Name: "Package installer", Optional: true, Run: a.commandCheck(config.KeyPackagesCommandWin64)},
		{Name: "wine.inf", Optional: true, Run: a.checkWineINF},
		{Name: "Leftover mounts", Optional: true, Run: a.checkLeftoverMounts},
	}
}

func checkOverlay() error {
	ok, err := system.FilesystemSupported(system.ProcFilesystems, "overlay")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("overlay is not listed in %s (try: sudo modprobe overlay)", system.ProcFilesystems)
	}
	return nil
}

func (a *AppContext) checkElevation() error {
	if a.Invoker.Elevated {
		return nil
	}
	words, err := system.ParseCommandLine(a.Config.GetOrDefault(config.KeyElevateCommand, ""))
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return fmt.Errorf("%s is empty and winebasin is not running as root", config.KeyElevateCommand)
	}
	if !system.CommandExists(words[0]) {
		return fmt.Errorf("%s not found in PATH (set %s)", words[0], config.KeyElevateCommand)
	}
	return nil
}

// commandCheck verifies the program of a configured command line exists.
// An empty command line is allowed.
func (a *AppContext) commandCheck(key string) func() error {
	return func() error {
		words, err := system.ParseCommandLine(a.Config.GetOrDefault(key, ""))
		if err != nil {
			return err
		}
		if len(words) == 0 {
			return nil
		}
		if !system.CommandExists(words[0]) {
			return fmt.Errorf("%s not found in PATH (set %s)", words[0], key)
		}
		return nil
	}
}

func (a *AppContext) checkWineINF() error {
	path := a.Config.GetOrDefault(config.KeyWineINFPath, "")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read %s, basis update checks will fail (set WINE_INF_DIR): %w", path, err)
	}
	return nil
}

func (a *AppContext) checkLeftoverMounts() error {
	systems, err := a.Systems.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, sys := range systems {
		if sys.State != store.StateUnmounted {
			errs = append(errs, fmt.Errorf("system %s is recorded as %s; it is reconciled on the next shell or run", sys.Name, sys.State))
		}
	}
	return errors.Join(errs...)
}
