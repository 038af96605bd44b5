package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoro11031/winebasin/internal/cli"
	"github.com/zoro11031/winebasin/internal/system"
	"github.com/zoro11031/winebasin/pkg/version"
)

var (
	configPath     string
	dataDir        string
	debug          bool
	nonInteractive bool
)

var rootCmd = &cobra.Command{
	Use:   "winebasin",
	Short: "Layered Wine prefixes on overlayfs",
	Long: `winebasin keeps shared Wine prefixes ("bases") and runs applications in
"systems": private overlays on top of a basis. A system sees the basis
read-only; everything it writes lands in its own upper layer.

  winebasin basis create b1 --recommended-packages
  winebasin system create notepad b1
  winebasin system run notepad drive_c/windows/notepad.exe`,
	SilenceUsage:  true, // We handle errors manually, but silence usage on error
	SilenceErrors: true, // We format errors ourselves for consistent output
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cli.SetupLogging(os.Stderr, debug)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Configuration file (default $XDG_CONFIG_HOME/winebasin/winebasin.conf)")
	flags.StringVar(&dataDir, "data-dir", "", "Data directory holding bases and systems")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; use safe defaults")

	rootCmd.AddCommand(versionCmd)
}

// exitStatus makes main exit with code. err holds anything that went wrong
// besides the child's exit status and is printed first.
type exitStatus struct {
	code int
	err  error
}

func (e exitStatus) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

// withApp builds the application context for one command and tears it down
// afterwards, so the broker helper exits before main does
func withApp(fn func(app *cli.AppContext) error) error {
	app, err := cli.NewAppContext(cli.Options{
		ConfigPath:     configPath,
		DataDir:        dataDir,
		NonInteractive: nonInteractive,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize winebasin: %w", err)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			app.UI.Warningf("Failed to stop mount helper: %v", cerr)
		}
	}()
	return fn(app)
}

// childExit passes a child's exit status through unchanged, keeping any
// cleanup error joined to it
func childExit(err error) error {
	if code := system.ExitCode(err); code > 0 {
		return exitStatus{code: code, err: withoutExitStatus(err)}
	}
	return err
}

// withoutExitStatus removes child exit errors from a tree of joined errors
func withoutExitStatus(err error) error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var rest []error
		for _, e := range joined.Unwrap() {
			if r := withoutExitStatus(e); r != nil {
				rest = append(rest, r)
			}
		}
		return errors.Join(rest...)
	}
	if system.ExitCode(err) > 0 {
		return nil
	}
	return err
}

// report prints err to w and returns the process exit code
func report(w io.Writer, err error) int {
	var status exitStatus
	if errors.As(err, &status) {
		if status.err != nil {
			fmt.Fprintf(w, "Error: %v\n", status.err)
		}
		return status.code
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}
