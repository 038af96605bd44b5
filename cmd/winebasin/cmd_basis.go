package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoro11031/winebasin/internal/basis"
	"github.com/zoro11031/winebasin/internal/cli"
	"github.com/zoro11031/winebasin/internal/store"
)

var (
	basisArch                string
	basisRecommendedPackages bool
	basisDestroyForce        bool
)

var basisCmd = &cobra.Command{
	Use:   "basis",
	Short: "Manage bases",
	Long: `A basis is a shared Wine prefix. Systems mount it read-only as the lower
layer of their overlay, so it is only modified through the basis commands.`,
}

var basisCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new basis",
	Args:  cobra.ExactArgs(1),
	RunE:  runBasisCreate,
}

var basisListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bases",
	Args:  cobra.NoArgs,
	RunE:  runBasisList,
}

var basisDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a basis no system uses",
	Args:  cobra.ExactArgs(1),
	RunE:  runBasisDestroy,
}

var basisCheckCmd = &cobra.Command{
	Use:   "check <name>",
	Short: "Check whether a basis needs a runtime update",
	Long: `Prints true when the installed runtime is newer than the basis prefix and
exits 1, otherwise prints false.`,
	Args: cobra.ExactArgs(1),
	RunE: runBasisCheck,
}

var basisUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Update a basis prefix to the installed runtime",
	Args:  cobra.ExactArgs(1),
	RunE:  runBasisUpdate,
}

var basisShellCmd = &cobra.Command{
	Use:   "shell <name> [command...]",
	Short: "Open a shell inside a basis prefix",
	Long: `Opens the configured shell with the prefix variables pointing at the basis.
Changes made here are seen by every system built on it. With a command, runs
it through the shell instead and exits with its status.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBasisShell,
}

var basisPathCmd = &cobra.Command{
	Use:   "path <name>",
	Short: "Print the prefix directory of a basis",
	Args:  cobra.ExactArgs(1),
	RunE:  runBasisPath,
}

func init() {
	basisCreateCmd.Flags().StringVar(&basisArch, "arch", string(store.ArchWin64), "Prefix architecture (win64 or win32)")
	basisCreateCmd.Flags().BoolVar(&basisRecommendedPackages, "recommended-packages", false, "Install the recommended package set")
	basisDestroyCmd.Flags().BoolVarP(&basisDestroyForce, "force", "f", false, "Skip confirmation prompt")
	basisShellCmd.Flags().SetInterspersed(false)

	basisCmd.AddCommand(basisCreateCmd, basisListCmd, basisDestroyCmd, basisCheckCmd, basisUpdateCmd, basisShellCmd, basisPathCmd)
	rootCmd.AddCommand(basisCmd)
}

func runBasisCreate(cmd *cobra.Command, args []string) error {
	arch, ok := store.ParseArch(basisArch)
	if !ok {
		return fmt.Errorf("unknown architecture %q (want win64 or win32)", basisArch)
	}

	return withApp(func(app *cli.AppContext) error {
		app.UI.Infof("Creating %s basis %s", arch, args[0])
		if basisRecommendedPackages {
			app.UI.Info("Installing recommended packages, this can take a while")
		}

		b, err := app.Bases.Create(cmd.Context(), args[0], basis.CreateOptions{
			Arch:            arch,
			InstallPackages: basisRecommendedPackages,
		})
		if err != nil {
			return err
		}
		if b.Packages == store.PackagesFailed {
			app.UI.Warningf("Basis created, but %s", b.PackageWarning)
		}
		app.UI.Successf("Basis %s created at %s", b.Name, b.Root)
		return nil
	})
}

func runBasisList(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		bases, err := app.Bases.List()
		if err != nil {
			return err
		}
		if len(bases) == 0 {
			app.UI.Info("No bases yet. Create one with: winebasin basis create <name>")
			return nil
		}

		rows := [][]string{{"NAME", "ARCH", "PACKAGES", "PATH"}}
		for _, b := range bases {
			rows = append(rows, []string{b.Name, string(b.Arch), string(b.Packages), b.Root})
		}
		app.UI.Table(rows)
		return nil
	})
}

func runBasisDestroy(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withApp(func(app *cli.AppContext) error {
		path, err := app.Bases.Path(name)
		if err != nil {
			return err
		}

		if !basisDestroyForce {
			app.UI.Header("Destroy Basis")
			app.UI.Warningf("This deletes %s", path)
		}
		confirm, err := app.UI.ConfirmDestroy("basis", name, basisDestroyForce)
		if err != nil {
			return err
		}
		if !confirm {
			app.UI.Info("Destroy cancelled")
			return nil
		}

		if err := app.Bases.Destroy(name); err != nil {
			return err
		}
		app.UI.Successf("Basis %s destroyed", name)
		return nil
	})
}

func runBasisCheck(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		needed, err := app.Bases.NeedsUpdate(args[0])
		if err != nil {
			return err
		}
		app.UI.Resultf("%t", needed)
		if needed {
			return exitStatus{code: 1}
		}
		return nil
	})
}

func runBasisUpdate(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		updated, err := app.Bases.Update(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if updated {
			app.UI.Successf("Basis %s updated", args[0])
		} else {
			app.UI.Infof("Basis %s is up to date", args[0])
		}
		return nil
	})
}

func runBasisShell(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		return childExit(app.Bases.Shell(cmd.Context(), args[0], args[1:]))
	})
}

func runBasisPath(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		path, err := app.Bases.Path(args[0])
		if err != nil {
			return err
		}
		app.UI.Result(path)
		return nil
	})
}
