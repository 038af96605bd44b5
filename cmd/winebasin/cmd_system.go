package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zoro11031/winebasin/internal/cli"
	"github.com/zoro11031/winebasin/internal/sandbox"
)

var (
	systemWorkingDir   string
	systemDestroyForce bool
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Manage systems",
	Long: `A system is a private overlay on top of a basis. While entered, the basis
and the system's own upper layer are merged into one prefix; every write
lands in the upper layer and the basis stays untouched.`,
}

var systemCreateCmd = &cobra.Command{
	Use:   "create <name> <basis-name>",
	Short: "Create a system on top of a basis",
	Args:  cobra.ExactArgs(2),
	RunE:  runSystemCreate,
}

var systemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List systems",
	Args:  cobra.NoArgs,
	RunE:  runSystemList,
}

var systemShellCmd = &cobra.Command{
	Use:   "shell <name> [command...]",
	Short: "Open a shell inside a system",
	Long: `Mounts the system, opens the configured shell inside the merged prefix and
unmounts once the shell exits. With a command, runs it through the shell
instead and exits with its status.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSystemShell,
}

var systemRunCmd = &cobra.Command{
	Use:   "run <name> <relative-path> [args...]",
	Short: "Run one program inside a system",
	Long: `Mounts the system and runs the program at <relative-path>, relative to the
merged prefix, through the configured runtime command. The working
directory defaults to the program's own directory. Exits with the
program's status.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSystemRun,
}

var systemStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show the state of a system",
	Args:  cobra.ExactArgs(1),
	RunE:  runSystemStatus,
}

var systemPathCmd = &cobra.Command{
	Use:   "path <name>",
	Short: "Print the directory of a system",
	Args:  cobra.ExactArgs(1),
	RunE:  runSystemPath,
}

var systemDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy an unmounted system and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runSystemDestroy,
}

func init() {
	systemRunCmd.Flags().StringVar(&systemWorkingDir, "working-dir", "", "Working directory for the program")
	systemRunCmd.Flags().SetInterspersed(false)
	systemShellCmd.Flags().SetInterspersed(false)
	systemDestroyCmd.Flags().BoolVarP(&systemDestroyForce, "force", "f", false, "Skip confirmation prompt")

	systemCmd.AddCommand(systemCreateCmd, systemListCmd, systemShellCmd, systemRunCmd, systemStatusCmd, systemPathCmd, systemDestroyCmd)
	rootCmd.AddCommand(systemCmd)
}

func runSystemCreate(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		sys, err := app.Systems.Create(args[0], args[1])
		if err != nil {
			return err
		}
		app.UI.Successf("System %s created on basis %s", sys.Name, sys.Basis)
		return nil
	})
}

func runSystemList(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		systems, err := app.Systems.List()
		if err != nil {
			return err
		}
		if len(systems) == 0 {
			app.UI.Info("No systems yet. Create one with: winebasin system create <name> <basis-name>")
			return nil
		}

		rows := [][]string{{"NAME", "BASIS", "STATE"}}
		for _, sys := range systems {
			rows = append(rows, []string{sys.Name, sys.Basis, string(sys.State)})
		}
		app.UI.Table(rows)
		return nil
	})
}

func runSystemShell(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		return childExit(app.Systems.Enter(cmd.Context(), args[0], sandbox.Command{
			Mode:  sandbox.ModeShell,
			Words: args[1:],
		}))
	})
}

func runSystemRun(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		app.CheckRuntime()
		return childExit(app.Systems.Enter(cmd.Context(), args[0], sandbox.Command{
			Mode:       sandbox.ModeRun,
			Words:      args[1:],
			WorkingDir: systemWorkingDir,
		}))
	})
}

func runSystemStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		status, err := app.Systems.Status(args[0])
		if err != nil {
			return err
		}

		sys := status.System
		rows := [][]string{
			{"FIELD", "VALUE"},
			{"name", sys.Name},
			{"basis", sys.Basis},
			{"state", string(sys.State)},
			{"mount", status.Mount.String()},
		}
		if status.Holder != nil {
			rows = append(rows,
				[]string{"session", status.Holder.Session},
				[]string{"pid", strconv.Itoa(status.Holder.PID)},
				[]string{"since", status.Holder.AcquiredAt.Local().Format("2006-01-02 15:04:05")},
			)
		}
		app.UI.Table(rows)
		return nil
	})
}

func runSystemPath(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		path, err := app.Systems.Path(args[0])
		if err != nil {
			return err
		}
		app.UI.Result(path)
		return nil
	})
}

func runSystemDestroy(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withApp(func(app *cli.AppContext) error {
		path, err := app.Systems.Path(name)
		if err != nil {
			return err
		}

		if !systemDestroyForce {
			app.UI.Header("Destroy System")
			app.UI.Warningf("This deletes %s and everything written inside the system", path)
		}
		confirm, err := app.UI.ConfirmDestroy("system", name, systemDestroyForce)
		if err != nil {
			return err
		}
		if !confirm {
			app.UI.Info("Destroy cancelled")
			return nil
		}

		if err := app.Systems.Destroy(name); err != nil {
			return err
		}
		app.UI.Successf("System %s destroyed", name)
		return nil
	})
}
