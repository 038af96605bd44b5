package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoro11031/winebasin/internal/config"
	"github.com/zoro11031/winebasin/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
	Long: `Reads and writes the winebasin configuration file. Values set through the
environment (WINEBASIN_DATA_DIR, SHELL, WINE, WINE_INF_DIR) take precedence
over the file.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective configuration values",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ui.New().Result(config.New(configPath).FilePath())
	},
}

func init() {
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configUnsetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg := config.New(configPath)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.Override(config.KeyDataDir, dataDir)
	}
	return cfg, nil
}

func knownKey(key string) error {
	if !config.IsKnownKey(key) {
		return fmt.Errorf("unknown configuration key %s (see: winebasin config list)", key)
	}
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stored := cfg.GetAll()
	rows := [][]string{{"KEY", "SOURCE", "VALUE"}}
	for _, key := range config.Keys() {
		source := "default"
		if _, ok := stored[key]; ok {
			source = "file"
		}
		if cfg.FromEnvironment(key) {
			source = "env"
		}
		rows = append(rows, []string{key, source, cfg.GetOrDefault(key, "")})
	}
	ui.New().Table(rows)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	if err := knownKey(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ui.New().Result(cfg.GetOrDefault(args[0], ""))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if err := knownKey(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Set(args[0], args[1]); err != nil {
		return err
	}

	u := ui.New()
	u.Successf("%s saved to %s", args[0], cfg.FilePath())
	if cfg.FromEnvironment(args[0]) {
		u.Warningf("%s is currently overridden by the environment", args[0])
	}
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	if err := knownKey(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Exists(args[0]) {
		ui.New().Infof("%s is not set in %s", args[0], cfg.FilePath())
		return nil
	}
	if err := cfg.Delete(args[0]); err != nil {
		return err
	}
	ui.New().Successf("%s removed, default restored", args[0])
	return nil
}
