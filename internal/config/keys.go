package config

import (
	"path/filepath"
	"sort"

	"github.com/adrg/xdg"
)

// Configuration key constants to prevent typos and enable autocomplete
const (
	// Storage
	KeyDataDir = "DATA_DIR" // Root of basis/, system/, state/ and locks/

	// Runtime
	KeyShell             = "SHELL"               // Interactive shell for `shell` commands
	KeyRuntimeCommand    = "RUNTIME_COMMAND"     // Launcher for `system run`, empty to exec directly
	KeyPrefixInitCommand = "PREFIX_INIT_COMMAND" // Initialises a fresh basis prefix, empty to skip
	KeyPrefixEnv         = "PREFIX_ENV"          // Variable pointing children at their prefix
	KeyWineINFPath       = "WINE_INF_PATH"       // wine.inf used to decide whether a basis needs an update

	// Package installation
	KeyPackagesCommandWin64 = "PACKAGES_COMMAND_WIN64"
	KeyPackagesCommandWin32 = "PACKAGES_COMMAND_WIN32"

	// Privilege elevation
	KeyElevateCommand = "ELEVATE_COMMAND"
)

// recommendedPackages is the winetricks verb set installed by
// `basis create --recommended-packages`
const recommendedPackages = "corefonts d3dcompiler_47 d3dx9 dxvk faudio mfc140 vcrun2008 vcrun2010 vcrun2012 vcrun2013 vcrun2022 xact"

// Defaults for configuration keys
var Defaults = map[string]string{
	KeyDataDir:              filepath.Join(xdg.DataHome, "winebasin"),
	KeyShell:                "/bin/bash",
	KeyRuntimeCommand:       "wine",
	KeyPrefixInitCommand:    "wine hostname",
	KeyPrefixEnv:            "WINEPREFIX",
	KeyWineINFPath:          "/usr/share/wine/wine.inf",
	KeyPackagesCommandWin64: "winetricks --unattended " + recommendedPackages,
	KeyPackagesCommandWin32: "winetricks --unattended " + recommendedPackages,
	KeyElevateCommand:       "sudo",
}

// EnvOverrides maps configuration keys to environment variables that take
// precedence over the config file
var EnvOverrides = map[string]string{
	KeyDataDir:        "WINEBASIN_DATA_DIR",
	KeyShell:          "SHELL",
	KeyRuntimeCommand: "WINE",
	KeyWineINFPath:    "WINE_INF_DIR",
}

// Keys returns every known configuration key, sorted
func Keys() []string {
	keys := make([]string, 0, len(Defaults))
	for key := range Defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// IsKnownKey reports whether key is a winebasin configuration key
func IsKnownKey(key string) bool {
	_, ok := Defaults[key]
	return ok
}
