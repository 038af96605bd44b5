package basis

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zoro11031/winebasin/internal/store"
	"github.com/zoro11031/winebasin/internal/system"
)

// Environment returns the caller's environment with the prefix variable
// pointing at prefix and WINEARCH set to arch. Existing values are replaced.
func Environment(prefixEnv, prefix string, arch store.Arch) []string {
	set := map[string]string{
		prefixEnv:  prefix,
		"WINEARCH": string(arch),
	}

	env := make([]string, 0, len(os.Environ())+len(set))
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := set[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{prefixEnv, "WINEARCH"} {
		env = append(env, key+"="+set[key])
	}
	return env
}

// ShellCommand builds the command for a `shell` invocation. Without words the
// shell is interactive; otherwise the words are quoted into a single -c
// script. Words starting with ./ are made absolute against cwd first, since
// the shell starts inside the prefix.
func ShellCommand(shell string, words []string, cwd string) system.Command {
	cmd := system.Command{Name: shell}
	if len(words) == 0 {
		return cmd
	}

	resolved := make([]string, len(words))
	for i, word := range words {
		if strings.HasPrefix(word, "./") && cwd != "" {
			word = filepath.Join(cwd, word)
		}
		resolved[i] = word
	}
	cmd.Args = []string{"-c", system.QuoteCommandLine(resolved)}
	return cmd
}

// CallerShellCommand is ShellCommand resolved against the process's working
// directory. The directory is only looked up when a word starts with ./
func CallerShellCommand(shell string, words []string) (system.Command, error) {
	var cwd string
	for _, word := range words {
		if !strings.HasPrefix(word, "./") {
			continue
		}
		dir, err := os.Getwd()
		if err != nil {
			return system.Command{}, fmt.Errorf("failed to resolve %s: %w", word, err)
		}
		cwd = dir
		break
	}
	return ShellCommand(shell, words, cwd), nil
}

// WorkDir returns the directory shells start in: drive_c when the prefix
// has one, the prefix itself otherwise
func WorkDir(prefix string) string {
	driveC := filepath.Join(prefix, "drive_c")
	if info, err := os.Stat(driveC); err == nil && info.IsDir() {
		return driveC
	}
	return prefix
}
