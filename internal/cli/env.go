package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar names an env file that takes precedence over --env.
const EnvFileVar = "NETSECOPS_ENV_FILE"

// EnvLoader loads one .env file chosen by flag, override variable or default.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader. --env "" disables loading.
func AddEnvFlag(flags *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if flags == nil {
		flags = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	return &EnvLoader{
		value:       flags.String("env", defaultPath, description),
		defaultPath: defaultPath,
	}
}

// Candidates lists the files Load tries, in order and without duplicates.
func (l *EnvLoader) Candidates() []string {
	if l == nil {
		return nil
	}

	var out []string
	seen := map[string]struct{}{}
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	add(os.Getenv(EnvFileVar))
	if l.value != nil && strings.TrimSpace(*l.value) == "" {
		return out
	}
	requested := l.defaultPath
	if l.value != nil {
		requested = *l.value
	}
	add(requested)
	if base := filepath.Base(strings.TrimSpace(requested)); base != "." && base != requested {
		add(base)
	}
	add(l.defaultPath)
	return out
}

// Load overlays the first readable candidate onto the process environment.
// A missing default file is not an error; an explicit file that cannot be read is.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	candidates := l.Candidates()
	for _, path := range candidates {
		err := godotenv.Overload(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	explicit := len(candidates) > 0 && candidates[0] != l.defaultPath
	if explicit {
		return "", fmt.Errorf("no env file found (tried %s)", strings.Join(candidates, ", "))
	}
	return "", nil
}
