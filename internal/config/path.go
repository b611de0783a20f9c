package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks the data directory for the host: $XDG_DATA_HOME,
// then /var/lib, then the macOS and Windows per-user application dirs, then
// ~/.flomq. Without a home directory it is ./data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "flomq")
	}
	candidates := []struct{ parent, dir string }{
		{"/var/lib", "/var/lib/flomq"},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "flomq")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "flomq")},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, ".flomq")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
