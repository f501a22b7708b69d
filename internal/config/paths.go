package config

import (
	"os"
	"path/filepath"
)

// fallbackRoot is created under the user's home directory when a system
// path such as /var/log/studio is not writable.
const fallbackRoot = ".studio"

// ResolveDir returns preferred if it can be created, otherwise
// ~/.studio/<fallbackRel>. If neither works preferred is returned and the
// caller's own error handling applies.
func ResolveDir(preferred, fallbackRel string) string {
	if err := os.MkdirAll(preferred, 0o755); err == nil {
		return preferred
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return preferred
	}

	fallback := filepath.Join(home, fallbackRoot, fallbackRel)
	if err := os.MkdirAll(fallback, 0o755); err != nil {
		return preferred
	}
	return fallback
}
