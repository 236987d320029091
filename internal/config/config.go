// Package config handles workspace paths and user settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	WorkspaceDir = ".samplesim"
	DBFile       = "samplesim.db"
	IndexDir     = "ann"
)

// WorkspacePath returns the path to the .samplesim directory from a root path.
func WorkspacePath(root string) string {
	return filepath.Join(root, WorkspaceDir)
}

// DBPath returns the path to samplesim.db from a root path.
func DBPath(root string) string {
	return filepath.Join(root, WorkspaceDir, DBFile)
}

// IndexDirFor returns the directory holding index dumps for a database file.
// Dumps always live next to the database they describe.
func IndexDirFor(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), IndexDir)
}

// IsWorkspace checks if the given path contains a .samplesim directory.
func IsWorkspace(root string) bool {
	info, err := os.Stat(WorkspacePath(root))
	return err == nil && info.IsDir()
}

// FindWorkspace walks up from the given path to find a workspace.
// Returns the workspace root path or an error if not found.
func FindWorkspace(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	for {
		if IsWorkspace(abs) {
			return abs, nil
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("not in a samplesim workspace (no %s directory found)", WorkspaceDir)
		}
		abs = parent
	}
}

// ResolveDBPath picks the database file to use. An explicit path wins, then
// the settings (which already include SAMPLESIM_DB), then the nearest
// workspace above start, then a new workspace in start itself.
func ResolveDBPath(explicit string, s *Settings, start string) (string, error) {
	if explicit != "" {
		return filepath.Abs(ExpandPath(explicit))
	}
	if s != nil && s.DBPath != "" {
		return filepath.Abs(s.DBPath)
	}
	if root, err := FindWorkspace(start); err == nil {
		return DBPath(root), nil
	}
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	return DBPath(abs), nil
}

// ExpandPath expands ~ to the user's home directory.
// Returns the original path unchanged if it doesn't start with ~.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}
