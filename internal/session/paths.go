package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tally.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tally")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path the health service listens on.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "tally.sock")
}

// MirrorDBPath returns the path of the local durable mirror database.
func MirrorDBPath(name string) string {
	return filepath.Join(Dir(name), "mirror.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the client log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "tally.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
