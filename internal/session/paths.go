package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.voipsms, or $VOIPSMS_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("VOIPSMS_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voipsms")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the gRPC socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "smsd.sock")
}

// DBPath returns the message store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "sms.db")
}

// ConfigPath returns the per-session config file: credentials, lines and
// sync tuning.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "smsd.log")
}

// GlobalConfigPath returns the file that selects the default session.
func GlobalConfigPath() string {
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
