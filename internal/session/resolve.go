package session

import (
	"os"

	"github.com/matheus3301/voipsms/internal/config"
)

// DefaultSessionName is used when neither a flag, VOIPSMS_SESSION nor the
// global config names a session.
const DefaultSessionName = "main"

// Resolve picks the session to operate on. An explicit flag wins, then the
// VOIPSMS_SESSION environment variable, then default_session from the
// global config.toml.
func Resolve(flagOverride string) string {
	for _, name := range []string{flagOverride, os.Getenv("VOIPSMS_SESSION")} {
		if name != "" {
			return name
		}
	}
	if g, err := config.LoadGlobal(GlobalConfigPath()); err == nil && g.DefaultSession != "" {
		return g.DefaultSession
	}
	return DefaultSessionName
}
