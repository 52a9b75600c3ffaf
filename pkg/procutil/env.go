package procutil

import (
	"log/slog"
	"os"
	"strings"
)

// deniedEnvKeys are never propagated to children. They control dynamic
// loading, shell startup, or interpreter paths, so a poisoned value would
// let a compromised provider process hijack every tool it spawns.
var deniedEnvKeys = map[string]bool{
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"LD_AUDIT":              true,
	"DYLD_INSERT_LIBRARIES": true,
	"DYLD_LIBRARY_PATH":     true,
	"BASH_ENV":              true,
	"ENV":                   true,
	"SHELLOPTS":             true,
	"PS4":                   true,
	"IFS":                   true,
	"PYTHONSTARTUP":         true,
	"NODE_OPTIONS":          true,
	"RUBYOPT":               true,
	"PERL5OPT":              true,
}

// metacharSafeKeys may contain shell metacharacters by nature.
var metacharSafeKeys = map[string]bool{
	"PATH":      true,
	"PS1":       true,
	"PS2":       true,
	"PROMPT":    true,
	"LS_COLORS": true,
	"LESS":      true,
	"TERMCAP":   true,
}

const shellMetachars = "`$;|&<>(){}\n"

// IsDeniedEnvKey reports whether key may never reach a child.
func IsDeniedEnvKey(key string) bool {
	return deniedEnvKeys[key]
}

// SanitizeEnv filters an environment for a child process: deny-listed keys
// are stripped, and values containing shell metacharacters are dropped
// unless the key is known to carry them legitimately.
func SanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if deniedEnvKeys[key] {
			slog.Debug("Stripping protected environment variable", "key", key)
			continue
		}
		if !metacharSafeKeys[key] && strings.ContainsAny(value, shellMetachars) {
			slog.Debug("Dropping environment variable with shell metacharacters", "key", key)
			continue
		}
		out = append(out, kv)
	}
	return out
}

// ChildEnv returns the current process environment sanitized for a child,
// with extra entries appended last (they win on duplicate keys).
func ChildEnv(extra ...string) []string {
	return append(SanitizeEnv(os.Environ()), extra...)
}
