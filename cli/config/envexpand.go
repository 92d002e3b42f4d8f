// Package config handles YAML config file loading for sluice play.
package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} and ${VAR:-default}. Bare $VAR is left alone.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} in input.
//
// A set, non-empty variable wins. Otherwise the default is used when one
// is given, and the reference expands to the empty string when not. A
// missing value then fails where it is used, such as a source path that
// does not exist.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(m[1]); value != "" {
			return value
		}
		if m[2] != "" {
			return m[3]
		}
		return ""
	})
}
