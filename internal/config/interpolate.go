package config

import (
	"fmt"
	"regexp"
	"strings"
)

// varPattern matches ${VAR} and ${VAR:default}.  The default may be
// empty ("${VAR:}" expands to "" when VAR is unset).
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:[^}]*)?\}`)

// Interpolate expands ${VAR} and ${VAR:default} references using
// lookup (normally os.LookupEnv).  A ${VAR} reference without a
// default fails when the variable is unset -- a missing credential or
// network identifier must never turn into a silent empty string.
func Interpolate(s string, lookup func(string) (string, bool)) (string, error) {
	var missing []string

	out := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]

		if value, ok := lookup(name); ok {
			return value
		}
		if def != "" {
			return strings.TrimPrefix(def, ":")
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable(s) not set: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
