package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/dfchat/internal/config"
)

const DefaultSessionName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Resolve picks the session name by precedence: flagOverride, then
// configDefault, then "main". The result is validated.
func Resolve(flagOverride, configDefault string) (string, error) {
	name := flagOverride
	if name == "" {
		name = configDefault
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ResolveFromConfig is Resolve with the default_session of the global
// config file. A missing or unreadable config counts as no default.
func ResolveFromConfig(flagOverride string) (string, error) {
	var configDefault string
	if cfg, err := config.Load(ConfigPath()); err == nil {
		configDefault = cfg.DefaultSession
	}
	return Resolve(flagOverride, configDefault)
}
