package config

import (
	"fmt"
	"strings"
)

var validBackends = map[string]struct{}{
	"memory":  {},
	"bolt":    {},
	"leveldb": {},
	"sqlite":  {},
}

// Validate checks the configuration for values the daemon cannot start with.
func Validate(c *Config) error {
	if _, ok := validBackends[c.Backend]; !ok {
		return fmt.Errorf("backend: unknown type %q (memory, bolt, leveldb or sqlite)", c.Backend)
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if c.Backend != "memory" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir required for backend %q", c.Backend)
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("units: at least one unit required")
	}
	seen := make(map[string]struct{}, len(c.Units))
	for _, unit := range c.Units {
		name := strings.TrimSpace(unit.Name)
		if name == "" {
			return fmt.Errorf("units: unit name must not be empty")
		}
		if name != strings.ToLower(name) {
			return fmt.Errorf("units: unit %q must be lower case", unit.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("units: duplicate unit %q", name)
		}
		seen[name] = struct{}{}
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit: requests per minute and burst must be positive")
	}
	if strings.TrimSpace(c.Auth.Secret) != "" && len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth: secret must be at least 32 bytes")
	}
	return nil
}
