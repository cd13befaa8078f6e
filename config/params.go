package config

import (
	"strings"

	"sumtree/accumulator"
)

// AccumulatorParams converts the configured unit table into the runtime
// policy snapshot the accumulator enforces.
func (c *Config) AccumulatorParams() *accumulator.Params {
	params := &accumulator.Params{
		Units: make(map[string]accumulator.UnitPolicy, len(c.Units)),
	}
	for _, unit := range c.Units {
		name := strings.ToLower(strings.TrimSpace(unit.Name))
		if name == "" {
			continue
		}
		params.Units[name] = accumulator.UnitPolicy{Cap: unit.Cap}
	}
	return params
}
