package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Backend       string `toml:"Backend"`
	JournalDSN    string `toml:"JournalDSN"`

	Units []Unit `toml:"Units"`

	Log       Log       `toml:"Log"`
	Telemetry Telemetry `toml:"Telemetry"`
	Auth      Auth      `toml:"Auth"`
	RateLimit RateLimit `toml:"RateLimit"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults; an existing file must parse cleanly with no
// unknown keys and pass validation.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8721"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./sumtree-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = "bolt"
	}
	if len(c.Units) == 0 {
		c.Units = []Unit{{Name: "sat"}}
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 30
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8721",
		DataDir:       "./sumtree-data",
		Backend:       "bolt",
		JournalDSN:    "",
		Units:         []Unit{{Name: "sat"}},
		Log:           Log{Level: "info"},
		Telemetry:     Telemetry{Metrics: true},
		RateLimit:     RateLimit{RequestsPerMinute: 120, Burst: 30},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
