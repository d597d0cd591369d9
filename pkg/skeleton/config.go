package skeleton

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/motion"
	"github.com/gwillem/skeleton/pkg/persist"
)

// DefaultConfigFile is the configuration file read when no other is given.
const DefaultConfigFile = "skeleton.json"

// Boards is the number of boards of the skeleton.
const Boards = 2

// Config holds the skeleton configuration.
type Config struct {
	Boards [Boards]BoardConfig `json:"boards"`

	// DefinitionsDir holds the servo type, servo and feedback definitions.
	DefinitionsDir string `json:"definitionsDir"`
	PositionsFile  string `json:"positionsFile"`
	TraceDB        string `json:"traceDb" env:"SKELETON_TRACE_DB"`
	HTTPAddr       string `json:"httpAddr" env:"SKELETON_HTTP_ADDR"`
	// RedisAddr selects a redis server for shared state. Empty keeps the
	// shared state in process.
	RedisAddr string `json:"redisAddr,omitempty" env:"SKELETON_REDIS_ADDR"`

	ApproachFactor float64 `json:"swipeApproachFactor"`
	SustainFactor  float64 `json:"swipeSustainFactor" env:"SKELETON_SWIPE_FACTOR"`
}

// BoardConfig holds the serial settings of one board. An empty port means
// the board is found by discovery.
type BoardConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud,omitempty"`
}

// envOverrides holds settings that only come from the environment.
type envOverrides struct {
	Port0 string `env:"SKELETON_PORT_0"`
	Port1 string `env:"SKELETON_PORT_1"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Boards: [Boards]BoardConfig{
			{Baud: board.DefaultBaudRate},
			{Baud: board.DefaultBaudRate},
		},
		DefinitionsDir: ".",
		PositionsFile:  persist.DefaultFile,
		TraceDB:        "feedback.db",
		HTTPAddr:       "127.0.0.1:7070",
		ApproachFactor: motion.DefaultApproachFactor,
		SustainFactor:  motion.DefaultSustainFactor,
	}
}

// LoadConfig loads configuration from the default config file.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from path, fills in defaults for
// missing values and applies environment overrides. A missing file is not an
// error.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	if o.Port0 != "" {
		c.Boards[0].Port = o.Port0
	}
	if o.Port1 != "" {
		c.Boards[1].Port = o.Port1
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	for i := range c.Boards {
		if c.Boards[i].Baud <= 0 {
			c.Boards[i].Baud = board.DefaultBaudRate
		}
	}
	if c.DefinitionsDir == "" {
		c.DefinitionsDir = def.DefinitionsDir
	}
	if c.PositionsFile == "" {
		c.PositionsFile = def.PositionsFile
	}
	if c.ApproachFactor <= 0 {
		c.ApproachFactor = def.ApproachFactor
	}
	if c.SustainFactor <= 0 {
		c.SustainFactor = def.SustainFactor
	}
}

// PositionsPath is the positions file, relative to the definitions dir
// unless absolute.
func (c *Config) PositionsPath() string {
	if filepath.IsAbs(c.PositionsFile) {
		return c.PositionsFile
	}
	return filepath.Join(c.DefinitionsDir, c.PositionsFile)
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ConfigExists returns true if the default config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
