package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override file values.
// Sections and keys are separated by a double underscore, e.g.
// PIDSCOPE_SERIAL__PORT=/dev/ttyACM0 or PIDSCOPE_SAFETY__BOUND=4.5.
const EnvPrefix = "PIDSCOPE_"

// Config represents the application configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial" koanf:"serial"`
	Engine   EngineConfig   `yaml:"engine" koanf:"engine"`
	Safety   SafetyConfig   `yaml:"safety" koanf:"safety"`
	Limits   LimitsConfig   `yaml:"limits" koanf:"limits"`
	Logging  LoggingConfig  `yaml:"logging" koanf:"logging"`
	Settings SettingsConfig `yaml:"settings" koanf:"settings"`
	Mock     MockConfig     `yaml:"mock" koanf:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port         string        `yaml:"port" koanf:"port"`
	BaudRate     int           `yaml:"baud_rate" koanf:"baud_rate"`
	ReadTimeout  time.Duration `yaml:"read_timeout" koanf:"read_timeout"`   // Bounded read wait of the line reader
	SettleDelay  time.Duration `yaml:"settle_delay" koanf:"settle_delay"`   // Minimum spacing between command frames
	WriteTimeout time.Duration `yaml:"write_timeout" koanf:"write_timeout"` // Upper bound for one frame write including settle wait
	BootDelay    time.Duration `yaml:"boot_delay" koanf:"boot_delay"`       // Device reset time after open before frames are pushed
}

// EngineConfig contains control loop scheduling parameters.
type EngineConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval" koanf:"tick_interval"`
	MaxLinesPerTick int           `yaml:"max_lines_per_tick" koanf:"max_lines_per_tick"`
	ReconnectMin    time.Duration `yaml:"reconnect_min" koanf:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max" koanf:"reconnect_max"`
	PushOnConnect   bool          `yaml:"push_on_connect" koanf:"push_on_connect"` // Send the full PID configuration after each open
	WarnFraction    float64       `yaml:"warn_fraction" koanf:"warn_fraction"`     // Tracking warning at |error| > fraction*|setpoint| (0 = disabled)
}

// SafetyConfig contains the safety cutoff parameters.
type SafetyConfig struct {
	Bound float64 `yaml:"bound" koanf:"bound"` // Absolute voltage limit (V)
}

// LimitsConfig contains the valid ranges for operator-issued parameters.
type LimitsConfig struct {
	SetpointMin   float64 `yaml:"setpoint_min" koanf:"setpoint_min"`
	SetpointMax   float64 `yaml:"setpoint_max" koanf:"setpoint_max"`
	GainMax       float64 `yaml:"gain_max" koanf:"gain_max"`
	SampleTimeMin int     `yaml:"sample_time_min" koanf:"sample_time_min"` // ms
	SampleTimeMax int     `yaml:"sample_time_max" koanf:"sample_time_max"` // ms
	NumPointsMin  int     `yaml:"num_points_min" koanf:"num_points_min"`
	NumPointsMax  int     `yaml:"num_points_max" koanf:"num_points_max"`
}

// LoggingConfig contains session log parameters.
type LoggingConfig struct {
	Dir        string `yaml:"dir" koanf:"dir"`
	Prefix     string `yaml:"prefix" koanf:"prefix"`
	RotateRows int    `yaml:"rotate_rows" koanf:"rotate_rows"`
}

// SettingsConfig points at the last-used operating parameters file.
type SettingsConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	Gain         float64       `yaml:"gain" koanf:"gain"`                   // Plant steady-state gain (V per unit control)
	TimeConstant time.Duration `yaml:"time_constant" koanf:"time_constant"` // Plant first-order time constant
	NoiseLevel   float64       `yaml:"noise_level" koanf:"noise_level"`     // Noise amplitude (V)
	Setpoint     float64       `yaml:"setpoint" koanf:"setpoint"`           // Power-on setpoint (V)
	SampleTime   time.Duration `yaml:"sample_time" koanf:"sample_time"`     // Power-on sample time
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:         "COM6", // Default for Windows, should be "/dev/ttyACM0" on Linux/Mac
			BaudRate:     9600,
			ReadTimeout:  100 * time.Millisecond,
			SettleDelay:  100 * time.Millisecond,
			WriteTimeout: time.Second,
			BootDelay:    2 * time.Second,
		},
		Engine: EngineConfig{
			TickInterval:    100 * time.Millisecond,
			MaxLinesPerTick: 64,
			ReconnectMin:    time.Second,
			ReconnectMax:    30 * time.Second,
			PushOnConnect:   true,
			WarnFraction:    0.05,
		},
		Safety: SafetyConfig{
			Bound: 4.5,
		},
		Limits: LimitsConfig{
			SetpointMin:   0.560,
			SetpointMax:   4.680,
			GainMax:       1000,
			SampleTimeMin: 10,
			SampleTimeMax: 60000,
			NumPointsMin:  10,
			NumPointsMax:  1000,
		},
		Logging: LoggingConfig{
			Dir:        ".",
			Prefix:     "data_log",
			RotateRows: 50000,
		},
		Settings: SettingsConfig{
			Path: "settings.yaml",
		},
		Mock: MockConfig{
			Gain:         5.0,
			TimeConstant: 2 * time.Second,
			NoiseLevel:   0.002,
			Setpoint:     2.5,
			SampleTime:   200 * time.Millisecond,
		},
	}
}

// Load loads configuration in layers: defaults, then the YAML file (if it
// exists), then PIDSCOPE_* environment variables. Fields left empty fall back
// to defaults.
func Load(filename string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			if err := k.Load(file.Provider(filename), kyaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// LoadOrDefault loads filename like Load. A malformed configuration is logged
// and replaced by Default so the application can still start.
func LoadOrDefault(filename string, log *slog.Logger) *Config {
	cfg, err := Load(filename)
	if err == nil {
		return cfg
	}
	if log == nil {
		log = slog.Default()
	}
	log.Error("failed to load configuration, using defaults", "file", filename, "error", err)
	return Default()
}

// envKey maps PIDSCOPE_SERIAL__BAUD_RATE to serial.baud_rate.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout <= 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.SettleDelay < 0 {
		c.Serial.SettleDelay = def.Serial.SettleDelay
	}
	if c.Serial.WriteTimeout <= 0 {
		c.Serial.WriteTimeout = def.Serial.WriteTimeout
	}
	if c.Serial.BootDelay < 0 {
		c.Serial.BootDelay = def.Serial.BootDelay
	}

	if c.Engine.TickInterval <= 0 {
		c.Engine.TickInterval = def.Engine.TickInterval
	}
	if c.Engine.MaxLinesPerTick <= 0 {
		c.Engine.MaxLinesPerTick = def.Engine.MaxLinesPerTick
	}
	if c.Engine.ReconnectMin <= 0 {
		c.Engine.ReconnectMin = def.Engine.ReconnectMin
	}
	if c.Engine.ReconnectMax < c.Engine.ReconnectMin {
		c.Engine.ReconnectMax = max(def.Engine.ReconnectMax, c.Engine.ReconnectMin)
	}
	if c.Engine.WarnFraction < 0 {
		c.Engine.WarnFraction = 0
	}

	if c.Safety.Bound <= 0 {
		c.Safety.Bound = def.Safety.Bound
	}

	if c.Limits.SetpointMax <= c.Limits.SetpointMin {
		c.Limits.SetpointMin = def.Limits.SetpointMin
		c.Limits.SetpointMax = def.Limits.SetpointMax
	}
	if c.Limits.GainMax <= 0 {
		c.Limits.GainMax = def.Limits.GainMax
	}
	if c.Limits.SampleTimeMin <= 0 {
		c.Limits.SampleTimeMin = def.Limits.SampleTimeMin
	}
	if c.Limits.SampleTimeMax < c.Limits.SampleTimeMin {
		c.Limits.SampleTimeMax = max(def.Limits.SampleTimeMax, c.Limits.SampleTimeMin)
	}
	if c.Limits.NumPointsMin <= 0 {
		c.Limits.NumPointsMin = def.Limits.NumPointsMin
	}
	if c.Limits.NumPointsMax < c.Limits.NumPointsMin {
		c.Limits.NumPointsMax = max(def.Limits.NumPointsMax, c.Limits.NumPointsMin)
	}

	if c.Logging.Dir == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.Prefix == "" {
		c.Logging.Prefix = def.Logging.Prefix
	}
	if c.Logging.RotateRows <= 0 {
		c.Logging.RotateRows = def.Logging.RotateRows
	}

	if c.Settings.Path == "" {
		c.Settings.Path = def.Settings.Path
	}

	if c.Mock.Gain == 0 {
		c.Mock.Gain = def.Mock.Gain
	}
	if c.Mock.TimeConstant <= 0 {
		c.Mock.TimeConstant = def.Mock.TimeConstant
	}
	if c.Mock.SampleTime <= 0 {
		c.Mock.SampleTime = def.Mock.SampleTime
	}
}
