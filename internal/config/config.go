// Package config provides configuration management for the go-sunwatch
// application.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Devices to poll
	Devices []DeviceConfig `mapstructure:"devices"`

	// Polling behaviour, shared by all devices
	Poll struct {
		Interval time.Duration `mapstructure:"interval"`
		// DisconnectAfterCycle closes the TCP link between cycles. The
		// datalogger sticks only serve one client; holding the socket
		// open starves the vendor cloud connection.
		DisconnectAfterCycle bool `mapstructure:"disconnect_after_cycle"`
		MaxBatch             int  `mapstructure:"max_batch"`
		MaxGap               int  `mapstructure:"max_gap"`
	} `mapstructure:"poll"`

	// Retry policy for transient link failures
	Retry struct {
		Retries int           `mapstructure:"retries"`
		Backoff time.Duration `mapstructure:"backoff"`
	} `mapstructure:"retry"`

	// Rate limits on control-register writes
	WriteLimits []WriteLimitConfig `mapstructure:"write_limits"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`
}

// DeviceConfig describes one inverter endpoint.
type DeviceConfig struct {
	ID      string        `mapstructure:"id"`
	Addr    string        `mapstructure:"addr"`
	Framing string        `mapstructure:"framing"`
	SlaveID uint8         `mapstructure:"slave_id"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Family pins the register map and skips automatic detection. Required
	// for devices where detection comes back inconclusive.
	Family string `mapstructure:"family"`
}

// WriteLimitConfig throttles writes to a group of logical registers.
type WriteLimitConfig struct {
	Name      string        `mapstructure:"name"`
	Interval  time.Duration `mapstructure:"interval"`
	Registers []string      `mapstructure:"registers"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default polling behaviour
	cfg.Poll.Interval = 30 * time.Second
	cfg.Poll.DisconnectAfterCycle = true
	cfg.Poll.MaxBatch = 100
	cfg.Poll.MaxGap = 8

	// Default retry policy
	cfg.Retry.Retries = 2
	cfg.Retry.Backoff = 500 * time.Millisecond

	// Inverter EEPROM wears out; throttle the control registers by default.
	cfg.WriteLimits = []WriteLimitConfig{
		{
			Name:     "control",
			Interval: 30 * time.Second,
			Registers: []string{
				"work_mode",
				"grid_export_limit",
				"battery_max_charge_current",
				"battery_low_soc",
			},
		},
	}

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/sunwatch"
	cfg.MQTT.Retain = true
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Sundial"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("SUNWATCH")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device %d: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("device %q: duplicate id", d.ID)
		}
		seen[d.ID] = true
		if d.Addr == "" {
			return fmt.Errorf("device %q: addr is required", d.ID)
		}
	}
	for _, wl := range c.WriteLimits {
		if wl.Interval < 0 {
			return fmt.Errorf("write limit %q: negative interval", wl.Name)
		}
	}
	if c.Retry.Retries < 0 {
		return fmt.Errorf("retry.retries must not be negative")
	}
	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-sunwatch Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Dur("interval", c.Poll.Interval).
		Bool("disconnect_after_cycle", c.Poll.DisconnectAfterCycle).
		Msg("Polling")

	for _, d := range c.Devices {
		logger.Info().
			Str("id", d.ID).
			Str("addr", d.Addr).
			Str("framing", d.Framing).
			Uint8("slave_id", d.SlaveID).
			Str("family", d.Family).
			Msg("Device")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
