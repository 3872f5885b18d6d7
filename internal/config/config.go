// Package config handles capture configuration loading using viper.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"firestige.xyz/btcap/internal/core"
	"firestige.xyz/btcap/internal/log"
	"firestige.xyz/btcap/internal/sink"
)

// Config is the resolved capture configuration. Flags override values from
// an optional YAML config file.
type Config struct {
	// UDID targets a specific device. Empty adopts the first attached one.
	UDID string `mapstructure:"udid"`

	// Network selects network-reachable devices instead of USB.
	Network bool `mapstructure:"network"`

	// Format is the output format: packetlogger (default) or pcap.
	Format string `mapstructure:"format"`

	// ExitOnDisconnect terminates the process when the bound device detaches.
	ExitOnDisconnect bool `mapstructure:"exit_on_disconnect"`

	// OutputPath is the capture destination file.
	OutputPath string `mapstructure:"output"`

	// UsbmuxSocket overrides the usbmuxd endpoint.
	UsbmuxSocket string `mapstructure:"usbmux_socket"`

	Log log.LoggerConfig `mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Format: string(sink.FormatPacketLogger),
		Log:    log.LoggerConfig{Level: "info"},
	}
}

// Load reads the config file at path into the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration before any device interaction.
func (c *Config) Validate() error {
	switch sink.Format(c.Format) {
	case sink.FormatPacketLogger, sink.FormatPcap:
	default:
		return fmt.Errorf("%w: %q (must be packetlogger or pcap)", core.ErrUnknownFormat, c.Format)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("%w: output file is required", core.ErrUsage)
	}
	return nil
}
