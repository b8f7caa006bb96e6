package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the file-backed tool configuration. Flags override it.
type Config struct {
	Adapter  string `yaml:"adapter"`
	Port     string `yaml:"port"`
	Baudrate int    `yaml:"baudrate"`
	Debug    bool   `yaml:"debug"`
}

func defaultConfig() Config {
	return Config{
		Adapter:  "elm327",
		Baudrate: 38400,
	}
}

// defaultConfigPath is consulted when --config is not given; a missing file
// there is not an error.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".elmtool.yaml")
}

// loadConfig layers: built-in defaults, then the config file, then flags.
func loadConfig(cmd *cobra.Command) (Config, error) {
	cfg := defaultConfig()

	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return cfg, err
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
			// No config file is fine unless the user named one.
		default:
			return cfg, err
		}
	}

	if v, _ := cmd.Flags().GetString(flagAdapter); v != "" {
		cfg.Adapter = v
	}
	if v, _ := cmd.Flags().GetString(flagPort); v != "" {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetInt(flagBaudrate); v != 0 {
		cfg.Baudrate = v
	}
	if v, _ := cmd.Flags().GetBool(flagDebug); v {
		cfg.Debug = true
	}
	return cfg, nil
}
