// Package config loads irestore settings from flags, IRESTORE_* environment
// variables and an optional ~/.irestore.yaml.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/dunhamsteve/iosprotect/backup"
)

const envPrefix = "IRESTORE"

type Config struct {
	// BackupRoot is the directory holding one subdirectory per backup.
	BackupRoot string `mapstructure:"backup_root"`

	// DeviceKey and WipeKey are hex encoded. The device key is key 0x835.
	DeviceKey string `mapstructure:"device_key"`
	WipeKey   string `mapstructure:"wipe_key"`

	// Password skips the interactive prompt when set.
	Password string `mapstructure:"password"`

	Verbose bool `mapstructure:"verbose"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("backup_root", backup.DefaultRoot())
	v.SetDefault("verbose", false)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"device_key", "wipe_key", "password"} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads configFile, or ~/.irestore.yaml when empty, and decodes the
// result. A missing default file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".irestore")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decodeKey(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	switch len(b) {
	case 16, 24, 32:
		return b, nil
	}
	return nil, fmt.Errorf("config: %s must be 16, 24 or 32 bytes, got %d", name, len(b))
}

// DeviceKeyBytes returns the decoded device key, or nil when unset.
func (c *Config) DeviceKeyBytes() ([]byte, error) { return decodeKey("device_key", c.DeviceKey) }

// WipeKeyBytes returns the decoded wipe key, or nil when unset.
func (c *Config) WipeKeyBytes() ([]byte, error) { return decodeKey("wipe_key", c.WipeKey) }
