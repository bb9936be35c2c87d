package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/showrunner/errors"
)

// EnvPrefix prefixes every environment override, e.g. SHOWRUNNER_PULSE_WORKERS.
const EnvPrefix = "SHOWRUNNER"

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the configuration cascade using Viper. The result is cached
// until Reset.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the
// defaults. Environment overrides still apply.
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to read config file"), "Path: "+configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.WithDetail(err, "Path: "+configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Keys without defaults are invisible to Unmarshal unless bound
	_ = v.BindEnv("calendar.preferred_hours")

	SetDefaults(v)
	return v
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := newViper()
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for am.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// UserConfigPath returns ~/.showrunner/am.toml
func UserConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".showrunner", "am.toml")
}

// ConfigPaths lists the cascade in precedence order, lowest first. Only
// files that exist are returned.
func ConfigPaths() []string {
	candidates := []string{"/etc/showrunner/am.toml"}
	if user := UserConfigPath(); user != "" {
		candidates = append(candidates, user)
	}
	if project := findProjectConfig(); project != "" {
		candidates = append(candidates, project)
	}

	var existing []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	return existing
}

// ActiveConfigPath returns the highest-precedence config file, or "".
func ActiveConfigPath() string {
	paths := ConfigPaths()
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

// mergeConfigFiles merges configuration files in precedence order
// (system < user < project < env vars)
func mergeConfigFiles(v *viper.Viper) {
	for _, configPath := range ConfigPaths() {
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
				continue
			}
		}
	}
}
