// Package config is responsible for initializing the application's configuration.
// It uses the Viper library to read settings from a config file, environment
// variables, and command-line flags, providing a unified configuration system.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bulkops/internal/config"
)

// InitConfig loads configuration into v. An explicit cfgFile must exist;
// otherwise config.yaml is searched for in the working directory,
// /etc/bulkops and $HOME/.bulkops, and a missing file is not an error.
// Environment variables prefixed with BULKOPS_ override both.
func InitConfig(v *viper.Viper, cfgFile string) (config.Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		return config.FromViper(v, true)
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bulkops/")
	v.AddConfigPath("$HOME/.bulkops")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return config.FromViper(v, false)
}
