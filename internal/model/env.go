package model

import (
	"github.com/spf13/viper"
)

// ApplyEnv overrides values which should not live in a config file.
// PULSE_ACCESS_TOKEN wins over ACCESS_TOKEN, which is kept for .env files
// written by older tooling.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("pulse")
	_ = v.BindEnv("access_token", "PULSE_ACCESS_TOKEN", "ACCESS_TOKEN")
	_ = v.BindEnv("endpoint", "PULSE_ENDPOINT")

	if token := v.GetString("access_token"); token != "" {
		cfg.AccessToken = token
	}
	if endpoint := v.GetString("endpoint"); endpoint != "" {
		cfg.Service.Endpoint = endpoint
	}
}
