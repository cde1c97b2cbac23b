package main

import (
	"fmt"

	"github.com/metalagman/medbench/internal/config"
	"github.com/spf13/viper"
)

func loadConfig() (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = "medbench.json"
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}

	settings := viper.AllSettings()
	delete(settings, "config")

	cfg, err := config.FromSettings(settings)
	if err != nil {
		return config.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
