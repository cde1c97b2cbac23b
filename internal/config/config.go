// Package config provides configuration loading and management for medbench.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Config is the root configuration.
type Config struct {
	Listen        string          `json:"listen,omitempty"       mapstructure:"listen"`
	FHIRBaseURL   string          `json:"fhir_base_url"          mapstructure:"fhir_base_url"`
	MCPEndpoint   string          `json:"mcp_endpoint,omitempty" mapstructure:"mcp_endpoint"`
	TaskCatalogue string          `json:"task_catalogue"         mapstructure:"task_catalogue"`
	DBPath        string          `json:"db_path,omitempty"      mapstructure:"db_path"`
	Exchange      ExchangeConfig  `json:"exchange"               mapstructure:"exchange"`
	Batch         BatchConfig     `json:"batch"                  mapstructure:"batch"`
	Sessions      SessionConfig   `json:"sessions"               mapstructure:"sessions"`
	Retention     RetentionPolicy `json:"retention"              mapstructure:"retention"`
}

// ExchangeConfig bounds the dialogue with an agent under test.
// MaxRounds is the exchange budget of one task's conversation.
type ExchangeConfig struct {
	MaxRounds      int `json:"max_rounds"      mapstructure:"max_rounds"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the per-exchange deadline.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// BatchConfig bounds batch evaluation fan-out.
type BatchConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// SessionConfig bounds how many idle conversations the server keeps.
type SessionConfig struct {
	MaxConversations int `json:"max_conversations,omitempty" mapstructure:"max_conversations"`
	IdleTTLMinutes   int `json:"idle_ttl_minutes,omitempty"  mapstructure:"idle_ttl_minutes"`
}

// IdleTTL returns how long an idle conversation is kept.
func (s SessionConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLMinutes) * time.Minute
}

// RetentionPolicy defines how many old batch reports to keep.
type RetentionPolicy struct {
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// Default returns the configuration used when a setting is absent.
func Default() Config {
	return Config{
		Listen: ":8080",
		DBPath: "medbench.db",
		Exchange: ExchangeConfig{
			MaxRounds:      20,
			TimeoutSeconds: 120,
		},
		Batch:    BatchConfig{Concurrency: 4},
		Sessions: SessionConfig{MaxConversations: 128, IdleTTLMinutes: 30},
	}
}

// FromSettings validates raw settings against the schema and decodes them
// over the defaults.
func FromSettings(settings map[string]any) (Config, error) {
	if err := ValidateSettings(settings); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the semantic constraints the schema cannot express.
func (c Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return errors.New("fhir_base_url is required")
	}
	if c.TaskCatalogue == "" {
		return errors.New("task_catalogue is required")
	}
	if c.Exchange.MaxRounds <= 0 {
		return errors.New("exchange.max_rounds must be > 0")
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		return errors.New("exchange.timeout_seconds must be > 0")
	}
	if c.Batch.Concurrency <= 0 {
		return errors.New("batch.concurrency must be > 0")
	}
	if c.Retention.KeepDays < 0 {
		return errors.New("retention.keep_days must be >= 0")
	}
	return nil
}
