package config

import (
	"strings"
	"testing"
	"time"
)

func validSettings() map[string]any {
	return map[string]any{
		"listen":         ":9090",
		"fhir_base_url":  "http://localhost:8080/fhir/",
		"mcp_endpoint":   "http://localhost:8402/mcp",
		"task_catalogue": "tasks.json",
		"db_path":        "medbench.db",
		"exchange": map[string]any{
			"max_rounds":      10,
			"timeout_seconds": 60,
		},
		"batch": map[string]any{
			"concurrency": 8,
		},
		"retention": map[string]any{
			"keep_days": 7,
		},
	}
}

func TestValidateSettings_AcceptsFullConfig(t *testing.T) {
	t.Parallel()

	if err := ValidateSettings(validSettings()); err != nil {
		t.Fatalf("ValidateSettings returned error: %v", err)
	}
}

func TestValidateSettings_RejectsUnknownKey(t *testing.T) {
	t.Parallel()

	settings := validSettings()
	settings["fhir_url"] = "http://localhost:8080/fhir/"

	if err := ValidateSettings(settings); err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
}

func TestValidateSettings_RejectsNonPositiveRounds(t *testing.T) {
	t.Parallel()

	settings := validSettings()
	settings["exchange"] = map[string]any{"max_rounds": 0}

	err := ValidateSettings(settings)
	if err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
	if !strings.Contains(err.Error(), "max_rounds") {
		t.Fatalf("error does not name the offending field: %v", err)
	}
}

func TestFromSettings_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := FromSettings(map[string]any{
		"fhir_base_url":  "http://localhost:8080/fhir/",
		"task_catalogue": "tasks.json",
	})
	if err != nil {
		t.Fatalf("FromSettings returned error: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want default %q", cfg.Listen, ":8080")
	}
	if cfg.Exchange.MaxRounds != 20 {
		t.Errorf("Exchange.MaxRounds = %d, want default 20", cfg.Exchange.MaxRounds)
	}
	if cfg.Exchange.Timeout() != 120*time.Second {
		t.Errorf("Exchange.Timeout() = %v, want 120s", cfg.Exchange.Timeout())
	}
	if cfg.Sessions.IdleTTL() != 30*time.Minute {
		t.Errorf("Sessions.IdleTTL() = %v, want 30m", cfg.Sessions.IdleTTL())
	}
}

func TestFromSettings_OverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := FromSettings(validSettings())
	if err != nil {
		t.Fatalf("FromSettings returned error: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9090")
	}
	if cfg.Exchange.MaxRounds != 10 {
		t.Errorf("Exchange.MaxRounds = %d, want 10", cfg.Exchange.MaxRounds)
	}
	if cfg.Batch.Concurrency != 8 {
		t.Errorf("Batch.Concurrency = %d, want 8", cfg.Batch.Concurrency)
	}
	if cfg.Retention.KeepDays != 7 {
		t.Errorf("Retention.KeepDays = %d, want 7", cfg.Retention.KeepDays)
	}
}

func TestFromSettings_RequiresFHIRBaseURL(t *testing.T) {
	t.Parallel()

	_, err := FromSettings(map[string]any{"task_catalogue": "tasks.json"})
	if err == nil {
		t.Fatal("FromSettings returned nil error, want error")
	}
}

func TestValidate_ChecksBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing catalogue", func(c *Config) { c.TaskCatalogue = "" }},
		{"zero rounds", func(c *Config) { c.Exchange.MaxRounds = 0 }},
		{"zero timeout", func(c *Config) { c.Exchange.TimeoutSeconds = 0 }},
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }},
		{"negative retention", func(c *Config) { c.Retention.KeepDays = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			cfg.FHIRBaseURL = "http://localhost:8080/fhir/"
			cfg.TaskCatalogue = "tasks.json"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate returned nil error, want error")
			}
		})
	}
}
