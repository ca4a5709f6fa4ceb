package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tournevent/gatekeeper/internal/status"
	"gopkg.in/yaml.v3"
)

// Policies holds per-provider overrides and status tables read from the
// policy file.
type Policies struct {
	Providers map[string]ProviderPolicy `yaml:"providers" validate:"dive"`
	Statuses  []status.Table            `yaml:"statuses" validate:"dive"`
}

// ProviderPolicy overrides global defaults for one provider. Zero values
// fall back to the defaults.
type ProviderPolicy struct {
	Breaker              BreakerPolicy              `yaml:"breaker"`
	Retry                RetryPolicy                `yaml:"retry"`
	CallTimeout          time.Duration              `yaml:"call_timeout" validate:"gte=0"`
	IdempotencyRetention time.Duration              `yaml:"idempotency_retention" validate:"gte=0"`
	RateLimits           map[string]RateLimitPolicy `yaml:"rate_limits" validate:"dive"`
}

type BreakerPolicy struct {
	Threshold int           `yaml:"threshold" validate:"gte=0"`
	Cooldown  time.Duration `yaml:"cooldown" validate:"gte=0"`
}

type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
}

// RateLimitPolicy allows Capacity calls per Per, refilled continuously.
type RateLimitPolicy struct {
	Capacity int           `yaml:"capacity" validate:"gt=0"`
	Per      time.Duration `yaml:"per" validate:"gt=0"`
}

// LoadPolicies reads the YAML policy file at path. An empty path yields
// empty policies.
func LoadPolicies(path string) (*Policies, error) {
	if path == "" {
		return &Policies{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes and validates a policy document.
func ParsePolicies(data []byte) (*Policies, error) {
	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding policy file: %w", err)
	}
	if err := validator.New().Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}
	return &p, nil
}
