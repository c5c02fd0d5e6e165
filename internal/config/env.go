package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerEnv holds process-level settings for gl serve.
type ServerEnv struct {
	Addr         string        `env:"GATELINE_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath     string        `env:"GATELINE_BASE_PATH" envDefault:"/v1"`
	JWTSecret    string        `env:"GATELINE_JWT_SECRET"`
	JWTIssuer    string        `env:"GATELINE_JWT_ISSUER"`
	OTelEnabled  bool          `env:"GATELINE_OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string        `env:"GATELINE_OTEL_ENDPOINT"`
	SweepEvery   time.Duration `env:"GATELINE_REPLAY_SWEEP" envDefault:"1m"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServerEnv parses ServerEnv from the environment.
func LoadServerEnv() (ServerEnv, error) {
	var s ServerEnv
	if err := ParseEnv(&s); err != nil {
		return ServerEnv{}, err
	}
	return s, nil
}
