package rpc

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sbtc/oss-medical-record/internal/platform/auth"
	"github.com/sbtc/oss-medical-record/internal/platform/env"
)

type Config struct {
	URL     string
	Timeout time.Duration
	Auth    auth.Config
}

// ConfigFromEnv reads DEPLOYCTL_RPC_*. An empty URL is allowed here so the
// network file can supply it later; Validate rejects it.
func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("DEPLOYCTL_RPC_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	return Config{
		URL:     env.String("DEPLOYCTL_RPC_URL", ""),
		Timeout: timeout,
		Auth:    authCfg,
	}, nil
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return errors.New("DEPLOYCTL_RPC_URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return errors.New("DEPLOYCTL_RPC_URL must be an absolute URL")
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return errors.New("DEPLOYCTL_RPC_URL must use http or https")
	}
	if c.Timeout <= 0 {
		return errors.New("DEPLOYCTL_RPC_TIMEOUT must be positive")
	}
	return c.Auth.Validate()
}
