package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sbtc/oss-medical-record/internal/platform/env"
)

type Mode string

const (
	ModeNone              Mode = "none"
	ModeClientCredentials Mode = "client_credentials"
)

// Config describes how outbound requests to the deployer endpoint are
// authenticated. The token endpoint is either given directly or discovered
// from the OIDC issuer.
type Config struct {
	Mode Mode

	IssuerURL    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Audience     string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(env.String("DEPLOYCTL_RPC_AUTH_MODE", string(ModeNone)))
	var mode Mode
	switch modeRaw {
	case "", string(ModeNone):
		mode = ModeNone
	case string(ModeClientCredentials):
		mode = ModeClientCredentials
	default:
		return Config{}, fmt.Errorf("DEPLOYCTL_RPC_AUTH_MODE must be one of: none, client_credentials (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:         mode,
		IssuerURL:    env.String("DEPLOYCTL_RPC_OIDC_ISSUER_URL", ""),
		TokenURL:     env.String("DEPLOYCTL_RPC_TOKEN_URL", ""),
		ClientID:     env.String("DEPLOYCTL_RPC_CLIENT_ID", ""),
		ClientSecret: env.String("DEPLOYCTL_RPC_CLIENT_SECRET", ""),
		Scopes:       env.Strings("DEPLOYCTL_RPC_SCOPES", nil),
		Audience:     env.String("DEPLOYCTL_RPC_AUDIENCE", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeNone, "":
		return nil
	case ModeClientCredentials:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("DEPLOYCTL_RPC_CLIENT_ID is required when DEPLOYCTL_RPC_AUTH_MODE=client_credentials")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return errors.New("DEPLOYCTL_RPC_CLIENT_SECRET is required when DEPLOYCTL_RPC_AUTH_MODE=client_credentials")
	}
	if strings.TrimSpace(c.TokenURL) == "" && strings.TrimSpace(c.IssuerURL) == "" {
		return errors.New("DEPLOYCTL_RPC_TOKEN_URL or DEPLOYCTL_RPC_OIDC_ISSUER_URL is required when DEPLOYCTL_RPC_AUTH_MODE=client_credentials")
	}
	return nil
}

// HTTPClient returns base unchanged when auth is disabled, or a client that
// attaches and refreshes client-credentials bearer tokens.
func HTTPClient(ctx context.Context, cfg Config, base *http.Client) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultClient
	}
	if cfg.Mode != ModeClientCredentials {
		return base, nil
	}

	// Discovery and token requests go through base as well.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	tokenURL, err := resolveTokenURL(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       cfg.Scopes,
	}
	if strings.TrimSpace(cfg.Audience) != "" {
		cc.EndpointParams = map[string][]string{"audience": {cfg.Audience}}
	}

	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return client, nil
}

func resolveTokenURL(ctx context.Context, cfg Config) (string, error) {
	if tokenURL := strings.TrimSpace(cfg.TokenURL); tokenURL != "" {
		return tokenURL, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return "", fmt.Errorf("oidc provider: %w", err)
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", fmt.Errorf("oidc provider %s advertises no token endpoint", cfg.IssuerURL)
	}
	return tokenURL, nil
}
