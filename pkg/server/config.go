// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/protocol"
)

// DefaultAddr is the default HTTP listen address.
const DefaultAddr = ":8080"

// ServerInfoConfig is the identity advertised by initialize.
type ServerInfoConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// CapabilitiesConfig declares which method families are enabled. Tasks
// methods return a method-not-found error unless Tasks is set.
type CapabilitiesConfig struct {
	Tools       bool `mapstructure:"tools"`
	Resources   bool `mapstructure:"resources"`
	Prompts     bool `mapstructure:"prompts"`
	Logging     bool `mapstructure:"logging"`
	Tasks       bool `mapstructure:"tasks"`
	Completions bool `mapstructure:"completions"`
}

func (c CapabilitiesConfig) toProtocol() protocol.ServerCapabilities {
	var caps protocol.ServerCapabilities
	if c.Tools {
		caps.Tools = &protocol.ToolsCapability{}
	}
	if c.Resources {
		caps.Resources = &struct{}{}
	}
	if c.Prompts {
		caps.Prompts = &struct{}{}
	}
	if c.Logging {
		caps.Logging = &struct{}{}
	}
	if c.Tasks {
		caps.Tasks = &struct{}{}
	}
	if c.Completions {
		caps.Completions = &struct{}{}
	}
	return caps
}

// RedisConfig selects the networked store, broker, and lock. When absent
// from the configuration the in-memory variants are used.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// TokenRefreshConfig tunes the background token refresh loop.
type TokenRefreshConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	ExpiryBuffer time.Duration `mapstructure:"expiryBuffer"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
}

// AuthorizationConfig enables the bearer token pre-handler and the
// protected-resource surface.
type AuthorizationConfig struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	// JWKSURL selects JWT validation; IntrospectionURL selects RFC 7662
	// introspection for opaque tokens.
	JWKSURL           string `mapstructure:"jwksUri"`
	IntrospectionURL  string `mapstructure:"introspectionUrl"`
	IntrospectionMode string `mapstructure:"introspectionMode"`
	ClientID          string `mapstructure:"clientId"`
	ClientSecret      string `mapstructure:"clientSecret"`
	BearerToken       string `mapstructure:"bearerToken"`

	// ResourceURL is this server's canonical URL, advertised in the
	// protected-resource metadata and the WWW-Authenticate challenge.
	ResourceURL          string   `mapstructure:"resourceUrl"`
	AuthorizationServers []string `mapstructure:"authorizationServers"`
	ScopesSupported      []string `mapstructure:"scopesSupported"`

	// DCRUpstreamURL, when set, enables the dynamic client registration
	// proxy at POST /oauth/register.
	DCRUpstreamURL string `mapstructure:"dcrUpstreamUrl"`

	TokenRefresh TokenRefreshConfig `mapstructure:"tokenRefresh"`
}

func (c *AuthorizationConfig) validatorConfig() auth.ValidatorConfig {
	return auth.ValidatorConfig{
		Issuer:            c.Issuer,
		Audience:          c.Audience,
		JWKSURL:           c.JWKSURL,
		IntrospectionURL:  c.IntrospectionURL,
		IntrospectionMode: auth.IntrospectionAuth(c.IntrospectionMode),
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		BearerToken:       c.BearerToken,
	}
}

// Config is the full server configuration, viper-mapped from file and
// environment.
type Config struct {
	Addr         string             `mapstructure:"addr"`
	ServerInfo   ServerInfoConfig   `mapstructure:"serverInfo"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Instructions string             `mapstructure:"instructions"`
	EnableSSE    bool               `mapstructure:"enableSSE"`

	// SessionTTL and MaxHistory override the store defaults.
	SessionTTL time.Duration `mapstructure:"sessionTTL"`
	MaxHistory int           `mapstructure:"maxHistory"`

	Redis         *RedisConfig         `mapstructure:"redis"`
	Authorization *AuthorizationConfig `mapstructure:"authorization"`
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.ServerInfo.Name == "" {
		return errors.New("serverInfo.name is required")
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is configured")
	}
	if a := c.Authorization; a != nil {
		if a.JWKSURL == "" && a.IntrospectionURL == "" {
			return errors.New("authorization requires jwksUri or introspectionUrl")
		}
	}
	return nil
}

// LoadConfig unmarshals and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("serverInfo.version", "0.0.0")
	v.SetDefault("enableSSE", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
