package gateway

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/opencomply/gateway/config"
	"github.com/opencomply/gateway/resilience"
)

// AuthType selects how outbound credentials are attached.
type AuthType string

const (
	// AuthNone sends no credentials.
	AuthNone AuthType = "none"
	// AuthBearer sends an Authorization: Bearer header.
	AuthBearer AuthType = "bearer"
	// AuthAPIKey sends the key in a configurable header.
	AuthAPIKey AuthType = "api-key"
	// AuthBasic sends HTTP basic credentials.
	AuthBasic AuthType = "basic"
)

// AuthConfig holds the static credentials for one connection. Token and Key
// values support ${VAR} environment expansion via the config package.
type AuthConfig struct {
	Type AuthType `json:"type" validate:"omitempty,oneof=none bearer api-key basic"`

	// Token is the bearer token (Type == AuthBearer).
	Token string `json:"-"`

	// Key and Header carry the API key and its header name
	// (Type == AuthAPIKey). Header defaults to X-API-Key.
	Key    string `json:"-"`
	Header string `json:"header,omitempty"`

	// Username and Password are basic credentials (Type == AuthBasic).
	Username string `json:"-"`
	Password string `json:"-"`
}

// ConnectionConfig describes one named external connection.
type ConnectionConfig struct {
	// ID is the connection's unique name in the registry.
	ID string `json:"id" validate:"required"`

	// BaseAddress is the scheme://host[:port] prefix for all requests.
	BaseAddress string `json:"baseAddress" validate:"required,url"`

	// Auth attaches static credentials to every attempt.
	Auth AuthConfig `json:"auth"`

	// Timeout is the default per-call timeout. A Request may override it.
	// Default: 30 seconds
	Timeout time.Duration `json:"timeout"`

	// MaxConcurrent caps in-flight calls to this connection.
	// Zero means unlimited.
	MaxConcurrent int `json:"maxConcurrent" validate:"gte=0"`

	// RetryPolicy bounds the retry loop for each call.
	RetryPolicy resilience.RetryPolicy `json:"retryPolicy"`

	// CircuitBreakerPolicy tunes the connection's breaker.
	CircuitBreakerPolicy resilience.CircuitBreakerPolicy `json:"circuitBreakerPolicy"`
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthNone
	}
	if c.Auth.Type == AuthAPIKey && c.Auth.Header == "" {
		c.Auth.Header = "X-API-Key"
	}
	c.RetryPolicy = c.RetryPolicy.WithDefaults()
	return c
}

// expandAuth resolves ${VAR} references in the credential fields, so a
// connection definition can name its secrets instead of embedding them.
// A referenced variable missing from the environment is an error.
func (c ConnectionConfig) expandAuth() (ConnectionConfig, error) {
	for _, field := range []*string{&c.Auth.Token, &c.Auth.Key, &c.Auth.Username, &c.Auth.Password} {
		expanded, err := config.ExpandEnvStrict(*field)
		if err != nil {
			return c, fmt.Errorf("gateway: expand credentials for %q: %w", c.ID, err)
		}
		*field = expanded
	}
	return c, nil
}

var validate = validator.New()

// Validate checks the configuration before it is installed.
func (c ConnectionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("gateway: invalid connection config: %w", err)
	}
	return nil
}

// ConfigUpdate is a partial update to a connection. Nil fields keep their
// current value.
type ConfigUpdate struct {
	BaseAddress          *string
	Auth                 *AuthConfig
	Timeout              *time.Duration
	MaxConcurrent        *int
	RetryPolicy          *resilience.RetryPolicy
	CircuitBreakerPolicy *resilience.CircuitBreakerPolicy
}

// apply merges the update into a copy of cfg and reports which subsystems
// are affected.
func (u ConfigUpdate) apply(cfg ConnectionConfig) (merged ConnectionConfig, clientChanged, retryChanged, breakerChanged bool) {
	merged = cfg
	if u.BaseAddress != nil {
		merged.BaseAddress = *u.BaseAddress
		clientChanged = true
	}
	if u.Auth != nil {
		merged.Auth = *u.Auth
		clientChanged = true
	}
	if u.Timeout != nil {
		merged.Timeout = *u.Timeout
		clientChanged = true
	}
	if u.MaxConcurrent != nil {
		merged.MaxConcurrent = *u.MaxConcurrent
	}
	if u.RetryPolicy != nil {
		merged.RetryPolicy = *u.RetryPolicy
		retryChanged = true
	}
	if u.CircuitBreakerPolicy != nil {
		merged.CircuitBreakerPolicy = *u.CircuitBreakerPolicy
		breakerChanged = true
	}
	return merged.withDefaults(), clientChanged, retryChanged, breakerChanged
}
