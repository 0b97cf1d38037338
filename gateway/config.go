package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/jwtgateway/internal/props"
	"github.com/ggoodman/jwtgateway/issuer"
)

// Broker backends accepted by Config.Broker.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Global gateway properties read by Config.Overlay.
const (
	PropHost               = "gateway.host"
	PropPort               = "gateway.port"
	PropMaxRequestSize     = "gateway.max-request-size"
	PropMaxQueueSize       = "gateway.max-queue-size"
	PropTLSEnabled         = "gateway.tls-enabled"
	PropCORSAllowedOrigins = "gateway.cors-allowed-origins"
)

// Config holds process-level gateway settings. Defaults are provided via
// envdecode struct tags.
type Config struct {
	Host string `env:"GATEWAY_HOST,default=0.0.0.0"`
	Port int    `env:"GATEWAY_PORT,default=8080"`

	// MaxRequestBytes caps request bodies. ENV: GATEWAY_MAX_REQUEST_BYTES
	MaxRequestBytes int64 `env:"GATEWAY_MAX_REQUEST_BYTES,default=1048576"`
	// MaxQueueSize caps in-flight requests; excess requests get 429.
	MaxQueueSize int64 `env:"GATEWAY_MAX_QUEUE_SIZE,default=64"`

	TLSEnabled  bool   `env:"GATEWAY_TLS_ENABLED,default=false"`
	TLSCertFile string `env:"GATEWAY_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"GATEWAY_TLS_KEY_FILE"`

	// CORSAllowedOrigins is comma-separated; "*" allows any origin.
	CORSAllowedOrigins string `env:"GATEWAY_CORS_ALLOWED_ORIGINS"`
	Realm              string `env:"GATEWAY_REALM,default=jwtgateway"`

	// ResourceMetadata serves /.well-known/oauth-protected-resource.
	ResourceMetadata bool `env:"GATEWAY_RESOURCE_METADATA,default=true"`
	// ResourceURL is the advertised resource; empty derives it per request.
	ResourceURL string `env:"GATEWAY_RESOURCE_URL"`

	MaxTokenSizeBytes int           `env:"GATEWAY_MAX_TOKEN_SIZE_BYTES,default=16384"`
	TokenLeeway       time.Duration `env:"GATEWAY_TOKEN_LEEWAY,default=0s"`
	JWKSTTL           time.Duration `env:"GATEWAY_JWKS_TTL,default=5m"`
	JWKSFetchTimeout  time.Duration `env:"GATEWAY_JWKS_FETCH_TIMEOUT,default=5s"`

	// PropertiesFile holds issuer.*, restapi.* and gateway.* properties.
	PropertiesFile string `env:"GATEWAY_PROPERTIES_FILE"`
	// IssuerYAMLFile is the optional external issuer configuration source.
	IssuerYAMLFile string `env:"GATEWAY_ISSUER_YAML_FILE"`

	Broker    string `env:"GATEWAY_BROKER,default=memory"`
	RedisAddr string `env:"GATEWAY_REDIS_ADDR,default=localhost:6379"`

	AdminHost string `env:"GATEWAY_ADMIN_HOST,default=127.0.0.1"`
	// AdminPort 0 disables the admin listener.
	AdminPort int `env:"GATEWAY_ADMIN_PORT,default=8081"`

	LogLevel string `env:"GATEWAY_LOG_LEVEL,default=info"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("gateway config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("admin port %d out of range", c.AdminPort))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("max request bytes must be positive"))
	}
	if c.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("max queue size must be positive"))
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls enabled without cert and key files"))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	switch c.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	return nil
}

// Overlay returns c with any gateway.* properties from in applied on top.
// Unparseable values are reported and leave the field unchanged.
func (c Config) Overlay(in map[string]string) (Config, error) {
	var errs []error
	if v, ok := in[PropHost]; ok && strings.TrimSpace(v) != "" {
		c.Host = strings.TrimSpace(v)
	}
	if v, ok := in[PropPort]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", PropPort, err))
		} else {
			c.Port = n
		}
	}
	if v, ok := in[PropMaxRequestSize]; ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", PropMaxRequestSize, err))
		} else {
			c.MaxRequestBytes = n
		}
	}
	if v, ok := in[PropMaxQueueSize]; ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", PropMaxQueueSize, err))
		} else {
			c.MaxQueueSize = n
		}
	}
	if v, ok := in[PropTLSEnabled]; ok {
		b, err := props.Bool(v, c.TLSEnabled)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", PropTLSEnabled, err))
		}
		c.TLSEnabled = b
	}
	if v, ok := in[PropCORSAllowedOrigins]; ok {
		c.CORSAllowedOrigins = v
	}
	return c, errors.Join(errs...)
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl
}

// Origins splits CORSAllowedOrigins.
func (c Config) Origins() []string { return props.List(c.CORSAllowedOrigins) }

// ParserConfig derives the token parser limits.
func (c Config) ParserConfig() issuer.ParserConfig {
	return issuer.ParserConfig{MaxTokenSizeBytes: c.MaxTokenSizeBytes}.Normalize()
}

func (c Config) Addr() string      { return joinHostPort(c.Host, c.Port) }
func (c Config) AdminAddr() string { return joinHostPort(c.AdminHost, c.AdminPort) }

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}
