// Package config loads bizdesk runtime configuration from the environment
// and optional .env files.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	engerrors "github.com/rcourtman/bizdesk/internal/errors"
	"github.com/rs/zerolog/log"
)

// Mu guards fields the watcher may change at runtime (LogLevel).
var Mu sync.RWMutex

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	minSessionSecretLen = 32
)

// Config is the runtime configuration.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string // empty disables the metrics listener
	PublicURL   string

	DBDriver string
	DBDSN    string

	LogLevel  string
	LogFormat string
	LogFile   string

	// SessionSecret signs session cookies. When unset a random secret is
	// generated and sessions do not survive a restart.
	SessionSecret          string
	SessionSecretGenerated bool
	SessionTTL             time.Duration
	SessionIdleTimeout     time.Duration
	SecureCookies          bool

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	OIDCScopes       []string

	// DevLogin enables POST /auth/dev-login for local use without an
	// identity provider. Never enable in production.
	DevLogin bool

	EmailFallback  bool
	StrictBundle   bool
	RefreshTimeout time.Duration
	GuardAwait     time.Duration

	// EnvOverrides records which settings were supplied by the environment.
	EnvOverrides map[string]bool `json:"-"`
}

// OIDCEnabled reports whether an OIDC provider is configured.
func (c *Config) OIDCEnabled() bool {
	return strings.TrimSpace(c.OIDCIssuerURL) != ""
}

// EnvFilePath is the .env file inside the data directory.
func (c *Config) EnvFilePath() string {
	return filepath.Join(c.DataDir, ".env")
}

// SessionDir holds per-session principal hints.
func (c *Config) SessionDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// Load reads configuration from the environment. A .env file in the data
// directory and one in the working directory are loaded first; variables
// already set in the process environment win.
func Load() (*Config, error) {
	dataDir := "./data"
	if dir := strings.TrimSpace(os.Getenv("BIZDESK_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:            dataDir,
		ListenAddr:         ":8080",
		MetricsAddr:        ":9091",
		DBDriver:           DriverSQLite,
		LogLevel:           "info",
		LogFormat:          "auto",
		SessionTTL:         12 * time.Hour,
		SessionIdleTimeout: 30 * time.Minute,
		OIDCScopes:         []string{"openid", "email", "profile"},
		RefreshTimeout:     10 * time.Second,
		GuardAwait:         2 * time.Second,
		EnvOverrides:       make(map[string]bool),
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DBDSN == "" && cfg.DBDriver == DriverSQLite {
		cfg.DBDSN = filepath.Join(cfg.DataDir, "bizdesk.db")
	}
	if cfg.SessionSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.SessionSecret = secret
		cfg.SessionSecretGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
			c.EnvOverrides[key] = true
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return invalid(key, v, err)
		}
		*dst = parsed
		c.EnvOverrides[key] = true
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return invalid(key, v, err)
		}
		*dst = parsed
		c.EnvOverrides[key] = true
		return nil
	}

	str("BIZDESK_LISTEN", &c.ListenAddr)
	if v, ok := os.LookupEnv("BIZDESK_METRICS_ADDR"); ok {
		c.MetricsAddr = strings.TrimSpace(v)
		c.EnvOverrides["BIZDESK_METRICS_ADDR"] = true
	}
	str("BIZDESK_PUBLIC_URL", &c.PublicURL)
	str("BIZDESK_DB_DRIVER", &c.DBDriver)
	str("BIZDESK_DB_DSN", &c.DBDSN)
	str("BIZDESK_LOG_LEVEL", &c.LogLevel)
	str("BIZDESK_LOG_FORMAT", &c.LogFormat)
	str("BIZDESK_LOG_FILE", &c.LogFile)
	str("BIZDESK_SESSION_SECRET", &c.SessionSecret)
	str("BIZDESK_OIDC_ISSUER_URL", &c.OIDCIssuerURL)
	str("BIZDESK_OIDC_CLIENT_ID", &c.OIDCClientID)
	str("BIZDESK_OIDC_CLIENT_SECRET", &c.OIDCClientSecret)
	str("BIZDESK_OIDC_REDIRECT_URL", &c.OIDCRedirectURL)

	if v, ok := lookup("BIZDESK_OIDC_SCOPES"); ok {
		c.OIDCScopes = splitList(v)
		c.EnvOverrides["BIZDESK_OIDC_SCOPES"] = true
	}

	for key, dst := range map[string]*bool{
		"BIZDESK_DEV_LOGIN":      &c.DevLogin,
		"BIZDESK_EMAIL_FALLBACK": &c.EmailFallback,
		"BIZDESK_STRICT_BUNDLE":  &c.StrictBundle,
		"BIZDESK_SECURE_COOKIES": &c.SecureCookies,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"BIZDESK_SESSION_TTL":          &c.SessionTTL,
		"BIZDESK_SESSION_IDLE_TIMEOUT": &c.SessionIdleTimeout,
		"BIZDESK_REFRESH_TIMEOUT":      &c.RefreshTimeout,
		"BIZDESK_GUARD_AWAIT":          &c.GuardAwait,
	} {
		if err := duration(key, dst); err != nil {
			return err
		}
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return invalid("BIZDESK_DB_DRIVER", c.DBDriver, fmt.Errorf("must be %q or %q", DriverSQLite, DriverMySQL))
	}
	if c.DBDriver == DriverMySQL && strings.TrimSpace(c.DBDSN) == "" {
		return invalid("BIZDESK_DB_DSN", "", fmt.Errorf("required for the mysql driver"))
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return invalid("BIZDESK_LISTEN", "", fmt.Errorf("listen address is required"))
	}
	if !c.SessionSecretGenerated && len(c.SessionSecret) < minSessionSecretLen {
		return invalid("BIZDESK_SESSION_SECRET", "<redacted>", fmt.Errorf("must be at least %d characters", minSessionSecretLen))
	}
	if c.SessionTTL <= 0 || c.SessionIdleTimeout <= 0 {
		return invalid("BIZDESK_SESSION_TTL", c.SessionTTL.String(), fmt.Errorf("session durations must be positive"))
	}
	if c.RefreshTimeout < 100*time.Millisecond {
		return invalid("BIZDESK_REFRESH_TIMEOUT", c.RefreshTimeout.String(), fmt.Errorf("must be at least 100ms"))
	}
	if c.GuardAwait <= 0 {
		return invalid("BIZDESK_GUARD_AWAIT", c.GuardAwait.String(), fmt.Errorf("must be positive"))
	}

	if c.OIDCEnabled() {
		if _, err := url.ParseRequestURI(c.OIDCIssuerURL); err != nil {
			return invalid("BIZDESK_OIDC_ISSUER_URL", c.OIDCIssuerURL, err)
		}
		if c.OIDCClientID == "" {
			return invalid("BIZDESK_OIDC_CLIENT_ID", "", fmt.Errorf("required when OIDC is enabled"))
		}
		if c.OIDCRedirectURL == "" {
			return invalid("BIZDESK_OIDC_REDIRECT_URL", "", fmt.Errorf("required when OIDC is enabled"))
		}
	} else if !c.DevLogin {
		log.Warn().Msg("Neither OIDC nor dev login is configured; every request will be anonymous")
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.Trim(strings.TrimSpace(v), `'"`)
	if v == "" {
		return "", false
	}
	return v, true
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func invalid(key, value string, err error) error {
	return engerrors.New(engerrors.KindConfig, "load_config", key,
		fmt.Errorf("%w: %q: %v", engerrors.ErrInvalidInput, value, err))
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
