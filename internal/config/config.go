// Package config handles configuration loading and validation for castella.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/castella/castella/internal/admin"
	"github.com/castella/castella/internal/allocator"
	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/backend/gdrive"
	"github.com/castella/castella/internal/backend/s3"
	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
	"github.com/castella/castella/internal/governor"
	"github.com/castella/castella/internal/logging/loki"
	"github.com/castella/castella/internal/server"
	"github.com/castella/castella/internal/transfer"
	"github.com/castella/castella/pkg/bytesize"
)

// Backend types
const (
	BackendGDrive = "gdrive"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Defaults
const (
	DefaultListen        = "127.0.0.1:1707"
	DefaultRequestLimit  = "10000/100s"
	DefaultByteLimit     = "700000MiB/24h"
	DefaultMaxUploadSize = "100GiB"
	DefaultLogLevel      = "info"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "CASTELLA_"

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	Secret   string `yaml:"secret"` // HMAC secret, at least 32 bytes
	Issuer   string `yaml:"issuer"`
	Disabled bool   `yaml:"disabled"` // serve without authentication; development only
}

// CryptoConfig holds the file encryption settings.
type CryptoConfig struct {
	MasterKey   string        `yaml:"master_key"` // 32 bytes, base64 or hex
	SegmentSize bytesize.Size `yaml:"segment_size"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	Type     string        `yaml:"type"`
	Proxy    string        `yaml:"proxy"`     // proxy URL for backend HTTP traffic
	PartSize bytesize.Size `yaml:"part_size"` // memory backend only
	GDrive   gdrive.Config `yaml:"gdrive"`
	S3       s3.Config     `yaml:"s3"`
}

// RedisConfig points the governor at a shared redis ledger.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GovernorConfig holds the backend quota. Limits are written amount/period.
type GovernorConfig struct {
	Requests string      `yaml:"requests"`
	Bytes    string      `yaml:"bytes"`
	Redis    RedisConfig `yaml:"redis"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"` // "console" or "json"
	Loki   loki.Config `yaml:"loki"` // enabled when url is set
}

// MetricsConfig holds the catalog gauge refresh settings.
type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// Config is the complete process configuration.
type Config struct {
	Server    server.Config        `yaml:"server"`
	Auth      AuthConfig           `yaml:"auth"`
	Catalog   catalog.Config       `yaml:"catalog"`
	Crypto    CryptoConfig         `yaml:"crypto"`
	Backend   BackendConfig        `yaml:"backend"`
	Governor  GovernorConfig       `yaml:"governor"`
	Allocator allocator.Config     `yaml:"allocator"`
	Transfer  transfer.Config      `yaml:"transfer"`
	Purge     transfer.PurgeConfig `yaml:"purge"`
	Log       LogConfig            `yaml:"log"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Admin     admin.Config         `yaml:"admin"`
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, applies CASTELLA_* environment
// overrides and defaults, and validates the result. An empty path starts
// from defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	c.Server.AuthDisabled = c.Auth.Disabled
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = auth.DefaultIssuer
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = catalog.DriverPostgres
	}
	if c.Catalog.Driver == catalog.DriverSQLite {
		c.Catalog.DSN = expandHome(c.Catalog.DSN)
	}
	if c.Crypto.SegmentSize == 0 {
		c.Crypto.SegmentSize = codec.DefaultSegmentSize
	}
	c.Transfer.SegmentSize = c.Crypto.SegmentSize
	if c.Transfer.MaxUploadSize == 0 {
		c.Transfer.MaxUploadSize = bytesize.Size(bytesize.MustParse(DefaultMaxUploadSize))
	}
	if c.Backend.Type == "" {
		c.Backend.Type = BackendGDrive
	}
	if c.Governor.Requests == "" {
		c.Governor.Requests = DefaultRequestLimit
	}
	if c.Governor.Bytes == "" {
		c.Governor.Bytes = DefaultByteLimit
	}
	if c.Governor.Redis.KeyPrefix == "" {
		c.Governor.Redis.KeyPrefix = "castella:governor"
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 30 * time.Second
	}
}

// Validate checks that the configuration can start a gateway.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < auth.MinSecretSize {
		return fmt.Errorf("auth.secret must be at least %d bytes", auth.MinSecretSize)
	}
	switch c.Catalog.Driver {
	case catalog.DriverPostgres, catalog.DriverSQLite:
	default:
		return fmt.Errorf("catalog.driver must be %q or %q", catalog.DriverPostgres, catalog.DriverSQLite)
	}
	if c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required")
	}
	if c.Crypto.MasterKey != "" {
		if _, err := c.MasterKey(); err != nil {
			return err
		}
	}
	if c.Crypto.SegmentSize < codec.MinSegmentSize {
		return fmt.Errorf("crypto.segment_size must be at least %d bytes", codec.MinSegmentSize)
	}
	if _, _, err := c.GovernorLimits(); err != nil {
		return err
	}
	switch c.Backend.Type {
	case BackendGDrive:
		if c.Backend.GDrive.ClientID == "" || c.Backend.GDrive.RefreshToken == "" {
			return fmt.Errorf("backend.gdrive.client_id and backend.gdrive.refresh_token are required")
		}
	case BackendS3:
		if err := c.Backend.S3.Validate(); err != nil {
			return fmt.Errorf("backend.s3: %w", err)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backend.type must be one of %s, %s, %s", BackendGDrive, BackendS3, BackendMemory)
	}
	if c.Backend.Proxy != "" {
		if _, err := url.Parse(c.Backend.Proxy); err != nil {
			return fmt.Errorf("invalid backend.proxy: %w", err)
		}
	}
	if c.Log.Loki.URL != "" {
		if u, err := url.Parse(c.Log.Loki.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("log.loki.url must be an absolute URL")
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}
	if c.Admin.Listen != "" {
		if c.Admin.Listen == c.Server.Listen && !strings.HasSuffix(c.Admin.Listen, ":0") {
			return fmt.Errorf("admin.listen must differ from server.listen")
		}
		if (c.Admin.CertFile == "") != (c.Admin.KeyFile == "") {
			return fmt.Errorf("admin.cert_file and admin.key_file must be set together")
		}
	}
	return nil
}

// ValidateServe checks the settings only the gateway itself needs: the
// envelope master key and, unless disabled, the token secret.
func (c *Config) ValidateServe() error {
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set auth.disabled)")
	}
	return nil
}

// MasterKey decodes the envelope master key.
func (c *Config) MasterKey() ([]byte, error) {
	s := strings.TrimSpace(c.Crypto.MasterKey)
	if s == "" {
		return nil, fmt.Errorf("crypto.master_key is required")
	}
	if key, err := hex.DecodeString(s); err == nil && len(key) == codec.MasterKeySize {
		return key, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == codec.MasterKeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("crypto.master_key must be %d bytes encoded as hex or base64", codec.MasterKeySize)
}

// GovernorLimits parses the governor windows.
func (c *Config) GovernorLimits() (requests, bytes governor.Limit, err error) {
	if requests, err = governor.ParseLimit(c.Governor.Requests); err != nil {
		return requests, bytes, fmt.Errorf("governor.requests: %w", err)
	}
	if bytes, err = governor.ParseLimit(c.Governor.Bytes); err != nil {
		return requests, bytes, fmt.Errorf("governor.bytes: %w", err)
	}
	return requests, bytes, nil
}

// HTTPClient returns the client used for backend traffic.
func (c *Config) HTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.Backend.Proxy != "" {
		if u, err := url.Parse(c.Backend.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: transport}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
