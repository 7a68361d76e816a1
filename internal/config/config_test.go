package config

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
	"github.com/castella/castella/internal/governor"
	"github.com/castella/castella/pkg/bytesize"
	"github.com/castella/castella/testutil"
)

var (
	testSecret    = strings.Repeat("s", 32)
	testMasterKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("m", codec.MasterKeySize)))
)

// clearEnv unsets every CASTELLA_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range EnvNames() {
		t.Setenv(name, "")
		_ = os.Unsetenv(name)
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
server:
  listen: ":8080"
  shutdown_timeout: 5s
auth:
  secret: "` + testSecret + `"
catalog:
  driver: postgres
  dsn: "postgres://castella@localhost/castella"
  max_open_conns: 8
crypto:
  master_key: "` + testMasterKey + `"
  segment_size: 1MiB
backend:
  type: s3
  s3:
    endpoint: "localhost:9000"
    access_key: ak
    secret_key: sk
    part_size: 16MiB
governor:
  requests: "500/1m"
  bytes: "10GiB/24h"
  redis:
    addr: "localhost:6379"
allocator:
  max_files_per_drive: 1000
  max_drives: 5
transfer:
  max_upload_size: 2GiB
  retry:
    max_tries: 3
    initial_interval: 250ms
purge:
  interval: 10s
log:
  level: debug
  format: json
`
	path := testutil.TempFile(t, dir, "castella.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Server.AuthDisabled)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
	assert.Equal(t, "castella", cfg.Auth.Issuer)
	assert.Equal(t, catalog.DriverPostgres, cfg.Catalog.Driver)
	assert.Equal(t, 8, cfg.Catalog.MaxOpenConns)
	assert.Equal(t, bytesize.Size(bytesize.MB), cfg.Crypto.SegmentSize)
	assert.Equal(t, cfg.Crypto.SegmentSize, cfg.Transfer.SegmentSize)
	assert.Equal(t, BackendS3, cfg.Backend.Type)
	assert.Equal(t, "localhost:9000", cfg.Backend.S3.Endpoint)
	assert.Equal(t, bytesize.Size(16*bytesize.MB), cfg.Backend.S3.PartSize)
	assert.Equal(t, "localhost:6379", cfg.Governor.Redis.Addr)
	assert.Equal(t, "castella:governor", cfg.Governor.Redis.KeyPrefix)
	assert.Equal(t, 1000, cfg.Allocator.MaxFilesPerDrive)
	assert.Equal(t, 5, cfg.Allocator.MaxDrives)
	assert.Equal(t, bytesize.Size(2*bytesize.GB), cfg.Transfer.MaxUploadSize)
	assert.Equal(t, uint(3), cfg.Transfer.Retry.MaxTries)
	assert.Equal(t, 250*time.Millisecond, cfg.Transfer.Retry.InitialInterval)
	assert.Equal(t, 10*time.Second, cfg.Purge.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	requests, bytes, err := cfg.GovernorLimits()
	require.NoError(t, err)
	assert.Equal(t, governor.Limit{Amount: 500, Period: time.Minute}, requests)
	assert.Equal(t, governor.Limit{Amount: 10 * bytesize.GB, Period: 24 * time.Hour}, bytes)
	require.NoError(t, cfg.ValidateServe())
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
catalog:
  driver: sqlite
  dsn: /tmp/castella.db
backend:
  type: memory
`
	path := testutil.TempFile(t, dir, "castella.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, bytesize.Size(codec.DefaultSegmentSize), cfg.Crypto.SegmentSize)
	assert.Equal(t, bytesize.Size(100*bytesize.GB), cfg.Transfer.MaxUploadSize)
	assert.Equal(t, DefaultRequestLimit, cfg.Governor.Requests)
	assert.Equal(t, DefaultByteLimit, cfg.Governor.Bytes)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Metrics.CollectInterval)

	_, bytes, err := cfg.GovernorLimits()
	require.NoError(t, err)
	assert.Equal(t, 700000*bytesize.MB, bytes.Amount)

	// no master key or auth secret: fine for operator commands, not for serving
	assert.Error(t, cfg.ValidateServe())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/castella.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "castella.yaml", "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "castella.yaml", `
catalog:
  driver: sqlite
  dsn: /tmp/file.db
backend:
  type: memory
`)

	t.Setenv("CASTELLA_CATALOG_DSN", "/tmp/env.db")
	t.Setenv("CASTELLA_LISTEN", ":9999")
	t.Setenv("CASTELLA_AUTH_DISABLED", "true")
	t.Setenv("CASTELLA_MASTER_KEY", testMasterKey)
	t.Setenv("CASTELLA_MAX_UPLOAD_SIZE", "5MiB")
	t.Setenv("CASTELLA_MAX_FILES_PER_DRIVE", "42")
	t.Setenv("CASTELLA_REQUEST_LIMIT", "10/1s")
	t.Setenv("CASTELLA_ADMIN_LISTEN", "127.0.0.1:1708")
	t.Setenv("CASTELLA_ADMIN_TRACE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Catalog.DSN)
	assert.Equal(t, "127.0.0.1:1708", cfg.Admin.Listen)
	assert.True(t, cfg.Admin.Trace)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.True(t, cfg.Auth.Disabled)
	assert.True(t, cfg.Server.AuthDisabled)
	assert.Equal(t, bytesize.Size(5*bytesize.MB), cfg.Transfer.MaxUploadSize)
	assert.Equal(t, 42, cfg.Allocator.MaxFilesPerDrive)
	assert.Equal(t, "10/1s", cfg.Governor.Requests)
	assert.NoError(t, cfg.ValidateServe())
}

func TestLoad_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CASTELLA_MAX_DRIVES", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CASTELLA_MAX_DRIVES")
}

func TestLoadEnvFiles(t *testing.T) {
	clearEnv(t)
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, ".env", "CASTELLA_CATALOG_DSN=/tmp/dotenv.db\nCASTELLA_BACKEND=memory\nCASTELLA_CATALOG_DRIVER=sqlite\n")

	require.NoError(t, LoadEnvFiles(dir+"/missing.env", path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dotenv.db", cfg.Catalog.DSN)
	assert.Equal(t, catalog.DriverSQLite, cfg.Catalog.Driver)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
}

func validConfig() *Config {
	cfg := &Config{
		Auth:    AuthConfig{Secret: testSecret},
		Catalog: catalog.Config{Driver: catalog.DriverSQLite, DSN: "/tmp/c.db"},
		Crypto:  CryptoConfig{MasterKey: testMasterKey},
		Backend: BackendConfig{Type: BackendMemory},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "auth.secret"},
		{"unknown driver", func(c *Config) { c.Catalog.Driver = "mysql" }, "catalog.driver"},
		{"missing dsn", func(c *Config) { c.Catalog.DSN = "" }, "catalog.dsn"},
		{"bad master key", func(c *Config) { c.Crypto.MasterKey = "c2hvcnQ=" }, "crypto.master_key"},
		{"tiny segment", func(c *Config) { c.Crypto.SegmentSize = 8 }, "crypto.segment_size"},
		{"bad request limit", func(c *Config) { c.Governor.Requests = "lots" }, "governor.requests"},
		{"bad byte limit", func(c *Config) { c.Governor.Bytes = "1GiB/0s" }, "governor.bytes"},
		{"unknown backend", func(c *Config) { c.Backend.Type = "ftp" }, "backend.type"},
		{"gdrive without credentials", func(c *Config) { c.Backend.Type = BackendGDrive }, "backend.gdrive"},
		{"s3 without endpoint", func(c *Config) { c.Backend.Type = BackendS3 }, "backend.s3"},
		{"relative loki url", func(c *Config) { c.Log.Loki.URL = "loki:3100" }, "log.loki.url"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"admin on public listener", func(c *Config) { c.Admin.Listen = c.Server.Listen }, "admin.listen"},
		{"admin cert without key", func(c *Config) {
			c.Admin.Listen = "127.0.0.1:1708"
			c.Admin.CertFile = "cert.pem"
		}, "admin.cert_file"},
		{"admin listener", func(c *Config) { c.Admin.Listen = "127.0.0.1:1708" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ValidateServe())

	cfg.Auth.Secret = ""
	assert.Error(t, cfg.ValidateServe())
	cfg.Auth.Disabled = true
	assert.NoError(t, cfg.ValidateServe())

	cfg.Crypto.MasterKey = ""
	assert.Error(t, cfg.ValidateServe())
}

func TestMasterKeyEncodings(t *testing.T) {
	raw := []byte(strings.Repeat("k", codec.MasterKeySize))
	for name, encoded := range map[string]string{
		"hex":        hex.EncodeToString(raw),
		"base64":     base64.StdEncoding.EncodeToString(raw),
		"base64 raw": base64.RawStdEncoding.EncodeToString(raw),
		"base64 url": base64.URLEncoding.EncodeToString(raw),
	} {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Crypto: CryptoConfig{MasterKey: encoded}}
			key, err := cfg.MasterKey()
			require.NoError(t, err)
			assert.Equal(t, raw, key)
		})
	}
}

func TestHTTPClientProxy(t *testing.T) {
	cfg := validConfig()
	assert.NotNil(t, cfg.HTTPClient().Transport)

	cfg.Backend.Proxy = "http://proxy.internal:3128"
	client := cfg.HTTPClient()
	require.NotNil(t, client.Transport)
}

func TestSQLiteHomeExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/castella")
	cfg := &Config{Catalog: catalog.Config{Driver: catalog.DriverSQLite, DSN: "~/catalog.db"}}
	cfg.applyDefaults()
	assert.Equal(t, "/home/castella/catalog.db", cfg.Catalog.DSN)
}
