package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/castella/castella/pkg/bytesize"
)

// envBinding maps one CASTELLA_* variable onto a config field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func size(dst func(*Config) *bytesize.Size) func(*Config, string) error {
	return func(c *Config, v string) error {
		return dst(c).Set(v)
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

// envBindings lists every supported override. Names are EnvPrefix plus the
// suffix given here.
var envBindings = []envBinding{
	{"LISTEN", str(func(c *Config) *string { return &c.Server.Listen })},
	{"AUTH_SECRET", str(func(c *Config) *string { return &c.Auth.Secret })},
	{"AUTH_ISSUER", str(func(c *Config) *string { return &c.Auth.Issuer })},
	{"AUTH_DISABLED", boolean(func(c *Config) *bool { return &c.Auth.Disabled })},

	{"CATALOG_DRIVER", str(func(c *Config) *string { return &c.Catalog.Driver })},
	{"CATALOG_DSN", str(func(c *Config) *string { return &c.Catalog.DSN })},
	{"CATALOG_MAX_OPEN_CONNS", integer(func(c *Config) *int { return &c.Catalog.MaxOpenConns })},

	{"MASTER_KEY", str(func(c *Config) *string { return &c.Crypto.MasterKey })},
	{"SEGMENT_SIZE", size(func(c *Config) *bytesize.Size { return &c.Crypto.SegmentSize })},

	{"BACKEND", str(func(c *Config) *string { return &c.Backend.Type })},
	{"BACKEND_PROXY", str(func(c *Config) *string { return &c.Backend.Proxy })},
	{"GDRIVE_CLIENT_ID", str(func(c *Config) *string { return &c.Backend.GDrive.ClientID })},
	{"GDRIVE_CLIENT_SECRET", str(func(c *Config) *string { return &c.Backend.GDrive.ClientSecret })},
	{"GDRIVE_REFRESH_TOKEN", str(func(c *Config) *string { return &c.Backend.GDrive.RefreshToken })},
	{"GDRIVE_USER_AGENT", str(func(c *Config) *string { return &c.Backend.GDrive.UserAgent })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.Backend.S3.Endpoint })},
	{"S3_ACCESS_KEY", str(func(c *Config) *string { return &c.Backend.S3.AccessKey })},
	{"S3_SECRET_KEY", str(func(c *Config) *string { return &c.Backend.S3.SecretKey })},
	{"S3_REGION", str(func(c *Config) *string { return &c.Backend.S3.Region })},
	{"S3_SECURE", boolean(func(c *Config) *bool { return &c.Backend.S3.Secure })},

	{"REQUEST_LIMIT", str(func(c *Config) *string { return &c.Governor.Requests })},
	{"BYTE_LIMIT", str(func(c *Config) *string { return &c.Governor.Bytes })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Governor.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Governor.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Governor.Redis.DB })},

	{"MAX_FILES_PER_DRIVE", integer(func(c *Config) *int { return &c.Allocator.MaxFilesPerDrive })},
	{"MAX_DRIVES", integer(func(c *Config) *int { return &c.Allocator.MaxDrives })},
	{"MAX_UPLOAD_SIZE", size(func(c *Config) *bytesize.Size { return &c.Transfer.MaxUploadSize })},
	{"PURGE_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Purge.Interval })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"LOKI_URL", str(func(c *Config) *string { return &c.Log.Loki.URL })},

	{"ADMIN_LISTEN", str(func(c *Config) *string { return &c.Admin.Listen })},
	{"ADMIN_PPROF", boolean(func(c *Config) *bool { return &c.Admin.Pprof })},
	{"ADMIN_TRACE", boolean(func(c *Config) *bool { return &c.Admin.Trace })},
}

// applyEnv overrides fields from the environment. Empty values are ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// EnvNames lists the supported environment variables.
func EnvNames() []string {
	names := make([]string, len(envBindings))
	for i, b := range envBindings {
		names[i] = EnvPrefix + b.name
	}
	return names
}
