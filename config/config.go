// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/target-s3-json/internal/awsclient"
	"github.com/cardinalhq/target-s3-json/internal/compression"
	"github.com/cardinalhq/target-s3-json/internal/encryption"
	"github.com/cardinalhq/target-s3-json/internal/naming"
)

// ErrMissingSetting is returned when a required key is absent.
var ErrMissingSetting = errors.New("config is missing required settings")

const (
	DefaultFlushSeconds = 600
	EnvPrefix           = "TARGET_S3_JSON"
)

// Config is the target's configuration file.
type Config struct {
	S3Bucket string `mapstructure:"s3_bucket"`

	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	AWSSessionToken    string `mapstructure:"aws_session_token"`
	AWSProfile         string `mapstructure:"aws_profile"`
	AWSRegion          string `mapstructure:"aws_region"`
	AWSEndpointURL     string `mapstructure:"aws_endpoint_url"`
	RoleARN            string `mapstructure:"role_arn"`

	Compression    string `mapstructure:"compression"`
	EncryptionType string `mapstructure:"encryption_type"`
	EncryptionKey  string `mapstructure:"encryption_key"`
	PathTemplate   string `mapstructure:"path_template"`

	// FlushSeconds is the minimum time between checkpoint flushes.
	FlushSeconds int               `mapstructure:"flush_seconds"`
	Proxies      map[string]string `mapstructure:"proxies"`

	Local              bool   `mapstructure:"local"`
	RemoveFile         bool   `mapstructure:"remove_file"`
	ThreadPool         bool   `mapstructure:"thread_pool"`
	ThreadPoolSize     int    `mapstructure:"thread_pool_size"`
	WorkDir            string `mapstructure:"work_dir"`
	MemoryBuffer       bool   `mapstructure:"memory_buffer"`
	MaxRecords         int    `mapstructure:"max_records"`
	AddMetadataColumns bool   `mapstructure:"add_metadata_columns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("compression", string(compression.None))
	v.SetDefault("encryption_type", encryption.TypeNone)
	v.SetDefault("path_template", naming.DefaultPathTemplate)
	v.SetDefault("flush_seconds", DefaultFlushSeconds)
	v.SetDefault("remove_file", true)
	v.SetDefault("thread_pool", true)
	v.SetDefault("thread_pool_size", 0)
	v.SetDefault("work_dir", filepath.Join(os.TempDir(), "target-s3-json"))
	v.SetDefault("memory_buffer", false)
	v.SetDefault("max_records", 0)
	v.SetDefault("add_metadata_columns", true)
}

// Load reads the JSON configuration file at path. Any key may also be set
// through the environment with the prefix "TARGET_S3_JSON", for example
// "TARGET_S3_JSON_S3_BUCKET". Deprecated keys are translated with a
// warning before the result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	migrateDeprecated(v)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func migrateDeprecated(v *viper.Viper) {
	if v.InConfig("temp_dir") {
		slog.Warn("`temp_dir` configuration option is deprecated and support will be removed in the future, use `work_dir` instead.")
		v.Set("work_dir", v.GetString("temp_dir"))
	}
	if v.InConfig("naming_convention") {
		slog.Warn("`naming_convention` configuration option is deprecated and support will be removed in the future, use `path_template` instead" +
			", `{timestamp}` key pattern is now replaced by `{date_time}`" +
			", and `{date}` key pattern is now replaced by `{date_time:%Y%m%d}`")
		v.Set("path_template", naming.MigrateNamingConvention(v.GetString("naming_convention")))
	}
}

// Validate checks the settings that would otherwise only fail at the first
// upload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.S3Bucket) == "" {
		return fmt.Errorf("%w: {'s3_bucket'}", ErrMissingSetting)
	}
	if _, err := compression.Resolve(c.Compression); err != nil {
		return err
	}
	if _, err := encryption.Resolve(c.EncryptionType, c.EncryptionKey); err != nil {
		return err
	}
	tmpl, err := naming.Parse(c.PathTemplate)
	if err != nil {
		return err
	}
	if c.FlushSeconds < 0 {
		return fmt.Errorf("flush_seconds must not be negative, got %d", c.FlushSeconds)
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("max_records must not be negative, got %d", c.MaxRecords)
	}
	if c.MaxRecords > 0 && !tmpl.VariesByPart() {
		return fmt.Errorf("max_records requires {part} or {uuid} in path_template %q", c.PathTemplate)
	}
	return nil
}

// AWSSettings merges the connection keys with their AWS_* environment
// fallbacks. getenv is usually os.Getenv.
func (c *Config) AWSSettings(getenv func(string) string) awsclient.Settings {
	return awsclient.Settings{
		AccessKeyID:     firstNonEmpty(c.AWSAccessKeyID, getenv("AWS_ACCESS_KEY_ID")),
		SecretAccessKey: firstNonEmpty(c.AWSSecretAccessKey, getenv("AWS_SECRET_ACCESS_KEY")),
		SessionToken:    firstNonEmpty(c.AWSSessionToken, getenv("AWS_SESSION_TOKEN")),
		Profile:         firstNonEmpty(c.AWSProfile, getenv("AWS_PROFILE")),
		Region:          c.AWSRegion,
		EndpointURL:     c.AWSEndpointURL,
		RoleARN:         c.RoleARN,
		Proxy:           c.ResolveProxies(getenv),
	}
}

// ResolveProxies uses the proxies key when present, otherwise HTTP_PROXY
// and HTTPS_PROXY.
func (c *Config) ResolveProxies(getenv func(string) string) awsclient.ProxySettings {
	if len(c.Proxies) > 0 {
		return awsclient.ProxySettings{
			HTTP:  c.Proxies["http"],
			HTTPS: c.Proxies["https"],
		}
	}
	return awsclient.ProxySettings{
		HTTP:  getenv("HTTP_PROXY"),
		HTTPS: getenv("HTTPS_PROXY"),
	}
}

// Resolved is a Config with its settings parsed into the forms one segment
// uses.
type Resolved struct {
	Codec      compression.Codec
	Encryption encryption.Policy
	// Template renders object keys with the codec suffix appended.
	Template      *naming.Template
	Proxy         awsclient.ProxySettings
	FlushInterval time.Duration
}

// Snapshot resolves c for one segment.
func (c *Config) Snapshot(getenv func(string) string) (Resolved, error) {
	codec, err := compression.Resolve(c.Compression)
	if err != nil {
		return Resolved{}, err
	}
	enc, err := encryption.Resolve(c.EncryptionType, c.EncryptionKey)
	if err != nil {
		return Resolved{}, err
	}
	tmpl, err := naming.Parse(c.PathTemplate)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		Codec:         codec,
		Encryption:    enc,
		Template:      tmpl.WithSuffix(codec.Suffix()),
		Proxy:         c.ResolveProxies(getenv),
		FlushInterval: time.Duration(c.FlushSeconds) * time.Second,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
