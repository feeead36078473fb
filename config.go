// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Binary transfer modes
const (
	BinaryModeInline    = "inline"
	BinaryModeReference = "reference"
)

// Config is the bridge configuration.
type Config struct {
	// Prefix marks channel names that carry forwarded ports
	Prefix string `mapstructure:"prefix"`

	// RequestTimeout bounds how long a channel request waits; 0 waits forever
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ConnectTimeout bounds dialing a forwarded channel
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// BinaryMode: inline or reference
	BinaryMode string `mapstructure:"binary_mode"`

	OrderedDelivery bool `mapstructure:"ordered_delivery"`

	// Transport: tcp, mem, grpc
	Transport string `mapstructure:"transport"`

	// Codec: json or cbor, optionally +zstd. Dialers send it and the
	// listener accepts only it.
	Codec string `mapstructure:"codec"`

	// Listen is the privileged side's listen address
	Listen string `mapstructure:"listen"`

	Log LogConfig `mapstructure:"log"`

	blobs BlobStore
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:          DefaultChannelPrefix,
		RequestTimeout:  DefaultRequestTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		BinaryMode:      BinaryModeInline,
		OrderedDelivery: true,
		Transport:       DefaultTransport,
		Codec:           CodecJSON,
		Listen:          "127.0.0.1:7450",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// LoadConfig reads configuration from path (if non-empty), otherwise it
// searches ./portbridge.{yaml,toml,json} and ~/.portbridge. Environment
// variables use the prefix PORTBRIDGE with `.` replaced by `_`, e.g.
// PORTBRIDGE_LOG_LEVEL=debug.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("PORTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("prefix", cfg.Prefix)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("binary_mode", cfg.BinaryMode)
	v.SetDefault("ordered_delivery", cfg.OrderedDelivery)
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("PORTBRIDGE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("portbridge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".portbridge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	c.BinaryMode = strings.ToLower(strings.TrimSpace(c.BinaryMode))
	switch c.BinaryMode {
	case "":
		c.BinaryMode = BinaryModeInline
	case BinaryModeInline, BinaryModeReference:
	default:
		return fmt.Errorf("invalid binary_mode: %q", c.BinaryMode)
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if !HasTransport(c.Transport) {
		return fmt.Errorf("%w: %s (available: %s)", ErrUnknownTransport, c.Transport, strings.Join(AvailableTransports(), ", "))
	}
	if c.BinaryMode == BinaryModeReference && c.Transport != TransportMem && c.blobs == nil {
		return fmt.Errorf("binary_mode %s needs the %s transport or a shared blob store", c.BinaryMode, TransportMem)
	}
	if c.Codec == "" {
		c.Codec = CodecJSON
	}
	if _, err := CodecByName(c.Codec); err != nil {
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("invalid request_timeout: %s", c.RequestTimeout)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("invalid connect_timeout: %s", c.ConnectTimeout)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}

// SetBlobStore sets the store reference mode uses. Both sides of the bridge
// must reach the same store, so any transport other than mem needs one.
func (c *Config) SetBlobStore(store BlobStore) {
	c.blobs = store
}

// BlobStore returns the store shared by every endpoint built from c,
// creating a MemoryBlobStore on first use.
func (c *Config) BlobStore() BlobStore {
	if c.blobs == nil {
		c.blobs = NewMemoryBlobStore()
	}
	return c.blobs
}

// EndpointOptions returns the endpoint options c describes. In reference
// mode every endpoint built from c shares c.BlobStore().
func (c *Config) EndpointOptions(logger *zap.Logger) []EndpointOption {
	opts := []EndpointOption{
		WithChannelPrefix(c.Prefix),
		WithOrderedDelivery(c.OrderedDelivery),
		WithConnectTimeout(c.ConnectTimeout),
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if c.BinaryMode == BinaryModeReference {
		opts = append(opts, WithBlobStore(c.BlobStore()))
	}
	return opts
}

// RegistryOptions returns the registry options c describes.
func (c *Config) RegistryOptions(logger *zap.Logger) []RegistryOption {
	opts := []RegistryOption{
		WithRegistryPrefix(c.Prefix),
		WithRequestTimeout(c.RequestTimeout),
		WithEndpointOptions(c.EndpointOptions(logger)...),
	}
	if logger != nil {
		opts = append(opts, WithRegistryLogger(logger))
	}
	return opts
}

// DialOptions returns the client transport options c describes.
func (c *Config) DialOptions(logger *zap.Logger) ([]DialOption, error) {
	codec, err := CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}
	return []DialOption{WithTransport(c.Transport), WithCodec(codec), WithDialLogger(logger)}, nil
}

// ServerOptions returns the listener options c describes. A configured
// codec restricts the listener to channels announcing that codec.
func (c *Config) ServerOptions(logger *zap.Logger) ([]ServerOption, error) {
	opts := []ServerOption{WithServerTransport(c.Transport), WithServerLogger(logger)}
	if c.Codec != "" {
		codec, err := CodecByName(c.Codec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithServerCodec(codec))
	}
	return opts, nil
}
