package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-convkit/internal/runtime/ops"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Kernel   KernelConfig  `mapstructure:"kernel"`
	Server   ServerConfig  `mapstructure:"server"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	Weights string `mapstructure:"weights"`
	Output  string `mapstructure:"output"`
}

// RuntimeConfig sizes the worker pools (zero means GOMAXPROCS) and the
// largest buffer a single kernel may allocate (zero means unbounded).
type RuntimeConfig struct {
	ConvWorkers   int   `mapstructure:"conv_workers"`
	TensorWorkers int   `mapstructure:"tensor_workers"`
	MaxElements   int64 `mapstructure:"max_elements"`
}

type KernelConfig struct {
	Padding       string `mapstructure:"padding"`
	Layout        string `mapstructure:"layout"`
	SameExtraH    int64  `mapstructure:"same_extra_h"`
	SameExtraW    int64  `mapstructure:"same_extra_w"`
	TransposeBias string `mapstructure:"transpose_bias"`
	PadToStride   bool   `mapstructure:"pad_to_stride"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Weights: "models/weights.safetensors",
			Output:  "out.safetensors",
		},
		Runtime: RuntimeConfig{
			MaxElements: ops.DefaultMaxElements,
		},
		Kernel: KernelConfig{
			Padding:       PaddingValid,
			Layout:        "channel-last",
			SameExtraH:    2,
			SameExtraW:    2,
			TransposeBias: "per-input",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			MaxBodyBytes:    16 << 20,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		LogLevel: "info",
	}
}

// flagKeys maps each registered flag to its config key.
var flagKeys = map[string]string{
	"weights":          "paths.weights",
	"output":           "paths.output",
	"conv-workers":     "runtime.conv_workers",
	"tensor-workers":   "runtime.tensor_workers",
	"max-elements":     "runtime.max_elements",
	"padding":          "kernel.padding",
	"layout":           "kernel.layout",
	"same-extra-h":     "kernel.same_extra_h",
	"same-extra-w":     "kernel.same_extra_w",
	"bias-mode":        "kernel.transpose_bias",
	"pad-to-stride":    "kernel.pad_to_stride",
	"listen-addr":      "server.listen_addr",
	"server-workers":   "server.workers",
	"max-body-bytes":   "server.max_body_bytes",
	"request-timeout":  "server.request_timeout",
	"shutdown-timeout": "server.shutdown_timeout",
	"log-level":        "log_level",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("weights", defaults.Paths.Weights, "Path to a .safetensors weights file")
	fs.String("output", defaults.Paths.Output, "Path for .safetensors kernel output")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Convolution worker goroutines (0 = GOMAXPROCS)")
	fs.Int("tensor-workers", defaults.Runtime.TensorWorkers, "Dense-op worker goroutines (0 = GOMAXPROCS)")
	fs.Int64("max-elements", defaults.Runtime.MaxElements, "Largest buffer one kernel may allocate, in float32 elements (0 = unbounded)")
	fs.String("padding", defaults.Kernel.Padding, "Padding mode: valid|same|same-kernel")
	fs.String("layout", defaults.Kernel.Layout, "Tensor layout: channel-last|filter-major")
	fs.Int64("same-extra-h", defaults.Kernel.SameExtraH, "Rows added by same padding")
	fs.Int64("same-extra-w", defaults.Kernel.SameExtraW, "Columns added by same padding")
	fs.String("bias-mode", defaults.Kernel.TransposeBias, "Transposed conv bias placement: per-input|per-output")
	fs.Bool("pad-to-stride", defaults.Kernel.PadToStride, "Size transposed output as H*stride when stride exceeds the kernel")
	fs.String("listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Concurrent kernel requests served")
	fs.Int64("max-body-bytes", defaults.Server.MaxBodyBytes, "Maximum request body size")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
}

// Load resolves the config with precedence flags > CONVKIT_* env > config
// file > defaults.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("CONVKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("convkit")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.weights", c.Paths.Weights)
	v.SetDefault("paths.output", c.Paths.Output)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("runtime.tensor_workers", c.Runtime.TensorWorkers)
	v.SetDefault("runtime.max_elements", c.Runtime.MaxElements)
	v.SetDefault("kernel.padding", c.Kernel.Padding)
	v.SetDefault("kernel.layout", c.Kernel.Layout)
	v.SetDefault("kernel.same_extra_h", c.Kernel.SameExtraH)
	v.SetDefault("kernel.same_extra_w", c.Kernel.SameExtraW)
	v.SetDefault("kernel.transpose_bias", c.Kernel.TransposeBias)
	v.SetDefault("kernel.pad_to_stride", c.Kernel.PadToStride)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("log_level", c.LogLevel)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if c.Runtime.ConvWorkers < 0 || c.Runtime.TensorWorkers < 0 {
		return fmt.Errorf("runtime workers must be >= 0 (conv=%d tensor=%d)", c.Runtime.ConvWorkers, c.Runtime.TensorWorkers)
	}

	if c.Runtime.MaxElements < 0 {
		return fmt.Errorf("runtime.max_elements must be >= 0, got %d", c.Runtime.MaxElements)
	}

	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be > 0, got %d", c.Server.Workers)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0, got %d", c.Server.MaxBodyBytes)
	}

	if c.Server.RequestTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0 (request=%d shutdown=%d)", c.Server.RequestTimeout, c.Server.ShutdownTimeout)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q (expected debug|info|warn|error)", c.LogLevel)
	}

	return c.Kernel.Validate()
}
