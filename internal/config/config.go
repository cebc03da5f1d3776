package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeStream  = "stream"
	ModeSync    = "sync"
	ModeOffline = "offline"

	DefaultBaseURL         = "http://localhost:8000"
	DefaultConcurrency     = 1
	DefaultRequestTimeout  = 60 * time.Second
	DefaultResultSuffix    = "_resultados.zip"
	DefaultSizePlaceholder = "Procesado"
	DefaultOutputDir       = "downloads"
	DefaultOfflineScale    = 1.0
	DefaultLogLevel        = "warn"
)

type Config struct {
	BaseURL         string        `mapstructure:"base_url" json:"base_url"`
	Mode            string        `mapstructure:"mode" json:"mode"`
	Concurrency     int           `mapstructure:"concurrency" json:"concurrency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	ResultSuffix    string        `mapstructure:"result_suffix" json:"result_suffix"`
	SizePlaceholder string        `mapstructure:"size_placeholder" json:"size_placeholder"`
	OutputDir       string        `mapstructure:"output_dir" json:"output_dir"`
	Offline         OfflineConfig `mapstructure:"offline" json:"offline"`
	Log             LogConfig     `mapstructure:"log" json:"log"`
}

type OfflineConfig struct {
	// Scale divides every scripted delay; 10 runs the demo ten times faster.
	Scale  float64 `mapstructure:"scale" json:"scale"`
	Script string  `mapstructure:"script" json:"script,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file,omitempty"`
}

func Default() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Mode:            ModeStream,
		Concurrency:     DefaultConcurrency,
		RequestTimeout:  DefaultRequestTimeout,
		ResultSuffix:    DefaultResultSuffix,
		SizePlaceholder: DefaultSizePlaceholder,
		OutputDir:       DefaultOutputDir,
		Offline:         OfflineConfig{Scale: DefaultOfflineScale},
		Log:             LogConfig{Level: DefaultLogLevel},
	}
}

// Load reads cadastral.yaml from the working directory (or path, when set)
// and environment variables. Environment variables use the prefix
// "CADASTRAL" and the dot in keys becomes an underscore, so "log.level" is
// read from "CADASTRAL_LOG_LEVEL".
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cadastral")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("CADASTRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if strings.TrimSpace(path) != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = Normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults and canonicalizes enums.
func Normalize(raw Config) Config {
	norm := raw
	norm.BaseURL = strings.TrimRight(strings.TrimSpace(norm.BaseURL), "/")
	if norm.BaseURL == "" {
		norm.BaseURL = DefaultBaseURL
	}
	norm.Mode = strings.ToLower(strings.TrimSpace(norm.Mode))
	if norm.Mode == "" {
		norm.Mode = ModeStream
	}
	if norm.Concurrency <= 0 {
		norm.Concurrency = DefaultConcurrency
	}
	if norm.RequestTimeout <= 0 {
		norm.RequestTimeout = DefaultRequestTimeout
	}
	if strings.TrimSpace(norm.ResultSuffix) == "" {
		norm.ResultSuffix = DefaultResultSuffix
	}
	if strings.TrimSpace(norm.SizePlaceholder) == "" {
		norm.SizePlaceholder = DefaultSizePlaceholder
	}
	if strings.TrimSpace(norm.OutputDir) == "" {
		norm.OutputDir = DefaultOutputDir
	}
	if norm.Offline.Scale <= 0 {
		norm.Offline.Scale = DefaultOfflineScale
	}
	norm.Offline.Script = strings.TrimSpace(norm.Offline.Script)
	norm.Log.Level = strings.ToLower(strings.TrimSpace(norm.Log.Level))
	if norm.Log.Level == "" {
		norm.Log.Level = DefaultLogLevel
	}
	norm.Log.File = strings.TrimSpace(norm.Log.File)
	return norm
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeStream, ModeSync, ModeOffline:
	default:
		return fmt.Errorf("invalid mode %q (expected stream, sync, or offline)", c.Mode)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (expected debug, info, warn, or error)", c.Log.Level)
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("base_url", cfg.BaseURL)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("concurrency", cfg.Concurrency)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("result_suffix", cfg.ResultSuffix)
	v.SetDefault("size_placeholder", cfg.SizePlaceholder)
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("offline.scale", cfg.Offline.Scale)
	v.SetDefault("log.level", cfg.Log.Level)
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
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
