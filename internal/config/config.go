// Package config merges flags, PARTDL_* environment variables and an
// optional YAML file into the settings every job starts from.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/partdl/internal/utils"
)

const DefaultFile = "partdl.yaml"

type Config struct {
	Connections     int           `mapstructure:"connections"`
	Workers         int           `mapstructure:"workers"`
	SegmentSize     string        `mapstructure:"segment-size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	KeepAlive       time.Duration `mapstructure:"keep-alive"`
	Proxy           string        `mapstructure:"proxy"`
	ProxyUsername   string        `mapstructure:"proxy-username"`
	ProxyPassword   string        `mapstructure:"proxy-password"`
	UserAgent       string        `mapstructure:"user-agent"`
	Headers         []string      `mapstructure:"headers"`
	Retries         int           `mapstructure:"retries"`
	RetryBackoff    time.Duration `mapstructure:"retry-backoff"`
	StallTimeout    time.Duration `mapstructure:"stall-timeout"`
	RateLimit       string        `mapstructure:"rate-limit"`
	StoreURL        string        `mapstructure:"store"`
	Ledger          string        `mapstructure:"ledger"`
	MemoryThreshold string        `mapstructure:"memory-threshold"`
	ProgressTick    time.Duration `mapstructure:"progress-interval"`
	Force           bool          `mapstructure:"force"`
	KeepParts       bool          `mapstructure:"keep-parts"`
	RelayTarget     string        `mapstructure:"relay"`
	RelayProfile    string        `mapstructure:"relay-profile"`
	Debug           bool          `mapstructure:"debug"`
	LogFile         string        `mapstructure:"log-file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connections", utils.DefaultConnections)
	v.SetDefault("workers", 1)
	v.SetDefault("segment-size", "32MB")
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("keep-alive", 90*time.Second)
	v.SetDefault("retries", utils.DefaultMaxRetries)
	v.SetDefault("retry-backoff", utils.DefaultRetryBackoff)
	v.SetDefault("stall-timeout", utils.DefaultRequestTimeout)
	v.SetDefault("rate-limit", "0")
	v.SetDefault("ledger", utils.LedgerFile)
	v.SetDefault("memory-threshold", "0")
	v.SetDefault("progress-interval", utils.DefaultProgressTick)
}

// Load reads path (or partdl.yaml when present and path is empty), then
// PARTDL_* variables, then any changed flags in fs. Later sources win.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v.SetEnvPrefix("PARTDL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Connections <= 0 {
		return errors.New("connections must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.Retries <= 0 {
		return errors.New("retries must be at least 1")
	}
	for name, value := range map[string]string{
		"segment-size":     c.SegmentSize,
		"rate-limit":       c.RateLimit,
		"memory-threshold": c.MemoryThreshold,
	} {
		if _, err := utils.ParseBytes(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// HTTPClientConfig moves proxy credentials embedded in the proxy URL into
// their own fields and expands the "randomize" user agent.
func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	proxyURL, user, pass := c.Proxy, c.ProxyUsername, c.ProxyPassword
	if parsed, err := url.Parse(proxyURL); err == nil && parsed.User != nil && user == "" {
		user = parsed.User.Username()
		if p, set := parsed.User.Password(); set {
			pass = p
		}
		parsed.User = nil
		proxyURL = parsed.String()
	}
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		Timeout:       c.Timeout,
		KATimeout:     c.KeepAlive,
		ProxyURL:      proxyURL,
		ProxyUsername: user,
		ProxyPassword: pass,
		UserAgent:     userAgent,
		Headers:       utils.ParseHeaderArgs(c.Headers),
	}
}

// Transfer returns the per-session settings. Sizes were checked by Load.
func (c *Config) Transfer() utils.TransferConfig {
	rate, _ := utils.ParseBytes(c.RateLimit)
	threshold, _ := utils.ParseBytes(c.MemoryThreshold)
	return utils.TransferConfig{
		MaxRetries:      c.Retries,
		RetryBackoff:    c.RetryBackoff,
		RequestTimeout:  c.StallTimeout,
		RateLimit:       rate,
		ProgressTick:    c.ProgressTick,
		StoreURL:        c.StoreURL,
		LedgerPath:      c.Ledger,
		MemoryThreshold: threshold,
		Force:           c.Force,
		KeepParts:       c.KeepParts,
	}
}

// NewJob seeds a job of jobType with the shared settings.
func (c *Config) NewJob(jobType, link, outputPath string) utils.PartdlJob {
	segmentSize, _ := utils.ParseBytes(c.SegmentSize)
	return utils.PartdlJob{
		JobType:          jobType,
		URL:              link,
		OutputPath:       outputPath,
		Connections:      c.Connections,
		SegmentSize:      segmentSize,
		Metadata:         make(map[string]any),
		HTTPClientConfig: c.HTTPClientConfig(),
		Transfer:         c.Transfer(),
	}
}
