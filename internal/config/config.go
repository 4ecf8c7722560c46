// Package config parses speed-daemon's runtime configuration from flags,
// SPEED_DAEMON_* environment variables, and an optional YAML file, in that
// precedence order. Grounded on the teacher's cmd/can-server/config.go
// flag+env layering, extended with a YAML file layer (gopkg.in/yaml.v3) the
// teacher doesn't have but the rest of the retrieval pack uses for
// service configuration.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	ListenAddr      string        `yaml:"listen"`
	LogFormat       string        `yaml:"log_format"`
	LogLevel        string        `yaml:"log_level"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	MaxClients      int           `yaml:"max_clients"`
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	EngineBuffer    int           `yaml:"engine_buffer"`
	LogMetricsEvery time.Duration `yaml:"log_metrics_interval"`
	MDNSEnable      bool          `yaml:"mdns_enable"`
	MDNSName        string        `yaml:"mdns_name"`
}

// fileConfig mirrors Config for YAML decoding; a separate type keeps zero
// values in the file distinguishable from "not present" when merging.
type fileConfig struct {
	ListenAddr      *string  `yaml:"listen"`
	LogFormat       *string  `yaml:"log_format"`
	LogLevel        *string  `yaml:"log_level"`
	MetricsAddr     *string  `yaml:"metrics_addr"`
	MaxClients      *int     `yaml:"max_clients"`
	ReadIdleTimeout *string  `yaml:"read_idle_timeout"`
	WriteTimeout    *string  `yaml:"write_timeout"`
	RateLimit       *float64 `yaml:"rate_limit"`
	RateBurst       *int     `yaml:"rate_burst"`
	EngineBuffer    *int     `yaml:"engine_buffer"`
	LogMetricsEvery *string  `yaml:"log_metrics_interval"`
	MDNSEnable      *bool    `yaml:"mdns_enable"`
	MDNSName        *string  `yaml:"mdns_name"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:      ":20000",
		LogFormat:       "text",
		LogLevel:        "info",
		MetricsAddr:     "",
		MaxClients:      0,
		ReadIdleTimeout: 120 * time.Second,
		WriteTimeout:    30 * time.Second,
		RateLimit:       0,
		RateBurst:       0,
		EngineBuffer:    256,
		LogMetricsEvery: 0,
		MDNSEnable:      false,
		MDNSName:        "",
	}
}

// Parse resolves configuration from flags, then SPEED_DAEMON_* environment
// variables, then an optional -config YAML file, then built-in defaults.
// Flags take precedence over env, which takes precedence over the file.
// The second return value is true if -version was passed.
func Parse(args []string) (*Config, bool, error) {
	fs := flag.NewFlagSet("speed-daemon", flag.ContinueOnError)
	cfg := defaults()

	listen := fs.String("listen", cfg.ListenAddr, "TCP listen address")
	logFormat := fs.String("log-format", cfg.LogFormat, "Log format: text|json")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	maxClients := fs.Int("max-clients", cfg.MaxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	readIdleTimeout := fs.Duration("read-idle-timeout", cfg.ReadIdleTimeout, "Per-connection idle read timeout")
	writeTimeout := fs.Duration("write-timeout", cfg.WriteTimeout, "Per-connection write timeout before a stuck peer is disconnected")
	rateLimit := fs.Float64("rate-limit", cfg.RateLimit, "Inbound frames/sec allowed per connection (0 = unlimited)")
	rateBurst := fs.Int("rate-burst", cfg.RateBurst, "Inbound frame burst allowance per connection")
	engineBuffer := fs.Int("engine-buffer", cfg.EngineBuffer, "Ticketing engine command channel buffer size")
	logMetricsEvery := fs.Duration("log-metrics-interval", cfg.LogMetricsEvery, "If >0, periodically log metrics counters")
	mdnsEnable := fs.Bool("mdns-enable", cfg.MDNSEnable, "Enable mDNS advertisement of the listener")
	mdnsName := fs.String("mdns-name", cfg.MDNSName, "mDNS instance name (default speed-daemon-<hostname>)")
	configPath := fs.String("config", "", "Optional YAML config file path")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.ListenAddr = *listen
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.MaxClients = *maxClients
	cfg.ReadIdleTimeout = *readIdleTimeout
	cfg.WriteTimeout = *writeTimeout
	cfg.RateLimit = *rateLimit
	cfg.RateBurst = *rateBurst
	cfg.EngineBuffer = *engineBuffer
	cfg.LogMetricsEvery = *logMetricsEvery
	cfg.MDNSEnable = *mdnsEnable
	cfg.MDNSName = *mdnsName

	if *configPath != "" {
		fc, err := loadFile(*configPath)
		if err != nil {
			return nil, *showVersion, fmt.Errorf("loading config file: %w", err)
		}
		applyFileWhereFlagUnset(cfg, fc, setFlags)
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, err
	}

	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &fc, nil
}

// applyFileWhereFlagUnset merges file-supplied values into cfg, skipping
// any field whose flag was explicitly set (flag > env > file > default).
func applyFileWhereFlagUnset(cfg *Config, fc *fileConfig, setFlags map[string]struct{}) {
	set := func(name string) bool { _, ok := setFlags[name]; return ok }

	if fc.ListenAddr != nil && !set("listen") {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.LogFormat != nil && !set("log-format") {
		cfg.LogFormat = *fc.LogFormat
	}
	if fc.LogLevel != nil && !set("log-level") {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.MetricsAddr != nil && !set("metrics-addr") {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	if fc.MaxClients != nil && !set("max-clients") {
		cfg.MaxClients = *fc.MaxClients
	}
	if fc.ReadIdleTimeout != nil && !set("read-idle-timeout") {
		if d, err := time.ParseDuration(*fc.ReadIdleTimeout); err == nil {
			cfg.ReadIdleTimeout = d
		}
	}
	if fc.WriteTimeout != nil && !set("write-timeout") {
		if d, err := time.ParseDuration(*fc.WriteTimeout); err == nil {
			cfg.WriteTimeout = d
		}
	}
	if fc.RateLimit != nil && !set("rate-limit") {
		cfg.RateLimit = *fc.RateLimit
	}
	if fc.RateBurst != nil && !set("rate-burst") {
		cfg.RateBurst = *fc.RateBurst
	}
	if fc.EngineBuffer != nil && !set("engine-buffer") {
		cfg.EngineBuffer = *fc.EngineBuffer
	}
	if fc.LogMetricsEvery != nil && !set("log-metrics-interval") {
		if d, err := time.ParseDuration(*fc.LogMetricsEvery); err == nil {
			cfg.LogMetricsEvery = d
		}
	}
	if fc.MDNSEnable != nil && !set("mdns-enable") {
		cfg.MDNSEnable = *fc.MDNSEnable
	}
	if fc.MDNSName != nil && !set("mdns-name") {
		cfg.MDNSName = *fc.MDNSName
	}
}

// applyEnvOverrides maps SPEED_DAEMON_* environment variables onto cfg
// unless the corresponding flag was explicitly set (flags always win).
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	isSet := func(name string) bool { _, ok := set[name]; return ok }

	if !isSet("listen") {
		if v, ok := get("SPEED_DAEMON_LISTEN"); ok && v != "" {
			c.ListenAddr = v
		}
	}
	if !isSet("log-format") {
		if v, ok := get("SPEED_DAEMON_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if !isSet("log-level") {
		if v, ok := get("SPEED_DAEMON_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if !isSet("metrics-addr") {
		if v, ok := get("SPEED_DAEMON_METRICS"); ok {
			c.MetricsAddr = v
		}
	}
	if !isSet("max-clients") {
		if v, ok := get("SPEED_DAEMON_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.MaxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_MAX_CLIENTS: %w", err)
			}
		}
	}
	if !isSet("read-idle-timeout") {
		if v, ok := get("SPEED_DAEMON_READ_IDLE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.ReadIdleTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_READ_IDLE_TIMEOUT: %w", err)
			}
		}
	}
	if !isSet("write-timeout") {
		if v, ok := get("SPEED_DAEMON_WRITE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.WriteTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_WRITE_TIMEOUT: %w", err)
			}
		}
	}
	if !isSet("rate-limit") {
		if v, ok := get("SPEED_DAEMON_RATE_LIMIT"); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
				c.RateLimit = f
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_RATE_LIMIT: %w", err)
			}
		}
	}
	if !isSet("rate-burst") {
		if v, ok := get("SPEED_DAEMON_RATE_BURST"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.RateBurst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_RATE_BURST: %w", err)
			}
		}
	}
	if !isSet("engine-buffer") {
		if v, ok := get("SPEED_DAEMON_ENGINE_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.EngineBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_ENGINE_BUFFER: %w", err)
			}
		}
	}
	if !isSet("log-metrics-interval") {
		if v, ok := get("SPEED_DAEMON_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.LogMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SPEED_DAEMON_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if !isSet("mdns-enable") {
		if v, ok := get("SPEED_DAEMON_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if !isSet("mdns-name") {
		if v, ok := get("SPEED_DAEMON_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	return firstErr
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.ReadIdleTimeout <= 0 {
		return fmt.Errorf("read-idle-timeout must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write-timeout must be > 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must be >= 0")
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rate-burst must be >= 0")
	}
	if c.EngineBuffer <= 0 {
		return fmt.Errorf("engine-buffer must be > 0")
	}
	return nil
}
