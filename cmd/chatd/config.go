package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	port            int
	workers         int
	idleTimeout     time.Duration
	tickInterval    time.Duration
	shutdownGrace   time.Duration
	identity        string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	port := flag.Int("port", 8080, "TCP listen port")
	workers := flag.Int("workers", 64, "Worker pool size")
	idleTimeout := flag.Duration("idle-timeout", 5*time.Minute, "Disconnect a client after this long with no inbound or outbound activity on its connection")
	tickInterval := flag.Duration("tick-interval", 10*time.Second, "Idle-audit sweep interval")
	shutdownGrace := flag.Duration("shutdown-grace", 10*time.Second, "How long SIGINT/SIGTERM waits for in-flight chains to drain before forcing shutdown")
	identity := flag.String("identity", "[Server]", "From: identity used on server-originated broadcasts")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default chatd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.port = *port
	cfg.workers = *workers
	cfg.idleTimeout = *idleTimeout
	cfg.tickInterval = *tickInterval
	cfg.shutdownGrace = *shutdownGrace
	cfg.identity = *identity
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open the listener — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.port <= 0 || c.port > 65535 {
		return fmt.Errorf("port must be in (0, 65535] (got %d)", c.port)
	}
	if c.workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.workers)
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be > 0")
	}
	if c.tickInterval <= 0 {
		return fmt.Errorf("tick-interval must be > 0")
	}
	if c.shutdownGrace <= 0 {
		return fmt.Errorf("shutdown-grace must be > 0")
	}
	if strings.TrimSpace(c.identity) == "" {
		return fmt.Errorf("identity must not be empty")
	}
	return nil
}

// applyEnvOverrides maps CHATD_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing
// is lax: empty values ignored. Duration accepts Go time.ParseDuration
// format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["port"]; !ok {
		if v, ok := get("CHATD_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.port = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHATD_PORT: %w", err)
			}
		}
	}
	if _, ok := set["workers"]; !ok {
		if v, ok := get("CHATD_WORKERS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.workers = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHATD_WORKERS: %w", err)
			}
		}
	}
	if _, ok := set["idle-timeout"]; !ok {
		if v, ok := get("CHATD_IDLE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.idleTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHATD_IDLE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["tick-interval"]; !ok {
		if v, ok := get("CHATD_TICK_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.tickInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHATD_TICK_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["shutdown-grace"]; !ok {
		if v, ok := get("CHATD_SHUTDOWN_GRACE"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.shutdownGrace = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHATD_SHUTDOWN_GRACE: %w", err)
			}
		}
	}
	if _, ok := set["identity"]; !ok {
		if v, ok := get("CHATD_IDENTITY"); ok && v != "" {
			c.identity = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CHATD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CHATD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CHATD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CHATD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHATD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CHATD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CHATD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
