package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default loopback endpoints. Both are fixed, documented ports bound to the
// loopback interface only; the bridge never listens on a public interface.
const (
	// DefaultServerURL is the backend hub endpoint the Bridge Client dials.
	DefaultServerURL = "ws://127.0.0.1:9376/api/bridge/connect"
	// DefaultListenAddr is the extension-facing listener of the socket variant.
	DefaultListenAddr = "127.0.0.1:9377"
)

// HostConfig holds configuration shared by the bridge-host (stdio variant)
// and bridge-daemon (socket variant) binaries.
type HostConfig struct {
	ServerURL         string        `yaml:"server_url"`
	ListenAddr        string        `yaml:"listen_addr"`
	BrowserName       string        `yaml:"browser_name"`
	WatchInterval     time.Duration `yaml:"watch_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	ConfigFile        string        `yaml:"-"`
	LogDir            string        `yaml:"log_dir"`
	LogLevel          string        `yaml:"log_level"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *HostConfig) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("host.yaml"))
	c.LogDir = GetEnv("LOG_DIR", DefaultLogDir())
	c.LogLevel = GetEnv("LOG_LEVEL", "info")

	c.ServerURL = GetEnv("SERVER_URL", DefaultServerURL)
	c.ListenAddr = GetEnv("LISTEN_ADDR", DefaultListenAddr)
	c.BrowserName = GetEnv("BROWSER_NAME", "")
	if d, err := time.ParseDuration(GetEnv("WATCH_INTERVAL", "5s")); err == nil {
		c.WatchInterval = d
	} else {
		c.WatchInterval = 5 * time.Second
	}
	if d, err := time.ParseDuration(GetEnv("RECONNECT_INTERVAL", "2s")); err == nil {
		c.ReconnectInterval = d
	} else {
		c.ReconnectInterval = 2 * time.Second
	}
	if d, err := time.ParseDuration(GetEnv("PENDING_TIMEOUT", "30s")); err == nil {
		c.PendingTimeout = d
	} else {
		c.PendingTimeout = 30 * time.Second
	}
	c.MetricsAddr = GetEnv("METRICS_ADDR", "")

	flag.StringVar(&c.ServerURL, "server-url", c.ServerURL, "backend hub WebSocket URL")
	flag.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "loopback address for extension connections (socket variant)")
	flag.StringVar(&c.BrowserName, "browser-name", c.BrowserName, "browser process name to watch for PID changes; empty disables the watcher")
	flag.DurationVar(&c.WatchInterval, "watch-interval", c.WatchInterval, "poll interval of the browser process watcher")
	flag.DurationVar(&c.ReconnectInterval, "reconnect-interval", c.ReconnectInterval, "delay between backend connection attempts")
	flag.DurationVar(&c.PendingTimeout, "pending-timeout", c.PendingTimeout, "time after which an unanswered in-flight request fails with an error")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address (disabled when empty; e.g. 127.0.0.1:9090)")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	flag.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for bridge log files")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *HostConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
