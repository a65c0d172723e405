package config

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HubConfig holds configuration for the backend-side bridge hub.
type HubConfig struct {
	Port           int      `yaml:"port"`
	WSPath         string   `yaml:"ws_path"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ConfigFile     string   `yaml:"-"`
	LogLevel       string   `yaml:"log_level"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *HubConfig) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("hub.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")

	port, _ := strconv.Atoi(GetEnv("PORT", "9376"))
	c.Port = port
	c.WSPath = GetEnv("WS_PATH", "/api/bridge/connect")
	c.MetricsAddr = GetEnv("METRICS_ADDR", "")
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}

	flag.IntVar(&c.Port, "port", c.Port, "loopback HTTP listen port for the hub")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path bridge clients use to establish WebSocket connections")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; defaults to the hub port when empty")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.Func("allowed-origins", "comma-separated CORS origins for the state endpoint", func(v string) error {
		c.AllowedOrigins = strings.Split(v, ",")
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *HubConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
