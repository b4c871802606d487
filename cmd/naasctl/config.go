package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultTimeout = 2 * time.Minute

// cliConfig is populated from flags, NAASCTL_* env vars and .naasctl.yaml.
type cliConfig struct {
	Server  string        `mapstructure:"server"`
	Origin  string        `mapstructure:"origin"`
	Timeout time.Duration `mapstructure:"timeout"`
	Verbose bool          `mapstructure:"verbose"`
}

func loadConfig() (cliConfig, error) {
	viper.SetDefault("server", "ws://localhost:8000/ws")
	viper.SetDefault("timeout", defaultTimeout)

	var cfg cliConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return cfg, nil
}

// apiURL maps the websocket URL to the server's HTTP base, e.g.
// ws://host:8000/ws -> http://host:8000.
func apiURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
