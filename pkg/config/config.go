package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Vic-Dev/flux-capacitor/pkg/channel"
	"github.com/Vic-Dev/flux-capacitor/pkg/snapshot"
)

// Client is the configuration of cmd/client, read from FLUX_* environment variables.
type Client struct {
	PageURL      string `env:"FLUX_PAGE_URL" envDefault:"http://localhost:3000/"`
	APIURL       string `env:"FLUX_API_URL"`
	DevProxyPort int    `env:"FLUX_DEV_PROXY_PORT" envDefault:"3000"`
	BackendPort  int    `env:"FLUX_BACKEND_PORT" envDefault:"4000"`

	EventsLimit int    `env:"FLUX_EVENTS_LIMIT" envDefault:"50"`
	Order       string `env:"FLUX_ORDER" envDefault:"DESC"`

	Reconnect         bool          `env:"FLUX_RECONNECT" envDefault:"true"`
	ReconnectMin      time.Duration `env:"FLUX_RECONNECT_MIN" envDefault:"500ms"`
	ReconnectMax      time.Duration `env:"FLUX_RECONNECT_MAX" envDefault:"1m"`
	ReconnectJitter   float64       `env:"FLUX_RECONNECT_JITTER" envDefault:"0.2"`
	ReconnectAttempts int           `env:"FLUX_RECONNECT_ATTEMPTS" envDefault:"0"`
	ConnectTimeout    time.Duration `env:"FLUX_CONNECT_TIMEOUT" envDefault:"10s"`
	PingInterval      time.Duration `env:"FLUX_PING_INTERVAL" envDefault:"30s"`
	ResyncOnReconnect bool          `env:"FLUX_RESYNC_ON_RECONNECT" envDefault:"true"`
	DedupWindow       int           `env:"FLUX_DEDUP_WINDOW" envDefault:"4096"`
	MaxMessageBytes   int64         `env:"FLUX_MAX_MESSAGE_BYTES" envDefault:"33554432"`

	MetricsAddr string `env:"FLUX_METRICS_ADDR"`
	DumpPath    string `env:"FLUX_DUMP_PATH"`
	LogLevel    string `env:"FLUX_LOG_LEVEL" envDefault:"info"`
}

// Server is the configuration of cmd/server.
type Server struct {
	Addr     string `env:"FLUX_ADDR" envDefault:"localhost:4000"`
	Database string `env:"FLUX_DATABASE" envDefault:"flux.sqlite3"`
	LogLevel string `env:"FLUX_LOG_LEVEL" envDefault:"info"`
}

// Parse fills target from the environment.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("failed to parse env: %w", err)
	}
	return nil
}

func (c Client) Page() (*url.URL, error) {
	u, err := url.Parse(c.PageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("page url %q has no host", c.PageURL)
	}
	return u, nil
}

// API is the explicit API base, or nil to derive it from the page url.
func (c Client) API() (*url.URL, error) {
	if c.APIURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse api url: %w", err)
	}
	return u, nil
}

func (c Client) Policy() channel.ReconnectPolicy {
	if !c.Reconnect {
		return channel.NoReconnect{}
	}
	return channel.Backoff{Min: c.ReconnectMin, Max: c.ReconnectMax, Jitter: c.ReconnectJitter, MaxAttempts: c.ReconnectAttempts}
}

func (c Client) EventsParams() snapshot.Params {
	return snapshot.Params{Limit: c.EventsLimit, Order: snapshot.Order(c.Order)}
}

func (c Client) NotesParams() snapshot.Params {
	return snapshot.Params{Order: snapshot.Order(c.Order)}
}

// Level maps a level name to a slog level, falling back to info.
func Level(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}
