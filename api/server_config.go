package api

import (
	"errors"
	"log/slog"
	"time"
)

// DefaultMaxRequestBodyBytes bounds fetch_key bodies. A request carries one
// identity, a credential and a signature, so a few kilobytes is plenty.
const DefaultMaxRequestBodyBytes = 64 << 10

// HTTPServerConfig configures a key server's HTTP listener.
type HTTPServerConfig struct {
	// ListenAddr is where the key server API is served.
	ListenAddr string

	// MetricsAddr is where Prometheus metrics are served. Empty disables
	// the metrics listener.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long Shutdown keeps serving after /readyz
	// starts failing.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxRequestBodyBytes caps request bodies. Zero means
	// DefaultMaxRequestBodyBytes.
	MaxRequestBodyBytes int64
}

// Validate checks required fields and fills zero values with defaults.
func (c *HTTPServerConfig) Validate() error {
	if c == nil || c.Log == nil {
		return errors.New("server config with a logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if c.GracefulShutdownDuration <= 0 {
		c.GracefulShutdownDuration = 30 * time.Second
	}
	return nil
}
