package streamhttp

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the environment-driven settings for an HTTP transport
// deployment.
type Config struct {
	// Addr is the listen address passed to http.Server.
	Addr string `env:"MCP_HTTP_ADDR,default=:8080"`
	// Endpoint is the path serving the protocol.
	Endpoint string `env:"MCP_HTTP_ENDPOINT,default=/mcp"`
	// SessionTimeout is the idle timeout before the reaper removes a
	// session.
	SessionTimeout time.Duration `env:"MCP_SESSION_TIMEOUT,default=5m"`
	// SweepInterval is how often the reaper runs.
	SweepInterval time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL,default=30s"`
}

// ConfigFromEnv decodes Config from the process environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}
