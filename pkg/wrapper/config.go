package wrapper

import (
	"fmt"
	"os"
)

// Config is the wrapper's environment-derived configuration, §6.1.
type Config struct {
	SessionID       string
	RedisURL        string
	GatewayURL      string
	GatewayToken    string
	ParentSessionID string
	WorkspacePath   string
	Model           string
	AgentConfigJSON string
}

const (
	defaultRedisURL      = "redis://redis:6379"
	defaultWorkspacePath = "/workspace"
)

// ConfigFromEnv reads the fixed set of environment variables §6.1
// specifies. SESSION_ID is the only required variable.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		SessionID:       os.Getenv("SESSION_ID"),
		RedisURL:        os.Getenv("REDIS_URL"),
		GatewayURL:      os.Getenv("GATEWAY_URL"),
		GatewayToken:    os.Getenv("GATEWAY_TOKEN"),
		ParentSessionID: os.Getenv("PARENT_SESSION_ID"),
		WorkspacePath:   os.Getenv("WORKSPACE_PATH"),
		Model:           os.Getenv("CLAUDE_MODEL"),
		AgentConfigJSON: os.Getenv("CLAUDE_CONFIG"),
	}

	if cfg.SessionID == "" {
		return Config{}, fmt.Errorf("wrapper: SESSION_ID is required")
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = defaultRedisURL
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = defaultWorkspacePath
	}
	return cfg, nil
}
