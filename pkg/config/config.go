// Package config loads runtime configuration from the environment.
//
// A .env file (loaded by the entry point via godotenv) and process env vars
// are the only configuration sources; every knob has a default suitable for
// a local single-process run.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/cookareq/cookareq/pkg/version"
)

// EnvLogDir overrides the log directory when set.
const EnvLogDir = "COOKAREQ_LOG_DIR"

// defaultSystemPrompt frames the assistant for the requirements workspace.
const defaultSystemPrompt = "You are an assistant working inside a requirements " +
	"management workspace. Use the available tools to inspect and edit " +
	"requirements, labels and user documents; never invent requirement IDs. " +
	"Answer concisely and report tool failures honestly."

// Config is the process-wide configuration.
type Config struct {
	// LogDir is the directory for rotating log files.
	LogDir string

	// MCP server
	MCPHost     string
	MCPPort     int
	BearerToken string // empty disables auth

	// MCP client
	MCPRequestTimeout time.Duration // per-attempt timeout, default 5s

	// LLM
	LLMBaseURL    string
	LLMAPIKey     string
	LLMModel      string
	LLMTimeout    time.Duration // per-request, default 300s
	LLMStreaming  bool
	MaxAgentSteps int    // bound on the turn-engine loop, default 32
	SystemPrompt  string // opening system message of every run

	// Storage roots
	RequirementsPath string
	DocumentsRoot    string
	ChatDir          string
}

// Load builds a Config from the environment with defaults applied.
func Load() *Config {
	return &Config{
		LogDir:            ResolveLogDir(),
		MCPHost:           getEnv("COOKAREQ_MCP_HOST", "127.0.0.1"),
		MCPPort:           getEnvInt("COOKAREQ_MCP_PORT", 59362),
		BearerToken:       os.Getenv("COOKAREQ_MCP_TOKEN"),
		MCPRequestTimeout: getEnvDuration("COOKAREQ_MCP_TIMEOUT", 5*time.Second),
		LLMBaseURL:        getEnv("COOKAREQ_LLM_BASE_URL", "http://127.0.0.1:11434/v1"),
		LLMAPIKey:         os.Getenv("COOKAREQ_LLM_API_KEY"),
		LLMModel:          getEnv("COOKAREQ_LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:        getEnvDuration("COOKAREQ_LLM_TIMEOUT", 300*time.Second),
		LLMStreaming:      getEnvBool("COOKAREQ_LLM_STREAM", true),
		MaxAgentSteps:     getEnvInt("COOKAREQ_MAX_AGENT_STEPS", 32),
		SystemPrompt:      getEnv("COOKAREQ_SYSTEM_PROMPT", defaultSystemPrompt),
		RequirementsPath:  getEnv("COOKAREQ_REQUIREMENTS_PATH", "./requirements"),
		DocumentsRoot:     getEnv("COOKAREQ_DOCUMENTS_ROOT", "./share"),
		ChatDir:           getEnv("COOKAREQ_CHAT_DIR", "./chats"),
	}
}

// ResolveLogDir returns the log directory: COOKAREQ_LOG_DIR when set,
// otherwise an OS-appropriate per-user state directory.
func ResolveLogDir() string {
	if dir := os.Getenv(EnvLogDir); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, version.AppName, "logs")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Logs", version.AppName)
		}
	default:
		if state := os.Getenv("XDG_STATE_HOME"); state != "" {
			return filepath.Join(state, version.AppName, "logs")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "state", version.AppName, "logs")
		}
	}
	return filepath.Join(os.TempDir(), version.AppName, "logs")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
