// cookareq runtime: starts the local MCP tool server, wires the agent turn
// engine to the LLM provider, and serves queued prompts until interrupted.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cookareq/cookareq/pkg/agent"
	"github.com/cookareq/cookareq/pkg/chat"
	"github.com/cookareq/cookareq/pkg/config"
	"github.com/cookareq/cookareq/pkg/events"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/logging"
	"github.com/cookareq/cookareq/pkg/mcpclient"
	"github.com/cookareq/cookareq/pkg/mcpserver"
	"github.com/cookareq/cookareq/pkg/queue"
	"github.com/cookareq/cookareq/pkg/reqs"
	"github.com/cookareq/cookareq/pkg/tokens"
	"github.com/cookareq/cookareq/pkg/tools"
	"github.com/cookareq/cookareq/pkg/userdocs"
	"github.com/cookareq/cookareq/pkg/version"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg := config.Load()

	// Main process logger: rotating text + JSONL pair, mirrored to stderr.
	mainPair, err := logging.Setup(logging.Config{
		Dir:        cfg.LogDir,
		BaseName:   version.AppName,
		Level:      slog.LevelDebug,
		AlsoStderr: true,
	})
	if err != nil {
		slog.Error("Failed to set up logging", "dir", cfg.LogDir, "error", err)
		os.Exit(1)
	}
	defer mainPair.Close()

	slog.Info("Starting cookareq",
		"version", version.Full(),
		"log_dir", cfg.LogDir,
		"requirements_path", cfg.RequirementsPath,
		"documents_root", cfg.DocumentsRoot)

	// The MCP server logs to its own rotating pair so tool traffic does not
	// drown the main log.
	serverPair, err := logging.NewPair(logging.Config{
		Dir:      filepath.Join(cfg.LogDir, "mcp"),
		BaseName: "server",
		Level:    slog.LevelDebug,
	})
	if err != nil {
		slog.Error("Failed to set up MCP server logging", "error", err)
		os.Exit(1)
	}
	defer serverPair.Close()
	serverLogger := serverPair.Logger(false)

	// 1. Domain services behind the tool registry. The requirements service
	// comes from the shared cache so a base-path switch reuses or resets the
	// same instance the tools see.
	reqCache := reqs.NewCache()
	reqService, err := reqCache.Get(cfg.RequirementsPath)
	if err != nil {
		slog.Error("Failed to open requirements store", "path", cfg.RequirementsPath, "error", err)
		os.Exit(1)
	}
	docService, err := userdocs.NewService(cfg.DocumentsRoot)
	if err != nil {
		slog.Error("Failed to open documents root", "path", cfg.DocumentsRoot, "error", err)
		os.Exit(1)
	}
	registry := tools.NewCatalog(tools.Deps{Reqs: reqService, Docs: docService})
	slog.Info("Tool registry built", "tools", len(registry.Names()))

	// 2. Telemetry: in-process bus fanned out to WebSocket clients
	bus := events.NewBus()
	hub := events.NewHub(bus, 5*time.Second)
	defer hub.Close()

	// 3. MCP HTTP server as a background task
	server := mcpserver.New(mcpserver.Config{
		Host:        cfg.MCPHost,
		Port:        cfg.MCPPort,
		BearerToken: cfg.BearerToken,
		Registry:    registry,
		Hub:         hub,
		Logger:      serverLogger,
	})
	if err := server.Start(); err != nil {
		slog.Error("Failed to start MCP server", "error", err)
		os.Exit(1)
	}

	// 4. Clients: the engine talks to its own server over HTTP, same as any
	// external MCP consumer would.
	toolClient := mcpclient.New(mcpclient.Config{
		BaseURL:   "http://" + server.Addr(),
		Token:     cfg.BearerToken,
		Timeout:   cfg.MCPRequestTimeout,
		Publisher: bus,
	})
	llmClient := llm.New(llm.Config{
		BaseURL:   cfg.LLMBaseURL,
		APIKey:    cfg.LLMAPIKey,
		Model:     cfg.LLMModel,
		Timeout:   cfg.LLMTimeout,
		Streaming: cfg.LLMStreaming,
		Publisher: bus,
	})

	// 5. Conversation store and run controller
	store, err := chat.NewStore(cfg.ChatDir, slog.Default())
	if err != nil {
		slog.Error("Failed to open conversation store", "dir", cfg.ChatDir, "error", err)
		os.Exit(1)
	}

	toolDefs := toolDefinitions(registry)
	controller, err := queue.NewController(queue.Config{
		Store: store,
		Agents: func() (*agent.Agent, error) {
			return agent.New(agent.Config{
				SystemPrompt: cfg.SystemPrompt,
				LLM:          llmClient,
				Tools:        toolClient,
				ToolDefs:     toolDefs,
				MaxSteps:     cfg.MaxAgentSteps,
			}), nil
		},
		Counter: tokens.NewCounter(cfg.LLMModel),
		Logger:  slog.Default(),
	})
	if err != nil {
		slog.Error("Failed to start run controller", "error", err)
		os.Exit(1)
	}

	slog.Info("cookareq started",
		"mcp_addr", server.Addr(),
		"llm_base_url", cfg.LLMBaseURL,
		"llm_model", cfg.LLMModel,
		"streaming", cfg.LLMStreaming)

	// 6. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 7. Graceful shutdown: stop accepting prompts, then drain the server
	controller.Close()
	slog.Info("Run controller stopped")

	if err := server.Stop(); err != nil {
		slog.Error("MCP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// toolDefinitions converts the registry's specs into the shape offered to
// the model.
func toolDefinitions(registry *tools.Registry) []llm.ToolDef {
	specs := registry.Specs()
	defs := make([]llm.ToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llm.ToolDef{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.ArgumentsSchema,
		})
	}
	return defs
}
