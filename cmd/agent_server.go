package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/internal/config"
	"github.com/nextlevelbuilder/tinycrab/internal/cron"
	"github.com/nextlevelbuilder/tinycrab/internal/memory"
	"github.com/nextlevelbuilder/tinycrab/internal/orchestrator"
	"github.com/nextlevelbuilder/tinycrab/internal/providers"
	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
	"github.com/nextlevelbuilder/tinycrab/internal/server"
	"github.com/nextlevelbuilder/tinycrab/internal/sessions"
	"github.com/nextlevelbuilder/tinycrab/internal/subagent"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
	"github.com/nextlevelbuilder/tinycrab/internal/tracing"
)

// agentServerCmd is the hidden entry point the supervisor launches as a
// subprocess. Users run `tinycrab agent spawn`, not this.
func agentServerCmd() *cobra.Command {
	var (
		id       string
		port     int
		dataDir  string
		provider string
		model    string
	)
	cmd := &cobra.Command{
		Use:    "agent-server",
		Short:  "Run a single agent server (launched by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || port == 0 || dataDir == "" {
				return fmt.Errorf("agent-server: --id, --port and --data-dir are required")
			}
			return runAgentServer(id, port, dataDir, provider, model)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (loopback only)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "agent data directory")
	cmd.Flags().StringVar(&provider, "provider", "openai", "LLM provider")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	return cmd
}

// readAPIKey waits briefly for a key on stdin (the supervisor's handoff),
// then falls back to the provider's env var, removing it from the
// environment so tool subprocesses never inherit it.
func readAPIKey(auth *runtime.AuthStore, provider string) {
	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	select {
	case line, ok := <-lines:
		if ok && line != "" {
			auth.Set(provider, line)
			return
		}
	case <-time.After(1 * time.Second):
	}

	if auth.ConsumeEnv(provider, providers.KeyEnvVar(provider)) {
		slog.Debug("api key taken from environment", "provider", provider)
	} else {
		slog.Warn("no api key available", "provider", provider)
	}
}

func runAgentServer(id string, port int, dataDir, provider, model string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if model == "" {
		model = providers.DefaultModelFor(provider)
	}

	workspace := filepath.Join(dataDir, "workspace")
	sessionsDir := filepath.Join(dataDir, "sessions")
	memoryDir := filepath.Join(dataDir, "memory")
	for _, dir := range []string{workspace, sessionsDir, memoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("agent-server: create %s: %w", dir, err)
		}
	}

	auth := runtime.NewAuthStore()
	readAPIKey(auth, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Warn("tracing setup failed", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	mem, err := memory.NewStore(memoryDir)
	if err != nil {
		return fmt.Errorf("agent-server: memory store: %w", err)
	}

	msgBus := bus.NewMessageBus()

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace, cfg.RestrictToWorkspace))
	registry.Register(tools.NewWriteFileTool(workspace, cfg.RestrictToWorkspace))
	registry.Register(tools.NewListDirTool(workspace, cfg.RestrictToWorkspace))
	registry.Register(tools.NewRememberTool(mem))
	registry.Register(tools.NewRecallTool(mem))

	base := runtime.Config{
		Model:         model,
		Provider:      provider,
		SystemPrompt:  agentSystemPrompt(id, workspace),
		WorkspacePath: workspace,
		Auth:          auth,
		Tools:         registry,
	}
	factory := runtime.NewLoopFactory()

	mgr := sessions.NewManager(factory, base, sessionsDir, 0, 0)
	defer mgr.Close()

	subagents := subagent.NewManager(factory, base, sessionsDir, msgBus, id)
	defer subagents.Close()

	orch := orchestrator.New(msgBus, mgr, subagents)
	if cfg.FlushThreshold > 0 {
		orch.FlushThreshold = cfg.FlushThreshold
	}

	crontab, err := cron.NewService(
		filepath.Join(dataDir, "cron.json"),
		orch.ExecuteJob,
		func(e cron.Event) {
			slog.Debug("cron event", "type", e.Type, "job", e.JobID, "error", e.Error)
		},
	)
	if err != nil {
		return fmt.Errorf("agent-server: cron: %w", err)
	}

	registry.Register(tools.NewSpawnSubagentTool(subagents, false))
	registry.Register(tools.NewStopSubagentTool(subagents))
	registry.Register(tools.NewListSubagentsTool(subagents))
	registry.Register(tools.NewCronScheduleTool(crontab))
	registry.Register(tools.NewCronListTool(crontab))
	registry.Register(tools.NewCronCancelTool(crontab))

	go orch.Run(ctx)
	crontab.Start(ctx)
	defer crontab.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	srv := server.New(server.Config{
		ID:                id,
		Port:              port,
		Workspace:         workspace,
		SessionsDir:       sessionsDir,
		MemoryDir:         memoryDir,
		ChatRatePerMinute: cfg.ChatRatePerMinute,
	}, mgr, mem, msgBus, func() {
		stop <- syscall.SIGTERM
	})
	if err := srv.Start(); err != nil {
		return err
	}

	pidPath := filepath.Join(dataDir, "server.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("pid file write failed", "path", pidPath, "error", err)
	}
	defer os.Remove(pidPath)

	<-stop
	slog.Info("agent server shutting down", "agent", id)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	srv.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)
	return nil
}

func agentSystemPrompt(id, workspace string) string {
	return fmt.Sprintf(`You are %s, an autonomous agent.

Your workspace is %s. Use the filesystem tools to read and write files
there, remember/recall for durable notes, cron_schedule for future work,
and spawn_subagent to delegate self-contained tasks.`, id, workspace)
}
