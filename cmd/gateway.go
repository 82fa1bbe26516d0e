package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/internal/config"
	"github.com/nextlevelbuilder/tinycrab/internal/cron"
	"github.com/nextlevelbuilder/tinycrab/internal/memory"
	"github.com/nextlevelbuilder/tinycrab/internal/orchestrator"
	"github.com/nextlevelbuilder/tinycrab/internal/providers"
	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
	"github.com/nextlevelbuilder/tinycrab/internal/sessions"
	"github.com/nextlevelbuilder/tinycrab/internal/subagent"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
	"github.com/nextlevelbuilder/tinycrab/internal/tracing"
)

// gatewayCmd runs the orchestrator in-process with a stdin/stdout chat
// loop. No supervisor, no subprocess: one agent in the terminal.
func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run an agent in-process with a terminal chat loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	auth := runtime.NewAuthStore()
	if cfg.APIKey != "" {
		auth.Set(cfg.Provider, cfg.APIKey)
	} else if !auth.ConsumeEnv(cfg.Provider, providers.KeyEnvVar(cfg.Provider)) {
		return fmt.Errorf("no API key for %s: set %s or run `tinycrab onboard`", cfg.Provider, providers.KeyEnvVar(cfg.Provider))
	}

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
	} else {
		defer shutdownTracing(context.Background())
	}

	dataDir := filepath.Join(cfg.DataDir, "gateway")
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = filepath.Join(dataDir, "workspace")
	}
	sessionsDir := filepath.Join(dataDir, "sessions")
	memoryDir := filepath.Join(dataDir, "memory")
	for _, dir := range []string{workspace, sessionsDir, memoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("gateway: create %s: %w", dir, err)
		}
	}

	// The gateway owns the data dir's stores (cron.json in particular)
	// while it runs; `tinycrab cron remove` checks this file before
	// touching the store from a second process.
	pidPath := filepath.Join(cfg.DataDir, "gateway.pid")
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("gateway: write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	mem, err := memory.NewStore(memoryDir)
	if err != nil {
		return fmt.Errorf("gateway: memory store: %w", err)
	}

	msgBus := bus.NewMessageBus()

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace, cfg.RestrictToWorkspace))
	registry.Register(tools.NewWriteFileTool(workspace, cfg.RestrictToWorkspace))
	registry.Register(tools.NewListDirTool(workspace, cfg.RestrictToWorkspace))
	registry.Register(tools.NewRememberTool(mem))
	registry.Register(tools.NewRecallTool(mem))

	base := runtime.Config{
		Model:         cfg.Model,
		Provider:      cfg.Provider,
		SystemPrompt:  agentSystemPrompt("gateway", workspace),
		WorkspacePath: workspace,
		Auth:          auth,
		Tools:         registry,
	}
	factory := runtime.NewLoopFactory()

	mgr := sessions.NewManager(factory, base, sessionsDir, 0, 0)
	defer mgr.Close()

	subagents := subagent.NewManager(factory, base, sessionsDir, msgBus, "gateway")
	defer subagents.Close()

	orch := orchestrator.New(msgBus, mgr, subagents)
	if cfg.FlushThreshold > 0 {
		orch.FlushThreshold = cfg.FlushThreshold
	}

	crontab, err := cron.NewService(
		filepath.Join(cfg.DataDir, "cron.json"),
		orch.ExecuteJob,
		func(e cron.Event) {
			slog.Debug("cron event", "type", e.Type, "job", e.JobID, "error", e.Error)
		},
	)
	if err != nil {
		return fmt.Errorf("gateway: cron: %w", err)
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

	stopWatch, err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		slog.Info("config updated; provider/model changes apply to new sessions after restart",
			"provider", next.Provider, "model", next.Model)
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	// Everything the agent says, on any channel, lands in the terminal.
	unsubscribe := msgBus.SubscribeOutbound("*", func(m bus.OutboundMessage) {
		if m.Channel == "cli" {
			fmt.Printf("\n%s\n> ", m.Content)
		} else {
			fmt.Printf("\n[%s/%s] %s\n> ", m.Channel, m.ChatID, m.Content)
		}
	})
	defer unsubscribe()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupts
		cancel()
		os.Stdin.Close()
	}()

	fmt.Printf("tinycrab gateway — %s/%s. Type a message, /spawn <task>, /status, or Ctrl-D to exit.\n> ", cfg.Provider, cfg.Model)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Print("> ")
			continue
		}
		msgBus.PublishInbound(bus.InboundMessage{
			Channel:  "cli",
			SenderID: "user",
			ChatID:   "local",
			Content:  line,
		})
	}
	fmt.Println()
	return nil
}
