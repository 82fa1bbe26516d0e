package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tinycrab/internal/config"
	"github.com/nextlevelbuilder/tinycrab/internal/providers"
	"github.com/nextlevelbuilder/tinycrab/internal/supervisor"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent servers",
	}
	cmd.AddCommand(agentSpawnCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentChatCmd())
	cmd.AddCommand(agentStopCmd())
	cmd.AddCommand(agentDestroyCmd())
	return cmd
}

func loadSupervisor() (*config.Config, *supervisor.Supervisor, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	sup, err := supervisor.New(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sup, nil
}

// resolveAPIKey finds the provider key: config file first, then the
// provider's environment variable.
func resolveAPIKey(cfg *config.Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	return os.Getenv(providers.KeyEnvVar(cfg.Provider))
}

func agentSpawnCmd() *cobra.Command {
	var provider, model string
	cmd := &cobra.Command{
		Use:   "spawn <id>",
		Short: "Start an agent server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sup, err := loadSupervisor()
			if err != nil {
				return err
			}
			if provider != "" {
				cfg.Provider = provider
			}
			if model != "" {
				cfg.Model = model
			}
			apiKey := resolveAPIKey(cfg)
			if apiKey == "" {
				return fmt.Errorf("no API key for %s: set %s or run `tinycrab onboard`", cfg.Provider, providers.KeyEnvVar(cfg.Provider))
			}

			info, err := sup.Spawn(cmd.Context(), args[0], supervisor.SpawnOptions{
				Provider: cfg.Provider,
				Model:    cfg.Model,
				APIKey:   apiKey,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Agent %s running on port %d (pid %d)\n", info.ID, info.Port, info.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "LLM provider (overrides config)")
	cmd.Flags().StringVar(&model, "model", "", "model name (overrides config)")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sup, err := loadSupervisor()
			if err != nil {
				return err
			}
			agents := sup.List()
			if len(agents) == 0 {
				fmt.Println("No agents. Start one with `tinycrab agent spawn <id>`.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPORT\tPID\tCREATED")
			for _, a := range agents {
				created := time.UnixMilli(a.CreatedAtMs).Format("2006-01-02 15:04")
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", a.ID, a.Status, a.Port, a.PID, created)
			}
			return w.Flush()
		},
	}
}

func agentChatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat <id> <message>",
		Short: "Send a message to a running agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sup, err := loadSupervisor()
			if err != nil {
				return err
			}
			message := args[1]
			for _, extra := range args[2:] {
				message += " " + extra
			}
			resp, err := sup.Chat(cmd.Context(), args[0], message, sessionID)
			if err != nil {
				return err
			}
			fmt.Println(resp.Response)
			if sessionID == "" {
				fmt.Fprintf(os.Stderr, "(session %s)\n", resp.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue")
	return cmd
}

func agentStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sup, err := loadSupervisor()
			if err != nil {
				return err
			}
			if err := sup.Stop(args[0]); err != nil {
				return err
			}
			fmt.Printf("Agent %s stopped\n", args[0])
			return nil
		},
	}
}

func agentDestroyCmd() *cobra.Command {
	var keepData bool
	cmd := &cobra.Command{
		Use:   "destroy <id>",
		Short: "Stop an agent and delete its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sup, err := loadSupervisor()
			if err != nil {
				return err
			}
			if err := sup.Destroy(args[0], !keepData); err != nil {
				return err
			}
			fmt.Printf("Agent %s destroyed\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepData, "keep-data", false, "keep the agent's workspace and sessions on disk")
	return cmd
}
