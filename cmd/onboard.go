package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tinycrab/internal/config"
	"github.com/nextlevelbuilder/tinycrab/internal/providers"
)

// onboardCmd walks through provider and key setup and writes the config
// file. The key lands in the file with 0600 perms; leave it blank to keep
// using the provider's env var instead.
func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: provider, model, API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			names := providers.Names()
			sort.Strings(names)

			provider := cfg.Provider
			model := cfg.Model
			apiKey := ""

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewSelect[string]().
						Title("LLM provider").
						Options(huh.NewOptions(names...)...).
						Value(&provider),
					huh.NewInput().
						Title("Model (empty = provider default)").
						Value(&model),
					huh.NewInput().
						Title("API key (empty = use the provider's env var)").
						EchoMode(huh.EchoModePassword).
						Value(&apiKey),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			cfg.Provider = provider
			if model != "" {
				cfg.Model = model
			} else {
				cfg.Model = providers.DefaultModelFor(provider)
			}
			cfg.APIKey = apiKey

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("onboard: write %s: %w", cfgPath, err)
			}

			fmt.Printf("Wrote %s. Try `tinycrab gateway` or `tinycrab agent spawn main`.\n", cfgPath)
			return nil
		},
	}
}
