package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"medcouncil/internal/provider"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a provider offers",
		RunE:  runModels,
	}
	cmd.Flags().String("provider", "", "Provider: openai, anthropic or gemini (required)")
	cmd.Flags().String("api-key", "", "API key (default: first configured doctor for the provider)")
	cmd.Flags().String("base-url", "", "Override the provider base URL")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	providerName, _ := cmd.Flags().GetString("provider")
	apiKey, _ := cmd.Flags().GetString("api-key")
	baseURL, _ := cmd.Flags().GetString("base-url")

	if apiKey == "" {
		for _, d := range cfg.Doctors {
			if d.Provider == providerName && d.APIKey != "" {
				apiKey = d.APIKey
				if baseURL == "" {
					baseURL = d.BaseURL
				}
				break
			}
		}
	}
	if apiKey == "" {
		return fmt.Errorf("no API key for provider %q: set --api-key or configure a doctor", providerName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := provider.NewClient()
	models, err := client.ListModels(ctx, provider.Config{Provider: providerName, APIKey: apiKey, BaseURL: baseURL})
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Printf("%-45s %s\n", m.ID, m.Label)
	}
	return nil
}
