package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"medcouncil/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "medcouncil",
		Short: "Multi-expert AI medical consultation",
		Long:  "Runs a simulated multi-party consultation: AI doctors take turns analyzing a patient case, vote each other off across rounds, and the surviving expert writes the final summary.",
	}

	root.PersistentFlags().String("config", "medcouncil.yaml", "Config file path")
	root.PersistentFlags().String("env-file", ".env", "Env file with provider credentials")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(newConsultCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newModelsCmd())
	root.AddCommand(newSessionsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(cmd *cobra.Command) zerolog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}
