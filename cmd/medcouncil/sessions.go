package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"medcouncil/internal/config"
	"medcouncil/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved consultation sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsExportCmd())
	cmd.AddCommand(newSessionsRenameCmd())
	cmd.AddCommand(newSessionsDeleteCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*session.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.Open(cfg.SessionDB)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			sessions, err := store.List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("没有已保存的会诊。")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-10s  %s  %s\n", s.ID, s.Status, s.UpdatedAt.Format("2006-01-02 15:04"), s.Name)
			}
			return nil
		},
	}
}

func newSessionsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a session as Markdown or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")

			var data []byte
			switch format {
			case "json":
				data, err = store.ExportJSON(args[0])
				if err != nil {
					return err
				}
			case "markdown":
				snap, err := store.Load(args[0])
				if err != nil {
					return err
				}
				data = []byte(session.ExportMarkdown("", snap))
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			if out == "" {
				fmt.Print(string(data))
				return nil
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().String("format", "markdown", "Export format: markdown or json")
	cmd.Flags().String("out", "", "Write to file instead of stdout")
	return cmd
}

func newSessionsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Rename(args[0], args[1])
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Delete(args[0])
		},
	}
}
