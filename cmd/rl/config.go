package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"readyline/internal/app"
	"readyline/internal/config"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workflow configuration",
		Long:  "Workflows, checklists and escalation rules are validated as a whole and stored in the database. Import replaces the stored configuration atomically.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default readyline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rules file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			reg, err := registry.Build(cfg)
			if err != nil {
				return printConfigurationError(err)
			}
			fmt.Printf("%s %d definitions, %d escalation rules\n", green("ok:"), len(reg.Definitions()), len(reg.EscalationRules()))
			return nil
		},
	}
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate and store a rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.ImportConfig(ctx, r, cfg, actor()); err != nil {
					return printConfigurationError(err)
				}
				fmt.Printf("imported %s\n", args[0])
				return nil
			})
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(rt.Config)
				}
				out, err := yaml.Marshal(rt.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func printConfigurationError(err error) error {
	var ce *registry.ConfigurationError
	if !errors.As(err, &ce) {
		return err
	}
	if viper.GetBool("json") {
		_ = printJSON(map[string]any{"issues": ce.Issues})
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stderr)
	tw.AppendHeader(table.Row{"#", "Issue"})
	for i, issue := range ce.Issues {
		tw.AppendRow(table.Row{i + 1, issue})
	}
	tw.Render()
	return fmt.Errorf("configuration rejected with %d issue(s)", len(ce.Issues))
}
