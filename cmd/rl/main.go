package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readyline/internal/app"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/logging"
	"readyline/internal/migrate"
	"readyline/internal/repo"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Readyline CLI",
	Long: `Readyline gates workflow transitions, checklist readiness and escalations.
- Workflows: state machines loaded from readyline.yml; each transition names the roles allowed to take it.
- Entities: anything moving through a workflow; their state pointer lives in .readyline/readyline.db.
- Checklists: items whose readiness rules read documents, findings and sibling items.
- Escalations: overdue notices fired by 'rl escalate tick' or the scheduler inside 'rl serve'.
- Notifications: queued in an outbox and delivered by 'rl notify drain' or 'rl serve'.
- Event log: audit trail of every change, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Setup(viper.GetString("log-level"), viper.GetString("log-format"))
		if viper.GetString("db") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("READYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("db", "", "database file (overrides the workspace database)")
	flags.String("config", "", "rules file to use instead of the stored configuration")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", "", "acting role for transitions and checklist changes")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "db", "config", "json", "actor-id", "role", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(findingCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		DBPath:     viper.GetString("db"),
		ConfigPath: viper.GetString("config"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withRepo opens the database without resolving configuration, for commands
// that manage the stored configuration or collaborator data.
func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func actingRole() (domain.Role, error) {
	role := strings.TrimSpace(viper.GetString("role"))
	if role == "" {
		return "", fmt.Errorf("--role (or READYLINE_ROLE) is required")
	}
	return domain.Role(role), nil
}

func actor() string { return viper.GetString("actor-id") }

func printJSONOrTable(v any, render func(table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return stamp(*t)
}

func yesNo(ok bool) string {
	if ok {
		return green("yes")
	}
	return red("no")
}
