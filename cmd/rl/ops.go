package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"readyline/internal/app"
	"readyline/internal/domain"
	"readyline/internal/escalation"
	"readyline/internal/repo"
	"readyline/internal/server"
)

func escalateCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalate",
		Short: "Escalation scheduler",
		Long:  "Scans entities sitting in states with escalation rules and queues overdue notices. Each firing is claimed atomically, so concurrent schedulers never double-fire.",
	}
	esc.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run one escalation scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				return printTick(res)
			})
		},
	})
	var schedule string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run escalation scans on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Scheduler.Run(ctx, scheduleFor(rt, schedule))
			})
		},
	}
	run.Flags().StringVar(&schedule, "schedule", "", "cron schedule (defaults to the configured one)")
	esc.AddCommand(run)
	return esc
}

func scheduleFor(rt *app.Runtime, flag string) string {
	if flag != "" {
		return flag
	}
	return rt.Registry.Schedule().Schedule
}

func printTick(res escalation.TickResult) error {
	return printJSONOrTable(res, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Rules", "Scanned", "Fired", "Not due", "Waiting", "Exhausted", "Lost", "Errors"})
		tw.AppendRow(table.Row{res.Rules, res.Scanned, res.Fired, res.NotDue, res.Waiting, res.Exhausted, res.Lost, res.Errors})
	})
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notification outbox"}
	n.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver pending notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Dispatcher.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Delivered", "Failed"})
					tw.AppendRow(table.Row{res.Delivered, res.Failed})
				})
			})
		},
	})
	n.AddCommand(&cobra.Command{
		Use:   "list <entity-id>",
		Short: "Notifications queued for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Source", "Template", "Recipients", "Attempts", "Delivered", "Last error"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.ID, it.Source, it.Notification.TemplateID, joinRoles(it.Notification.Recipients), it.Attempts, stampPtr(it.DeliveredAt), it.LastError})
					}
				})
			})
		},
	})
	return n
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Audit trail of entity starts, transitions, checklist changes, escalations and configuration imports.",
	}
	var (
		limit             int
		eventType, entity string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, repo.EventFilter{Type: eventType, EntityID: entity, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(evts, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
					for _, e := range evts {
						tw.AppendRow(table.Row{e.ID, stamp(e.TS), e.Type, e.EntityID, e.ActorID, e.Payload})
					}
				})
			})
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	tail.Flags().StringVar(&eventType, "type", "", "filter by event type")
	tail.Flags().StringVar(&entity, "entity", "", "filter by entity id")
	log.AddCommand(tail)
	return log
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "API keys for service callers"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id> <role>",
		Short: "Create an API key; the plain key is shown once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				role := domain.Role(args[1])
				if !rt.Registry.HasRole(role) {
					return fmt.Errorf("role %q is not configured", role)
				}
				key, plain, err := rt.Repo.CreateAPIKey(ctx, args[0], role, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": plain}, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Key"})
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Role, plain})
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)

	var actorFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorFilter)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
					for _, k := range items {
						tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, stamp(k.CreatedAt)})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&actorFilter, "actor", "", "only keys of this actor")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return keys
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath, schedule string
		notifyInterval           time.Duration
		adminRoles               []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the escalation scheduler and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:           viper.GetString("jwt-secret"),
					AllowHeaderIdentity: viper.GetBool("allow-header-identity"),
					DevLogin:            viper.GetBool("dev-login"),
					Logger:              rt.Logger,
				}
				if authCfg.JWTSecret == "" {
					return errors.New("READYLINE_JWT_SECRET (or --jwt-secret) is required for bearer auth")
				}
				spec := scheduleFor(rt, schedule)
				if err := escalation.ValidateSchedule(spec); err != nil {
					return err
				}
				roles := make([]domain.Role, 0, len(adminRoles))
				for _, r := range adminRoles {
					roles = append(roles, domain.Role(strings.TrimSpace(r)))
				}
				handler, err := server.New(server.Config{
					Engine:     rt.Engine,
					Scheduler:  rt.Scheduler,
					Metrics:    rt.Metrics,
					Gatherer:   rt.Gatherer,
					BasePath:   basePath,
					Auth:       authCfg,
					AdminRoles: roles,
					Logger:     rt.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					fmt.Printf("Serving Readyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error { return rt.Scheduler.Run(gctx, spec) })
				g.Go(func() error { return rt.Dispatcher.Run(gctx, notifyInterval) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&schedule, "schedule", "", "escalation cron schedule (defaults to the configured one)")
	cmd.Flags().DurationVar(&notifyInterval, "notify-interval", 2*time.Second, "outbox drain interval")
	cmd.Flags().StringSliceVar(&adminRoles, "admin-roles", []string{"ADMIN"}, "roles allowed to toggle definitions and trigger ticks")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().Bool("allow-header-identity", false, "trust X-Actor-Id and X-Role headers (development only)")
	for _, name := range []string{"jwt-secret", "dev-login", "allow-header-identity"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}
