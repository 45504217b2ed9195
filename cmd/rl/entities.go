package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"readyline/internal/app"
	"readyline/internal/domain"
	"readyline/internal/engine"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect workflow definitions"}
	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				defs := rt.Registry.Definitions()
				return printJSONOrTable(defs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Code", "Kind", "Default", "Active", "States", "Transitions"})
					for _, d := range defs {
						tw.AppendRow(table.Row{d.Code, d.EntityKind, d.Default, d.Active, len(d.States), len(d.Transitions)})
					}
				})
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "show <code>",
		Short: "Show states and transitions of a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				def, ok := rt.Registry.Definition(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", domain.ErrUnknownDefinition, args[0])
				}
				return printJSONOrTable(def, func(tw table.Writer) {
					tw.SetTitle(def.Code)
					tw.AppendHeader(table.Row{"Transition", "From", "To", "Roles"})
					for _, t := range def.Transitions {
						tw.AppendRow(table.Row{t.Code, t.From, t.To, joinRoles(t.Roles())})
					}
				})
			})
		},
	})
	return wf
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Short: "Manage entities moving through workflows"}
	ent.AddCommand(entityStartCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityHistoryCmd())
	ent.AddCommand(entityVerifyCmd())
	return ent
}

func entityStartCmd() *cobra.Command {
	var definition, kind string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Register an entity in its definition's initial state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				code := definition
				if code == "" {
					if kind == "" {
						return fmt.Errorf("--definition or --kind is required")
					}
					def, ok := rt.Registry.DefaultFor(kind)
					if !ok {
						return fmt.Errorf("%w: no default for entity kind %s", domain.ErrUnknownDefinition, kind)
					}
					code = def.Code
				}
				e, err := rt.Engine.StartEntity(ctx, code, args[0], actor())
				if err != nil {
					return err
				}
				return printEntity(e)
			})
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "workflow definition code")
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind; uses its default definition")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity's state pointer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e, err := rt.Engine.GetEntity(ctx, args[0])
				if err != nil {
					return fmt.Errorf("entity %s: %w", args[0], err)
				}
				return printEntity(e)
			})
		},
	}
}

func printEntity(e domain.Entity) error {
	return printJSONOrTable(e, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Definition", "State", "Entered", "Version"})
		tw.AppendRow(table.Row{e.ID, e.Definition, e.CurrentState, stamp(e.EnteredStateAt), e.Version})
	})
}

func entityHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the entity's state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Seq", "From", "To", "Transition", "Role", "Actor", "At", "Prior hash"})
					for _, h := range entries {
						tw.AppendRow(table.Row{h.Seq, h.FromState, h.ToState, h.TransitionCode, h.Role, h.ActorID, stamp(h.CreatedAt), shortHash(h.PriorHash)})
					}
				})
			})
		},
	}
}

func entityVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Recompute the history hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.VerifyHistory(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println(green("history verified:"), args[0])
				return nil
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "List and attempt transitions"}
	tr.AddCommand(&cobra.Command{
		Use:   "list <entity-id>",
		Short: "Transitions the acting role may take from the entity's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e, err := rt.Engine.GetEntity(ctx, args[0])
				if err != nil {
					return fmt.Errorf("entity %s: %w", args[0], err)
				}
				ts := rt.Engine.AvailableTransitions(e.Definition, e.CurrentState, role)
				return printJSONOrTable(ts, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Code", "To", "Label", "Confirm"})
					for _, t := range ts {
						tw.AppendRow(table.Row{t.Code, t.To, t.Label, t.ConfirmationMessage})
					}
				})
			})
		},
	})
	tr.AddCommand(transitionAttemptCmd())
	return tr
}

func transitionAttemptCmd() *cobra.Command {
	var from string
	var version int64
	cmd := &cobra.Command{
		Use:   "attempt <entity-id> <code>",
		Short: "Attempt a transition as the acting role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e, err := rt.Engine.GetEntity(ctx, args[0])
				if err != nil {
					return fmt.Errorf("entity %s: %w", args[0], err)
				}
				if from == "" {
					from = e.CurrentState
				}
				st, err := rt.Engine.AttemptTransition(ctx, engine.TransitionRequest{
					Definition:      e.Definition,
					EntityID:        e.ID,
					CurrentState:    from,
					Code:            args[1],
					Role:            role,
					ActorID:         actor(),
					ExpectedVersion: version,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(st, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Entity", "State", "Category"})
					tw.AppendRow(table.Row{e.ID, st.Code, st.Category})
				})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "state the caller last observed (defaults to the current state)")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "reject unless the entity is at this version")
	return cmd
}

func joinRoles(roles []domain.Role) string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return strings.Join(out, ",")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
