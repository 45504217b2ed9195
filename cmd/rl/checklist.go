package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"readyline/internal/app"
	"readyline/internal/engine"
	"readyline/internal/repo"
)

func checklistCmd() *cobra.Command {
	cl := &cobra.Command{
		Use:   "checklist",
		Short: "Checklist readiness and completion",
		Long:  "Each item's readiness rule is evaluated for the acting role when it is queried and again when it is completed.",
	}
	cl.AddCommand(checklistStatusCmd())
	cl.AddCommand(checklistReadinessCmd())
	cl.AddCommand(checklistCompleteCmd())
	cl.AddCommand(checklistOverrideCmd())
	return cl
}

func checklistStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Completion totals, per-phase progress and blocking items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				status, err := rt.Engine.CompletionStatus(ctx, args[0], role)
				if err != nil {
					return err
				}
				return printJSONOrTable(status, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("%s: %d/%d complete", status.EntityID, status.Completed, status.Total))
					phases := make([]string, 0, len(status.ByPhase))
					for p := range status.ByPhase {
						phases = append(phases, p)
					}
					sort.Strings(phases)
					tw.AppendHeader(table.Row{"Phase / Item", "Progress / Reason"})
					for _, p := range phases {
						pp := status.ByPhase[p]
						tw.AppendRow(table.Row{p, fmt.Sprintf("%d/%d", pp.Completed, pp.Total)})
					}
					if len(status.BlockingItems) > 0 {
						tw.AppendSeparator()
						for _, b := range status.BlockingItems {
							tw.AppendRow(table.Row{b.Code, b.Reason})
						}
					}
				})
			})
		},
	}
}

func checklistReadinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <entity-id> <item>",
		Short: "Whether the acting role could complete an item now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := rt.Engine.EvaluateReadiness(ctx, args[0], args[1], role)
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Item", "Can complete", "Reason"})
					tw.AppendRow(table.Row{args[1], yesNo(v.CanComplete), v.Reason})
				})
			})
		},
	}
}

func checklistCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <entity-id> <item>",
		Short: "Complete an item once its rule passes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.CompleteItem(ctx, engine.CompleteRequest{EntityID: args[0], ItemCode: args[1], Role: role, ActorID: actor()})
				if err != nil {
					return err
				}
				return printJSONOrTable(it, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Item", "Completed by", "At"})
					tw.AppendRow(table.Row{it.ItemCode, it.CompletedBy, stampPtr(it.CompletedAt)})
				})
			})
		},
	}
}

func checklistOverrideCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <entity-id> <item>",
		Short: "Mark an item satisfied regardless of its rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := actingRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				it, err := rt.Engine.OverrideItem(ctx, engine.OverrideRequest{
					EntityID: args[0], ItemCode: args[1], Reason: reason, Role: role, ActorID: actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Item", "Overridden by", "Reason"})
					tw.AppendRow(table.Row{it.ItemCode, it.OverriddenBy, it.OverrideReason})
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the rule is waived")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// Documents and findings are owned by the surrounding application; these
// commands exist to seed them locally.

func docCmd() *cobra.Command {
	var category, status, title string
	doc := &cobra.Command{Use: "doc", Short: "Collaborator documents read by readiness rules"}
	add := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Record a document for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.InsertDocument(ctx, repo.Document{EntityID: args[0], Category: category, Status: status, Title: title})
				if err != nil {
					return err
				}
				return printJSONOrTable(d, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Entity", "Category", "Status", "Title"})
					tw.AppendRow(table.Row{d.ID, d.EntityID, d.Category, d.Status, d.Title})
				})
			})
		},
	}
	add.Flags().StringVar(&category, "category", "", "document category")
	add.Flags().StringVar(&status, "status", "uploaded", "document status")
	add.Flags().StringVar(&title, "title", "", "document title")
	_ = add.MarkFlagRequired("category")
	doc.AddCommand(add)
	return doc
}

func findingCmd() *cobra.Command {
	var status, title string
	f := &cobra.Command{Use: "finding", Short: "Collaborator findings read by readiness rules"}
	add := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Record a finding for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fd, err := r.InsertFinding(ctx, repo.Finding{EntityID: args[0], Status: status, Title: title})
				if err != nil {
					return err
				}
				return printJSONOrTable(fd, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Entity", "Status", "Title"})
					tw.AppendRow(table.Row{fd.ID, fd.EntityID, fd.Status, fd.Title})
				})
			})
		},
	}
	add.Flags().StringVar(&status, "status", "open", "finding status")
	add.Flags().StringVar(&title, "title", "", "finding title")
	f.AddCommand(add)
	f.AddCommand(&cobra.Command{
		Use:   "attach <finding-id> <document-id>",
		Short: "Attach a document as evidence for a finding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.AttachEvidence(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("attached %s to %s\n", args[1], args[0])
				return nil
			})
		},
	})
	return f
}
