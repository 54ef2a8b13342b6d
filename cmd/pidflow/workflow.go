package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidflow/internal/app"
	"pidflow/internal/engine"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Submit items and review them"}
	wf.AddCommand(workflowSubmitCmd())
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowClaimCmd())
	wf.AddCommand(workflowUnclaimCmd())
	wf.AddCommand(workflowDoCmd())
	wf.AddCommand(workflowRejectCmd())
	wf.AddCommand(workflowAbortCmd())
	wf.AddCommand(workflowTasksCmd())
	wf.AddCommand(workflowStatusCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowAssignCmd())
	return wf
}

// parseFile reads name:size[:checksum].
func parseFile(s string) (engine.SubmitFile, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return engine.SubmitFile{}, fmt.Errorf("invalid file %q, want name:size[:checksum]", s)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return engine.SubmitFile{}, fmt.Errorf("invalid file size in %q", s)
	}
	f := engine.SubmitFile{Name: parts[0], Size: size}
	if len(parts) == 3 {
		f.Checksum = parts[2]
	}
	return f, nil
}

func workflowSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var files []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a workspace item in a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range files {
				f, err := parseFile(s)
				if err != nil {
					return err
				}
				opts.Files = append(opts.Files, f)
			}
			opts.SubmitterID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ws, err := a.Engine.Submit(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ws)
				}
				fmt.Printf("workspace item %d (item %d)\n", ws.ID, ws.ItemID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&opts.CollectionID, "collection", 0, "collection id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file as name:size[:checksum] (repeatable)")
	cmd.Flags().BoolVar(&opts.MultipleFiles, "multiple-files", false, "item has more than one file")
	cmd.Flags().BoolVar(&opts.MultipleTitles, "multiple-titles", false, "item has alternative titles")
	cmd.Flags().BoolVar(&opts.PublishedBefore, "published-before", false, "item was published before")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func workflowStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <workspace-item-id>",
		Short: "Move a workspace item into review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Start(ctx, engine.StartOptions{WorkspaceItemID: id, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printState(res)
			})
		},
	}
}

// workflowItemCmd builds the commands that act on one workflow item by id.
func workflowItemCmd(use, short string, fn func(context.Context, *app.App, int64) (engine.StateResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <workflow-item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := fn(ctx, a, id)
				if err != nil {
					return err
				}
				return printState(res)
			})
		},
	}
}

func workflowClaimCmd() *cobra.Command {
	return workflowItemCmd("claim", "Claim your pooled task", func(ctx context.Context, a *app.App, id int64) (engine.StateResult, error) {
		return a.Engine.Claim(ctx, engine.ClaimOptions{WorkflowItemID: id, ActorID: actorID()})
	})
}

func workflowUnclaimCmd() *cobra.Command {
	return workflowItemCmd("unclaim", "Return your claimed task to the pool", func(ctx context.Context, a *app.App, id int64) (engine.StateResult, error) {
		return a.Engine.Unclaim(ctx, engine.ClaimOptions{WorkflowItemID: id, ActorID: actorID()})
	})
}

func workflowAbortCmd() *cobra.Command {
	return workflowItemCmd("abort", "Pull an item out of review (administrators)", func(ctx context.Context, a *app.App, id int64) (engine.StateResult, error) {
		return a.Engine.Abort(ctx, engine.AbortOptions{WorkflowItemID: id, ActorID: actorID()})
	})
}

func workflowDoCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "do <workflow-item-id> <action>",
		Short: "Perform a review action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p := map[string]string{}
			for _, kv := range params {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid param %q, want key=value", kv)
				}
				p[k] = v
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DoState(ctx, engine.DoStateOptions{
					WorkflowItemID: id,
					ActionID:       args[1],
					ActorID:        actorID(),
					Params:         p,
				})
				if err != nil {
					return err
				}
				return printState(res)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "action parameter key=value (repeatable)")
	return cmd
}

func workflowRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <workflow-item-id>",
		Short: "Send an item back to its submitter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Reject(ctx, engine.RejectOptions{WorkflowItemID: id, ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				return printState(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the submitter")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func workflowTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the actor's pooled and claimed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Tasks(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("Kind", "Workflow Item", "Workflow", "Step", "Action")
				for _, t := range tasks.Pooled {
					tw.AppendRow(row("pooled", t.WorkflowItemID, t.WorkflowID, t.StepID, t.ActionID))
				}
				for _, t := range tasks.Claimed {
					tw.AppendRow(row("claimed", t.WorkflowItemID, t.WorkflowID, t.StepID, t.ActionID))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-item-id>",
		Short: "Show where an item is in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Status(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("workflow item %d (item %d) in %s, steps: %s\n",
					st.WorkflowItem.ID, st.WorkflowItem.ItemID, st.WorkflowItem.WorkflowID, strings.Join(st.Steps, ", "))
				tw := newTable("Kind", "EPerson", "Step", "Action")
				for _, t := range st.Pooled {
					tw.AppendRow(row("pooled", t.EPersonID, t.StepID, t.ActionID))
				}
				for _, t := range st.Claimed {
					tw.AppendRow(row("claimed", t.EPersonID, t.StepID, t.ActionID))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List items under review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListWorkflowItems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Workflow Item", "Item", "Collection", "Workflow")
				for _, w := range items {
					tw.AppendRow(row(w.ID, w.ItemID, w.CollectionID, w.WorkflowID))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <workflow-item-id> <role> <eperson>",
		Short: "Add a member to an item-scoped role (administrators)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AssignItemRole(ctx, engine.AssignRoleOptions{
					WorkflowItemID: id,
					RoleID:         args[1],
					EPersonID:      args[2],
					ActorID:        actorID(),
				})
				if err != nil {
					return err
				}
				return printState(res)
			})
		},
	}
}
