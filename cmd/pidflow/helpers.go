package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"pidflow/internal/app"
	"pidflow/internal/domain"
	"pidflow/internal/engine"
)

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

// warnIfNotAdmin tells the operator that handle administration will be
// ignored for this actor.
func warnIfNotAdmin(ctx context.Context, a *app.App) {
	ok, err := a.Engine.Auth.IsAdmin(ctx, nil, actorID())
	if err == nil && !ok {
		fmt.Fprintln(os.Stderr, color.YellowString("warning: %s is not an administrator; the operation will be ignored", actorID()))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func row(cells ...any) table.Row { return table.Row(cells) }

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseRef(typ, id string) (domain.ObjectRef, error) {
	t, err := domain.ParseResourceType(typ)
	if err != nil {
		return domain.ObjectRef{}, err
	}
	n, err := parseID(id)
	if err != nil {
		return domain.ObjectRef{}, err
	}
	return domain.ObjectRef{Type: t, ID: n}, nil
}

func printState(res engine.StateResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	switch {
	case res.Archived:
		fmt.Printf("%s item %d as %s\n", color.GreenString("archived"), res.ItemID, res.Handle)
	case res.Returned:
		fmt.Printf("%s item %d to workspace item %d\n", color.YellowString("returned"), res.ItemID, res.WorkspaceItemID)
	default:
		fmt.Printf("workflow item %d", res.WorkflowItemID)
		if res.Step != "" {
			fmt.Printf(" step %s", res.Step)
		}
		if res.NextAction != "" {
			fmt.Printf(" next action %s", color.CyanString(res.NextAction))
		}
		fmt.Println()
	}
	if res.Message != "" {
		fmt.Println(color.YellowString(res.Message))
	}
	return nil
}
