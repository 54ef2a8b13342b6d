package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidflow/internal/app"
	"pidflow/internal/domain"
)

func handleCmd() *cobra.Command {
	h := &cobra.Command{Use: "handle", Short: "Mint, resolve and administer handles"}
	h.AddCommand(handleResolveCmd())
	h.AddCommand(handleLookupCmd())
	h.AddCommand(handleMintCmd())
	h.AddCommand(handleBindCmd())
	h.AddCommand(handleDeleteCmd())
	h.AddCommand(handleListCmd())
	h.AddCommand(handlePrefixesCmd())
	h.AddCommand(handleChangePrefixCmd())
	h.AddCommand(handleChangeCmd())
	return h
}

func handleResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <identifier>",
		Short: "Resolve a handle or resolver URL to its object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Registry.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Bound():
					fmt.Printf("%s -> %s\n", res.Handle.Handle, res.Object)
				case res.Redirect():
					fmt.Printf("%s -> %s\n", res.Handle.Handle, res.Handle.URL)
				default:
					fmt.Printf("%s %s\n", res.Handle.Handle, color.YellowString("(unbound)"))
				}
				return nil
			})
		},
	}
}

func handleLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <type> <id>",
		Short: "Print the handle of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.Registry.Lookup(ctx, ref)
				if err != nil {
					return err
				}
				canonical, err := a.Registry.CanonicalFormFor(ctx, nil, ref, h)
				if err != nil {
					return err
				}
				fmt.Println(canonical)
				return nil
			})
		},
	}
}

func handleMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <type> <id>",
		Short: "Create the object's handle if it has none",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.Registry.Register(ctx, actorID(), ref)
				if err != nil {
					return err
				}
				fmt.Println(h)
				return nil
			})
		},
	}
}

func handleBindCmd() *cobra.Command {
	var metadata bool
	cmd := &cobra.Command{
		Use:   "bind <type> <id> <handle>",
		Short: "Bind an existing or chosen handle to an object (administrators)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				warnIfNotAdmin(ctx, a)
				if metadata {
					return a.Registry.RegisterIdentifier(ctx, actorID(), ref, args[2])
				}
				return a.Registry.Reserve(ctx, actorID(), ref, args[2])
			})
		},
	}
	cmd.Flags().BoolVar(&metadata, "metadata", false, "also record the canonical form on items")
	return cmd
}

func handleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Unbind the object's handle, leaving a tombstone (administrators)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				warnIfNotAdmin(ctx, a)
				return a.Registry.Delete(ctx, actorID(), ref)
			})
		},
	}
}

func handleListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handle records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var rows []domain.Handle
				var err error
				if prefix != "" {
					rows, err = a.Repo.HandlesWithPrefix(ctx, nil, prefix)
				} else {
					rows, err = a.Registry.FindAll(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable("ID", "Handle", "Type", "Resource", "URL", "State")
				for _, h := range rows {
					tw.AppendRow(row(h.ID, h.Handle, h.ResourceType, h.ResourceID, h.URL, handleState(h)))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only handles under this prefix")
	return cmd
}

func handleState(h domain.Handle) string {
	switch {
	case h.Live():
		return color.GreenString("live")
	case h.Tombstoned():
		return color.YellowString("tombstoned")
	default:
		return "fresh"
	}
}

func handlePrefixesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefixes",
		Short: "Distinct prefixes stored in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				prefixes, err := a.Registry.Prefixes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(prefixes)
				}
				for _, p := range prefixes {
					fmt.Println(p)
				}
				return nil
			})
		},
	}
}

func handleChangePrefixCmd() *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "change-prefix <old> <new>",
		Short: "Move every handle under one prefix to another (administrators)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				warnIfNotAdmin(ctx, a)
				n, err := a.Registry.ChangePrefix(ctx, actorID(), args[0], args[1], archive)
				if err != nil {
					return fmt.Errorf("changed %d handles before failing: %w", n, err)
				}
				fmt.Printf("%s %d handles\n", color.GreenString("changed"), n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "keep the old handles as redirects")
	return cmd
}

func handleChangeCmd() *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "change <old> <new>",
		Short: "Rename one handle (administrators)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				warnIfNotAdmin(ctx, a)
				return a.Registry.ChangeHandle(ctx, actorID(), args[0], args[1], archive)
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "keep the old handle as a redirect")
	return cmd
}
