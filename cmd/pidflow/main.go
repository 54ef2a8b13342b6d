package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidflow/internal/app"
	"pidflow/internal/config"
	"pidflow/internal/db"
	"pidflow/internal/repo"
	"pidflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pidflow",
	Short: "pidflow CLI",
	Long: `pidflow mints and resolves persistent identifiers (Handles) for repository
objects and runs the review workflow that archives submitted items.
- Workspace: the directory holding pidflow.yml and .pidflow/pidflow.db.
- Handles: prefix/suffix identifiers bound to communities, collections, items,
  bundles and bitstreams. Deleting a handle leaves a tombstone that can only be
  reused by the same type.
- PID configuration: per-community prefixes, minted locally or by an external
  service; edits to the PID file are picked up while serving.
- Workflow: submit, start, claim from the pool, review; approval archives the
  item and registers its handle.
- Event log: every change, view with 'pidflow log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PIDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "eperson acting on the repository")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(peopleCmd())
	rootCmd.AddCommand(handleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create pidflow.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, created, err := app.Init(workspace, prefix)
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if created {
				fmt.Printf("%s %s\n", color.GreenString("created"), path)
			} else {
				fmt.Printf("%s %s already exists\n", color.YellowString("kept"), path)
			}
			fmt.Printf("database %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "123456789", "default handle prefix")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"), "")
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate pidflow.yml, the PID table and the workflow graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			c, err := config.Load(workspace)
			if err != nil {
				return err
			}
			pidCfg, err := c.PIDConfiguration(workspace)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "communities": pidCfg.Entries(), "prefixes": pidCfg.SupportedPrefixes()})
			}
			tw := newTable("Community", "Type", "Prefix", "Subprefix", "Alternatives")
			for _, e := range pidCfg.Entries() {
				tw.AppendRow(row(e.Community, e.Type, e.Prefix, e.Subprefix, strings.Join(e.AlternativePrefixes, ";")))
			}
			tw.Render()
			fmt.Printf("%s prefixes: %s\n", color.GreenString("valid"), strings.Join(pidCfg.SupportedPrefixes(), ", "))
			return nil
		},
	})
	return cfg
}

func seedCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load people, communities and collections from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := app.LoadFixture(filePath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := app.Seed(ctx, a.Repo, f)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML fixture")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func peopleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "people",
		Short: "List epersons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				people, err := a.Repo.ListEPersons(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(people)
				}
				tw := newTable("ID", "Email", "Name", "Admin")
				for _, p := range people {
					tw.AppendRow(row(p.ID, p.Email, p.FullName, p.IsAdmin))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, e := range evts {
					tw.AppendRow(row(e.ID, e.TS, e.Type, e.EntityKind+":"+e.EntityID, e.ActorID))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: actorHeader,
				Logger:           a.Log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PIDFLOW_JWT_SECRET is required for bearer auth")
			}
			if err := a.WatchPID(ctx); err != nil {
				a.Log.WithError(err).Warn("PID file will not be reloaded")
			}
			go server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Log).Run(ctx)

			handler, err := server.New(server.Config{
				Registry: a.Registry,
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      a.Log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			a.Log.WithField("addr", addr).Infof("serving pidflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "accept "+server.ActorHeader+" without credentials (development only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env PIDFLOW_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
