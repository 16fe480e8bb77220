package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentbase/internal/activity"
	"agentbase/internal/actor"
	"agentbase/internal/app"
	"agentbase/internal/config"
	"agentbase/internal/db"
	"agentbase/internal/engine"
	"agentbase/internal/migrate"
	"agentbase/internal/server"
	"agentbase/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				shutdownTracing, err := telemetry.Setup(ctx, "agentbase", a.Env.OTelEndpoint)
				if err != nil {
					return fmt.Errorf("setup tracing: %w", err)
				}
				defer shutdownTracing(context.Background())

				handler, err := server.New(server.Config{App: a, BasePath: basePath, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.WithField("addr", addr).WithField("backend", a.Config.Backend).
					Infof("serving agentbase API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply sqlite schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			pending, err := migrate.Pending(conn)
			if err != nil {
				return err
			}
			if err := migrate.Apply(cmd.Context(), conn, newStderrLogger()); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s); schema version %d (%s)\n", len(pending), version, db.Path(workspace))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage agentbase.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agentbase.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage tenant members"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberListCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add a human member to the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				member, err := e.AddMember(ctx, tenant, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(member)
				}
				fmt.Printf("Added %s (%s) to %s\n", member.Name, member.ID, tenant)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenant members",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				members, err := e.ListMembers(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Joined"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ID, m.Name, m.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Manage agent API keys"}
	a.AddCommand(agentCreateCmd())
	a.AddCommand(agentListCmd())
	a.AddCommand(agentRevokeCmd())
	return a
}

func agentCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision an agent and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ag, key, err := e.ProvisionAgent(ctx, tenant, owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": ag, "api_key": key})
				}
				fmt.Printf("Agent %s (%s) owned by %s\n", ag.Name, ag.ID, ag.OwnerID)
				fmt.Printf("API key (shown once): %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning member id")
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agents, err := e.ListAgents(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Revoked"})
				for _, ag := range agents {
					revoked := ""
					if ag.RevokedAt != nil {
						revoked = ag.RevokedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.OwnerID, revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <agent-id>",
		Short: "Revoke an agent's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.RevokeAgent(ctx, tenant, args[0]); err != nil {
					return err
				}
				fmt.Println("Revoked", args[0])
				return nil
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Human session tokens"}
	s.AddCommand(sessionMintCmd())
	return s
}

func sessionMintCmd() *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a session token for a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			config.LoadDotEnv(newStderrLogger())
			env, err := config.ParseEnv()
			if err != nil {
				return err
			}
			if env.SessionSecret == "" {
				return errors.New("AGENTBASE_SESSION_SECRET is required to mint sessions")
			}
			token, err := actor.MintSession([]byte(env.SessionSecret), user, tenant, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "member id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func activityCmd() *cobra.Command {
	var q app.FeedQuery
	var since string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the aggregated activity timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				q.Since = time.Now().Add(-d)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, items, err := a.Feed(ctx, tenant, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total_entries": len(entries)})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Actor", "Kind", "Summary"})
				for _, item := range items {
					tw.AppendRow(displayRow(item))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&q.ActorID, "actor-id", "", "actor filter")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration (e.g. 24h)")
	cmd.Flags().IntVar(&q.Limit, "limit", app.DefaultFeedLimit, "maximum entries to aggregate")
	return cmd
}

func displayRow(item activity.DisplayItem) table.Row {
	when := item.At().Local().Format("2006-01-02 15:04")
	if item.Kind == activity.ItemBurst {
		b := item.Burst
		lines := make([]string, 0, len(b.Summary.Lines))
		for _, l := range b.Summary.Lines {
			lines = append(lines, l.Text)
		}
		return table.Row{when, b.ActorID, "burst", b.Summary.Text + ": " + strings.Join(lines, ", ")}
	}
	g := item.Group
	return table.Row{when, g.ActorID, string(g.EventType), g.Headline}
}
