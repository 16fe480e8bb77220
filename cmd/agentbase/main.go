package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentbase/internal/app"
	"agentbase/internal/config"
	"agentbase/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "agentbase",
	Short: "agentbase workspace server and admin CLI",
	Long: `agentbase serves a multi-tenant workspace to people and AI agents.
- Actors: humans sign in with a session, agents call with an API key; every request resolves to one actor.
- Entities: tasks, companies, people, deals, meetings and the other workspace tables, all owned by a tenant.
- Commands: create, update, batch update, delete, comment and link; each one validates input and writes the activity log.
- Delete policy: agents cannot delete tasks, humans delete tasks permanently, everything else is soft deleted.
- Activity: the log is grouped into runs and bursts for display ('agentbase activity').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTBASE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides AGENTBASE_LOG_LEVEL)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(activityCmd())
}

// --- helpers ---

func newLogger(env config.Env) (*logrus.Logger, error) {
	level := viper.GetString("log-level")
	if level == "" {
		level = env.LogLevel
	}
	return app.NewLogger(level)
}

// withApp loads .env, agentbase.yml and the environment, then opens the
// configured backend for the duration of fn.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	config.LoadDotEnv(newStderrLogger())
	env, err := config.ParseEnv()
	if err != nil {
		return err
	}
	log, err := newLogger(env)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if err := env.CheckBackend(cfg); err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, Env: env, Logger: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withEngine is withApp restricted to the sqlite backend, which owns
// member and agent provisioning.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if a.Engine == nil {
			return errors.New("member and agent administration needs the sqlite backend; manage supabase rows in the project dashboard")
		}
		return fn(ctx, a.Engine)
	})
}

func requireTenant() (string, error) {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		return "", errors.New("--tenant (or AGENTBASE_TENANT) is required")
	}
	return tenant, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStderrLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log
}
