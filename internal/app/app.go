package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"agentbase/internal/activity"
	"agentbase/internal/actor"
	"agentbase/internal/assignee"
	"agentbase/internal/command"
	"agentbase/internal/config"
	"agentbase/internal/db"
	"agentbase/internal/engine"
	"agentbase/internal/migrate"
	"agentbase/internal/ratelimit"
	"agentbase/internal/supabase"
)

// Backend is everything the HTTP surface needs from storage.
type Backend interface {
	command.Store
	actor.AgentRegistry
	actor.TenantLookup
	assignee.Roster
}

// App holds the wired services of one process.
type App struct {
	Config     *config.Config
	Env        config.Env
	Backend    Backend
	Limiter    *ratelimit.Limiter
	Actors     *actor.Resolver
	Dispatcher *command.Dispatcher
	Aggregator activity.Aggregator
	Logger     *logrus.Logger

	// Engine is set for the sqlite backend only.
	Engine *engine.Engine

	closers []func() error
}

// Options tunes Open.
type Options struct {
	Workspace string
	Config    *config.Config
	Env       config.Env
	Logger    *logrus.Logger
	// Backend overrides the configured backend, mainly for tests.
	Backend Backend
	// RedisClient overrides the client built from Env.RedisAddr.
	RedisClient *redis.Client
}

// Open builds the backend, the limiter and the command services from
// configuration. The sqlite database is migrated on open.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Env: opts.Env, Logger: log}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = a.openBackend(ctx, opts.Workspace)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Backend = backend

	store, err := a.rateStore(ctx, opts.RedisClient)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Limiter = ratelimit.New(store, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	a.Limiter.Logger = log

	var sessions actor.SessionVerifier
	if opts.Env.SessionSecret != "" {
		sessions = actor.JWTSessions{Secret: []byte(opts.Env.SessionSecret), Tenants: backend}
	} else {
		log.Warn("AGENTBASE_SESSION_SECRET not set; human sessions are disabled")
	}
	a.Actors = &actor.Resolver{
		Agents:        backend,
		Sessions:      sessions,
		Limiter:       a.Limiter,
		APIKeyHeader:  cfg.Auth.APIKeyHeader,
		SessionCookie: cfg.Auth.SessionCookie,
		Logger:        log,
	}
	a.Dispatcher = &command.Dispatcher{
		Mutator:   backend,
		Assignees: assignee.Resolver{Roster: backend},
		Limits: command.Limits{
			BatchMaxIDs:             cfg.Commands.BatchMaxIDs,
			CommentMaxLength:        cfg.Commands.CommentMaxLength,
			IdempotencyKeyMaxLength: cfg.Commands.IdempotencyKeyMaxLength,
		},
		Logger: log,
	}
	a.Aggregator = activity.Aggregator{
		ConsecutiveWindow: cfg.Activity.ConsecutiveWindow,
		BurstWindow:       cfg.Activity.BurstWindow,
		BurstMinEntries:   cfg.Activity.BurstMinEntries,
	}
	return a, nil
}

func (a *App) openBackend(ctx context.Context, workspace string) (Backend, error) {
	switch a.Config.Backend {
	case "supabase":
		if a.Env.SupabaseURL == "" || a.Env.SupabaseKey == "" {
			return nil, errors.New("SUPABASE_URL and SUPABASE_KEY are required for the supabase backend")
		}
		return supabase.New(a.Env.SupabaseURL, a.Env.SupabaseKey)
	case "sqlite", "":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		if err := migrate.Apply(ctx, conn, a.Logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		eng := engine.New(conn)
		a.Engine = &eng
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", a.Config.Backend)
	}
}

func (a *App) rateStore(ctx context.Context, client *redis.Client) (ratelimit.Store, error) {
	if a.Config.RateLimit.Store != "redis" {
		return ratelimit.NewMemoryStore(), nil
	}
	if client == nil {
		if a.Env.RedisAddr == "" {
			return nil, errors.New("AGENTBASE_REDIS_ADDR is required for the redis rate limit store")
		}
		client = redis.NewClient(&redis.Options{Addr: a.Env.RedisAddr, Password: a.Env.RedisPassword})
		a.closers = append(a.closers, client.Close)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		a.Logger.WithError(err).Warn("redis unreachable at startup; limiter falls back to in-process windows")
	}
	s := ratelimit.NewRedisStore(client)
	s.Logger = a.Logger
	return s, nil
}

// Close releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger returns a text logrus logger at level.
func NewLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return log, nil
}
