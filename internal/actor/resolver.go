// Package actor classifies an inbound request as a human or an agent,
// attaches its tenant, and applies the per-actor rate limit.
//
// The credential form alone picks the path: an API key (bearer token or
// the API-key header) always takes the agent path and a session token
// always takes the human path. The resolved identity is never inspected to
// switch paths.
package actor

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"agentbase/internal/domain"
	"agentbase/internal/ratelimit"
)

const (
	DefaultAPIKeyHeader  = "X-Api-Key"
	DefaultSessionCookie = "agentbase_session"
	SessionHeader        = "X-Session-Token"

	invalidKeyMessage = "Invalid or revoked API key"
)

var tracer = otel.Tracer("agentbase/internal/actor")

// AgentRecord is what the registry knows about a live agent key.
type AgentRecord struct {
	ID       string
	TenantID string
	OwnerID  string
}

// AgentRegistry looks up live agents by API key hash. Revoked agents must
// return domain.ErrNotFound, never a flagged record.
type AgentRegistry interface {
	LookupAgent(ctx context.Context, keyHash string) (AgentRecord, error)
}

// Session is a verified human session.
type Session struct {
	UserID   string
	TenantID string
}

// SessionVerifier validates a pre-established session token.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (Session, error)
}

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Check(ctx context.Context, key string) ratelimit.Decision
}

// Credentials are the raw credential forms found on a request.
type Credentials struct {
	APIKey       string
	SessionToken string
}

// Resolver turns credentials into a rate-limited Actor.
type Resolver struct {
	Agents        AgentRegistry
	Sessions      SessionVerifier
	Limiter       Limiter
	APIKeyHeader  string
	SessionCookie string
	Logger        logrus.FieldLogger
}

func (r *Resolver) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// Credentials extracts credential forms from the request. A bearer token is
// always treated as an API key; sessions travel in a cookie or a dedicated
// header.
func (r *Resolver) Credentials(req *http.Request) Credentials {
	var c Credentials
	if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
		c.APIKey = token
	} else {
		header := r.APIKeyHeader
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		c.APIKey = strings.TrimSpace(req.Header.Get(header))
	}
	cookieName := r.SessionCookie
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	if cookie, err := req.Cookie(cookieName); err == nil {
		c.SessionToken = strings.TrimSpace(cookie.Value)
	}
	if c.SessionToken == "" {
		c.SessionToken = strings.TrimSpace(req.Header.Get(SessionHeader))
	}
	return c
}

// Resolve authenticates the request and consumes one rate-limit slot.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (domain.Actor, error) {
	return r.ResolveCredentials(ctx, r.Credentials(req))
}

// ResolveCredentials is Resolve for callers that already hold credentials.
func (r *Resolver) ResolveCredentials(ctx context.Context, c Credentials) (domain.Actor, error) {
	ctx, span := tracer.Start(ctx, "actor.resolve")
	defer span.End()

	var (
		a   domain.Actor
		err error
	)
	switch {
	case c.APIKey != "":
		a, err = r.resolveAgent(ctx, c.APIKey)
	case c.SessionToken != "":
		a, err = r.resolveHuman(ctx, c.SessionToken)
	default:
		err = domain.UnauthorizedError{Reason: "authentication required"}
	}
	if err != nil {
		return domain.Actor{}, err
	}
	span.SetAttributes(
		attribute.String("actor.id", a.ID),
		attribute.String("actor.kind", string(a.Kind)),
	)
	if err := r.checkRate(ctx, a); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

func (r *Resolver) resolveAgent(ctx context.Context, key string) (domain.Actor, error) {
	if r.Agents == nil {
		return domain.Actor{}, domain.UnauthorizedError{Reason: invalidKeyMessage}
	}
	rec, err := r.Agents.LookupAgent(ctx, HashAPIKey(key))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger().WithError(err).Error("agent registry lookup failed")
		}
		return domain.Actor{}, domain.UnauthorizedError{Reason: invalidKeyMessage}
	}
	if rec.ID == "" || rec.TenantID == "" {
		return domain.Actor{}, domain.UnauthorizedError{Reason: invalidKeyMessage}
	}
	return domain.NewAgent(rec.ID, rec.TenantID, rec.OwnerID), nil
}

func (r *Resolver) resolveHuman(ctx context.Context, token string) (domain.Actor, error) {
	if r.Sessions == nil {
		return domain.Actor{}, domain.UnauthorizedError{Reason: "invalid session"}
	}
	s, err := r.Sessions.VerifySession(ctx, token)
	if err != nil {
		r.logger().WithError(err).Debug("session verification failed")
		return domain.Actor{}, domain.UnauthorizedError{Reason: "invalid session"}
	}
	if s.UserID == "" || s.TenantID == "" {
		return domain.Actor{}, domain.UnauthorizedError{Reason: "invalid session"}
	}
	return domain.NewHuman(s.UserID, s.TenantID), nil
}

func (r *Resolver) checkRate(ctx context.Context, a domain.Actor) error {
	if r.Limiter == nil {
		return nil
	}
	key, err := a.RateLimitKey()
	if err != nil {
		return domain.UnauthorizedError{Reason: err.Error()}
	}
	d := r.Limiter.Check(ctx, key)
	if d.Allowed {
		return nil
	}
	r.logger().WithFields(logrus.Fields{
		"actor_id":    a.ID,
		"actor_kind":  a.Kind,
		"retry_after": d.RetryAfterSeconds,
	}).Warn("rate limit exceeded")
	return domain.RateLimitedError{RetryAfterSeconds: d.RetryAfterSeconds}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

type actorKey struct{}

// WithActor stores the resolved actor in ctx.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext returns the actor stored by WithActor.
func FromContext(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok
}
