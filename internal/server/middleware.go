package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"agentbase/internal/actor"
	"agentbase/internal/domain"
)

// requestInfo is filled in by inner middleware so the access log can name
// the actor.
type requestInfo struct {
	actor domain.Actor
}

type requestInfoKey struct{}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := context.WithValue(r.Context(), requestInfoKey{}, info)
			next.ServeHTTP(ww, r.WithContext(ctx))

			fields := logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}
			if info.actor.ID != "" {
				fields["actor_id"] = info.actor.ID
				fields["actor_kind"] = info.actor.Kind
			}
			entry := log.WithFields(fields)
			if ww.Status() >= http.StatusInternalServerError {
				entry.Error("request failed")
				return
			}
			entry.Info("request")
		})
	}
}

func recoverer(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.WithFields(logrus.Fields{
						"panic":      rec,
						"stack":      string(debug.Stack()),
						"request_id": middleware.GetReqID(r.Context()),
					}).Error("handler panicked")
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// newActorMiddleware resolves the actor for every API route except the
// public ones and charges one rate-limit slot.
func newActorMiddleware(basePath string, resolver *actor.Resolver) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			a, err := resolver.Resolve(req.Context(), req)
			if err != nil {
				var re domain.RateLimitedError
				if errors.As(err, &re) {
					w.Header().Set("Retry-After", strconv.Itoa(re.RetryAfterSeconds))
				}
				respondStatusError(w, handleError(err))
				return
			}
			if info, ok := req.Context().Value(requestInfoKey{}).(*requestInfo); ok {
				info.actor = a
			}
			next.ServeHTTP(w, req.WithContext(actor.WithActor(req.Context(), a)))
		})
	}
}

func actorFromContext(ctx context.Context) (domain.Actor, error) {
	a, ok := actor.FromContext(ctx)
	if !ok {
		return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return a, nil
}
