package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"agentbase/internal/app"
	"agentbase/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Logger   logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.App != nil && c.App.Logger != nil {
		return c.App.Logger
	}
	return logrus.StandardLogger()
}

// apiError is the failure envelope. Huma marshals it as the response body.
type apiError struct {
	status  int
	Success bool           `json:"success"`
	Message string         `json:"error" example:"title: is required"`
	Code    string         `json:"code" example:"validation_error"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// envelope wraps every successful response body.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type envelopeOutput struct {
	Body envelope `json:"body"`
}

func ok(data any) *envelopeOutput {
	return &envelopeOutput{Body: envelope{Success: true, Data: data}}
}

// New returns an HTTP handler exposing the agentbase API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema violations share the 400 used for every payload problem.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	log := cfg.logger()
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(log))
	router.Use(recoverer(log))
	router.Use(newActorMiddleware(basePath, cfg.App.Actors))

	hcfg := huma.DefaultConfig("agentbase API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// Bodies are the plain envelope, without the $schema link.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.App)
	registerEntities(group, cfg.App)
	registerComments(group, cfg.App)
	registerLinks(group, cfg.App)
	registerActivity(group, cfg.App)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Code: code, Message: message, Details: details}
}

// handleError maps domain errors onto the failure envelope. Unknown errors
// never leak their text to the caller.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ue domain.UnauthorizedError
		fe domain.ForbiddenError
		ve domain.ValidationError
		re domain.RateLimitedError
	)
	switch {
	case errors.As(err, &ue):
		return newAPIError(http.StatusUnauthorized, "unauthorized", ue.Error(), nil)
	case errors.As(err, &fe):
		var details map[string]any
		if fe.Action != "" {
			details = map[string]any{"action": fe.Action}
		}
		return newAPIError(http.StatusForbidden, "forbidden", fe.Error(), details)
	case errors.As(err, &ve):
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		if ve.Candidates != nil {
			details["candidates"] = ve.Candidates
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(http.StatusBadRequest, "validation_error", ve.Error(), details)
	case errors.As(err, &re):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", re.Error(), map[string]any{"retry_after_seconds": re.RetryAfterSeconds})
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer"}
	oas.Components.SecuritySchemes["sessionCookie"] = &huma.SecurityScheme{Type: "apiKey", In: "cookie", Name: "agentbase_session"}
	security := []map[string][]string{{"apiKeyAuth": {}}, {"sessionCookie": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>agentbase API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*envelopeOutput, error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}
