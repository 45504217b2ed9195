package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/escalation"
	"readyline/internal/logging"
	"readyline/internal/metrics"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler *escalation.Scheduler
	Metrics   *metrics.Metrics
	// Gatherer backs GET /metrics. The default registry is used when nil.
	Gatherer prometheus.Gatherer
	BasePath string
	Auth     AuthConfig
	// AdminRoles may toggle definitions and trigger escalation ticks.
	AdminRoles []domain.Role
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_not_allowed"`
	Message string         `json:"message" example:"transition CLOSE from CAP_LIFECYCLE/SUBMITTED rejected: no such transition from this state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"role not permitted\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func respond[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the readyline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Registry == nil {
		return nil, errors.New("server: engine registry required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if len(cfg.AdminRoles) == 0 {
		cfg.AdminRoles = []domain.Role{"ADMIN"}
	}
	logger := logging.Module(cfg.Logger, "server")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(cfg.Metrics.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", metrics.Handler(cfg.Gatherer))

	hcfg := huma.DefaultConfig("Readyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{cfg: cfg, e: cfg.Engine, admins: domain.NewRoleSet(cfg.AdminRoles...), log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth, cfg.Engine.Registry)
	}
	h.registerWorkflows(group)
	h.registerEntities(group)
	h.registerChecklist(group)
	h.registerEscalations(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	cfg    Config
	e      engine.Engine
	admins domain.RoleSet
	log    *slog.Logger
}

// principal returns the caller, rejecting roles outside the configured universe.
func (h handlers) principal(ctx context.Context) (Principal, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return Principal{}, err
	}
	if !h.e.Registry.HasRole(p.Role) {
		return Principal{}, newAPIError(http.StatusForbidden, "unknown_role", fmt.Sprintf("role %q is not configured", p.Role), map[string]any{"role": string(p.Role)})
	}
	return p, nil
}

func (h handlers) admin(ctx context.Context) (Principal, huma.StatusError) {
	p, err := h.principal(ctx)
	if err != nil {
		return Principal{}, err
	}
	if !h.admins.Has(p.Role) {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "admin role required", map[string]any{"role": string(p.Role)})
	}
	return p, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var tna *domain.TransitionNotAllowedError
	if errors.As(err, &tna) {
		details := map[string]any{
			"definition": tna.Definition,
			"from":       tna.From,
			"code":       tna.Code,
			"role":       string(tna.Role),
			"reason":     tna.Reason,
		}
		if tna.Conflict() {
			return newAPIError(http.StatusConflict, "state_conflict", err.Error(), details)
		}
		return newAPIError(http.StatusUnprocessableEntity, "transition_not_allowed", err.Error(), details)
	}
	var nr *domain.NotReadyError
	if errors.As(err, &nr) {
		return newAPIError(http.StatusUnprocessableEntity, "not_ready", err.Error(), map[string]any{"item": nr.ItemCode, "reason": nr.Reason})
	}
	var ce *registry.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "invalid_configuration", err.Error(), map[string]any{"issues": ce.Issues})
	}
	switch {
	case errors.Is(err, domain.ErrOverrideForbidden):
		return newAPIError(http.StatusForbidden, "override_forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrDefinitionInactive):
		return newAPIError(http.StatusConflict, "definition_inactive", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownDefinition),
		errors.Is(err, domain.ErrNoChecklist),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Readyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		return respond(WhoAmIResponse{ActorID: p.ActorID, Role: string(p.Role), Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		role := domain.Role(strings.TrimSpace(input.Body.Role))
		if actor == "" || role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if !reg.HasRole(role) {
			return nil, newAPIError(http.StatusBadRequest, "unknown_role", fmt.Sprintf("role %q is not configured", role), nil)
		}
		token, err := signToken(authCfg.JWTSecret, actor, role, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
