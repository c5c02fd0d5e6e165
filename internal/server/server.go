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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/dag"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// KeepAlive is the idle interval between stream keep-alive comments.
	KeepAlive time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"run is terminal"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
		if cfg.Engine.Config != nil && cfg.Engine.Config.Replay.KeepAlive > 0 {
			keepAlive = cfg.Engine.Config.Replay.KeepAlive
		}
	}
	huma.DefaultArrayNullable = false
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
	router.Use(recoverMiddleware(logger))
	router.Use(loggingMiddleware(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("gateline API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerApply(group, cfg.Engine)
	router.Get(path.Join(basePath, "runs/{id}/stream"), streamHandler(cfg.Engine, keepAlive, logger))
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var se *dag.StructuralError
	if errors.As(err, &se) {
		details := map[string]any{}
		if len(se.Problems) > 0 {
			details["problems"] = se.Problems
		}
		if len(se.Cycle) > 0 {
			details["cycle"] = se.Cycle
		}
		return newAPIError(http.StatusBadRequest, "invalid_document", err.Error(), details)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrRunTerminal),
		errors.Is(err, engine.ErrRunBusy),
		errors.Is(err, repo.ErrManifestAttached):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, engine.ErrUnknownValidator):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>gateline API</title>
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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

// HealthResponse reports liveness and the applied schema version.
type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}
		if e.DB != nil {
			v, err := migrate.Version(ctx, e.DB)
			if err != nil {
				return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unavailable", nil)
			}
			resp.Body.SchemaVersion = v
		}
		return resp, nil
	})
}

type runPath struct {
	ID string `path:"id"`
}

type runOutput struct {
	Body domain.Run `json:"body"`
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Request a run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.RequestRun(ctx, engine.RunRequest{
			ProjectPath: input.Body.ProjectPath,
			BaseRef:     input.Body.BaseRef,
			TargetRef:   input.Body.TargetRef,
			Manifest:    input.Body.Manifest,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"PENDING, RUNNING, PASSED, FAILED or ABORTED"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body RunList `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body RunList `json:"body"`
		}{Body: RunList{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-manifest",
		Method:      http.MethodPut,
		Path:        "/runs/{id}/manifest",
		Summary:     "Attach the change manifest",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body domain.Manifest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.AttachManifest(ctx, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/abort",
		Summary:     "Abort a run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := e.Abort(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-gates",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/gates",
		Summary:     "Run the validation gates",
		Description: "Starts the gates in the background (202) unless wait is set.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body *RunGatesRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Status int
		Body   GateRunResponse `json:"body"`
	}, error) {
		out := &struct {
			Status int
			Body   GateRunResponse `json:"body"`
		}{}
		if input.Body == nil || !input.Body.Wait {
			run, err := e.StartGates(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			out.Status = http.StatusAccepted
			out.Body.Run = run
			return out, nil
		}
		res, err := e.RunGates(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out.Status = http.StatusOK
		out.Body = GateRunResponse{Run: run, Result: gateSummary(res)}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bypass-validator",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/bypass",
		Summary:     "Bypass a validator for a run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body BypassRequest `json:"body"`
	}) (*runOutput, error) {
		run, err := e.Bypass(ctx, input.ID, input.Body.Validator)
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-results",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/results",
		Summary:     "Stored gate and validator results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body ResultsResponse `json:"body"`
	}, error) {
		gates, vals, err := e.Results(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if gates == nil {
			gates = []domain.GateResult{}
		}
		if vals == nil {
			vals = []domain.ValidatorResult{}
		}
		return &struct {
			Body ResultsResponse `json:"body"`
		}{Body: ResultsResponse{Gates: gates, Validators: vals}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/state",
		Summary:     "Projected pipeline state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.PipelineState `json:"body"`
	}, error) {
		st, err := e.State(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/events",
		Summary:     "List persisted events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Stage string `query:"stage"`
		Since string `query:"since" doc:"RFC 3339 timestamp"`
		Type  string `query:"type" doc:"comma separated event types"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventPage `json:"body"`
	}, error) {
		if _, err := e.GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		f := events.Filter{RunID: input.ID, AfterID: input.After, Stage: input.Stage}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339Nano, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			f.Since = since
		}
		for _, t := range strings.Split(input.Type, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		items, err := e.Events(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: []domain.PipelineEvent{}}
		if len(items) > limit {
			items = items[:limit]
			page.NextAfter = strconv.FormatInt(items[limit-1].ID, 10)
		}
		page.Items = append(page.Items, items...)
		return &struct {
			Body EventPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-event",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/events",
		Summary:     "Publish an external event",
		Description: "Volatile types are streamed but not persisted.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body PublishEventRequest `json:"body"`
	}) (*struct {
		Body PublishEventResponse `json:"body"`
	}, error) {
		raw := events.RawEvent{
			Type:            input.Body.Type,
			Stage:           input.Body.Stage,
			Payload:         input.Body.Payload,
			AgentRunID:      input.Body.AgentRunID,
			ValidationRunID: input.Body.ValidationRunID,
			Level:           input.Body.Level,
			Message:         input.Body.Message,
		}
		if p, ok := principalFromContext(ctx); ok {
			raw.Source = p.Subject
		}
		evt, err := e.Publish(ctx, input.ID, raw)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishEventResponse `json:"body"`
		}{Body: PublishEventResponse{Persisted: evt != nil, Event: evt}}, nil
	})
}

func registerApply(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-document",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/apply",
		Summary:     "Execute a work document",
		Description: "Validates the document, then executes it in the background (202) unless wait is set.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ApplyRequest `json:"body"`
	}) (*struct {
		Status int
		Body   ApplyResponse `json:"body"`
	}, error) {
		doc := domain.WorkDocument{Task: input.Body.Task, Items: input.Body.Items}
		out := &struct {
			Status int
			Body   ApplyResponse `json:"body"`
		}{}
		if !input.Body.Wait {
			run, err := e.StartApply(ctx, input.ID, doc)
			if err != nil {
				return nil, handleError(err)
			}
			out.Status = http.StatusAccepted
			out.Body.Run = run
			return out, nil
		}
		res, err := e.ApplyDocument(ctx, input.ID, doc)
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out.Status = http.StatusOK
		out.Body = ApplyResponse{Run: run, Result: &res}
		return out, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func writeText(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
