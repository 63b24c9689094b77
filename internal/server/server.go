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
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vista/internal/app"
	"vista/internal/controller"
	"vista/internal/decision"
	"vista/internal/domain"
	"vista/internal/fsm"
	"vista/internal/monitor"
	"vista/internal/repo"
	"vista/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Services *app.Services
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: pause from IDLE"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"IDLE\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// body wraps a response payload for huma.
type body[T any] struct {
	Body T
}

func wrap[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

// New returns an HTTP handler exposing the VISTA API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Services == nil {
		return nil, errors.New("server: services are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Services.Log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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

	s := cfg.Services
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestStats(s.Requests))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(requestLogger(s.Log))
	hcfg := huma.DefaultConfig("VISTA API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, s)
	registerStatus(group, s)
	registerTasks(group, s)
	registerMonitor(group, s)
	registerDecisions(group, s)
	registerRules(group, s)
	registerErrorReports(group, s)
	registerEvents(group, s)
	registerOpenAPI(router, api, basePath, cfg.Auth.Enabled())

	return router, nil
}

// requestStats feeds request latency and status into the monitor's request
// source.
func requestStats(stats *monitor.RequestStats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if stats == nil {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			stats.Observe(time.Since(start), status)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if p, ok := principalFromContext(r.Context()); ok {
				attrs = append(attrs, "subject", p.Subject)
			}
			logger.Debug("http request", attrs...)
		})
	}
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
	msg := err.Error()
	var (
		invalid  *fsm.InvalidTransitionError
		unknown  *controller.UnknownTaskError
		dupRule  *rules.DuplicateRuleError
		noRule   *rules.UnknownRuleError
		timedOut *controller.StepTimeoutError
	)
	switch {
	case errors.Is(err, fsm.ErrUninitialized):
		return newAPIError(http.StatusServiceUnavailable, "not_initialized", msg, nil)
	case errors.As(err, &invalid):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{
			"state":   string(invalid.From),
			"trigger": string(invalid.Trigger),
		})
	case errors.Is(err, controller.ErrBusy):
		return newAPIError(http.StatusConflict, "busy", msg, nil)
	case errors.As(err, &unknown):
		return newAPIError(http.StatusNotFound, "unknown_task", msg, map[string]any{"task_id": unknown.ID})
	case errors.As(err, &dupRule):
		return newAPIError(http.StatusConflict, "duplicate_rule", msg, map[string]any{"rule_id": dupRule.ID})
	case errors.As(err, &noRule):
		return newAPIError(http.StatusNotFound, "unknown_rule", msg, map[string]any{"rule_id": noRule.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &timedOut):
		return newAPIError(http.StatusGatewayTimeout, "step_timeout", msg, map[string]any{"step_id": timedOut.StepID})
	case errors.Is(err, controller.ErrInvalidTask),
		errors.Is(err, controller.ErrInvalidAction),
		errors.Is(err, decision.ErrInvalidDecisionType),
		errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, app.ErrInvalidReport),
		errors.Is(err, errInvalidReading):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
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
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
					"application/json": {Schema: errSchema},
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>VISTA API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, s *app.Services) {
	started := time.Now()
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[HealthResponse], error) {
		return wrap(HealthResponse{
			Status: "ok",
			State:  string(s.Controller.Status().State),
			Time:   time.Now().UTC(),
			Uptime: time.Since(started).Seconds(),
		}), nil
	})
}

func registerStatus(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Controller, monitor and rule engine status",
	}, func(ctx context.Context, _ *struct{}) (*body[StatusResponse], error) {
		return wrap(StatusResponse{
			Controller: ControllerStatus(s.Controller.Status()),
			Monitor:    MonitorStatus(s.Monitor.Status()),
			Rules:      EngineStatus(s.Rules.Status()),
		}), nil
	})
}

type taskPath struct {
	TaskID string `path:"id"`
}

func registerTasks(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "plan-task",
		Method:        http.MethodPost,
		Path:          "/task/plan",
		Summary:       "Plan a task from action plans or a recent decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body PlanTaskRequest
	}) (*body[domain.Task], error) {
		req := input.Body
		plans := plansFromInput(req.Plans)
		if len(plans) == 0 && req.DecisionID != "" {
			d, err := lookupDecision(ctx, s, req.DecisionID)
			if err != nil {
				return nil, handleError(err)
			}
			plans = d.ActionPlans
		}
		task, err := s.Controller.PlanTask(controller.TaskConfig{
			Name:        req.Name,
			Type:        req.Type,
			Priority:    req.Priority,
			Description: req.Description,
			DecisionID:  req.DecisionID,
			Plans:       s.Decisions.GenerateActionPlan(domain.Decision{ActionPlans: plans}),
			Timeout:     req.Timeout,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(task), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List queued and recently finished tasks",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"0"`
	}) (*body[map[string][]domain.Task], error) {
		return wrap(map[string][]domain.Task{
			"pending":  s.Controller.Pending(),
			"finished": s.Controller.Archive(input.Limit),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/task/{id}",
		Summary:     "Get a task with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*body[domain.Task], error) {
		t, err := lookupTask(ctx, s, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/task/{id}/status",
		Summary:     "Task status and progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*body[TaskStatusResponse], error) {
		t, err := lookupTask(ctx, s, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(taskStatusResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "control-task",
		Method:      http.MethodPost,
		Path:        "/task/{id}/control",
		Summary:     "Pause, resume or cancel a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"id"`
		Body   ControlRequest
	}) (*body[controller.Result], error) {
		res, err := s.Controller.Control(ctx, input.TaskID, input.Body.Action)
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-task",
		Method:        http.MethodPost,
		Path:          "/task/{id}/execute",
		Summary:       "Start a planned task in the background",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*body[ExecuteResponse], error) {
		t, err := s.Controller.Submit(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(ExecuteResponse{TaskID: t.ID, Status: t.Status}), nil
	})
}

// lookupTask prefers live controller state and falls back to the audit log.
func lookupTask(ctx context.Context, s *app.Services, id string) (domain.Task, error) {
	t, err := s.Controller.Task(id)
	if err == nil || s.Repo == nil {
		return t, err
	}
	stored, rerr := s.Repo.GetTask(ctx, id)
	if errors.Is(rerr, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	return stored, rerr
}

func lookupDecision(ctx context.Context, s *app.Services, id string) (domain.Decision, error) {
	if d, ok := s.Decisions.Decision(id); ok {
		return d, nil
	}
	if s.Repo == nil {
		return domain.Decision{}, fmt.Errorf("decision %s: %w", id, repo.ErrNotFound)
	}
	return s.Repo.GetDecision(ctx, id)
}

func registerMonitor(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Latest execution metrics",
	}, func(ctx context.Context, _ *struct{}) (*body[MetricsResponse], error) {
		snap, ok := s.Monitor.Latest()
		if !ok {
			var err error
			snap, err = s.Monitor.CollectMetrics(ctx)
			if err != nil && len(snap.Metrics) == 0 {
				return nil, handleError(err)
			}
		}
		return wrap(metricsResponse(snap)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "Retained alerts, newest last",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"50" minimum:"0"`
		Level string `query:"level" enum:"info,warning,error,critical"`
	}) (*body[AlertsResponse], error) {
		items := s.Monitor.Alerts(0)
		if input.Level != "" {
			filtered := items[:0:0]
			for _, a := range items {
				if string(a.Level) == input.Level {
					filtered = append(filtered, a)
				}
			}
			items = filtered
		}
		if input.Limit > 0 && len(items) > input.Limit {
			items = items[len(items)-input.Limit:]
		}
		if items == nil {
			items = []domain.Alert{}
		}
		return wrap(AlertsResponse{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "monitor-status",
		Method:      http.MethodGet,
		Path:        "/monitor/status",
		Summary:     "Execution monitor status",
	}, func(ctx context.Context, _ *struct{}) (*body[MonitorStatus], error) {
		return wrap(MonitorStatus(s.Monitor.Status())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "monitor-start",
		Method:      http.MethodPost,
		Path:        "/monitor/start",
		Summary:     "Start the monitoring loop",
	}, func(ctx context.Context, _ *struct{}) (*body[MonitorToggleResponse], error) {
		// the loop outlives the request
		changed := s.StartMonitor(context.WithoutCancel(ctx))
		return wrap(MonitorToggleResponse{IsMonitoring: s.Monitor.IsMonitoring(), Changed: changed}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "monitor-stop",
		Method:      http.MethodPost,
		Path:        "/monitor/stop",
		Summary:     "Stop the monitoring loop",
	}, func(ctx context.Context, _ *struct{}) (*body[MonitorToggleResponse], error) {
		changed := s.StopMonitor(ctx)
		return wrap(MonitorToggleResponse{IsMonitoring: s.Monitor.IsMonitoring(), Changed: changed}), nil
	})
}

var errInvalidReading = errors.New("invalid metric reading")

func readings(in map[string]float64) (map[domain.MetricType]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	known := map[domain.MetricType]bool{}
	for _, m := range domain.MetricTypes() {
		known[m] = true
	}
	out := make(map[domain.MetricType]float64, len(in))
	for k, v := range in {
		m := domain.MetricType(k)
		if !known[m] {
			return nil, fmt.Errorf("%w: unknown metric %q", errInvalidReading, k)
		}
		if !m.InRange(v) {
			return nil, fmt.Errorf("%w: %s=%v out of range", errInvalidReading, k, v)
		}
		out[m] = v
	}
	return out, nil
}

func registerDecisions(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "make-decision",
		Method:      http.MethodPost,
		Path:        "/decision/make",
		Summary:     "Evaluate the rules against a scene and propose action plans",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DecisionRequest
	}) (*body[domain.Decision], error) {
		obs, err := readings(input.Body.Readings)
		if err != nil {
			return nil, handleError(err)
		}
		if obs != nil {
			s.Decisions.ObserveMetrics(obs)
		}
		dt := input.Body.DecisionType
		if dt == "" {
			dt = domain.DecisionAssistance
		}
		d, err := s.Decisions.MakeDecision(ctx, input.Body.Scene, dt)
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decision/{id}",
		Summary:     "Get a decision with its reasoning trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"id"`
	}) (*body[domain.Decision], error) {
		d, err := lookupDecision(ctx, s, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(d), nil
	})
}

func registerRules(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List decision rules",
	}, func(ctx context.Context, _ *struct{}) (*body[RulesResponse], error) {
		st := s.Rules.Status()
		return wrap(RulesResponse{Enabled: st.Enabled, RulesCount: st.RulesCount, Rules: s.Rules.Rules()}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Add a decision rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body rules.Rule
	}) (*body[rules.Rule], error) {
		r := input.Body
		if err := s.AddRule(ctx, r); err != nil {
			return nil, handleError(err)
		}
		r.ID = rules.NormalizeID(r.ID)
		return wrap(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{id}",
		Summary:       "Remove a decision rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"id"`
	}) (*struct{}, error) {
		if err := s.RemoveRule(ctx, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerErrorReports(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "report-error",
		Method:      http.MethodPost,
		Path:        "/error/report",
		Summary:     "Report an execution error and get a recovery suggestion",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ErrorReportRequest
	}) (*body[ErrorReportResponse], error) {
		rep, err := s.ReportError(ctx, domain.ErrorReport{
			TaskID:    input.Body.TaskID,
			StepID:    input.Body.StepID,
			ErrorType: input.Body.ErrorType,
			Message:   input.Body.Message,
			Severity:  input.Body.Severity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return wrap(ErrorReportResponse{
			ErrorID:            rep.ID,
			Status:             rep.Status,
			RecoverySuggestion: rep.RecoverySuggestion,
			Timestamp:          rep.Timestamp,
		}), nil
	})
}

func registerEvents(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,alert,decision,error_report,monitor,rule"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		After      string `query:"after" doc:"return events with an id greater than this cursor, oldest first"`
	}) (*body[EventsResponse], error) {
		if s.Repo == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "storage_disabled", "audit storage is disabled", nil)
		}
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After != "" {
			cursor, perr := strconv.ParseInt(input.After, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			items, err = s.Repo.EventsAfter(ctx, cursor, limit)
		} else {
			items, err = s.Repo.LatestEvents(ctx, repo.EventFilters{
				Type:       input.Type,
				EntityKind: input.EntityKind,
				EntityID:   input.EntityID,
				Limit:      limit,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		if input.After != "" && len(items) > 0 {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return wrap(resp), nil
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
