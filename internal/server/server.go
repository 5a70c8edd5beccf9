package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
	"trackline/internal/topology"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"train T9 cannot enter TRACK001: capacity exceeded and no alternate route"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"section_id\":\"TRACK001\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trackline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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

	router := chi.NewRouter()
	router.Use(requestLogger)
	hcfg := huma.DefaultConfig("Trackline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerStream(router, basePath, cfg.Engine)
	registerHealth(group)
	registerClock(group, cfg.Engine)
	registerSnapshot(group, cfg.Engine)
	registerTrains(group, cfg.Engine)
	registerConflicts(group, cfg.Engine)
	registerRecommendations(group, cfg.Engine)
	registerExport(group, cfg.Engine)
	registerScenarios(group, cfg.Engine)
	registerWhatIf(group, cfg.Engine)
	registerLessons(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	var ce *domain.CapacityExceededAtInsert
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "capacity_exceeded", err.Error(), map[string]any{"train_id": ce.TrainID, "section_id": ce.SectionID})
	}
	var iv *domain.InvariantViolation
	if errors.As(err, &iv) {
		return newAPIError(http.StatusInternalServerError, "invariant_violation", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
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
    <title>Trackline API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerClock(api huma.API, e engine.Engine) {
	type clockOutput struct {
		Body engine.ClockInfo `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-clock",
		Method:      http.MethodGet,
		Path:        "/clock",
		Summary:     "Simulated clock",
	}, func(ctx context.Context, _ *struct{}) (*clockOutput, error) {
		return &clockOutput{Body: e.Clock()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-tick",
		Method:      http.MethodPost,
		Path:        "/ticks",
		Summary:     "Advance the simulated clock",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body *TickRequest `json:"body" required:"false"`
	}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		dt := e.Config.Clock.TickMinutes
		if input.Body != nil && input.Body.DeltaMinutes != nil {
			dt = *input.Body.DeltaMinutes
		}
		res, err := e.AdvanceTick(ctx, dt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: tickResponse(res, e.Clock().Label)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-clock",
		Method:      http.MethodPost,
		Path:        "/clock/pause",
		Summary:     "Pause automatic ticks",
	}, func(ctx context.Context, _ *struct{}) (*clockOutput, error) {
		if err := e.Pause(ctx); err != nil {
			return nil, handleError(err)
		}
		return &clockOutput{Body: e.Clock()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-clock",
		Method:      http.MethodPost,
		Path:        "/clock/resume",
		Summary:     "Resume automatic ticks",
	}, func(ctx context.Context, _ *struct{}) (*clockOutput, error) {
		if err := e.Resume(ctx); err != nil {
			return nil, handleError(err)
		}
		return &clockOutput{Body: e.Clock()}, nil
	})
}

func registerSnapshot(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Current state of the network",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-kpis",
		Method:      http.MethodGet,
		Path:        "/kpis",
		Summary:     "Performance indicators",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.KPIs `json:"body"`
	}, error) {
		return &struct {
			Body domain.KPIs `json:"body"`
		}{Body: e.KPIs()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-topology",
		Method:      http.MethodGet,
		Path:        "/topology",
		Summary:     "Sections and junctions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body topology.Data `json:"body"`
	}, error) {
		return &struct {
			Body topology.Data `json:"body"`
		}{Body: e.Topology()}, nil
	})
}

func registerTrains(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trains",
		Method:      http.MethodGet,
		Path:        "/trains",
		Summary:     "List trains",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"moving,stopped,delayed,conflicted,arrived"`
	}) (*struct {
		Body []domain.Train `json:"body"`
	}, error) {
		snap, err := e.Snapshot()
		if err != nil {
			return nil, handleError(err)
		}
		items := []domain.Train{}
		for _, tr := range snap.Trains {
			if input.Status == "" || tr.Status == input.Status {
				items = append(items, tr)
			}
		}
		return &struct {
			Body []domain.Train `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-train",
		Method:      http.MethodGet,
		Path:        "/trains/{train_id}",
		Summary:     "Get one train",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TrainID string `path:"train_id"`
	}) (*struct {
		Body domain.Train `json:"body"`
	}, error) {
		tr, err := e.Train(input.TrainID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Train `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-train",
		Method:      http.MethodPost,
		Path:        "/trains",
		Summary:     "Add a train at the current clock",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body AddTrainRequest `json:"body"`
	}) (*struct {
		Body domain.Train `json:"body"`
	}, error) {
		tr, err := e.AddTrain(ctx, input.Body.spec())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Train `json:"body"`
		}{Body: tr}, nil
	})
}

func registerConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "Active conflicts, most urgent first",
	}, func(ctx context.Context, input *struct {
		Severity string `query:"severity" enum:"high,medium,low"`
		State    string `query:"state" enum:"predicted,materialized"`
	}) (*struct {
		Body []domain.Conflict `json:"body"`
	}, error) {
		snap, err := e.Snapshot()
		if err != nil {
			return nil, handleError(err)
		}
		items := []domain.Conflict{}
		for _, c := range snap.Conflicts {
			if input.Severity != "" && c.Severity != input.Severity {
				continue
			}
			if input.State != "" && c.State != input.State {
				continue
			}
			items = append(items, c)
		}
		return &struct {
			Body []domain.Conflict `json:"body"`
		}{Body: items}, nil
	})
}

func registerRecommendations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recommendations",
		Method:      http.MethodGet,
		Path:        "/recommendations",
		Summary:     "Active recommendations",
	}, func(ctx context.Context, input *struct {
		ConflictID string `query:"conflict_id"`
	}) (*struct {
		Body []domain.Recommendation `json:"body"`
	}, error) {
		snap, err := e.Snapshot()
		if err != nil {
			return nil, handleError(err)
		}
		items := []domain.Recommendation{}
		for _, r := range snap.Recommendations {
			if input.ConflictID != "" && !containsString(r.ConflictIDs, input.ConflictID) {
				continue
			}
			items = append(items, r)
		}
		return &struct {
			Body []domain.Recommendation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-recommendation",
		Method:      http.MethodPost,
		Path:        "/recommendations/{recommendation_id}/accept",
		Summary:     "Apply a recommendation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecommendationID string `path:"recommendation_id"`
	}) (*struct {
		Body AcceptResponse `json:"body"`
	}, error) {
		res, err := e.AcceptRecommendation(ctx, input.RecommendationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptResponse `json:"body"`
		}{Body: acceptResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-recommendation",
		Method:      http.MethodPost,
		Path:        "/recommendations/{recommendation_id}/reject",
		Summary:     "Withdraw a recommendation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecommendationID string         `path:"recommendation_id"`
		Body             *RejectRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		rec, err := e.RejectRecommendation(ctx, input.RecommendationID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerExport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export",
		Method:      http.MethodGet,
		Path:        "/export",
		Summary:     "Export the current state as JSON or CSV",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Detail string `query:"detail" enum:"summary,full" default:"summary"`
		Format string `query:"format" enum:"json,csv" default:"json"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		var data []byte
		var err error
		contentType := "application/json"
		if input.Format == "csv" {
			data, err = e.ExportCSV()
			contentType = "text/csv"
		} else {
			data, err = e.Export(input.Detail)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: contentType, Body: data}, nil
	})
}

func registerScenarios(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-scenario",
		Method:      http.MethodPost,
		Path:        "/scenarios/save",
		Summary:     "Save a named export of the current state",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SaveScenarioRequest `json:"body"`
	}) (*struct {
		Body domain.SavedScenario `json:"body"`
	}, error) {
		saved, err := e.SaveScenario(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		saved.Document = ""
		return &struct {
			Body domain.SavedScenario `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scenarios",
		Method:      http.MethodGet,
		Path:        "/scenarios",
		Summary:     "List saved exports",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SavedScenario `json:"body"`
	}, error) {
		items, err := e.ListSavedScenarios(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SavedScenario `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scenario",
		Method:      http.MethodGet,
		Path:        "/scenarios/{saved_id}",
		Summary:     "Get a saved export with its document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SavedID string `path:"saved_id"`
	}) (*struct {
		Body domain.SavedScenario `json:"body"`
	}, error) {
		saved, err := e.GetSavedScenario(ctx, input.SavedID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SavedScenario `json:"body"`
		}{Body: saved}, nil
	})
}

func registerWhatIf(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "what-if",
		Method:      http.MethodPost,
		Path:        "/whatif",
		Summary:     "Estimate the impact of a disruption",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body WhatIfRequest `json:"body"`
	}) (*struct {
		Body domain.DelayImpact `json:"body"`
	}, error) {
		impact, err := e.WhatIf(input.Body.scenario())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DelayImpact `json:"body"`
		}{Body: impact}, nil
	})
}

func registerLessons(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-lessons",
		Method:      http.MethodGet,
		Path:        "/lessons",
		Summary:     "List lessons learned",
	}, func(ctx context.Context, input *struct {
		Tag   string `query:"tag"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Lesson `json:"body"`
	}, error) {
		items, err := e.ListLessons(ctx, input.Tag, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Lesson `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "similar-lessons",
		Method:      http.MethodGet,
		Path:        "/lessons/similar",
		Summary:     "Lessons sharing tags, best match first",
	}, func(ctx context.Context, input *struct {
		Tags  string `query:"tags" doc:"Comma separated tags"`
		Limit int    `query:"limit" default:"5"`
	}) (*struct {
		Body []domain.Lesson `json:"body"`
	}, error) {
		items, err := e.SimilarLessons(ctx, strings.Split(input.Tags, ","), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Lesson `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-lesson",
		Method:      http.MethodPost,
		Path:        "/lessons",
		Summary:     "Record a lesson learned",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateLessonRequest `json:"body"`
	}) (*struct {
		Body domain.Lesson `json:"body"`
	}, error) {
		l, err := e.AddLesson(ctx, engine.LessonOptions{
			Author:   input.Body.Author,
			Scenario: input.Body.Scenario,
			Solution: input.Body.Solution,
			Outcome:  input.Body.Outcome,
			Rating:   input.Body.Rating,
			Tags:     input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lesson `json:"body"`
		}{Body: l}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"clock,train,conflict,recommendation,scenario,saved_scenario,lesson"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			ScenarioID: e.Config.Scenario.ID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
