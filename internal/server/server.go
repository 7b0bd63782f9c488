package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rotaline/internal/config"
	"rotaline/internal/engine"
	"rotaline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// AssetsDir, when set, is served at / with an index.html fallback for
	// client-side routes.
	AssetsDir string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"schedule is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Rotaline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Rotaline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRender(group)
	registerRosters(group, cfg.Engine)
	registerRotation(group, cfg.Engine)
	registerOverrides(group, cfg.Engine)
	registerSchedule(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.AssetsDir != "" {
		registerAssets(router, cfg.AssetsDir)
	}

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must"),
		strings.Contains(lowered, "empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// registerAssets serves a static frontend build with an index.html fallback,
// so client-side routes resolve to the app shell.
func registerAssets(r chi.Router, dir string) {
	fs := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		requested := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+req.URL.Path)))
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, req)
			return
		}
		http.ServeFile(w, req, filepath.Join(dir, "index.html"))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Rotaline API Docs</title>
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

// registerRender exposes the stateless render pipeline: rotation spec plus
// overrides in, final timeline out. Nothing is stored.
func registerRender(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "render-schedule",
		Method:      http.MethodPost,
		Path:        "/schedule",
		Summary:     "Render a schedule from an inline rotation and overrides",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RenderScheduleRequest `json:"body"`
	}) (*struct {
		Body []EntryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Schedule == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "schedule is required", nil)
		}
		if input.Body.From == "" || input.Body.Until == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and until are required", nil)
		}
		entries, err := engine.Render(engine.RenderRequest{
			Schedule:  *input.Body.Schedule,
			Overrides: input.Body.Overrides,
			From:      input.Body.From,
			Until:     input.Body.Until,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntryResponse `json:"body"`
		}{Body: mapEntries(entries)}, nil
	})
}

func registerRosters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-roster",
		Method:        http.MethodPost,
		Path:          "/rosters",
		Summary:       "Create roster",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRosterRequest `json:"body"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		ro, err := e.InitRoster(ctx, input.Body.ID, input.Body.Name, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: rosterResponse(ro)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rosters",
		Method:      http.MethodGet,
		Path:        "/rosters",
		Summary:     "List rosters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RosterResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRosters(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RosterResponse `json:"body"`
		}{Body: mapRosters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-roster",
		Method:      http.MethodGet,
		Path:        "/rosters/{roster_id}",
		Summary:     "Get roster",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		ro, err := e.Repo.GetRoster(ctx, input.RosterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: rosterResponse(ro)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-roster",
		Method:      http.MethodDelete,
		Path:        "/rosters/{roster_id}",
		Summary:     "Delete roster",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteRoster(ctx, input.RosterID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRotation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-rotation",
		Method:      http.MethodPut,
		Path:        "/rosters/{roster_id}/rotation",
		Summary:     "Set rotation spec",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RosterID string             `path:"roster_id"`
		Body     SetRotationRequest `json:"body"`
	}) (*struct {
		Body RotationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rot, err := e.SetRotation(ctx, input.RosterID, rotationConfig(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RotationResponse `json:"body"`
		}{Body: rotationResponse(rot)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rotation",
		Method:      http.MethodGet,
		Path:        "/rosters/{roster_id}/rotation",
		Summary:     "Get rotation spec",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
	}) (*struct {
		Body RotationResponse `json:"body"`
	}, error) {
		rot, err := e.Repo.GetRotation(ctx, input.RosterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RotationResponse `json:"body"`
		}{Body: rotationResponse(rot)}, nil
	})
}

func registerOverrides(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-override",
		Method:        http.MethodPost,
		Path:          "/rosters/{roster_id}/overrides",
		Summary:       "Add override",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RosterID string                `path:"roster_id"`
		Body     CreateOverrideRequest `json:"body"`
	}) (*struct {
		Body OverrideResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.User == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.AddOverride(ctx, engine.OverrideOptions{
			RosterID: input.RosterID,
			User:     input.Body.User,
			StartAt:  input.Body.StartAt,
			EndAt:    input.Body.EndAt,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverrideResponse `json:"body"`
		}{Body: overrideResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-overrides",
		Method:      http.MethodGet,
		Path:        "/rosters/{roster_id}/overrides",
		Summary:     "List overrides",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
		From     string `query:"from"`
		Until    string `query:"until"`
	}) (*struct {
		Body overrideList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRoster(ctx, input.RosterID); err != nil {
			return nil, handleError(err)
		}
		f := repo.OverrideFilters{RosterID: input.RosterID}
		if input.From != "" {
			from, err := engine.ParseTime(input.From)
			if err != nil {
				return nil, handleError(err)
			}
			f.From = from
		}
		if input.Until != "" {
			until, err := engine.ParseTime(input.Until)
			if err != nil {
				return nil, handleError(err)
			}
			f.Until = until
		}
		items, err := e.Repo.ListOverrides(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body overrideList `json:"body"`
		}{Body: overrideList{Items: mapOverrides(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-override",
		Method:      http.MethodDelete,
		Path:        "/rosters/{roster_id}/overrides/{id}",
		Summary:     "Remove override",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
		ID       string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetOverride(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if o.RosterID != input.RosterID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "override not found in roster", nil)
		}
		if err := e.RemoveOverride(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSchedule(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "roster-schedule",
		Method:      http.MethodGet,
		Path:        "/rosters/{roster_id}/schedule",
		Summary:     "Render the stored roster timeline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
		From     string `query:"from"`
		Until    string `query:"until"`
	}) (*struct {
		Body []EntryResponse `json:"body"`
	}, error) {
		if input.From == "" || input.Until == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and until are required", nil)
		}
		from, err := engine.ParseTime(input.From)
		if err != nil {
			return nil, handleError(err)
		}
		until, err := engine.ParseTime(input.Until)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.RenderSchedule(ctx, input.RosterID, from, until)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntryResponse `json:"body"`
		}{Body: mapEntries(entries)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/rosters/{roster_id}/events",
		Summary:     "Recent roster events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RosterID string `path:"roster_id"`
		Limit    int    `query:"limit" default:"20"`
		Type     string `query:"type"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRoster(ctx, input.RosterID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.RosterID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: items}}, nil
	})
}

func rotationConfig(req SetRotationRequest) config.RotationConfig {
	return config.RotationConfig{
		Participants:         req.Users,
		HandoverStartAt:      req.HandoverStartAt,
		HandoverIntervalDays: req.HandoverIntervalDays,
	}
}
