// Package server exposes a read-only HTTP view of the engine's state:
// project records, claims, and the event journal. Mutations stay with the
// CLI and the daemon so the record file remains the single locking domain.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"changeline/internal/claim"
	"changeline/internal/domain"
	"changeline/internal/events"
	"changeline/internal/record"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *record.Store
	Claims   *claim.Manager
	Journal  *events.Writer
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project demo not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var corrupt *domain.CorruptRecordError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &corrupt):
		return newAPIError(http.StatusConflict, "corrupt_record", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// New returns the HTTP handler for the status API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Changeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Store)
	registerSpecs(group, cfg.Store)
	registerClaims(group, cfg.Claims)
	registerEvents(group, cfg.Journal)

	return router, nil
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Service health",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type projectListOutput struct {
	Body struct {
		Projects []string `json:"projects"`
	}
}

func registerProjects(api huma.API, store *record.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List tracked projects",
	}, func(ctx context.Context, _ *struct{}) (*projectListOutput, error) {
		names, err := store.List()
		if err != nil {
			return nil, handleError(err)
		}
		out := &projectListOutput{}
		out.Body.Projects = names
		return out, nil
	})
}

type specSummary struct {
	Name      string        `json:"name"`
	Status    domain.Status `json:"status"`
	Parent    string        `json:"parent,omitempty"`
	CLRef     string        `json:"cl_reference,omitempty"`
	Entries   int           `json:"entries"`
	Proposals int           `json:"proposals"`
	Hooks     int           `json:"hooks"`
	Comments  int           `json:"comments"`
}

type projectOutput struct {
	Body struct {
		Name  string        `json:"name"`
		Specs []specSummary `json:"specs"`
	}
}

type specOutput struct {
	Body domain.ChangeSpec
}

func registerSpecs(api huma.API, store *record.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project}",
		Summary:     "Project record summary",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*projectOutput, error) {
		p, err := store.Load(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		out := &projectOutput{}
		out.Body.Name = p.Name
		for _, s := range p.Specs {
			sum := specSummary{
				Name:     s.Name,
				Status:   s.Status,
				Parent:   s.Parent,
				CLRef:    s.CLRef,
				Entries:  len(s.History),
				Hooks:    len(s.Hooks),
				Comments: len(s.Comments),
			}
			for _, e := range s.History {
				if e.Proposed() {
					sum.Proposals++
				}
			}
			out.Body.Specs = append(out.Body.Specs, sum)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-spec",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/specs/{name}",
		Summary:     "Full ChangeSpec",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Name    string `path:"name"`
	}) (*specOutput, error) {
		p, err := store.Load(input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		spec, ok := p.Spec(input.Name)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "spec "+input.Name+" not found", nil)
		}
		return &specOutput{Body: *spec}, nil
	})
}

type claimsOutput struct {
	Body struct {
		Claims []domain.WorkspaceClaim `json:"claims"`
	}
}

func registerClaims(api huma.API, claims *claim.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "Live workspace claims",
	}, func(ctx context.Context, _ *struct{}) (*claimsOutput, error) {
		list, err := claims.List()
		if err != nil {
			return nil, handleError(err)
		}
		out := &claimsOutput{}
		out.Body.Claims = list
		return out, nil
	})
}

type eventsOutput struct {
	Body struct {
		Events []events.Event `json:"events"`
	}
}

func registerEvents(api huma.API, journal *events.Writer) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent journal events",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
		Limit   int    `query:"limit"`
	}) (*eventsOutput, error) {
		list, err := journal.Tail(ctx, input.Project, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &eventsOutput{}
		out.Body.Events = list
		return out, nil
	})
}
