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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"case modified concurrently"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trustline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema/request validation errors surface as invalid input.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trustline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
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

// handleError maps the domain error taxonomy onto the HTTP envelope. The
// two 409 causes keep distinct codes so a caller can tell a lost race
// (re-read and retry) from a terminal case (stop retrying).
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "case not found", nil)
	case errors.Is(err, domain.ErrAlreadyClosed):
		return newAPIError(http.StatusConflict, "already_closed", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", "case modified concurrently, re-read and retry", nil)
	default:
		// Engine operations return either taxonomy sentinels or raw
		// storage errors, so anything unclassified here is a store
		// failure rather than a handler bug.
		return newAPIError(http.StatusInternalServerError, "store_unavailable", "storage unavailable", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases visible to the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,dormant,closed" required:"false"`
		Limit  int    `query:"limit" minimum:"1" maximum:"100" required:"false"`
		Offset int    `query:"offset" minimum:"0" required:"false"`
	}) (*struct {
		Body ListCasesResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		offset := input.Offset
		if offset < 0 {
			offset = 0
		}
		cases, total, err := e.ListCases(ctx, p, repo.CaseFilters{Status: input.Status, Limit: limit, Offset: offset})
		if err != nil {
			return nil, handleError(err)
		}
		if cases == nil {
			cases = []domain.Case{}
		}
		return &struct {
			Body ListCasesResponse `json:"body"`
		}{Body: ListCasesResponse{Cases: cases, Total: total, Limit: limit, Offset: offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, p, engine.CaseCreateOptions{
			AgentID:       input.Body.AgentID,
			BuyerName:     input.Body.BuyerName,
			BuyerContact:  input.Body.BuyerContact,
			PropertyID:    input.Body.PropertyID,
			PropertyTitle: input.Body.PropertyTitle,
			TransactionID: input.Body.TransactionID,
			OfferPrice:    input.Body.OfferPrice,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get a case with its event trail",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseDetailResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.GetCase(ctx, p, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CaseDetailResponse{Case: detail.Case, Events: detail.Events, ChainOK: detail.Chain.OK}
		if !detail.Chain.OK {
			broken := detail.Chain.BrokenAt
			resp.ChainBrokenAt = &broken
		}
		if resp.Events == nil {
			resp.Events = []domain.CaseEvent{}
		}
		return &struct {
			Body CaseDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPatch,
		Path:        "/cases/{case_id}",
		Summary:     "Advance a case through the step flow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string             `path:"case_id"`
		Body   AdvanceStepRequest `json:"body"`
	}) (*struct {
		Body AdvanceStepResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AdvanceStep(ctx, p, input.CaseID, engine.AdvanceStepOptions{
			NewStep:    input.Body.NewStep,
			Action:     input.Body.Action,
			Actor:      domain.Role(input.Body.Actor),
			Detail:     input.Body.Detail,
			OfferPrice: input.Body.OfferPrice,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceStepResponse `json:"body"`
		}{Body: AdvanceStepResponse{
			Success:       true,
			CaseID:        res.Case.ID,
			OldStep:       res.OldStep,
			NewStep:       res.NewStep,
			PropertyTitle: res.Case.PropertyTitle,
			EventHash:     res.EventHash,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/close",
		Summary:     "Close a case with a whitelisted reason",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string           `path:"case_id"`
		Body   CloseCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CloseCase(ctx, p, input.CaseID, domain.CloseReason(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-chain",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/chain",
		Summary:     "Verify a case's event chain",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body ChainReportResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.VerifyChain(ctx, p, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ChainReportResponse{CaseID: input.CaseID, OK: rep.OK, Verified: rep.Verified, Legacy: rep.Legacy}
		if !rep.OK {
			broken := rep.BrokenAt
			resp.BrokenAt = &broken
		}
		return &struct {
			Body ChainReportResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dormant-sweep",
		Method:      http.MethodPost,
		Path:        "/cases/dormant-sweep",
		Summary:     "Mark idle active cases dormant (system only)",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body DormantSweepRequest `json:"body"`
	}) (*struct {
		Body DormantSweepResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		days := input.Body.IdleDays
		if days <= 0 {
			days = e.Config.Case.DormantAfterDays
		}
		if days <= 0 {
			days = 14
		}
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		n, err := e.MarkDormantCases(ctx, p, cutoff)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DormantSweepResponse `json:"body"`
		}{Body: DormantSweepResponse{MarkedDormant: n}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	oas.Components.SecuritySchemes["systemKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-System-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
		{"systemKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Trustline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;, X-Api-Key, or X-System-Key.
    </p>
  </body>
</html>`, specURL)
}
