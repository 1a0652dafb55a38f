package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dossierflow/internal/domain"
	"dossierflow/internal/engine"
	"dossierflow/internal/ledger"
	"dossierflow/internal/notify"
	"dossierflow/internal/repo"
	"dossierflow/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Broker   *notify.Broker
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"guard_not_satisfied"`
	Message string         `json:"message" example:"guard for ordonnancement not satisfied: 1 item(s) rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dossierflow API.
func New(cfg Config) (http.Handler, error) {
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Dossierflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDossiers(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerVerifications(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerEventsWatch(router, basePath, cfg.Broker)
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

// handleError maps the workflow taxonomy onto the HTTP envelope. Every
// branch keeps enough structure for the UI to render a precise message.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var forbidden workflow.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"role":       string(forbidden.Role),
			"transition": string(forbidden.Transition),
		})
	}
	var guard workflow.GuardNotSatisfiedError
	if errors.As(err, &guard) {
		return newAPIError(http.StatusUnprocessableEntity, "guard_not_satisfied", err.Error(), map[string]any{
			"missing":  guard.Missing,
			"rejected": guard.Rejected,
		})
	}
	var illegal workflow.IllegalTransitionError
	if errors.As(err, &illegal) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from": string(illegal.From),
		})
	}
	var conflict workflow.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), map[string]any{
			"dossier_id": conflict.DossierID,
		})
	}
	var invalid workflow.ValidationErr
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{
			"field": invalid.Field,
		})
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
		return "guard_not_satisfied"
	case http.StatusForbidden:
		return "forbidden"
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

func registerDossiers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dossier",
		Method:        http.MethodPost,
		Path:          "/dossiers",
		Summary:       "Submit a new dossier",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDossierRequest `json:"body"`
	}) (*struct {
		Body domain.Dossier `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			Reference: input.Body.Reference,
			Title:     stringOrEmpty(input.Body.Title),
			Role:      p.Role,
			ActorID:   p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		d, err := e.CreateDossier(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dossier `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dossiers",
		Method:      http.MethodGet,
		Path:        "/dossiers",
		Summary:     "List dossiers",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",EN_ATTENTE,VALIDÉ_CB,REJETÉ_CB,VALIDÉ_ORDONNATEUR,PAYÉ,TERMINÉ"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedDossiers `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		cursorCreated, cursorID, err := repo.ParseCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		dossiers, err := e.ListDossiers(ctx, repo.DossierFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDossiers{Items: []domain.Dossier{}}
		if len(dossiers) > limit {
			dossiers = dossiers[:limit]
			// The cursor names the last returned row; the repo returns
			// only rows strictly past it in sort order.
			last := dossiers[limit-1]
			resp.NextCursor = repo.ComposeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = dossiers
		return &struct {
			Body paginatedDossiers `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dossier",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}",
		Summary:     "Get dossier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Dossier `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDossier(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dossier `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dossier-history",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}/history",
		Summary:     "Dossier audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body historyResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		entries, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body historyResponse `json:"body"`
		}{Body: historyResponse{DossierID: input.ID, Entries: entries}}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPost,
		Path:        "/dossiers/{id}/transitions",
		Summary:     "Apply a workflow transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyTransition(ctx, engine.ApplyOptions{
			DossierID:  input.ID,
			Role:       p.Role,
			Transition: workflow.Name(input.Body.Transition),
			Reason:     stringOrEmpty(input.Body.Reason),
			Details:    stringOrEmpty(input.Body.Details),
			Comment:    stringOrEmpty(input.Body.Comment),
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			DossierID:    input.ID,
			Status:       string(res.Status),
			AuditEntryID: res.AuditEntryID,
			Replayed:     res.Replayed,
		}}, nil
	})
}

func registerVerifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-verification",
		Method:      http.MethodPut,
		Path:        "/dossiers/{id}/verifications/{item_id}",
		Summary:     "Record one verification decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID     string                    `path:"id"`
		ItemID string                    `path:"item_id"`
		Body   RecordVerificationRequest `json:"body"`
	}) (*struct {
		Body domain.VerificationRecord `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordVerification(ctx, p.Role, ledger.RecordOptions{
			DossierID:     input.ID,
			ItemID:        input.ItemID,
			Outcome:       domain.Outcome(input.Body.Outcome),
			Justification: stringOrEmpty(input.Body.Justification),
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verifications",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}/verifications",
		Summary:     "List recorded verifications",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.VerificationRecord `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		recs, err := e.ListRecords(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.VerificationRecord{}
		}
		return &struct {
			Body []domain.VerificationRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-synthesis",
		Method:      http.MethodGet,
		Path:        "/dossiers/{id}/synthesis",
		Summary:     "Verification synthesis for a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stage string `query:"stage" default:"ordonnateur" enum:"cb,ordonnateur"`
	}) (*struct {
		Body domain.VerificationSynthesis `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSynthesis(ctx, input.ID, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationSynthesis `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-verifications",
		Method:      http.MethodDelete,
		Path:        "/dossiers/{id}/verifications/categories/{category_id}",
		Summary:     "Reset a category's verifications",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		CategoryID string `path:"category_id"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResetVerifications(ctx, p.Role, input.ID, input.CategoryID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Verification catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []catalogCategory `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		labels := map[string]string{}
		if e.Config != nil {
			for _, cat := range e.Config.Catalog {
				labels[cat.ID] = cat.Label
			}
		}
		var out []catalogCategory
		index := map[string]int{}
		for _, item := range items {
			i, ok := index[item.CategoryID]
			if !ok {
				i = len(out)
				index[item.CategoryID] = i
				out = append(out, catalogCategory{
					ID:    item.CategoryID,
					Label: labels[item.CategoryID],
					Stage: string(item.Stage),
				})
			}
			out[i].Items = append(out[i].Items, item)
		}
		return &struct {
			Body []catalogCategory `json:"body"`
		}{Body: out}, nil
	})
}

// registerEventsWatch streams committed transition events over SSE.
// Listeners subscribe instead of polling dossier state; unsubscribing is
// closing the connection.
func registerEventsWatch(r chi.Router, basePath string, broker *notify.Broker) {
	if broker == nil {
		return
	}
	r.Get(path.Join(basePath, "events/watch"), func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		events := broker.Subscribe(req.Context())
		for evt := range events {
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(swaggerHTML(basePath)))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dossierflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;, X-Api-Key, or X-Actor-Id/X-Actor-Role headers.
    </p>
  </body>
</html>`, specURL)
}
