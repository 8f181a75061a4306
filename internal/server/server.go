// Package server exposes the governance engine over HTTP. Every mutation
// dispatches into the same engine entry points as the CLI, so the commit
// protocol and identity rules hold regardless of transport.
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

	"github.com/daviddfraser-source/control-plane/internal/app"
	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/engine"
	"github.com/daviddfraser-source/control-plane/internal/engine/auth"
	"github.com/daviddfraser-source/control-plane/internal/events"
	"github.com/daviddfraser-source/control-plane/internal/fsx"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
}

// errorBody mirrors the CLI result envelope on the failure side.
type errorBody struct {
	OK         bool     `json:"ok"`
	Code       string   `json:"code" example:"wrong_status"`
	Message    string   `json:"message" example:"p2 is in_progress, not pending"`
	NextStates []string `json:"next_states,omitempty"`
}

// apiError models the error envelope for huma.
type apiError struct {
	status int
	Body   errorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the governance API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("server: runtime is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the result envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request validation is caller usage; 422 is reserved for
			// rejected governance documents.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Governance API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(router, cfg.Runtime)
	registerIntegrity(group, cfg.Runtime)
	registerStatus(group, cfg.Runtime)
	registerReady(group, cfg.Runtime)
	registerPacketActions(group, cfg.Runtime)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, nextStates ...string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: errorBody{
			OK:         false,
			Code:       code,
			Message:    message,
			NextStates: nextStates,
		},
	}
}

// handleError maps engine errors onto the HTTP surface: 400 usage, 403 role,
// 404 unknown id, 409 governance rejection or lock contention, 412 unmet
// precondition, 422 rejected document, 503 integrity failure.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		status := http.StatusConflict
		if te.Code == "dependency_unmet" || te.Code == "context_attestation_missing" {
			status = http.StatusPreconditionFailed
		}
		return newAPIError(status, te.Code, err.Error(), te.NextStates...)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error())
	}
	var ue engine.UsageError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadRequest, "usage", err.Error())
	}
	var se *domain.SchemaError
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "schema_invalid", err.Error())
	}
	if errors.Is(err, domain.ErrPacketNotFound) || errors.Is(err, domain.ErrAreaNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	if errors.Is(err, fsx.ErrLockBusy) {
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error())
	}
	if isIntegrity(err) {
		return newAPIError(http.StatusServiceUnavailable, "integrity_failure", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
}

func isIntegrity(err error) bool {
	var ie app.IntegrityError
	var cle *dcl.ConfigLockError
	if errors.As(err, &ie) || errors.As(err, &cle) || errors.Is(err, events.ErrLogChainBroken) {
		return true
	}
	for _, target := range []error{
		dcl.ErrSeqDiscontinuity, dcl.ErrPrevHashMismatch, dcl.ErrStateHashMismatch,
		dcl.ErrHeadDrift, dcl.ErrCommitHashMismatch, dcl.ErrRuntimeBindingMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "usage"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusUnprocessableEntity:
		return "schema_invalid"
	case http.StatusServiceUnavailable:
		return "integrity_failure"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireMutable gates every mutation behind role authorization and the
// startup doctor verdict: an unhealthy fail-open root serves reads only.
func requireMutable(ctx context.Context, rt *app.Runtime, action string) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if !rt.Healthy() {
		return Principal{}, newAPIError(http.StatusServiceUnavailable, "integrity_failure",
			fmt.Sprintf("mutations refused: integrity check failed (%s): %s",
				rt.Report.Mode, strings.Join(rt.Report.Failures, "; ")))
	}
	if err := auth.Ensure(principal.Role, action); err != nil {
		return Principal{}, handleError(err)
	}
	return principal, nil
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
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Security = []map[string][]string{{"bearerAuth": {}}}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Governance API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(r chi.Router, rt *app.Runtime) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Healthy: rt.Healthy(),
		})
	})
}

func registerIntegrity(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "integrity",
		Method:      http.MethodGet,
		Path:        "/integrity",
		Summary:     "Startup integrity verdict",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body IntegrityResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body IntegrityResponse `json:"body"`
		}{Body: IntegrityResponse{Healthy: rt.Healthy(), Report: rt.Report}}, nil
	})
}

func registerStatus(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Project board",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := rt.Engine.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerReady(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Claimable packets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.ReadyPacket `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		rows, err := rt.Engine.Ready(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ReadyPacket `json:"body"`
		}{Body: rows}, nil
	})
}

func registerPacketActions(api huma.API, rt *app.Runtime) {
	actionErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusPreconditionFailed,
		http.StatusServiceUnavailable,
	}

	huma.Register(api, huma.Operation{
		OperationID: "claim-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{id}/claim",
		Summary:     "Claim a pending packet",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body PacketResult `json:"body"`
	}, error) {
		principal, authErr := requireMutable(ctx, rt, "claim")
		if authErr != nil {
			return nil, authErr
		}
		ps, err := rt.Engine.Claim(ctx, engine.ClaimOptions{
			PacketID:           input.ID,
			Actor:              principal.Actor,
			ContextAttestation: input.Body.ContextAttestation,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return packetResult(fmt.Sprintf("%s claimed by %s", ps.PacketID, ps.AssignedTo), ps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{id}/done",
		Summary:     "Complete a packet with evidence",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body DoneRequest `json:"body"`
	}) (*struct {
		Body PacketResult `json:"body"`
	}, error) {
		principal, authErr := requireMutable(ctx, rt, "done")
		if authErr != nil {
			return nil, authErr
		}
		var residual any = "none"
		if len(input.Body.ResidualRisk) > 0 {
			if err := json.Unmarshal(input.Body.ResidualRisk, &residual); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "usage", "residual_risk is not valid JSON")
			}
		}
		ps, err := rt.Engine.Done(ctx, engine.DoneOptions{
			PacketID:     input.ID,
			Actor:        principal.Actor,
			Evidence:     input.Body.Evidence,
			ResidualRisk: residual,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return packetResult(fmt.Sprintf("%s is %s", ps.PacketID, ps.Status), ps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "note-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{id}/note",
		Summary:     "Append evidence narrative",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*struct {
		Body PacketResult `json:"body"`
	}, error) {
		principal, authErr := requireMutable(ctx, rt, "note")
		if authErr != nil {
			return nil, authErr
		}
		ps, err := rt.Engine.Note(ctx, input.ID, principal.Actor, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return packetResult(fmt.Sprintf("%s noted", ps.PacketID), ps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{id}/fail",
		Summary:     "Fail a packet",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body FailRequest `json:"body"`
	}) (*struct {
		Body PacketResult `json:"body"`
	}, error) {
		principal, authErr := requireMutable(ctx, rt, "fail")
		if authErr != nil {
			return nil, authErr
		}
		ps, err := rt.Engine.Fail(ctx, input.ID, principal.Actor, principal.Role, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return packetResult(fmt.Sprintf("%s failed", ps.PacketID), ps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-packet",
		Method:      http.MethodPost,
		Path:        "/packets/{id}/heartbeat",
		Summary:     "Record executor liveness",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body HeartbeatRequest `json:"body"`
	}) (*struct {
		Body PacketResult `json:"body"`
	}, error) {
		principal, authErr := requireMutable(ctx, rt, "heartbeat")
		if authErr != nil {
			return nil, authErr
		}
		ps, err := rt.Engine.Heartbeat(ctx, engine.HeartbeatOptions{
			PacketID:           input.ID,
			Actor:              principal.Actor,
			Status:             input.Body.Status,
			Decisions:          input.Body.Decisions,
			Obstacles:          input.Body.Obstacles,
			CompletionEstimate: input.Body.CompletionEstimate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return packetResult(fmt.Sprintf("%s heartbeat recorded", ps.PacketID), ps), nil
	})
}

func packetResult(message string, ps domain.PacketState) *struct {
	Body PacketResult `json:"body"`
} {
	return &struct {
		Body PacketResult `json:"body"`
	}{Body: PacketResult{OK: true, Code: "ok", Message: message, State: ps}}
}
