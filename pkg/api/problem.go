// Package api is the HTTP surface. Handlers translate requests into pipeline
// and store calls and map the error taxonomy onto RFC 7807 problem documents;
// middleware carries request ids, logging, recovery, CORS, authentication and
// rate limiting.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Problem implements RFC 7807 (Problem Details for HTTP APIs) plus the
// extension members each error class carries.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Extensions.
	Code            string   `json:"code,omitempty"`
	Field           string   `json:"field,omitempty"`
	Details         []string `json:"details,omitempty"`
	Resource        string   `json:"resource,omitempty"`
	Capability      string   `json:"capability,omitempty"`
	EntityType      string   `json:"entity_type,omitempty"`
	EntityID        string   `json:"entity_id,omitempty"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
	ActualVersion   *int64   `json:"actual_version,omitempty"`
	IdempotencyKey  string   `json:"idempotency_key,omitempty"`
	ExistingEventID string   `json:"existing_event_id,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes one problem document, filling type, instance and
// trace id from the request context.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *Problem) {
	p.Type = fmt.Sprintf("https://keel.mindburn.dev/errors/%d", p.Status)
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError maps a taxonomy error onto its problem document. Anything
// outside the taxonomy is an internal error: logged, never exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *apperr.ValidationError
		ae *apperr.AuthenticationError
		az *apperr.AuthorizationError
		nf *apperr.NotFoundError
		cc *apperr.ConcurrencyConflictError
		ic *apperr.IdempotencyConflictError
	)
	switch {
	case errors.As(err, &ve):
		WriteProblem(w, r, &Problem{
			Title:   "Validation Failed",
			Status:  http.StatusBadRequest,
			Detail:  ve.Message,
			Code:    ve.Code,
			Field:   ve.Field,
			Details: ve.Details,
		})
	case errors.As(err, &ae):
		WriteProblem(w, r, &Problem{
			Title:  "Unauthorized",
			Status: http.StatusUnauthorized,
			Detail: ae.Message,
			Code:   "authentication_failed",
		})
	case errors.As(err, &az):
		WriteProblem(w, r, &Problem{
			Title:      "Forbidden",
			Status:     http.StatusForbidden,
			Detail:     az.Message,
			Code:       "not_authorized",
			Capability: az.Capability,
		})
	case errors.As(err, &nf):
		WriteProblem(w, r, &Problem{
			Title:    "Not Found",
			Status:   http.StatusNotFound,
			Detail:   nf.Error(),
			Code:     "not_found",
			Resource: nf.Resource,
		})
	case errors.As(err, &cc):
		expected, actual := cc.Expected, cc.Actual
		WriteProblem(w, r, &Problem{
			Title:           "Concurrency Conflict",
			Status:          http.StatusConflict,
			Detail:          cc.Error(),
			Code:            "concurrency_conflict",
			EntityType:      cc.EntityType,
			EntityID:        cc.EntityID,
			ExpectedVersion: &expected,
			ActualVersion:   &actual,
		})
	case errors.As(err, &ic):
		WriteProblem(w, r, &Problem{
			Title:           "Idempotency Conflict",
			Status:          http.StatusConflict,
			Detail:          ic.Error(),
			Code:            "idempotency_conflict",
			IdempotencyKey:  ic.Key,
			ExistingEventID: ic.ExistingEventID,
		})
	default:
		slog.Error("internal server error", "error", err, "path", pathOf(r))
		WriteProblem(w, r, &Problem{
			Title:  "Internal Server Error",
			Status: http.StatusInternalServerError,
			Detail: "An unexpected error occurred. Please try again later.",
			Code:   "internal",
		})
	}
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, &Problem{
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
		Code:   "rate_limited",
	})
}

func pathOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
