package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

func writeAndDecode(t *testing.T, err error) (*httptest.ResponseRecorder, Problem) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/things/42", nil)
	WriteError(rec, req, err)

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return rec, p
}

func TestWriteErrorValidation(t *testing.T) {
	rec, p := writeAndDecode(t, &apperr.ValidationError{
		Field:   "payload",
		Code:    "schema_validation",
		Message: "payload does not match mdm.vendor.created@1.0.0",
		Details: []string{"missing properties: 'name'"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.Equal(t, "Validation Failed", p.Title)
	require.Equal(t, "schema_validation", p.Code)
	require.Equal(t, "payload", p.Field)
	require.Equal(t, []string{"missing properties: 'name'"}, p.Details)
	require.Equal(t, "/things/42", p.Instance)
	require.Equal(t, "https://keel.mindburn.dev/errors/400", p.Type)
}

func TestWriteErrorAuthentication(t *testing.T) {
	rec, p := writeAndDecode(t, &apperr.AuthenticationError{Message: "missing bearer token"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "authentication_failed", p.Code)
	require.Equal(t, "missing bearer token", p.Detail)
}

func TestWriteErrorAuthorization(t *testing.T) {
	rec, p := writeAndDecode(t, &apperr.AuthorizationError{
		Message:    "actor lacks capability",
		Capability: "mdm.vendor.create",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "not_authorized", p.Code)
	require.Equal(t, "mdm.vendor.create", p.Capability)
}

func TestWriteErrorNotFound(t *testing.T) {
	rec, p := writeAndDecode(t, apperr.NotFound("vendor", "v_404"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", p.Code)
	require.Equal(t, "vendor", p.Resource)
	require.Contains(t, p.Detail, "v_404")
}

func TestWriteErrorConcurrencyConflict(t *testing.T) {
	rec, p := writeAndDecode(t, &apperr.ConcurrencyConflictError{
		EntityType: "vendor", EntityID: "v_1", Expected: 3, Actual: 4,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "concurrency_conflict", p.Code)
	require.Equal(t, "vendor", p.EntityType)
	require.Equal(t, "v_1", p.EntityID)
	require.NotNil(t, p.ExpectedVersion)
	require.Equal(t, int64(3), *p.ExpectedVersion)
	require.NotNil(t, p.ActualVersion)
	require.Equal(t, int64(4), *p.ActualVersion)
}

func TestWriteErrorIdempotencyConflict(t *testing.T) {
	rec, p := writeAndDecode(t, &apperr.IdempotencyConflictError{
		Key: "key-1", ExistingEventID: "evt_1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "idempotency_conflict", p.Code)
	require.Equal(t, "key-1", p.IdempotencyKey)
	require.Equal(t, "evt_1", p.ExistingEventID)
}

func TestWriteErrorHidesInternals(t *testing.T) {
	rec, p := writeAndDecode(t, errors.New("pq: connection refused on 10.0.0.7"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal", p.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestWriteErrorWrappedStorage(t *testing.T) {
	// A taxonomy error inside a storage wrap still maps to its own status.
	err := apperr.Storage("read", apperr.NotFound("event", "evt_9"))
	rec, p := writeAndDecode(t, err)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", p.Code)
}

func TestWriteTooManyRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/intents", nil)
	WriteTooManyRequests(rec, req, 7)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "7", rec.Header().Get("Retry-After"))

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, "rate_limited", p.Code)
}
