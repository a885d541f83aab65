package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// handleSubmitIntent runs one intent through the pipeline. The actor always
// comes from the verified token, never from the body. A rejected or routed
// intent is still a pipeline result, not an HTTP error; routing answers 202.
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var in contracts.Intent
	if err := decodeBody(w, r, &in); err != nil {
		WriteError(w, r, err)
		return
	}

	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		WriteError(w, r, &apperr.AuthenticationError{Message: "no actor on request"})
		return
	}
	in.Actor = actor

	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := s.deps.Pipeline.Submit(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == contracts.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleApproveIntent(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		WriteError(w, r, &apperr.AuthenticationError{Message: "no actor on request"})
		return
	}

	res, err := s.deps.Pipeline.Approve(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	stored, err := s.deps.Pipeline.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handlePendingIntents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	pending, err := s.deps.Pipeline.PendingIntents(r.Context(), limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intents": pending,
		"count":   len(pending),
	})
}
