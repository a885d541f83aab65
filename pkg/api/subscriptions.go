package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

func (s *Server) handleRegisterSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriberID string   `json:"subscriber_id"`
		EventTypes   []string `json:"event_types"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	sub, err := s.deps.Subscriptions.Register(r.Context(), req.SubscriberID, req.EventTypes)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Subscriptions.List(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// handleAcknowledge advances a subscriber's cursor. The sequence arrives in
// its string form, like everywhere else on the wire.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sequence contracts.Sequence `json:"sequence"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	sub, err := s.deps.Subscriptions.Acknowledge(r.Context(), r.PathValue("id"), req.Sequence)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePollSubscription(w http.ResponseWriter, r *http.Request) {
	page, err := s.deps.Subscriptions.Poll(r.Context(), r.PathValue("id"), queryInt(r, "limit", 0))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
