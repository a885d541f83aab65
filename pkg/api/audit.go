package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/eventstore"
)

// handleListEvents pages through the log. after_sequence is the string form
// of the last sequence the caller saw; the page's next_sequence feeds the
// next call.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := contracts.ParseSequence(q.Get("after_sequence"))
	if err != nil {
		WriteError(w, r, apperr.Validation("after_sequence", "invalid_sequence", err.Error()))
		return
	}

	filter := eventstore.StreamFilter{
		AfterSequence: after,
		Limit:         queryInt(r, "limit", eventstore.DefaultReadLimit),
		EventType:     q.Get("event_type"),
		CorrelationID: q.Get("correlation_id"),
		TenantID:      q.Get("tenant_id"),
		LegalEntity:   q.Get("legal_entity"),
	}

	var page *eventstore.StreamPage
	err = database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		page, err = s.deps.Events.ReadStream(r.Context(), uow, filter)
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	var evt *contracts.Event
	err := database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		evt, err = s.deps.Events.GetByID(r.Context(), uow, r.PathValue("id"))
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}
