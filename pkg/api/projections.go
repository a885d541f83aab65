package api

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/projection"
)

// handleProjectionRows lists a projection's rows. q narrows the listing by
// the fold-normalized search column, so "MÜLLER" and "muller" find the same
// vendors.
func (s *Server) handleProjectionRows(w http.ResponseWriter, r *http.Request) {
	spec, err := s.deps.Projections.Table(r.PathValue("type"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	q := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	var rows []map[string]any
	err = database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		if q != "" {
			rows, err = projection.SearchRows(r.Context(), uow, spec, q, limit, offset)
		} else {
			rows, err = projection.ListRows(r.Context(), uow, spec, limit, offset)
		}
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projection_type": spec.ProjectionType,
		"rows":            rows,
		"count":           len(rows),
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize int `json:"batch_size"`
	}
	if err := decodeOptionalBody(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	report, err := s.deps.Projections.Rebuild(r.Context(), s.deps.DB, r.PathValue("type"),
		projection.RebuildOptions{BatchSize: req.BatchSize})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	projectionType := r.PathValue("type")
	if _, err := s.deps.Projections.Table(projectionType); err != nil {
		WriteError(w, r, err)
		return
	}

	var letters []projection.DeadLetter
	err := database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		letters, err = s.deps.Projections.DeadLetters(r.Context(), uow, projectionType)
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if letters == nil {
		letters = []projection.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projection_type": projectionType,
		"dead_letters":    letters,
		"count":           len(letters),
	})
}
