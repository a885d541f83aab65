package api

import (
	"net/http"
)

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Snapshots.Create(r.Context(), r.PathValue("type"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	projectionType := r.PathValue("type")
	if _, err := s.deps.Projections.Table(projectionType); err != nil {
		WriteError(w, r, err)
		return
	}
	snaps, err := s.deps.Snapshots.List(r.Context(), projectionType)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projection_type": projectionType,
		"snapshots":       snaps,
		"count":           len(snaps),
	})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	restored, err := s.deps.Snapshots.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows_restored": restored})
}
