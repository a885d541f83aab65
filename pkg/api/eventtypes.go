package api

import (
	"encoding/json"
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/database"
	"github.com/Mindburn-Labs/keel/pkg/registry"
)

func (s *Server) handleListEventTypes(w http.ResponseWriter, r *http.Request) {
	var types []registry.TypeSummary
	err := database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		types, err = s.deps.Registry.ListTypes(r.Context(), uow)
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if types == nil {
		types = []registry.TypeSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_types": types,
		"count":       len(types),
	})
}

func (s *Server) handleGetEventType(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var versions []registry.RegisteredType
	err := database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		var err error
		versions, err = s.deps.Registry.ListVersions(r.Context(), uow, name)
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if len(versions) == 0 {
		WriteError(w, r, apperr.NotFound("event_type", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type_name": name,
		"versions":  versions,
	})
}

func (s *Server) handleRegisterEventType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TypeName      string          `json:"type_name"`
		SchemaVersion string          `json:"schema_version"`
		JSONSchema    json.RawMessage `json:"json_schema"`
		Description   string          `json:"description"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	var registered *registry.RegisteredType
	err := database.InTx(r.Context(), s.deps.DB, func(uow *database.UnitOfWork) error {
		if err := s.deps.Registry.Register(r.Context(), uow, req.TypeName, req.SchemaVersion, req.JSONSchema, req.Description); err != nil {
			return err
		}
		var err error
		registered, err = s.deps.Registry.Get(r.Context(), uow, req.TypeName, req.SchemaVersion)
		return err
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}
