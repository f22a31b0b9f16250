package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rat-data/agentd/internal/domain"
)

type createFlowRequest struct {
	Slug string            `json:"slug"`
	Name string            `json:"name"`
	Meta map[string]string `json:"meta,omitempty"`
}

// HandleCreateFlow creates a Flow, the long-lived authoring context threads
// and pipelines hang off.
func (s *Server) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validSlug(req.Slug) {
		errorJSONForRequest(w, r, "slug must be lowercase alphanumeric with internal hyphens", CodeValidation, http.StatusUnprocessableEntity)
		return
	}
	if req.Name == "" {
		errorJSONForRequest(w, r, "name is required", CodeValidation, http.StatusUnprocessableEntity)
		return
	}

	flow := &domain.Flow{Slug: req.Slug, Name: req.Name, Meta: req.Meta}
	if err := s.Flows.CreateFlow(r.Context(), flow); err != nil {
		respondDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

// HandleGetFlow fetches a Flow by ID.
func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "flowID"))
	if err != nil {
		errorJSONForRequest(w, r, "invalid flow id", CodeValidation, http.StatusUnprocessableEntity)
		return
	}
	flow, err := s.Flows.GetFlow(r.Context(), id)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}
