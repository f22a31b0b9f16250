package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rat-data/agentd/internal/domain"
)

type schemaChannelResponse struct {
	Channel    *domain.SchemaChannel    `json:"channel"`
	Definition *domain.SchemaDefinition `json:"definition"`
}

// HandleGetSchemaChannel resolves a named schema channel (e.g. "stable") to
// its currently active schema definition, so clients can fetch the JSON
// schema a pipeline must validate against without tracking definition IDs.
func (s *Server) HandleGetSchemaChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		errorJSONForRequest(w, r, "channel name is required", CodeValidation, http.StatusUnprocessableEntity)
		return
	}

	channel, err := s.Schemas.GetSchemaChannel(r.Context(), name)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}
	def, err := s.Schemas.GetSchemaDefinition(r.Context(), channel.ActiveSchemaDefID)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemaChannelResponse{Channel: channel, Definition: def})
}
