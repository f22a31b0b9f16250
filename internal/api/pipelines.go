package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// HandlePublishPipeline promotes a pipeline draft to the flow's single
// published pipeline. Enforced transactionally by the store (exclusive
// one-published-pipeline-per-flow invariant, spec 4.4); a concurrent
// publish attempt on the same flow surfaces as PIPELINE_PUBLISH_CONFLICT.
func (s *Server) HandlePublishPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		errorJSONForRequest(w, r, "invalid pipeline id", CodeValidation, http.StatusUnprocessableEntity)
		return
	}

	pipeline, err := s.Pipelines.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}

	if err := s.Runs.PublishPipeline(r.Context(), pipeline.FlowID, pipelineID); err != nil {
		respondDomainErr(w, r, err)
		return
	}

	published, err := s.Pipelines.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}
	s.Bus.Publish(pipeline.FlowID.String(), "pipeline.published", map[string]interface{}{
		"pipeline_id": published.ID,
		"version":     published.Version,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"flow_id":      published.FlowID,
		"version":      published.Version,
		"is_published": true,
	})
}
