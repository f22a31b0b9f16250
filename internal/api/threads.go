package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/intake"
	"github.com/rat-data/agentd/internal/runengine"
)

// HandleCreateThread starts a new conversation thread within a flow.
func (s *Server) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	flowID, err := uuid.Parse(chi.URLParam(r, "flowID"))
	if err != nil {
		errorJSONForRequest(w, r, "invalid flow id", CodeValidation, http.StatusUnprocessableEntity)
		return
	}
	if _, err := s.Flows.GetFlow(r.Context(), flowID); err != nil {
		respondDomainErr(w, r, err)
		return
	}

	thread := &domain.Thread{FlowID: flowID}
	if snapID, err := s.captureContextSnapshot(r.Context(), flowID); err != nil {
		respondDomainErr(w, r, err)
		return
	} else if snapID != uuid.Nil {
		thread.ContextSnapshotID = &snapID
	}

	if err := s.Threads.CreateThread(r.Context(), thread); err != nil {
		respondDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

// captureContextSnapshot pins the flow's current active schema definition,
// active rollup summary (if any), and published pipeline (if any) as a
// ContextSnapshot, so the thread's generation runs reason against a fixed
// view of flow state rather than one that can shift mid-conversation. A
// flow with no active schema yet (ErrSchemaChannelMissing/ErrSchemaDefinitionMissing)
// is not fatal here — it only becomes fatal once a run actually needs to
// generate against that schema.
func (s *Server) captureContextSnapshot(ctx context.Context, flowID uuid.UUID) (uuid.UUID, error) {
	if s.Snapshots == nil || s.Schemas == nil {
		return uuid.Nil, nil
	}

	schemaDef, err := s.Schemas.GetActiveSchemaForFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, domain.ErrSchemaChannelMissing) || errors.Is(err, domain.ErrSchemaDefinitionMissing) || errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}

	snap := &domain.ContextSnapshot{FlowID: flowID, SchemaDefID: schemaDef.ID}

	if s.Summaries != nil {
		fs, err := s.Summaries.GetActiveFlowSummary(ctx, flowID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, err
		}
		if fs != nil {
			snap.FlowSummaryID = &fs.ID
		}
	}
	if s.Pipelines != nil {
		if p, err := s.Pipelines.GetPublishedPipeline(ctx, flowID); err == nil {
			snap.PipelineID = &p.ID
		} else if !errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, err
		}
	}

	if err := s.Snapshots.CreateSnapshot(ctx, snap); err != nil {
		return uuid.Nil, err
	}
	return snap.ID, nil
}

// HandleGetThread fetches a thread by ID.
func (s *Server) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	id, err := parseThreadID(w, r)
	if err != nil {
		return
	}
	thread, err := s.Threads.GetThread(r.Context(), id)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

type postMessageRequest struct {
	Role    domain.MessageRole   `json:"role"`
	Format  domain.MessageFormat `json:"format,omitempty"`
	Content interface{}          `json:"content"`
}

type postMessageResponse struct {
	Message *domain.Message `json:"message"`
	RunID   *uuid.UUID      `json:"run_id,omitempty"`
}

// HandlePostMessage appends a message to a thread and, for a user message
// unless ?run=0 is passed, enqueues a generation run reacting to it. Intake
// is rate-limited per thread per spec 4.10, independent of the per-IP HTTP
// rate limiter.
func (s *Server) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(w, r)
	if err != nil {
		return
	}

	var req postMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !domain.ValidMessageRole(string(req.Role)) {
		errorJSONForRequest(w, r, "invalid message role", CodeValidation, http.StatusUnprocessableEntity)
		return
	}
	if req.Format == "" {
		req.Format = domain.FormatText
	}
	if !domain.ValidMessageFormat(string(req.Format)) {
		errorJSONForRequest(w, r, "invalid message format", CodeValidation, http.StatusUnprocessableEntity)
		return
	}

	if text, ok := req.Content.(string); ok {
		maxLen := s.MessageMaxTextLen
		if maxLen <= 0 {
			maxLen = maxMessageTextLen
		}
		if err := intake.CheckText(text, maxLen); err != nil {
			errorJSONForRequest(w, r, err.Error(), CodeValidation, http.StatusUnprocessableEntity)
			return
		}
	}

	if s.IntakeRate != nil && !s.IntakeRate.Allow(threadID.String()) {
		errorJSONForRequest(w, r, "message intake rate exceeded for this thread", CodeRateLimited, http.StatusTooManyRequests)
		return
	}

	thread, err := s.Threads.GetThread(r.Context(), threadID)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}

	contentJSON, err := marshalContent(req.Content)
	if err != nil {
		errorJSONForRequest(w, r, "content must be JSON-serializable", CodeValidation, http.StatusUnprocessableEntity)
		return
	}

	msg := &domain.Message{ThreadID: threadID, Role: req.Role, Format: req.Format, Content: contentJSON}
	if err := s.Messages.AppendMessage(r.Context(), msg); err != nil {
		respondDomainErr(w, r, err)
		return
	}
	s.Bus.Publish(threadID.String(), "message.created", map[string]interface{}{
		"message_id": msg.ID,
		"role":       msg.Role,
		"format":     msg.Format,
		"content":    msg.Content,
	})

	resp := postMessageResponse{Message: msg}
	if r.URL.Query().Get("run") != "0" && req.Role == domain.RoleUser {
		source, err := json.Marshal(runengine.RunRequest{
			Content: contentJSON,
			Publish: r.URL.Query().Get("publish") == "1",
		})
		if err != nil {
			errorJSONForRequest(w, r, "content must be JSON-serializable", CodeValidation, http.StatusUnprocessableEntity)
			return
		}
		run := &domain.GenerationRun{FlowID: thread.FlowID, ThreadID: &threadID, Stage: domain.StageDiscovery, Status: domain.RunStatusQueued, Source: source}
		if err := s.Runs.CreateRun(r.Context(), run); err != nil {
			respondDomainErr(w, r, err)
			return
		}
		s.Dispatcher.Enqueue(run.ID)
		resp.RunID = &run.ID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// triggerRunRequest is the optional body for HandleTriggerRun. Per spec
// scenario 2, supplying user_message.content lets a direct trigger run
// discovery/similarity matching against that content (e.g. to surface a
// candidate-hit suggestion) without first appending a thread message.
type triggerRunRequest struct {
	UserMessage *struct {
		Content json.RawMessage `json:"content"`
	} `json:"user_message,omitempty"`
	Publish bool `json:"publish,omitempty"`
}

// HandleTriggerRun explicitly enqueues a generation run for a thread,
// independent of message intake (spec 6's standalone "trigger" path).
func (s *Server) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(w, r)
	if err != nil {
		return
	}
	thread, err := s.Threads.GetThread(r.Context(), threadID)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}

	var req triggerRunRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	runReq := runengine.RunRequest{Publish: req.Publish}
	if req.UserMessage != nil {
		runReq.Content = req.UserMessage.Content
	}
	source, err := json.Marshal(runReq)
	if err != nil {
		errorJSONForRequest(w, r, "content must be JSON-serializable", CodeValidation, http.StatusUnprocessableEntity)
		return
	}

	run := &domain.GenerationRun{FlowID: thread.FlowID, ThreadID: &threadID, Stage: domain.StageDiscovery, Status: domain.RunStatusQueued, Source: source}
	if err := s.Runs.CreateRun(r.Context(), run); err != nil {
		respondDomainErr(w, r, err)
		return
	}
	if !s.Dispatcher.Enqueue(run.ID) {
		errorJSONForRequest(w, r, "run queue is full, try again shortly", CodeRateLimited, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleCloseThread closes a thread, producing its ThreadSummary via the
// Summarizer and rolling the change into the flow's active FlowSummary.
// Idempotent: closing an already-closed thread is a no-op success.
func (s *Server) HandleCloseThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(w, r)
	if err != nil {
		return
	}
	if err := s.Summarizer.Close(r.Context(), threadID); err != nil {
		respondDomainErr(w, r, err)
		return
	}
	thread, err := s.Threads.GetThread(r.Context(), threadID)
	if err != nil {
		respondDomainErr(w, r, err)
		return
	}
	s.Bus.Publish(threadID.String(), "thread.closed", thread)
	writeJSON(w, http.StatusOK, thread)
}

// marshalContent round-trips an arbitrary decoded JSON value back into a
// json.RawMessage for storage, since domain.Message.Content is stored and
// replayed verbatim rather than re-typed per message format.
func marshalContent(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

func parseThreadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		errorJSONForRequest(w, r, "invalid thread id", CodeValidation, http.StatusUnprocessableEntity)
		return uuid.Nil, err
	}
	return id, nil
}
