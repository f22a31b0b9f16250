package runengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/llmport"
	"github.com/rat-data/agentd/internal/similarity"
	"github.com/rat-data/agentd/internal/validator"
	"github.com/rat-data/agentd/internal/version"
)

const testSchemaJSON = `{
	"type": "object",
	"required": ["stages"],
	"properties": {
		"stages": {
			"type": "array",
			"items": {"type": "object", "required": ["name"]}
		}
	}
}`

// fakeStore is an in-memory runengine.Store, grounded on the api package's
// memory*Store fakes (internal/api/testhelpers_test.go).
type fakeStore struct {
	mu sync.Mutex

	runs      map[uuid.UUID]*domain.GenerationRun
	schemas   map[uuid.UUID]*domain.SchemaDefinition
	pipelines map[uuid.UUID]*domain.Pipeline
	published map[uuid.UUID]uuid.UUID // flowID -> pipelineID
	issues    map[uuid.UUID][]domain.ValidationIssue

	publishErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:      make(map[uuid.UUID]*domain.GenerationRun),
		schemas:   make(map[uuid.UUID]*domain.SchemaDefinition),
		pipelines: make(map[uuid.UUID]*domain.Pipeline),
		published: make(map[uuid.UUID]uuid.UUID),
		issues:    make(map[uuid.UUID][]domain.ValidationIssue),
	}
}

func (s *fakeStore) putRun(r *domain.GenerationRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
}

func (s *fakeStore) putSchema(sd *domain.SchemaDefinition, flowID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[flowID] = sd
}

func (s *fakeStore) GetRun(_ context.Context, id uuid.UUID) (*domain.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpdateRunStage(_ context.Context, id uuid.UUID, stage domain.RunStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Stage = stage
	return nil
}

func (s *fakeStore) FinishRun(_ context.Context, id uuid.UUID, status domain.RunStatus, result json.RawMessage, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.Result = result
	r.Error = errMsg
	return nil
}

func (s *fakeStore) SaveValidationIssues(_ context.Context, runID uuid.UUID, issues []domain.ValidationIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[runID] = issues
	return nil
}

func (s *fakeStore) GetActiveSchemaForFlow(_ context.Context, flowID uuid.UUID) (*domain.SchemaDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.schemas[flowID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sd, nil
}

func (s *fakeStore) GetPipeline(_ context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) CreatePipelineIfNew(_ context.Context, p *domain.Pipeline) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.pipelines {
		if existing.FlowID == p.FlowID && string(existing.ContentHash) == string(p.ContentHash) {
			return id, false, nil
		}
	}
	s.pipelines[p.ID] = p
	return p.ID, true, nil
}

func (s *fakeStore) PublishPipeline(_ context.Context, flowID, pipelineID uuid.UUID) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[flowID] = pipelineID
	return nil
}

// fakeSimilarityStore backs a similarity.Matcher with no exact or fuzzy hits
// unless explicitly seeded.
type fakeSimilarityStore struct {
	exact map[string]uuid.UUID // flowID+hash -> pipelineID
}

func newFakeSimilarityStore() *fakeSimilarityStore {
	return &fakeSimilarityStore{exact: make(map[string]uuid.UUID)}
}

func (s *fakeSimilarityStore) seedExact(flowID uuid.UUID, hash []byte, pipelineID uuid.UUID) {
	s.exact[flowID.String()+string(hash)] = pipelineID
}

func (s *fakeSimilarityStore) FindPipelineByContentHash(_ context.Context, flowID uuid.UUID, hash []byte) (uuid.UUID, bool, error) {
	id, ok := s.exact[flowID.String()+string(hash)]
	return id, ok, nil
}

func (s *fakeSimilarityStore) FindSimilarPipeline(_ context.Context, _ uuid.UUID, _ string, _ float64) (uuid.UUID, float64, bool, error) {
	return uuid.Nil, 0, false, nil
}

// fakeLLM is a canned llmport.Port whose responses are configurable per test.
type fakeLLM struct {
	generateContent json.RawMessage
	generateErr     error
	selfCheckErr    error
}

func (f *fakeLLM) GeneratePipeline(_ context.Context, _ llmport.GenerateRequest) (llmport.GenerateResponse, error) {
	if f.generateErr != nil {
		return llmport.GenerateResponse{}, f.generateErr
	}
	return llmport.GenerateResponse{Content: f.generateContent}, nil
}

func (f *fakeLLM) SelfCheck(_ context.Context, _ llmport.SelfCheckRequest) (llmport.SelfCheckResponse, error) {
	if f.selfCheckErr != nil {
		return llmport.SelfCheckResponse{}, f.selfCheckErr
	}
	return llmport.SelfCheckResponse{OK: true}, nil
}

func (f *fakeLLM) Summarize(_ context.Context, _ llmport.SummarizeRequest) (llmport.SummarizeResponse, error) {
	return llmport.SummarizeResponse{}, fmt.Errorf("not used by run engine")
}

// fakePublisher records every emitted event for assertion.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	key       string
	eventType string
	payload   interface{}
}

func (p *fakePublisher) Publish(key, eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{key, eventType, payload})
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

func newTestRun(flowID uuid.UUID, source json.RawMessage) *domain.GenerationRun {
	return &domain.GenerationRun{
		ID:     uuid.New(),
		FlowID: flowID,
		Status: domain.RunStatusRunning,
		Source: source,
	}
}

func TestEngine_Discovery_ExactMatch_FinishesWithoutGenerating(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	source := json.RawMessage(`"build me a pipeline"`)

	hash, err := version.ContentHash(source)
	require.NoError(t, err)
	reusedPipeline := uuid.New()
	simStore.seedExact(flowID, hash, reusedPipeline)

	run := newTestRun(flowID, source)
	store.putRun(run)

	llm := &fakeLLM{generateErr: fmt.Errorf("should not be called")}
	publisher := &fakePublisher{}
	e := New(store, similarity.New(simStore), validator.New(), llm, publisher)

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, true, result["reused"])
	assert.Equal(t, true, result["exact"])
}

func TestEngine_FullRun_GenerateThroughPublish(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()

	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	source, err := json.Marshal(RunRequest{Content: json.RawMessage(`"build me a pipeline"`), Publish: true})
	require.NoError(t, err)
	run := newTestRun(flowID, source)
	store.putRun(run)

	llm := &fakeLLM{generateContent: json.RawMessage(`{"stages":[{"name":"fetch"},{"name":"transform"}]}`)}
	publisher := &fakePublisher{}
	e := New(store, similarity.New(simStore), validator.New(), llm, publisher)

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.PipelineID)

	publishedID, ok := store.published[flowID]
	require.True(t, ok)
	assert.Equal(t, *got.PipelineID, publishedID)

	assert.Contains(t, publisher.eventTypes(), "run.started")
	assert.Contains(t, publisher.eventTypes(), "run.finished")
	assert.Contains(t, publisher.eventTypes(), "run.stage")
	assert.Contains(t, publisher.eventTypes(), "pipeline.created")
	assert.Contains(t, publisher.eventTypes(), "pipeline.published")
}

func TestEngine_HardValidate_NoPublishRequested_FinishesAsDraftWithoutPublishing(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	// No envelope, no publish flag: spec 4.7's persist -> finish branch.
	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{generateContent: json.RawMessage(`{"stages":[{"name":"fetch"}]}`)}
	publisher := &fakePublisher{}
	e := New(store, similarity.New(simStore), validator.New(), llm, publisher)

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.PipelineID)

	_, published := store.published[flowID]
	assert.False(t, published, "a run without publish:true must not publish its pipeline")
	assert.NotContains(t, publisher.eventTypes(), "pipeline.published")
}

func TestEngine_HardValidate_InvalidJSON_FailsRun(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{generateContent: json.RawMessage(`not valid json`)}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "not valid JSON")
}

func TestEngine_HardValidate_SchemaViolation_FailsRunAndSavesIssues(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	// duplicate stage names trip the domain duplicate_id rule.
	llm := &fakeLLM{generateContent: json.RawMessage(`{"stages":[{"name":"fetch"},{"name":"fetch"}]}`)}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.NotEmpty(t, store.issues[run.ID])
}

func TestEngine_Generate_LLMError_FailsRunWithError(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{generateErr: fmt.Errorf("provider unreachable")}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})

	err := e.Run(t.Context(), run.ID)
	require.Error(t, err)

	got, getErr := store.GetRun(t.Context(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
}

func TestEngine_SelfCheck_LLMUnreachable_FallsBackToHardValidate(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{
		generateContent: json.RawMessage(`{"stages":[{"name":"fetch"}]}`),
		selfCheckErr:    fmt.Errorf("provider unreachable"),
	}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestEngine_Publish_NoPipelineID_FailsRun(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()

	run := newTestRun(flowID, nil)
	run.Stage = domain.StagePublish
	store.putRun(run)

	e := New(store, similarity.New(simStore), validator.New(), &fakeLLM{}, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no pipeline produced")
}

func TestEngine_Publish_StoreError_FailsRunWithMessage(t *testing.T) {
	store := newFakeStore()
	store.publishErr = fmt.Errorf("advisory lock held by another publisher")
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	pipelineID := uuid.New()

	run := newTestRun(flowID, nil)
	run.Stage = domain.StagePublish
	run.PipelineID = &pipelineID
	store.putRun(run)

	e := New(store, similarity.New(simStore), validator.New(), &fakeLLM{}, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "advisory lock")
}

func TestEngine_Run_AlreadyTerminal_IsANoop(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	run := newTestRun(uuid.New(), nil)
	run.Status = domain.RunStatusSucceeded
	store.putRun(run)

	publisher := &fakePublisher{}
	e := New(store, similarity.New(simStore), validator.New(), &fakeLLM{}, publisher)

	require.NoError(t, e.Run(t.Context(), run.ID))
	assert.Empty(t, publisher.events)
}

func TestEngine_Run_ResumesFromPersistedStage(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	// Run is parked at hard_validate, as if the process crashed right after
	// generate/self_check on a prior attempt; Result is already populated.
	run := newTestRun(flowID, nil)
	run.Stage = domain.StageHardValidate
	run.Result = json.RawMessage(`{"stages":[{"name":"fetch"}]}`)
	store.putRun(run)

	llm := &fakeLLM{generateErr: fmt.Errorf("must not be called on resume")}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

// fakeAuditExporter records every audit payload written, keyed by run ID.
type fakeAuditExporter struct {
	mu       sync.Mutex
	payloads map[uuid.UUID][]byte
	err      error
}

func newFakeAuditExporter() *fakeAuditExporter {
	return &fakeAuditExporter{payloads: make(map[uuid.UUID][]byte)}
}

func (f *fakeAuditExporter) WriteRunAudit(_ context.Context, runID uuid.UUID, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[runID] = payload
	return nil
}

func TestEngine_Run_ExportsAuditOnFinish(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{generateContent: json.RawMessage(`{"stages":[{"name":"fetch"}]}`)}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})
	audit := newFakeAuditExporter()
	e.SetAuditExporter(audit)

	require.NoError(t, e.Run(t.Context(), run.ID))

	audit.mu.Lock()
	payload, ok := audit.payloads[run.ID]
	audit.mu.Unlock()
	require.True(t, ok, "expected an audit record to have been written")

	var exported domain.GenerationRun
	require.NoError(t, json.Unmarshal(payload, &exported))
	assert.Equal(t, domain.RunStatusSucceeded, exported.Status)
}

func TestEngine_Run_AuditExportFailure_DoesNotFailRun(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{generateContent: json.RawMessage(`{"stages":[{"name":"fetch"}]}`)}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})
	audit := newFakeAuditExporter()
	audit.err = fmt.Errorf("bucket unreachable")
	e.SetAuditExporter(audit)

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestEngine_Run_NoAuditExporter_SkipsExport(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	flowID := uuid.New()
	sd := &domain.SchemaDefinition{ID: uuid.New(), Name: "pipeline", Version: "1.0.0", JSON: json.RawMessage(testSchemaJSON)}
	store.putSchema(sd, flowID)

	run := newTestRun(flowID, json.RawMessage(`"build me a pipeline"`))
	store.putRun(run)

	llm := &fakeLLM{generateContent: json.RawMessage(`{"stages":[{"name":"fetch"}]}`)}
	e := New(store, similarity.New(simStore), validator.New(), llm, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestEngine_Run_UnknownStage_FailsRun(t *testing.T) {
	store := newFakeStore()
	simStore := newFakeSimilarityStore()
	run := newTestRun(uuid.New(), nil)
	run.Stage = domain.RunStage("bogus_stage")
	store.putRun(run)

	e := New(store, similarity.New(simStore), validator.New(), &fakeLLM{}, &fakePublisher{})

	require.NoError(t, e.Run(t.Context(), run.ID))

	got, err := store.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "unknown stage")
}
