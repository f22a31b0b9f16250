package api_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rat-data/agentd/internal/api"
	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/eventbus"
	"github.com/rat-data/agentd/internal/llmport"
	"github.com/rat-data/agentd/internal/runengine"
	"github.com/rat-data/agentd/internal/summarizer"
)

// memoryFlowStore is an in-memory FlowStore for tests.
type memoryFlowStore struct {
	mu    sync.Mutex
	flows map[uuid.UUID]domain.Flow
}

func newMemoryFlowStore() *memoryFlowStore {
	return &memoryFlowStore{flows: make(map[uuid.UUID]domain.Flow)}
}

func (m *memoryFlowStore) CreateFlow(_ context.Context, f *domain.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.flows {
		if existing.Slug == f.Slug {
			return domain.ErrAlreadyExists
		}
	}
	f.ID = uuid.New()
	m.flows[f.ID] = *f
	return nil
}

func (m *memoryFlowStore) GetFlow(_ context.Context, id uuid.UUID) (*domain.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &f, nil
}

func (m *memoryFlowStore) GetFlowBySlug(_ context.Context, slug string) (*domain.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.flows {
		if f.Slug == slug {
			return &f, nil
		}
	}
	return nil, domain.ErrNotFound
}

// memoryThreadStore is an in-memory ThreadStore for tests.
type memoryThreadStore struct {
	mu      sync.Mutex
	threads map[uuid.UUID]domain.Thread
}

func newMemoryThreadStore() *memoryThreadStore {
	return &memoryThreadStore{threads: make(map[uuid.UUID]domain.Thread)}
}

func (m *memoryThreadStore) CreateThread(_ context.Context, t *domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.ID = uuid.New()
	t.Status = domain.ThreadStatusNew
	m.threads[t.ID] = *t
	return nil
}

func (m *memoryThreadStore) GetThread(_ context.Context, id uuid.UUID) (*domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (m *memoryThreadStore) ListThreads(_ context.Context, flowID uuid.UUID, limit, offset int) ([]domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Thread
	for _, t := range m.threads {
		if t.FlowID == flowID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *memoryThreadStore) SetThreadResultPipeline(_ context.Context, threadID, pipelineID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return domain.ErrNotFound
	}
	t.ResultPipelineID = &pipelineID
	m.threads[threadID] = t
	return nil
}

// memoryMessageStore is an in-memory MessageStore for tests.
type memoryMessageStore struct {
	mu       sync.Mutex
	messages []domain.Message
}

func newMemoryMessageStore() *memoryMessageStore {
	return &memoryMessageStore{}
}

func (m *memoryMessageStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.ID = uuid.New()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memoryMessageStore) GetThreadMessages(_ context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Message
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			result = append(result, msg)
		}
	}
	return result, nil
}

// memorySchemaStore is an in-memory SchemaStore for tests.
type memorySchemaStore struct {
	mu          sync.Mutex
	definitions map[uuid.UUID]domain.SchemaDefinition
	channels    map[string]domain.SchemaChannel
}

func newMemorySchemaStore() *memorySchemaStore {
	return &memorySchemaStore{
		definitions: make(map[uuid.UUID]domain.SchemaDefinition),
		channels:    make(map[string]domain.SchemaChannel),
	}
}

func (m *memorySchemaStore) putDefinition(sd domain.SchemaDefinition) domain.SchemaDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sd.ID == uuid.Nil {
		sd.ID = uuid.New()
	}
	m.definitions[sd.ID] = sd
	return sd
}

func (m *memorySchemaStore) putChannel(name string, schemaDefID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels[name] = domain.SchemaChannel{Name: name, ActiveSchemaDefID: schemaDefID}
}

func (m *memorySchemaStore) GetSchemaChannel(_ context.Context, name string) (*domain.SchemaChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[name]
	if !ok {
		return nil, domain.ErrSchemaChannelMissing
	}
	return &ch, nil
}

func (m *memorySchemaStore) GetSchemaDefinition(_ context.Context, id uuid.UUID) (*domain.SchemaDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sd, ok := m.definitions[id]
	if !ok {
		return nil, domain.ErrSchemaDefinitionMissing
	}
	return &sd, nil
}

func (m *memorySchemaStore) GetActiveSchemaForFlow(ctx context.Context, _ uuid.UUID) (*domain.SchemaDefinition, error) {
	ch, err := m.GetSchemaChannel(ctx, "stable")
	if err != nil {
		return nil, err
	}
	return m.GetSchemaDefinition(ctx, ch.ActiveSchemaDefID)
}

// memoryPipelineStore is an in-memory PipelineStore for tests.
type memoryPipelineStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]domain.Pipeline
}

func newMemoryPipelineStore() *memoryPipelineStore {
	return &memoryPipelineStore{pipelines: make(map[uuid.UUID]domain.Pipeline)}
}

func (m *memoryPipelineStore) put(p domain.Pipeline) domain.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.pipelines[p.ID] = p
	return p
}

func (m *memoryPipelineStore) GetPipeline(_ context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (m *memoryPipelineStore) GetPublishedPipeline(_ context.Context, flowID uuid.UUID) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pipelines {
		if p.FlowID == flowID && p.IsPublished {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

// memorySummaryStore is an in-memory SummaryStore for tests, also
// satisfying summarizer.Store for HandleCloseThread tests since both
// contracts are small subsets of the same postgres.SummaryStore.
type memorySummaryStore struct {
	mu       sync.Mutex
	byFlowID map[uuid.UUID]domain.FlowSummary
	threads  *memoryThreadStore
	messages *memoryMessageStore
}

func newMemorySummaryStore(threads *memoryThreadStore, messages *memoryMessageStore) *memorySummaryStore {
	return &memorySummaryStore{
		byFlowID: make(map[uuid.UUID]domain.FlowSummary),
		threads:  threads,
		messages: messages,
	}
}

func (m *memorySummaryStore) GetActiveFlowSummary(_ context.Context, flowID uuid.UUID) (*domain.FlowSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs, ok := m.byFlowID[flowID]
	if !ok {
		return nil, nil
	}
	return &fs, nil
}

func (m *memorySummaryStore) GetThreadMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	return m.messages.GetThreadMessages(ctx, threadID)
}

func (m *memorySummaryStore) GetThread(ctx context.Context, threadID uuid.UUID) (*domain.Thread, error) {
	return m.threads.GetThread(ctx, threadID)
}

// CloseThreadTx marks threadID closed and replaces the flow's active
// summary, mirroring the real store's single-active-row invariant.
func (m *memorySummaryStore) CloseThreadTx(_ context.Context, threadID uuid.UUID, threadSummary *domain.ThreadSummary, flowSummary *domain.FlowSummary) (bool, error) {
	m.threads.mu.Lock()
	thread, ok := m.threads.threads[threadID]
	if !ok {
		m.threads.mu.Unlock()
		return false, domain.ErrNotFound
	}
	if thread.Closed() {
		m.threads.mu.Unlock()
		return true, nil
	}
	now := time.Now()
	thread.ClosedAt = &now
	thread.Status = domain.ThreadStatusSuccess
	m.threads.threads[threadID] = thread
	m.threads.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byFlowID[flowSummary.FlowID] = *flowSummary
	return false, nil
}

// memorySnapshotStore is an in-memory SnapshotStore for tests.
type memorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]domain.ContextSnapshot
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{snapshots: make(map[uuid.UUID]domain.ContextSnapshot)}
}

func (m *memorySnapshotStore) CreateSnapshot(_ context.Context, cs *domain.ContextSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs.ID = uuid.New()
	m.snapshots[cs.ID] = *cs
	return nil
}

// memoryRunStore is an in-memory RunStore for tests.
type memoryRunStore struct {
	mu               sync.Mutex
	runs             map[uuid.UUID]domain.GenerationRun
	pipelines        *memoryPipelineStore
	publishConflict  bool
}

func newMemoryRunStore(pipelines *memoryPipelineStore) *memoryRunStore {
	return &memoryRunStore{runs: make(map[uuid.UUID]domain.GenerationRun), pipelines: pipelines}
}

func (m *memoryRunStore) CreateRun(_ context.Context, r *domain.GenerationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = uuid.New()
	m.runs[r.ID] = *r
	return nil
}

func (m *memoryRunStore) GetRun(_ context.Context, id uuid.UUID) (*domain.GenerationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *memoryRunStore) PublishPipeline(_ context.Context, flowID, pipelineID uuid.UUID) error {
	if m.publishConflict {
		return domain.ErrPublishConflict
	}

	m.pipelines.mu.Lock()
	defer m.pipelines.mu.Unlock()

	p, ok := m.pipelines.pipelines[pipelineID]
	if !ok {
		return domain.ErrNotFound
	}
	for id, other := range m.pipelines.pipelines {
		if other.FlowID == flowID && other.IsPublished && id != pipelineID {
			other.IsPublished = false
			other.Status = domain.PipelineStatusDraft
			m.pipelines.pipelines[id] = other
		}
	}
	p.IsPublished = true
	p.Status = domain.PipelineStatusPublished
	m.pipelines.pipelines[pipelineID] = p
	return nil
}

// fakeLLMPort is a canned llmport.Port that never makes a network call.
type fakeLLMPort struct{}

func (fakeLLMPort) GeneratePipeline(_ context.Context, _ llmport.GenerateRequest) (llmport.GenerateResponse, error) {
	return llmport.GenerateResponse{Content: json.RawMessage(`{}`)}, nil
}

func (fakeLLMPort) SelfCheck(_ context.Context, _ llmport.SelfCheckRequest) (llmport.SelfCheckResponse, error) {
	return llmport.SelfCheckResponse{OK: true}, nil
}

func (fakeLLMPort) Summarize(_ context.Context, _ llmport.SummarizeRequest) (llmport.SummarizeResponse, error) {
	return llmport.SummarizeResponse{Content: json.RawMessage(`{"summary":"test"}`)}, nil
}

// testServer bundles every in-memory fake store behind a fresh *api.Server,
// mirroring the teacher's fullTestServer helper.
type testServer struct {
	Flows     *memoryFlowStore
	Threads   *memoryThreadStore
	Messages  *memoryMessageStore
	Schemas   *memorySchemaStore
	Pipelines *memoryPipelineStore
	Runs      *memoryRunStore
	Summaries *memorySummaryStore
	Snapshots *memorySnapshotStore
}

func newFullTestServer() (*api.Server, *testServer) {
	pipelines := newMemoryPipelineStore()
	threads := newMemoryThreadStore()
	messages := newMemoryMessageStore()
	fakes := &testServer{
		Flows:     newMemoryFlowStore(),
		Threads:   threads,
		Messages:  messages,
		Schemas:   newMemorySchemaStore(),
		Pipelines: pipelines,
		Runs:      newMemoryRunStore(pipelines),
		Summaries: newMemorySummaryStore(threads, messages),
		Snapshots: newMemorySnapshotStore(),
	}

	// Dispatcher has no engine driving it in tests: Enqueue only pushes onto
	// a buffered channel, and Start (which would call engine.Run) is never
	// invoked, so a nil *runengine.Engine is never dereferenced.
	dispatcher := runengine.NewDispatcher(nil, 1)

	srv := &api.Server{
		Flows:       fakes.Flows,
		Threads:     fakes.Threads,
		Messages:    fakes.Messages,
		Schemas:     fakes.Schemas,
		Pipelines:   fakes.Pipelines,
		Runs:        fakes.Runs,
		Summaries:   fakes.Summaries,
		Snapshots:   fakes.Snapshots,
		Dispatcher:  dispatcher,
		Summarizer:  summarizer.New(fakes.Summaries, fakeLLMPort{}),
		Bus:         eventbus.New(eventbus.Options{}),
		SSELimiter:  api.NewSSELimiter(),
		CORSOrigins: []string{"*"},
	}
	return srv, fakes
}
