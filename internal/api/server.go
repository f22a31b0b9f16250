package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/rat-data/agentd/internal/domain"
	"github.com/rat-data/agentd/internal/eventbus"
	"github.com/rat-data/agentd/internal/idempotency"
	"github.com/rat-data/agentd/internal/intake"
	"github.com/rat-data/agentd/internal/llmport"
	"github.com/rat-data/agentd/internal/runengine"
	"github.com/rat-data/agentd/internal/similarity"
	"github.com/rat-data/agentd/internal/summarizer"
	"github.com/rat-data/agentd/internal/validator"
)

// FlowStore is the subset of internal/postgres.FlowStore the api package
// calls directly.
type FlowStore interface {
	CreateFlow(ctx context.Context, f *domain.Flow) error
	GetFlow(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	GetFlowBySlug(ctx context.Context, slug string) (*domain.Flow, error)
}

// ThreadStore is the subset of internal/postgres.ThreadStore the api
// package needs for thread creation, lookup, and listing.
type ThreadStore interface {
	CreateThread(ctx context.Context, t *domain.Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*domain.Thread, error)
	ListThreads(ctx context.Context, flowID uuid.UUID, limit, offset int) ([]domain.Thread, error)
	SetThreadResultPipeline(ctx context.Context, threadID, pipelineID uuid.UUID) error
}

// MessageStore is the subset of internal/postgres.MessageStore the api
// package needs for message intake and retrieval.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *domain.Message) error
	GetThreadMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error)
}

// SchemaStore is the subset of internal/postgres.SchemaStore the api
// package needs for the schema-channel read endpoint and for pinning a new
// thread's ContextSnapshot to the flow's active schema.
type SchemaStore interface {
	GetSchemaChannel(ctx context.Context, name string) (*domain.SchemaChannel, error)
	GetSchemaDefinition(ctx context.Context, id uuid.UUID) (*domain.SchemaDefinition, error)
	GetActiveSchemaForFlow(ctx context.Context, flowID uuid.UUID) (*domain.SchemaDefinition, error)
}

// PipelineStore is the subset of internal/postgres.PipelineStore the api
// package needs to look up a pipeline before publishing it, and to pin a
// new thread's ContextSnapshot to the flow's currently published pipeline.
type PipelineStore interface {
	GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	GetPublishedPipeline(ctx context.Context, flowID uuid.UUID) (*domain.Pipeline, error)
}

// SummaryStore is the subset of internal/postgres.SummaryStore the api
// package needs to pin a new thread's ContextSnapshot to the flow's active
// rollup summary, if one exists yet. GetActiveFlowSummary returns
// (nil, nil), not ErrNotFound, when the flow has no active summary yet.
type SummaryStore interface {
	GetActiveFlowSummary(ctx context.Context, flowID uuid.UUID) (*domain.FlowSummary, error)
}

// SnapshotStore is the subset of internal/postgres.SnapshotStore the api
// package needs to capture a ContextSnapshot at thread-start time.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, cs *domain.ContextSnapshot) error
}

// RunStore is the subset of internal/postgres.RunStore the api package
// calls directly (run creation and its exclusive-publish transaction); the
// Run Engine itself uses the wider runengine.Store contract.
type RunStore interface {
	CreateRun(ctx context.Context, r *domain.GenerationRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.GenerationRun, error)
	PublishPipeline(ctx context.Context, flowID, pipelineID uuid.UUID) error
}

// Server bundles every dependency the HTTP handlers need. All fields are
// exported so tests can substitute fakes without a constructor taking two
// dozen positional arguments — the teacher's testhelpers.go pattern.
type Server struct {
	Flows     FlowStore
	Threads   ThreadStore
	Messages  MessageStore
	Schemas   SchemaStore
	Pipelines PipelineStore
	Runs      RunStore
	Summaries SummaryStore
	Snapshots SnapshotStore

	Engine     *runengine.Engine
	Dispatcher *runengine.Dispatcher
	Bus        *eventbus.Bus
	Idempotent *idempotency.Gateway
	IntakeRate *intake.Limiter
	Validator  *validator.Validator
	Matcher    *similarity.Matcher
	LLM        llmport.Port
	Summarizer *summarizer.Summarizer

	AuthToken string

	DBHealth    HealthChecker
	AuditHealth HealthChecker
	LLMHealth   HealthChecker

	SSELimiter *SSELimiter

	CORSOrigins []string
	RateLimit   RateLimitConfig

	MessageMaxTextLen int
}

// busPublisher adapts *eventbus.Bus to runengine.Publisher, discarding the
// per-publish cursor the engine has no use for.
type busPublisher struct {
	bus *eventbus.Bus
}

func (p busPublisher) Publish(key, eventType string, payload interface{}) {
	p.bus.Publish(key, eventType, payload)
}

// NewBusPublisher wraps bus as a runengine.Publisher.
func NewBusPublisher(bus *eventbus.Bus) runengine.Publisher {
	return busPublisher{bus: bus}
}
