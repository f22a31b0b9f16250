// Package domain defines the core business types shared across agentd.
// These types represent the platform's data model — not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. This is intentional: Go's stdlib encoding/json uses struct tags
// for field mapping, and having separate API response types for every domain
// model would add excessive boilerplate without measurable benefit.
//
// When the API shape diverges from the domain type (e.g., computed fields,
// omitted internal fields), define a response struct in the api package
// instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors translated to the API error taxonomy at the HTTP boundary.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrPublishConflict  = errors.New("pipeline publish conflict")
	ErrSchemaChannelMissing    = errors.New("schema channel not configured")
	ErrSchemaDefinitionMissing = errors.New("active schema definition not found")
	ErrValidationFailed = errors.New("validation failed")
)

// ThreadStatus is the lifecycle state of a Thread.
type ThreadStatus string

const (
	ThreadStatusNew        ThreadStatus = "NEW"
	ThreadStatusInProgress ThreadStatus = "IN_PROGRESS"
	ThreadStatusSuccess    ThreadStatus = "SUCCESS"
	ThreadStatusFailed     ThreadStatus = "FAILED"
	ThreadStatusArchived   ThreadStatus = "ARCHIVED"
)

// ValidThreadStatus reports whether s names a known thread status.
func ValidThreadStatus(s string) bool {
	switch ThreadStatus(s) {
	case ThreadStatusNew, ThreadStatusInProgress, ThreadStatusSuccess, ThreadStatusFailed, ThreadStatusArchived:
		return true
	}
	return false
}

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ValidMessageRole reports whether s names a known message role.
func ValidMessageRole(s string) bool {
	switch MessageRole(s) {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// MessageFormat describes how Message.Content should be rendered.
type MessageFormat string

const (
	FormatText     MessageFormat = "text"
	FormatMarkdown MessageFormat = "markdown"
	FormatJSON     MessageFormat = "json"
	FormatButtons  MessageFormat = "buttons"
	FormatCard     MessageFormat = "card"
)

// ValidMessageFormat reports whether s names a known message format.
func ValidMessageFormat(s string) bool {
	switch MessageFormat(s) {
	case FormatText, FormatMarkdown, FormatJSON, FormatButtons, FormatCard:
		return true
	}
	return false
}

// SchemaStatus is the lifecycle state of a SchemaDefinition.
type SchemaStatus string

const (
	SchemaStatusActive     SchemaStatus = "active"
	SchemaStatusDeprecated SchemaStatus = "deprecated"
)

// PipelineStatus is the lifecycle state of a Pipeline draft/version.
type PipelineStatus string

const (
	PipelineStatusDraft     PipelineStatus = "draft"
	PipelineStatusReview    PipelineStatus = "review"
	PipelineStatusPublished PipelineStatus = "published"
	PipelineStatusArchived  PipelineStatus = "archived"
)

// RunStage identifies a stage in the Run Engine's state machine.
type RunStage string

const (
	StageDiscovery    RunStage = "discovery"
	StageGenerate     RunStage = "generate"
	StageSelfCheck    RunStage = "self_check"
	StageHardValidate RunStage = "hard_validate"
	StagePublish      RunStage = "publish"
)

// RunStatus is the lifecycle state of a GenerationRun.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IssueSeverity classifies a ValidationIssue.
type IssueSeverity string

const (
	SeverityInfo    IssueSeverity = "info"
	SeverityWarning IssueSeverity = "warning"
	SeverityError   IssueSeverity = "error"
)

// ThreadSummaryKind distinguishes the granularity of a ThreadSummary.
type ThreadSummaryKind string

const (
	SummaryShort    ThreadSummaryKind = "short"
	SummaryDetailed ThreadSummaryKind = "detailed"
	SummarySystem   ThreadSummaryKind = "system"
)

// Flow is a long-lived authoring context. It owns threads, pipelines, and
// summaries; deleting a flow cascades to all of them.
type Flow struct {
	ID        uuid.UUID         `json:"id"`
	Slug      string            `json:"slug"`
	Name      string            `json:"name"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Thread is a conversation within a Flow.
type Thread struct {
	ID                uuid.UUID    `json:"id"`
	FlowID            uuid.UUID    `json:"flow_id"`
	Status            ThreadStatus `json:"status"`
	ResultPipelineID  *uuid.UUID   `json:"result_pipeline_id,omitempty"`
	ContextSnapshotID *uuid.UUID   `json:"context_snapshot_id,omitempty"`
	Archived          bool         `json:"archived"`
	ArchivedAt        *time.Time   `json:"archived_at,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	ClosedAt          *time.Time   `json:"closed_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Closed reports whether the thread has already gone through Summarizer close.
func (t *Thread) Closed() bool {
	return t.ClosedAt != nil
}

// Message is a single turn in a Thread, ordered by (CreatedAt, ID).
type Message struct {
	ID         uuid.UUID       `json:"id"`
	ThreadID   uuid.UUID       `json:"thread_id"`
	Role       MessageRole     `json:"role"`
	Format     MessageFormat   `json:"format"`
	ParentID   *uuid.UUID      `json:"parent_id,omitempty"`
	ToolName   *string         `json:"tool_name,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	Content    json.RawMessage `json:"content"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SchemaDefinition is one named, versioned JSON-schema contract that a
// Pipeline's content must conform to.
type SchemaDefinition struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Status     SchemaStatus    `json:"status"`
	JSON       json.RawMessage `json:"json"`
	CompatWith []string        `json:"compat_with,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SchemaChannel is a named pointer resolving to the currently active
// SchemaDefinition for that channel (e.g. "stable", "beta", "next").
type SchemaChannel struct {
	Name                   string    `json:"name"`
	ActiveSchemaDefID      uuid.UUID `json:"active_schema_definition_id"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Pipeline is a versioned JSON document describing a domain-specific
// pipeline, conforming to an active schema.
type Pipeline struct {
	ID            uuid.UUID       `json:"id"`
	FlowID        uuid.UUID       `json:"flow_id"`
	Version       string          `json:"version"`
	SchemaVersion string          `json:"schema_version"`
	SchemaDefID   uuid.UUID       `json:"schema_def_id"`
	Status        PipelineStatus  `json:"status"`
	IsPublished   bool            `json:"is_published"`
	Content       json.RawMessage `json:"content"`
	ContentHash   []byte          `json:"content_hash"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// GenerationRun is one agent invocation producing a draft (and optionally a
// publication). The persisted row is the source of truth for stage/status;
// the Run Engine's in-memory state is ephemeral.
type GenerationRun struct {
	ID          uuid.UUID       `json:"id"`
	FlowID      uuid.UUID       `json:"flow_id"`
	ThreadID    *uuid.UUID      `json:"thread_id,omitempty"`
	PipelineID  *uuid.UUID      `json:"pipeline_id,omitempty"`
	Stage       RunStage        `json:"stage"`
	Status      RunStatus       `json:"status"`
	Source      json.RawMessage `json:"source,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has reached a terminal status.
func (r *GenerationRun) Terminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// ValidationIssue is a single Validator finding, cascade-deleted with its run.
type ValidationIssue struct {
	ID       uuid.UUID     `json:"id"`
	RunID    uuid.UUID     `json:"run_id"`
	Path     string        `json:"path"`
	Code     string        `json:"code"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// FlowSummary is the active, monotonically versioned rollup summary for a
// Flow. At most one row per flow has IsActive = true.
type FlowSummary struct {
	ID            uuid.UUID         `json:"id"`
	FlowID        uuid.UUID         `json:"flow_id"`
	Version       int               `json:"version"`
	Content       json.RawMessage   `json:"content"`
	Pinned        map[string]string `json:"pinned,omitempty"`
	LastMessageID *uuid.UUID        `json:"last_message_id,omitempty"`
	IsActive      bool              `json:"is_active"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ThreadSummary is a closed-thread summary produced by the Summarizer.
type ThreadSummary struct {
	ID           uuid.UUID         `json:"id"`
	ThreadID     uuid.UUID         `json:"thread_id"`
	Kind         ThreadSummaryKind `json:"kind"`
	Content      json.RawMessage   `json:"content"`
	TokenBudget  int               `json:"token_budget"`
	CoveringFrom *time.Time        `json:"covering_from,omitempty"`
	CoveringTo   *time.Time        `json:"covering_to,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ContextSnapshot pins the schema/summary/pipeline context a Thread was
// started against. All cross-references must share the snapshot's flow.
type ContextSnapshot struct {
	ID              uuid.UUID  `json:"id"`
	FlowID          uuid.UUID  `json:"flow_id"`
	OriginThreadID  *uuid.UUID `json:"origin_thread_id,omitempty"`
	SchemaDefID     uuid.UUID  `json:"schema_def_id"`
	FlowSummaryID   *uuid.UUID `json:"flow_summary_id,omitempty"`
	PipelineID      *uuid.UUID `json:"pipeline_id,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
