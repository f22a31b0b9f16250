// Package similarity finds existing pipelines that already satisfy a new
// generation request, first by exact content hash and then, failing that,
// by fuzzy trigram similarity delegated to Postgres's pg_trgm extension.
//
// Fuzzy scoring is pushed into SQL rather than implemented as a Go trigram
// library, mirroring the teacher's internal/postgres/pipeline_store.go
// pattern of building parameterized WHERE clauses and letting Postgres do
// comparison work instead of round-tripping rows into application code.
package similarity

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Threshold is the minimum pg_trgm similarity() score (0..1) for a fuzzy
// match to be considered a hit.
const Threshold = 0.75

// MaxCompareLen truncates compared text to this many characters before
// scoring, per spec — long documents are compared on their lead content
// only.
const MaxCompareLen = 4000

// Store is the subset of the Postgres store needed to run similarity
// lookups; implemented by internal/postgres.PipelineStore.
type Store interface {
	FindPipelineByContentHash(ctx context.Context, flowID uuid.UUID, hash []byte) (uuid.UUID, bool, error)
	FindSimilarPipeline(ctx context.Context, flowID uuid.UUID, contentText string, threshold float64) (uuid.UUID, float64, bool, error)
}

// Match is the outcome of a lookup.
type Match struct {
	PipelineID uuid.UUID
	Exact      bool
	Score      float64
}

// Matcher finds existing pipelines matching new content.
type Matcher struct {
	store Store
}

// New constructs a Matcher over store.
func New(store Store) *Matcher {
	return &Matcher{store: store}
}

// Find looks for an exact content-hash match first; if none exists, it
// falls back to a fuzzy trigram match against the truncated content text.
// ok is false if no match clears the threshold. A store error on either
// lookup is logged and treated as no candidate.
func (m *Matcher) Find(ctx context.Context, flowID uuid.UUID, contentHash []byte, contentText string) (Match, bool, error) {
	if id, ok, err := m.store.FindPipelineByContentHash(ctx, flowID, contentHash); err != nil {
		slog.Warn("similarity: exact lookup failed, treating as no candidate", "error", err)
	} else if ok {
		return Match{PipelineID: id, Exact: true, Score: 1.0}, true, nil
	}

	truncated := contentText
	if len(truncated) > MaxCompareLen {
		truncated = truncated[:MaxCompareLen]
	}

	id, score, ok, err := m.store.FindSimilarPipeline(ctx, flowID, truncated, Threshold)
	if err != nil {
		slog.Warn("similarity: fuzzy lookup failed, treating as no candidate", "error", err)
		return Match{}, false, nil
	}
	if !ok {
		return Match{}, false, nil
	}
	return Match{PipelineID: id, Exact: false, Score: score}, true, nil
}
