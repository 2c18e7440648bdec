package engine

import (
	"context"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// CandidateEvent is a value proposed by an AI producer.
type CandidateEvent struct {
	AssetID    string   `json:"asset_id"`
	FieldID    string   `json:"field_id"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
	Producer   string   `json:"producer"`
}

// IngestResult reports the fate of one candidate in a batch.
type IngestResult struct {
	Candidate CandidateEvent       `json:"candidate"`
	Change    *types.PendingChange `json:"change,omitempty"`
	Err       error                `json:"-"`
}

// Ingestor turns AI candidates into suggestion proposals. Candidates are
// never applied directly, whatever their confidence.
type Ingestor struct {
	queue *ChangeQueue
}

// Ingest queues one candidate as a suggestion.
func (i *Ingestor) Ingest(ctx context.Context, c CandidateEvent) (*types.PendingChange, error) {
	return i.queue.Propose(ctx, types.Proposal{
		AssetID:    c.AssetID,
		FieldID:    c.FieldID,
		Value:      c.Value,
		Source:     types.SourceSuggestion,
		Actor:      c.Producer,
		Confidence: c.Confidence,
	}, ProposeOptions{})
}

// IngestBatch queues every candidate in its own transaction. A bad
// candidate is reported in its result and does not stop the batch; only
// context cancellation does.
func (i *Ingestor) IngestBatch(ctx context.Context, candidates []CandidateEvent) ([]IngestResult, error) {
	results := make([]IngestResult, 0, len(candidates))
	failed := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		change, err := i.Ingest(ctx, c)
		if err != nil {
			failed++
			log.Warn(log.CatEngine, "Candidate rejected",
				"asset", c.AssetID, "field", c.FieldID, "producer", c.Producer, "error", err)
		}
		results = append(results, IngestResult{Candidate: c, Change: change, Err: err})
	}
	log.Debug(log.CatEngine, "Ingested candidates", "total", len(candidates), "failed", failed)
	return results, nil
}
