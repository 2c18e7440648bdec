package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

// KindMetadata is the review item kind of this engine's pending changes.
const KindMetadata = "metadata"

// ReviewItem is one entry of the cross-source review queue.
type ReviewItem struct {
	Kind        string             `json:"kind"`
	ID          string             `json:"id"`
	AssetID     string             `json:"asset_id"`
	FieldID     string             `json:"field_id,omitempty"`
	Value       any                `json:"value"`
	Source      types.ChangeSource `json:"source,omitempty"`
	Confidence  *float64           `json:"confidence,omitempty"`
	SubmittedBy string             `json:"submitted_by"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

// ReviewFilter narrows the review queue. Zero fields do not filter.
type ReviewFilter struct {
	AssetID string
	FieldID string
	Source  types.ChangeSource
	Kind    string
	Limit   int
}

// ReviewSource is a collaborator whose proposals share the approve/reject
// contract, such as tag suggestions.
type ReviewSource interface {
	Kind() string
	ListPending(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error)
	Approve(ctx context.Context, id, approver string) error
	Reject(ctx context.Context, id, rejector, reason string) error
}

// ReviewQueue merges every registered source into one list ordered by
// submission time.
type ReviewQueue struct {
	mu      sync.RWMutex
	sources map[string]ReviewSource
	order   []string
}

func newReviewQueue() *ReviewQueue {
	return &ReviewQueue{sources: make(map[string]ReviewSource)}
}

// Register adds a source. Registering a kind twice replaces the source.
func (q *ReviewQueue) Register(src ReviewSource) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kind := src.Kind()
	if _, ok := q.sources[kind]; !ok {
		q.order = append(q.order, kind)
	}
	q.sources[kind] = src
}

func (q *ReviewQueue) source(kind string) (ReviewSource, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	src, ok := q.sources[kind]
	if !ok {
		return nil, &types.NotFoundError{Kind: "review source", ID: kind}
	}
	return src, nil
}

// List returns pending items from every source, or from filter.Kind only.
func (q *ReviewQueue) List(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error) {
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", types.ErrInvalidFilter)
	}
	q.mu.RLock()
	var sources []ReviewSource
	for _, kind := range q.order {
		if filter.Kind == "" || filter.Kind == kind {
			sources = append(sources, q.sources[kind])
		}
	}
	q.mu.RUnlock()
	if filter.Kind != "" && len(sources) == 0 {
		return nil, &types.NotFoundError{Kind: "review source", ID: filter.Kind}
	}

	items := []ReviewItem{}
	for _, src := range sources {
		got, err := src.ListPending(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing %s reviews: %w", src.Kind(), err)
		}
		items = append(items, got...)
	}
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].SubmittedAt.Before(items[b].SubmittedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

// Approve routes to the source of kind.
func (q *ReviewQueue) Approve(ctx context.Context, kind, id, approver string) error {
	src, err := q.source(kind)
	if err != nil {
		return err
	}
	return src.Approve(ctx, id, approver)
}

// Reject routes to the source of kind.
func (q *ReviewQueue) Reject(ctx context.Context, kind, id, rejector, reason string) error {
	src, err := q.source(kind)
	if err != nil {
		return err
	}
	return src.Reject(ctx, id, rejector, reason)
}

// metadataSource exposes the pending change queue as a review source.
type metadataSource struct {
	queue    *ChangeQueue
	workflow *Workflow
}

func (s *metadataSource) Kind() string { return KindMetadata }

func (s *metadataSource) ListPending(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error) {
	changes, err := s.queue.ListPending(ctx, types.ChangeFilter{
		AssetID: filter.AssetID,
		FieldID: filter.FieldID,
		Source:  filter.Source,
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]ReviewItem, 0, len(changes))
	for _, c := range changes {
		items = append(items, ReviewItem{
			Kind:        KindMetadata,
			ID:          c.ChangeID,
			AssetID:     c.AssetID,
			FieldID:     c.FieldID,
			Value:       c.Value,
			Source:      c.Source,
			Confidence:  c.Confidence,
			SubmittedBy: c.SubmittedBy,
			SubmittedAt: c.SubmittedAt,
		})
	}
	return items, nil
}

func (s *metadataSource) Approve(ctx context.Context, id, approver string) error {
	_, err := s.workflow.Approve(ctx, id, approver)
	return err
}

func (s *metadataSource) Reject(ctx context.Context, id, rejector, reason string) error {
	_, err := s.workflow.Reject(ctx, id, rejector, reason)
	return err
}
