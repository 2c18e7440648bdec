package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

var _ engine.Scorer = (*Scorer)(nil)

// ScoreReply is the scoring service's answer. A non-empty Error reports a
// failed computation.
type ScoreReply struct {
	Result types.ScoreResult `json:"result"`
	Error  string            `json:"error,omitempty"`
}

// Scorer asks the scoring service for a score over NATS request/reply.
type Scorer struct {
	conn     Conn
	subjects Subjects
}

func NewScorer(conn Conn, subjects Subjects) *Scorer {
	return &Scorer{conn: conn, subjects: subjects}
}

// Score sends req and waits for the reply until ctx is done.
func (s *Scorer) Score(ctx context.Context, req types.RescoreRequest) (types.ScoreResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return types.ScoreResult{}, fmt.Errorf("encoding rescore request: %w", err)
	}
	msg, err := s.conn.RequestWithContext(ctx, s.subjects.Score(), data)
	if err != nil {
		return types.ScoreResult{}, fmt.Errorf("requesting score for %s: %w", req.AssetID, err)
	}
	var reply ScoreReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return types.ScoreResult{}, fmt.Errorf("decoding score reply for %s: %w", req.AssetID, err)
	}
	if reply.Error != "" {
		return types.ScoreResult{}, fmt.Errorf("scoring %s: %w", req.AssetID, errors.New(reply.Error))
	}
	return reply.Result, nil
}
