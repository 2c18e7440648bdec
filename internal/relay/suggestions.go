package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Ingester accepts AI candidates.
type Ingester interface {
	Ingest(ctx context.Context, c engine.CandidateEvent) (*types.PendingChange, error)
}

// SuggestionListener ingests candidates published on the suggestions
// subject. A message holds one candidate or a JSON array of them.
type SuggestionListener struct {
	conn     Conn
	subjects Subjects
	ingester Ingester
}

func NewSuggestionListener(conn Conn, subjects Subjects, ingester Ingester) *SuggestionListener {
	return &SuggestionListener{conn: conn, subjects: subjects, ingester: ingester}
}

// Start subscribes. Messages are handled with ctx until it is cancelled,
// at which point the subscription is drained.
func (l *SuggestionListener) Start(ctx context.Context) error {
	sub, err := l.conn.Subscribe(l.subjects.Suggestions(), func(msg *nats.Msg) {
		l.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", l.subjects.Suggestions(), err)
	}
	log.Info(log.CatRelay, "Listening for suggestions", "subject", l.subjects.Suggestions())
	go func() {
		<-ctx.Done()
		if sub != nil {
			_ = sub.Drain()
		}
	}()
	return nil
}

func (l *SuggestionListener) handle(ctx context.Context, msg *nats.Msg) {
	candidates, err := decodeCandidates(msg.Data)
	if err != nil {
		log.ErrorErr(log.CatRelay, "Dropping malformed suggestion", err, "subject", msg.Subject)
		return
	}
	for _, c := range candidates {
		change, err := l.ingester.Ingest(ctx, c)
		if err != nil {
			log.Warn(log.CatRelay, "Suggestion rejected",
				"asset", c.AssetID, "field", c.FieldID, "producer", c.Producer, "error", err)
			continue
		}
		log.Debug(log.CatRelay, "Suggestion queued", "change", change.ChangeID, "asset", c.AssetID, "field", c.FieldID)
	}
}

func decodeCandidates(data []byte) ([]engine.CandidateEvent, error) {
	var batch []engine.CandidateEvent
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}
	var one engine.CandidateEvent
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("decoding candidate: %w", err)
	}
	return []engine.CandidateEvent{one}, nil
}
