// Package relay connects the engine to NATS. It forwards change events to
// subscribers outside the process, carries rescore requests to the external
// scoring service over request/reply, and feeds AI candidates published on
// a subject into the suggestion ingestor.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "metafield"

// Conn is the subset of *nats.Conn the relay uses.
type Conn interface {
	Publish(subject string, data []byte) error
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials the NATS server at url.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(log.CatRelay, "NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(log.CatRelay, "NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Subjects derives every subject from one prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

// Change is the subject of an asset's change events.
func (s Subjects) Change(assetID string) string {
	return s.prefix() + ".changes." + token(assetID)
}

// Score is the request subject of the scoring service.
func (s Subjects) Score() string { return s.prefix() + ".score.request" }

// Suggestions is the subject AI producers publish candidates on.
func (s Subjects) Suggestions() string { return s.prefix() + ".suggestions" }

// token makes an id safe to use as one subject token.
func token(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// ChangeMessage is the wire form of a change event.
type ChangeMessage struct {
	Type      pubsub.EventType  `json:"type"`
	Event     types.ChangeEvent `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher forwards change events from the engine broker to NATS.
type Publisher struct {
	conn     Conn
	subjects Subjects
}

func NewPublisher(conn Conn, subjects Subjects) *Publisher {
	return &Publisher{conn: conn, subjects: subjects}
}

// Run forwards events until ctx is cancelled. A failed publish is logged
// and the event is skipped.
func (p *Publisher) Run(ctx context.Context, events pubsub.Subscriber[types.ChangeEvent]) {
	log.Info(log.CatRelay, "Forwarding change events", "prefix", p.subjects.prefix())
	pubsub.Listen(ctx, events, func(ev pubsub.Event[types.ChangeEvent]) {
		if err := p.Forward(ev); err != nil {
			log.ErrorErr(log.CatRelay, "Forwarding change event failed", err,
				"asset", ev.Payload.AssetID, "field", ev.Payload.FieldID)
		}
	})
}

// Forward publishes one event.
func (p *Publisher) Forward(ev pubsub.Event[types.ChangeEvent]) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data, err := json.Marshal(ChangeMessage{Type: ev.Type, Event: ev.Payload, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	subject := p.subjects.Change(ev.Payload.AssetID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	log.Debug(log.CatRelay, "Forwarded change event", "subject", subject, "type", string(ev.Type))
	return nil
}
