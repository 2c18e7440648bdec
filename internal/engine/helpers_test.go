package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/internal/sqlite"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

const asset = "asset-1"

// testClock advances one millisecond per reading so that submission order
// is strict.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// eventLog records published change events.
type eventLog struct {
	mu     sync.Mutex
	events []pubsub.Event[types.ChangeEvent]
}

func (l *eventLog) Publish(kind pubsub.EventType, ev types.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, pubsub.Event[types.ChangeEvent]{Type: kind, Payload: ev})
}

func (l *eventLog) all() []pubsub.Event[types.ChangeEvent] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pubsub.Event[types.ChangeEvent](nil), l.events...)
}

// countingRecorder counts recorder calls by outcome.
type countingRecorder struct {
	noopRecorder
	mu         sync.Mutex
	suppressed int
	conflicts  int
	outcomes   map[ScoreOutcome]int
}

func (r *countingRecorder) AutomationSuppressed(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed++
}

func (r *countingRecorder) ResolveConflict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func (r *countingRecorder) ScoreOutcome(o ScoreOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[ScoreOutcome]int)
	}
	r.outcomes[o]++
}

func (r *countingRecorder) outcome(o ScoreOutcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[o]
}

type fixture struct {
	svc     *Service
	backend *sqlite.Backend
	events  *eventLog
	metrics *countingRecorder
}

// newFixture starts a service over a fresh database with the standard
// field set. opts.Now, opts.Events and opts.Recorder are filled in.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	backend := sqlite.NewBackend()
	require.NoError(t, backend.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { _ = backend.Detach() })

	f := &fixture{backend: backend, events: &eventLog{}, metrics: &countingRecorder{}}
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	opts.Events = f.events
	opts.Recorder = f.metrics
	if opts.Compliance.RetryDelay == 0 {
		opts.Compliance.RetryDelay = time.Millisecond
	}

	svc, err := NewService(context.Background(), backend, opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	f.svc = svc

	for _, def := range standardFields() {
		require.NoError(t, svc.Registry.Save(context.Background(), def))
	}
	return f
}

var colors = []types.Option{
	{Value: "blue", Label: "Blue"},
	{Value: "red", Label: "Red"},
	{Value: "green", Label: "Green"},
}

func standardFields() []*types.FieldDefinition {
	return []*types.FieldDefinition{
		{
			FieldID:            "logo_color",
			Label:              "Logo color",
			PopulationMode:     types.PopulationHybrid,
			ComplianceRelevant: true,
			Constraint:         types.SelectConstraint{Options: colors},
		},
		{
			FieldID:        "quality_rating",
			Label:          "Quality",
			PopulationMode: types.PopulationManual,
			Constraint:     types.RatingConstraint{Max: 5},
		},
		{
			FieldID:          "description",
			Label:            "Description",
			PopulationMode:   types.PopulationManual,
			RequiresApproval: true,
			Constraint:       types.TextConstraint{Multiline: true},
		},
		{
			FieldID:            "brand_tone",
			Label:              "Brand tone",
			PopulationMode:     types.PopulationHybrid,
			RequiresApproval:   true,
			ComplianceRelevant: true,
			Constraint:         types.SelectConstraint{Options: []types.Option{{Value: "formal"}, {Value: "playful"}}},
		},
		{
			FieldID:        "dominant_colors",
			Label:          "Dominant colors",
			PopulationMode: types.PopulationAutomatic,
			Constraint:     types.MultiSelectConstraint{Options: colors},
		},
		{
			FieldID:        "campaign",
			Label:          "Campaign",
			Required:       true,
			PopulationMode: types.PopulationManual,
			Constraint:     types.TextConstraint{MaxLength: 40},
		},
	}
}

// read returns the stored value, failing the test if it is absent.
func (f *fixture) read(t *testing.T, fieldID string) *types.MetadataValue {
	t.Helper()
	v, err := f.svc.Values.Read(context.Background(), asset, fieldID)
	require.NoError(t, err)
	return v
}

func (f *fixture) propose(t *testing.T, fieldID string, value any, actor string) *types.PendingChange {
	t.Helper()
	res, err := f.svc.ProposeEdit(context.Background(), EditRequest{
		AssetID: asset, FieldID: fieldID, Value: value, Actor: actor, OverrideIntent: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pending, "field %s should be governed", fieldID)
	return res.Pending
}

func (f *fixture) score(t *testing.T) *types.ComplianceScore {
	t.Helper()
	s, err := f.svc.Compliance.Score(context.Background(), asset)
	require.NoError(t, err)
	return s
}

func ptr[T any](v T) *T { return &v }
