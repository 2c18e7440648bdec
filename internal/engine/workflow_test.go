package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

func TestProposeSupersedesPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a := f.propose(t, "description", "first draft", "ana")
	b := f.propose(t, "description", "second draft", "ben")

	gotA, err := f.svc.Queue.Get(ctx, a.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, types.ChangeSuperseded, gotA.Status)
	assert.Equal(t, b.ChangeID, gotA.SupersededBy)

	gotB, err := f.svc.Queue.Get(ctx, b.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, types.ChangePending, gotB.Status)

	pending, err := f.svc.Queue.ListPending(ctx, types.ChangeFilter{AssetID: asset})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ChangeID, pending[0].ChangeID)

	_, err = f.svc.Approve(ctx, a.ChangeID, "carla")
	assert.ErrorIs(t, err, types.ErrAlreadyResolved, "a superseded change cannot be approved")
}

func TestProposeValidatesUpFront(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     EditRequest
		wantErr error
	}{
		{"wrong type", EditRequest{FieldID: "brand_tone", Value: 7, OverrideIntent: true}, types.ErrInvalidValue},
		{"unknown option", EditRequest{FieldID: "brand_tone", Value: "grumpy", OverrideIntent: true}, types.ErrInvalidValue},
		{"hybrid without intent", EditRequest{FieldID: "brand_tone", Value: "formal"}, types.ErrFieldNotEditable},
		{"unknown field", EditRequest{FieldID: "nope", Value: "x"}, types.ErrNotFound},
		{"no actor", EditRequest{FieldID: "description", Value: "x"}, types.ErrInvalidActor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.AssetID = asset
			if tt.name != "no actor" {
				tt.req.Actor = "ana"
			}
			_, err := f.svc.ProposeEdit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	pending, err := f.svc.Queue.ListPending(ctx, types.ChangeFilter{})
	require.NoError(t, err)
	assert.Empty(t, pending, "invalid proposals are never queued")
}

func TestApproveRoundTrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name           string
		submit         func(t *testing.T, f *fixture) *types.PendingChange
		fieldID        string
		value          any
		wantProvenance types.Provenance
		wantOrigin     types.Origin
	}{
		{
			name:           "human edit on manual field",
			submit:         func(t *testing.T, f *fixture) *types.PendingChange { return f.propose(t, "description", "A blue logo.", "ana") },
			fieldID:        "description",
			value:          "A blue logo.",
			wantProvenance: types.ProvenanceManual,
			wantOrigin:     types.OriginHuman,
		},
		{
			name:           "human override on hybrid field",
			submit:         func(t *testing.T, f *fixture) *types.PendingChange { return f.propose(t, "brand_tone", "playful", "ana") },
			fieldID:        "brand_tone",
			value:          "playful",
			wantProvenance: types.ProvenanceOverride,
			wantOrigin:     types.OriginHuman,
		},
		{
			name: "suggestion",
			submit: func(t *testing.T, f *fixture) *types.PendingChange {
				c, err := f.svc.Ingest(ctx, CandidateEvent{AssetID: asset, FieldID: "brand_tone", Value: "formal", Confidence: ptr(0.7), Producer: "tone-model"})
				require.NoError(t, err)
				return c
			},
			fieldID:        "brand_tone",
			value:          "formal",
			wantProvenance: types.ProvenanceManual,
			wantOrigin:     types.OriginSuggestion,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			change := tt.submit(t, f)

			res, err := f.svc.Approve(ctx, change.ChangeID, "carla")
			require.NoError(t, err)
			assert.Equal(t, types.ChangeApproved, res.Change.Status)
			assert.Equal(t, "carla", res.Change.ResolvedBy)

			v := f.read(t, tt.fieldID)
			assert.Equal(t, tt.value, v.Value)
			assert.Equal(t, tt.wantProvenance, v.Provenance)
			assert.Equal(t, tt.wantOrigin, v.Origin)
			assert.Equal(t, "carla", v.UpdatedBy)

			events := f.events.all()
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, pubsub.UpdatedEvent, last.Type)
			assert.Equal(t, change.ChangeID, last.Payload.ChangeID)
			assert.Equal(t, types.ChangeApproved, last.Payload.Status)
		})
	}
}

func TestApproveIsIdempotentForSameApprover(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	change := f.propose(t, "description", "hello", "ana")

	first, err := f.svc.Approve(ctx, change.ChangeID, "carla")
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	eventsAfterFirst := len(f.events.all())

	again, err := f.svc.Approve(ctx, change.ChangeID, "carla")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Value.Version, again.Value.Version)
	assert.Equal(t, int64(1), f.read(t, "description").Version)
	assert.Len(t, f.events.all(), eventsAfterFirst, "a replay publishes nothing")

	_, err = f.svc.Approve(ctx, change.ChangeID, "dana")
	var resolved *types.AlreadyResolvedError
	require.ErrorAs(t, err, &resolved)
	assert.Equal(t, "carla", resolved.ResolvedBy)
	assert.Equal(t, types.ChangeApproved, resolved.Status)

	_, err = f.svc.Reject(ctx, change.ChangeID, "carla", "")
	assert.ErrorIs(t, err, types.ErrAlreadyResolved)
}

func TestConcurrentApprovalsCommitOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	change := f.propose(t, "brand_tone", "formal", "ana")

	approvers := []string{"carla", "dana"}
	errs := make([]error, len(approvers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, approver := range approvers {
		wg.Add(1)
		go func(i int, approver string) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Approve(ctx, change.ChangeID, approver)
		}(i, approver)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, types.ErrAlreadyResolved)
	}
	assert.Equal(t, 1, wins, "exactly one approver wins")
	assert.Equal(t, int64(1), f.read(t, "brand_tone").Version, "exactly one commit reached the value store")

	approved, err := f.svc.Audit(ctx, types.AuditFilter{AssetID: asset, Action: types.AuditApproved})
	require.NoError(t, err)
	assert.Len(t, approved, 1)
	assert.Equal(t, 1, f.metrics.conflicts)
}

func TestReject(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.RecordAutomatic(ctx, asset, "brand_tone", "formal", "tone-model")
	require.NoError(t, err)
	before := f.score(t)

	change := f.propose(t, "brand_tone", "playful", "ana")
	res, err := f.svc.Reject(ctx, change.ChangeID, "carla", "off brand")
	require.NoError(t, err)
	assert.Equal(t, types.ChangeRejected, res.Change.Status)
	assert.Equal(t, "off brand", res.Change.Reason)
	assert.Nil(t, res.Value)

	v := f.read(t, "brand_tone")
	assert.Equal(t, "formal", v.Value, "rejection leaves the value alone")
	assert.Equal(t, before.Generation, f.score(t).Generation, "rejection has no compliance impact")

	events := f.events.all()
	last := events[len(events)-1]
	assert.Equal(t, pubsub.RejectedEvent, last.Type)
	assert.Equal(t, types.ChangeRejected, last.Payload.Status)

	again, err := f.svc.Reject(ctx, change.ChangeID, "carla", "off brand")
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	_, err = f.svc.Approve(ctx, change.ChangeID, "carla")
	assert.ErrorIs(t, err, types.ErrAlreadyResolved)

	history, err := f.svc.History(ctx, types.ChangeFilter{AssetID: asset})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, change.ChangeID, history[0].ChangeID)
}

func TestSuggestionNeverAutoApplies(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	change, err := f.svc.Ingest(ctx, CandidateEvent{
		AssetID:    asset,
		FieldID:    "description",
		Value:      "A minimalist blue logo on white.",
		Confidence: ptr(0.92),
		Producer:   "caption-model",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ChangePending, change.Status)
	assert.Equal(t, types.SourceSuggestion, change.Source)
	assert.InDelta(t, 0.92, *change.Confidence, 1e-9)

	_, err = f.svc.Values.Read(ctx, asset, "description")
	assert.ErrorIs(t, err, types.ErrNotFound, "nothing applied before approval")
	got, err := f.svc.Queue.Get(ctx, change.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, types.ChangePending, got.Status)

	_, err = f.svc.Approve(ctx, change.ChangeID, "carla")
	require.NoError(t, err)
	v := f.read(t, "description")
	assert.Equal(t, "A minimalist blue logo on white.", v.Value)
	assert.Equal(t, types.OriginSuggestion, v.Origin)
}

func TestIngestBatchReportsPerItem(t *testing.T) {
	f := newFixture(t, Options{})
	results, err := f.svc.IngestBatch(context.Background(), []CandidateEvent{
		{AssetID: asset, FieldID: "description", Value: "ok", Confidence: ptr(0.5), Producer: "caption-model"},
		{AssetID: asset, FieldID: "unknown", Value: "x", Producer: "caption-model"},
		{AssetID: asset, FieldID: "brand_tone", Value: "formal", Confidence: ptr(1.5), Producer: "tone-model"},
		{AssetID: asset, FieldID: "dominant_colors", Value: []string{"red"}, Producer: "vision"},
		{AssetID: asset, FieldID: "brand_tone", Value: "playful", Producer: "tone-model"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, types.ErrNotFound)
	assert.ErrorIs(t, results[2].Err, types.ErrInvalidConfidence)
	assert.ErrorIs(t, results[3].Err, types.ErrFieldNotEditable)
	assert.NoError(t, results[4].Err)
	assert.NotNil(t, results[4].Change)
}

func TestProposeExpectedVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "description", Value: "x", Actor: "ana", ExpectedVersion: ptr(int64(2))})
	assert.ErrorIs(t, err, types.ErrStaleWrite)

	res, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "description", Value: "x", Actor: "ana", ExpectedVersion: ptr(int64(0))})
	require.NoError(t, err)
	assert.NotNil(t, res.Pending)
}

func TestPurgeRemovesOldTerminalChanges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	change := f.propose(t, "description", "x", "ana")
	_, err := f.svc.Reject(ctx, change.ChangeID, "carla", "")
	require.NoError(t, err)
	pending := f.propose(t, "description", "y", "ana")

	n, err := f.svc.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "inside the retention window")

	f.svc.core.now = func() time.Time { return time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC) }
	n, err = f.svc.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.svc.Queue.Get(ctx, change.ChangeID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.svc.Queue.Get(ctx, pending.ChangeID)
	assert.NoError(t, err, "pending changes are never purged")

	_, err = f.svc.Purge(ctx, 0)
	assert.Error(t, err)
}

// Whatever the proposal sequence, each key has at most one pending change.
func TestAtMostOnePendingPerKey(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		assetID := rapid.StringMatching(`asset-[a-z0-9]{8}`).Draw(t, "asset")
		steps := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 12).Draw(t, "steps")
		for i, step := range steps {
			switch step {
			case 0, 1:
				field := []string{"description", "brand_tone"}[step]
				value := map[string]any{"description": "draft", "brand_tone": "formal"}[field]
				if _, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: assetID, FieldID: field, Value: value, Actor: "ana", OverrideIntent: true}); err != nil {
					t.Fatalf("step %d propose: %v", i, err)
				}
			case 2:
				if _, err := f.svc.Ingest(ctx, CandidateEvent{AssetID: assetID, FieldID: "description", Value: "suggested", Producer: "caption-model"}); err != nil {
					t.Fatalf("step %d ingest: %v", i, err)
				}
			case 3:
				pending, err := f.svc.Queue.ListPending(ctx, types.ChangeFilter{AssetID: assetID})
				if err != nil {
					t.Fatalf("step %d list: %v", i, err)
				}
				if len(pending) > 0 {
					if _, err := f.svc.Approve(ctx, pending[0].ChangeID, "carla"); err != nil {
						t.Fatalf("step %d approve: %v", i, err)
					}
				}
			}

			pending, err := f.svc.Queue.ListPending(ctx, types.ChangeFilter{AssetID: assetID})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			seen := map[string]bool{}
			for _, c := range pending {
				if seen[c.FieldID] {
					t.Fatalf("two pending changes for %s/%s", assetID, c.FieldID)
				}
				seen[c.FieldID] = true
			}
		}
	})
}
