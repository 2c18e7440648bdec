package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

func TestEditableMetadataStates(t *testing.T) {
	f := newFixture(t, Options{BrandDNAEnabled: true})
	ctx := context.Background()

	meta, err := f.svc.EditableMetadata(ctx, asset, "")
	require.NoError(t, err)
	assert.Equal(t, types.ValueStateAwaitingAutomation, fieldView(t, meta, "logo_color").State)
	assert.Equal(t, types.ValueStateUnset, fieldView(t, meta, "quality_rating").State)
	assert.Equal(t, types.EvaluationPending, meta.EvaluationStatus, "relevant fields exist but nothing was evaluated")
	assert.Nil(t, meta.ComplianceScore)
	assert.True(t, meta.BrandDNAEnabled)
	assert.Zero(t, meta.PendingCount)

	_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: 4, Actor: "ana"})
	require.NoError(t, err)
	_, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "blue", "palette-extractor")
	require.NoError(t, err)
	f.propose(t, "description", "draft", "ana")
	_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "campaign", Value: "spring", Actor: "ana"})
	require.NoError(t, err)
	_, err = f.svc.RecordAutomatic(ctx, asset, "dominant_colors", nil, "palette-extractor")
	require.NoError(t, err)

	meta, err = f.svc.EditableMetadata(ctx, asset, "")
	require.NoError(t, err)
	require.Len(t, meta.Fields, len(standardFields()))
	assert.Equal(t, "logo_color", meta.Fields[0].FieldID, "fields come in definition order")

	tests := []struct {
		fieldID string
		state   types.ValueState
		value   any
	}{
		{"logo_color", types.ValueStateSet, "blue"},
		{"quality_rating", types.ValueStateSet, int64(4)},
		{"description", types.ValueStatePending, nil},
		{"brand_tone", types.ValueStateAwaitingAutomation, nil},
		{"dominant_colors", types.ValueStateAwaitingAutomation, nil},
		{"campaign", types.ValueStateSet, "spring"},
	}
	for _, tt := range tests {
		t.Run(tt.fieldID, func(t *testing.T) {
			fv := fieldView(t, meta, tt.fieldID)
			assert.Equal(t, tt.state, fv.State)
			assert.Equal(t, tt.value, fv.Value)
		})
	}
	assert.Equal(t, 1, meta.PendingCount)
	assert.Equal(t, "draft", fieldView(t, meta, "description").Pending.Value)
	assert.Equal(t, types.EvaluationPending, meta.EvaluationStatus)

	ok, err := f.svc.AcceptScore(ctx, asset, f.score(t).Generation, evaluated(75))
	require.NoError(t, err)
	require.True(t, ok)
	meta, err = f.svc.EditableMetadata(ctx, asset, "")
	require.NoError(t, err)
	assert.Equal(t, types.EvaluationEvaluated, meta.EvaluationStatus)
	require.NotNil(t, meta.ComplianceScore)
	assert.Equal(t, 75, *meta.ComplianceScore)
	assert.Len(t, meta.ComplianceBreakdown, 2)
}

func TestStaleScoreSignalsRecomputing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.RecordAutomatic(ctx, asset, "logo_color", "blue", "palette-extractor")
	require.NoError(t, err)
	ok, err := f.svc.AcceptScore(ctx, asset, f.score(t).Generation, evaluated(88))
	require.NoError(t, err)
	require.True(t, ok)

	meta, err := f.svc.EditableMetadata(ctx, asset, "")
	require.NoError(t, err)
	assert.Equal(t, types.EvaluationEvaluated, meta.EvaluationStatus)
	assert.False(t, meta.Recomputing)

	_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "logo_color", Value: "green", Actor: "ana", OverrideIntent: true})
	require.NoError(t, err)
	require.False(t, f.score(t).InFlight, "no scorer holds a claim")

	meta, err = f.svc.EditableMetadata(ctx, asset, "")
	require.NoError(t, err)
	assert.Equal(t, types.EvaluationPending, meta.EvaluationStatus)
	require.NotNil(t, meta.ComplianceScore)
	assert.Equal(t, 88, *meta.ComplianceScore)
	assert.True(t, meta.Recomputing, "a score older than the last change is flagged")
}

func TestReadAllFollowsDefinitionOrder(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "campaign", Value: "spring", Actor: "ana"})
	require.NoError(t, err)
	_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: 3, Actor: "ana"})
	require.NoError(t, err)
	_, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "red", "palette-extractor")
	require.NoError(t, err)

	values, err := f.svc.Values.ReadAll(ctx, asset)
	require.NoError(t, err)
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.FieldID)
	}
	assert.Equal(t, []string{"logo_color", "quality_rating", "campaign"}, ids)
	assert.Equal(t, int64(3), values[1].Value)

	values, err = f.svc.Values.ReadAll(ctx, "asset-without-values")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestEditableMetadataNotApplicable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.svc.Registry.Save(ctx, &types.FieldDefinition{
		FieldID:        "alt_text",
		Scope:          "brand-b",
		Label:          "Alt text",
		PopulationMode: types.PopulationManual,
		Constraint:     types.TextConstraint{},
	}))

	meta, err := f.svc.EditableMetadata(ctx, asset, "brand-b")
	require.NoError(t, err)
	require.Len(t, meta.Fields, 1)
	assert.Equal(t, types.EvaluationNotApplicable, meta.EvaluationStatus)
	assert.Empty(t, meta.ComplianceBreakdown)
}

func TestQualityRatingScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	edit := func(v any) (*EditResult, error) {
		return f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: v, Actor: "ana"})
	}

	res, err := edit(3)
	require.NoError(t, err)
	require.NotNil(t, res.Applied, "ungoverned manual field applies immediately")
	assert.Equal(t, types.ProvenanceManual, res.Applied.Provenance)

	// Writing the same rating again is a plain write; clearing is the
	// caller's explicit nil.
	res, err = edit(3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Applied.Value)
	assert.Equal(t, int64(2), res.Applied.Version)

	res, err = edit(nil)
	require.NoError(t, err)
	assert.Nil(t, res.Applied.Value)
	meta, err := f.svc.EditableMetadata(ctx, asset, "")
	require.NoError(t, err)
	assert.Equal(t, types.ValueStateCleared, fieldView(t, meta, "quality_rating").State)

	_, err = edit(6)
	assert.ErrorIs(t, err, types.ErrInvalidValue)
	_, err = edit(0)
	assert.ErrorIs(t, err, types.ErrInvalidValue)
}

func TestRequiredFieldCannotBeCleared(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.ProposeEdit(context.Background(), EditRequest{AssetID: asset, FieldID: "campaign", Value: nil, Actor: "ana"})
	var invalid *types.InvalidValueError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "campaign", invalid.FieldID)
}

func TestImmediateEditExpectedVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: 2, Actor: "ana", ExpectedVersion: ptr(int64(0))})
	require.NoError(t, err)

	_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: 5, Actor: "ben", ExpectedVersion: ptr(int64(0))})
	assert.ErrorIs(t, err, types.ErrStaleWrite)
	assert.Equal(t, int64(2), f.read(t, "quality_rating").Value)
}

type mockPermissions struct {
	mock.Mock
}

func (m *mockPermissions) Authorize(ctx context.Context, actor string, action Action, assetID string) error {
	return m.Called(actor, action, assetID).Error(0)
}

func TestPermissionsGateActions(t *testing.T) {
	perms := &mockPermissions{}
	perms.On("Authorize", "ana", ActionEdit, asset).Return(nil)
	perms.On("Authorize", "ana", ActionApprove, asset).Return(errors.New("cannot approve own change"))
	perms.On("Authorize", "carla", ActionApprove, asset).Return(nil)
	perms.On("Authorize", "eve", ActionRescore, asset).Return(errors.New("viewer"))

	f := newFixture(t, Options{Permissions: perms})
	ctx := context.Background()
	change := f.propose(t, "description", "hello", "ana")

	_, err := f.svc.Approve(ctx, change.ChangeID, "ana")
	assert.ErrorIs(t, err, types.ErrForbidden)
	got, err := f.svc.Queue.Get(ctx, change.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, types.ChangePending, got.Status, "a denied approval changes nothing")

	_, err = f.svc.Approve(ctx, change.ChangeID, "carla")
	require.NoError(t, err)

	_, err = f.svc.RequestRescore(ctx, asset, "eve")
	assert.ErrorIs(t, err, types.ErrForbidden)
	perms.AssertExpectations(t)
}

type fakeTagSource struct {
	items    []ReviewItem
	approved []string
	rejected []string
}

func (s *fakeTagSource) Kind() string { return "tag" }

func (s *fakeTagSource) ListPending(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error) {
	var out []ReviewItem
	for _, it := range s.items {
		if filter.AssetID == "" || it.AssetID == filter.AssetID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fakeTagSource) Approve(ctx context.Context, id, approver string) error {
	s.approved = append(s.approved, id)
	return nil
}

func (s *fakeTagSource) Reject(ctx context.Context, id, rejector, reason string) error {
	s.rejected = append(s.rejected, id)
	return nil
}

func TestReviewQueueMergesSources(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tags := &fakeTagSource{items: []ReviewItem{
		{Kind: "tag", ID: "tag-1", AssetID: asset, Value: "outdoor", SubmittedBy: "tagger", SubmittedAt: early},
		{Kind: "tag", ID: "tag-2", AssetID: asset, Value: "summer", SubmittedBy: "tagger", SubmittedAt: early.AddDate(1, 0, 0)},
	}}
	f.svc.Review.Register(tags)

	change := f.propose(t, "description", "draft", "ana")

	items, err := f.svc.ListReviewQueue(ctx, ReviewFilter{AssetID: asset})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"tag-1", change.ChangeID, "tag-2"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, KindMetadata, items[1].Kind)

	items, err = f.svc.ListReviewQueue(ctx, ReviewFilter{Kind: KindMetadata})
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = f.svc.ListReviewQueue(ctx, ReviewFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = f.svc.ListReviewQueue(ctx, ReviewFilter{Kind: "asset_link"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, f.svc.ResolveReview(ctx, "tag", "tag-1", "carla", true, ""))
	require.NoError(t, f.svc.ResolveReview(ctx, "tag", "tag-2", "carla", false, "wrong season"))
	require.NoError(t, f.svc.ResolveReview(ctx, KindMetadata, change.ChangeID, "carla", true, ""))
	assert.Equal(t, []string{"tag-1"}, tags.approved)
	assert.Equal(t, []string{"tag-2"}, tags.rejected)
	assert.Equal(t, "draft", f.read(t, "description").Value)

	err = f.svc.ResolveReview(ctx, "asset_link", "x", "carla", true, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRegistryCachesDefinitions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	def, err := f.svc.Registry.Definition(ctx, "quality_rating")
	require.NoError(t, err)
	assert.Equal(t, "Quality", def.Label)

	// Writing around the registry is invisible while the entry is cached.
	changed := *def
	changed.Label = "Overall quality"
	require.NoError(t, f.backend.Fields().Save(ctx, &changed))
	def, err = f.svc.Registry.Definition(ctx, "quality_rating")
	require.NoError(t, err)
	assert.Equal(t, "Quality", def.Label)

	// Saving through the registry evicts the entry.
	changed.Label = "Quality score"
	require.NoError(t, f.svc.Registry.Save(ctx, &changed))
	def, err = f.svc.Registry.Definition(ctx, "quality_rating")
	require.NoError(t, err)
	assert.Equal(t, "Quality score", def.Label)

	_, err = f.svc.Registry.Definition(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEventsFollowCommit(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: 9, Actor: "ana"})
	require.Error(t, err)
	assert.Empty(t, f.events.all(), "failed writes publish nothing")

	_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "quality_rating", Value: 4, Actor: "ana"})
	require.NoError(t, err)
	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "quality_rating", events[0].Payload.FieldID)
	assert.Equal(t, int64(4), events[0].Payload.Value)
	assert.Equal(t, int64(1), events[0].Payload.Version)
}
