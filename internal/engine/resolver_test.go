package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

func TestAutomaticFieldRejectsDirectWrites(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.RecordAutomatic(ctx, asset, "dominant_colors", []string{"red", "blue"}, "palette-extractor")
	require.NoError(t, err)
	before := f.read(t, "dominant_colors")

	tests := []struct {
		name  string
		write func() error
	}{
		{"human edit", func() error {
			_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "dominant_colors", Value: []string{"green"}, Actor: "ana"})
			return err
		}},
		{"human edit with override intent", func() error {
			_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "dominant_colors", Value: []string{"green"}, Actor: "ana", OverrideIntent: true})
			return err
		}},
		{"suggestion", func() error {
			_, err := f.svc.Ingest(ctx, CandidateEvent{AssetID: asset, FieldID: "dominant_colors", Value: []string{"green"}, Producer: "vision"})
			return err
		}},
		{"manual commit", func() error {
			_, err := f.svc.Values.Commit(ctx, types.CommitRequest{
				AssetID: asset, FieldID: "dominant_colors", Value: []string{"green"},
				Provenance: types.ProvenanceManual, Origin: types.OriginHuman, Actor: "ana",
			}, types.AuditApplied)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.write()
			assert.ErrorIs(t, err, types.ErrFieldNotEditable)
			var notEditable *types.FieldNotEditableError
			assert.True(t, errors.As(err, &notEditable))

			after := f.read(t, "dominant_colors")
			assert.Equal(t, before.Value, after.Value)
			assert.Equal(t, before.Version, after.Version)
			assert.Equal(t, types.ProvenanceAutomatic, after.Provenance)
		})
	}
}

func TestHybridWithoutOverrideIntentIsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.ProposeEdit(context.Background(), EditRequest{AssetID: asset, FieldID: "logo_color", Value: "red", Actor: "ana"})
	assert.ErrorIs(t, err, types.ErrFieldNotEditable)
	_, err = f.svc.Values.Read(context.Background(), asset, "logo_color")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLogoColorScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.svc.RecordAutomatic(ctx, asset, "logo_color", "blue", "palette-extractor")
	require.NoError(t, err)
	assert.Equal(t, AutomaticApplied, res.Outcome)

	res, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "red", "palette-extractor")
	require.NoError(t, err)
	assert.Equal(t, AutomaticApplied, res.Outcome)
	v := f.read(t, "logo_color")
	assert.Equal(t, "red", v.Value)
	assert.Equal(t, types.ProvenanceAutomatic, v.Provenance)

	edit, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "logo_color", Value: "green", Actor: "ana", OverrideIntent: true})
	require.NoError(t, err)
	require.NotNil(t, edit.Applied)
	assert.Equal(t, types.ProvenanceOverride, edit.Applied.Provenance)

	res, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "red", "palette-extractor")
	require.NoError(t, err, "suppressed automation must not fail the producer")
	assert.Equal(t, AutomaticSuppressed, res.Outcome)

	v = f.read(t, "logo_color")
	assert.Equal(t, edit.Applied.Version, v.Version, "suppressed automation keeps the version")
	assert.Equal(t, "green", v.Value)
	assert.Equal(t, types.ProvenanceOverride, v.Provenance)
	assert.Equal(t, "red", v.AutomaticValue, "the automatic candidate is remembered")
	assert.Equal(t, 1, f.metrics.suppressed)

	entries, err := f.svc.Audit(ctx, types.AuditFilter{AssetID: asset, Action: types.AuditAutomationSuppressed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "palette-extractor", entries[0].Actor)
	assert.Equal(t, "green", entries[0].Detail["kept"])
}

func TestClearOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("restores the last automatic value", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.RecordAutomatic(ctx, asset, "logo_color", "blue", "palette-extractor")
		require.NoError(t, err)
		_, err = f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "logo_color", Value: "green", Actor: "ana", OverrideIntent: true})
		require.NoError(t, err)
		_, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "red", "palette-extractor")
		require.NoError(t, err)

		v, err := f.svc.ClearOverride(ctx, asset, "logo_color", "ana")
		require.NoError(t, err)
		assert.Equal(t, "red", v.Value)
		assert.Equal(t, types.ProvenanceAutomatic, v.Provenance)

		res, err := f.svc.RecordAutomatic(ctx, asset, "logo_color", "blue", "palette-extractor")
		require.NoError(t, err)
		assert.Equal(t, AutomaticApplied, res.Outcome, "automation writes again after the override is cleared")

		events := f.events.all()
		last := events[len(events)-1]
		assert.Equal(t, pubsub.UpdatedEvent, last.Type)
		assert.Equal(t, "blue", last.Payload.Value)
	})

	t.Run("awaits automation when nothing was computed", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "logo_color", Value: "green", Actor: "ana", OverrideIntent: true})
		require.NoError(t, err)

		v, err := f.svc.ClearOverride(ctx, asset, "logo_color", "ana")
		require.NoError(t, err)
		assert.Nil(t, v.Value)

		meta, err := f.svc.EditableMetadata(ctx, asset, "")
		require.NoError(t, err)
		assert.Equal(t, types.ValueStateAwaitingAutomation, fieldView(t, meta, "logo_color").State)
	})

	t.Run("already automatic is a no-op", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.RecordAutomatic(ctx, asset, "logo_color", "blue", "palette-extractor")
		require.NoError(t, err)
		before := f.read(t, "logo_color")

		v, err := f.svc.ClearOverride(ctx, asset, "logo_color", "ana")
		require.NoError(t, err)
		assert.Equal(t, before.Version, v.Version)
	})

	t.Run("manual field is not editable", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.ClearOverride(ctx, asset, "quality_rating", "ana")
		assert.ErrorIs(t, err, types.ErrFieldNotEditable)
	})

	t.Run("missing value", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.ClearOverride(ctx, asset, "logo_color", "ana")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestRecordAutomaticRejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.RecordAutomatic(ctx, asset, "quality_rating", 4, "scorer")
	assert.ErrorIs(t, err, types.ErrFieldNotEditable)

	_, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "purple", "palette-extractor")
	assert.ErrorIs(t, err, types.ErrInvalidValue)

	_, err = f.svc.RecordAutomatic(ctx, asset, "no_such_field", "x", "palette-extractor")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.svc.RecordAutomatic(ctx, asset, "logo_color", "red", "")
	assert.ErrorIs(t, err, types.ErrInvalidActor)
}

// Once overridden, no sequence of automatic writes changes a hybrid value.
func TestOverrideSticksUnderAutomation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		assetID := rapid.StringMatching(`asset-[a-z0-9]{8}`).Draw(t, "asset")
		human := rapid.SampledFrom([]string{"blue", "red", "green"}).Draw(t, "human")
		writes := rapid.SliceOf(rapid.SampledFrom([]string{"blue", "red", "green"})).Draw(t, "automatic")

		edit, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: assetID, FieldID: "logo_color", Value: human, Actor: "ana", OverrideIntent: true})
		if err != nil {
			t.Fatalf("override: %v", err)
		}
		if edit.Applied.Provenance != types.ProvenanceOverride {
			t.Fatalf("override provenance %s", edit.Applied.Provenance)
		}
		for _, w := range writes {
			res, err := f.svc.RecordAutomatic(ctx, assetID, "logo_color", w, "palette-extractor")
			if err != nil {
				t.Fatalf("automatic %s: %v", w, err)
			}
			if res.Outcome != AutomaticSuppressed {
				t.Fatalf("automatic %s applied over override", w)
			}
		}
		v, err := f.svc.Values.Read(ctx, assetID, "logo_color")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if v.Value != human || v.Provenance != types.ProvenanceOverride {
			t.Fatalf("got %v/%s, want %s/override", v.Value, v.Provenance, human)
		}
		if v.Version != edit.Applied.Version {
			t.Fatalf("version moved from %d to %d under suppressed automation", edit.Applied.Version, v.Version)
		}
	})
}

func TestExpectedVersionSurvivesSuppressedAutomation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	edit, err := f.svc.ProposeEdit(ctx, EditRequest{AssetID: asset, FieldID: "logo_color", Value: "green", Actor: "ana", OverrideIntent: true})
	require.NoError(t, err)
	seen := edit.Applied.Version

	for _, w := range []string{"red", "blue"} {
		res, err := f.svc.RecordAutomatic(ctx, asset, "logo_color", w, "palette-extractor")
		require.NoError(t, err)
		require.Equal(t, AutomaticSuppressed, res.Outcome)
	}

	res, err := f.svc.ProposeEdit(ctx, EditRequest{
		AssetID: asset, FieldID: "logo_color", Value: "red", Actor: "ana",
		OverrideIntent: true, ExpectedVersion: &seen,
	})
	require.NoError(t, err, "background automation must not invalidate the editor's version")
	require.NotNil(t, res.Applied)
	assert.Equal(t, seen+1, res.Applied.Version)
	assert.Equal(t, "blue", res.Applied.AutomaticValue)
}

func fieldView(t *testing.T, meta *AssetMetadata, fieldID string) FieldView {
	t.Helper()
	for _, fv := range meta.Fields {
		if fv.FieldID == fieldID {
			return fv
		}
	}
	t.Fatalf("field %s not in view", fieldID)
	return FieldView{}
}
