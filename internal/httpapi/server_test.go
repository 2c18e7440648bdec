package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/sqlite"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *engine.Service) {
	t.Helper()
	backend := sqlite.NewBackend()
	require.NoError(t, backend.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { _ = backend.Detach() })

	svc, err := engine.NewService(context.Background(), backend, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ctx := context.Background()
	require.NoError(t, svc.Registry.Save(ctx, &types.FieldDefinition{
		FieldID:        "quality_rating",
		Label:          "Quality",
		PopulationMode: types.PopulationManual,
		Constraint:     types.RatingConstraint{Max: 5},
	}))
	require.NoError(t, svc.Registry.Save(ctx, &types.FieldDefinition{
		FieldID:          "description",
		Label:            "Description",
		PopulationMode:   types.PopulationManual,
		RequiresApproval: true,
		Constraint:       types.TextConstraint{Multiline: true},
	}))
	require.NoError(t, svc.Registry.Save(ctx, &types.FieldDefinition{
		FieldID:        "dominant_colors",
		Label:          "Dominant colors",
		PopulationMode: types.PopulationAutomatic,
		Constraint:     types.MultiSelectConstraint{Options: []types.Option{{Value: "blue"}, {Value: "red"}}},
	}))
	return NewServer(svc, WithMetrics(http.NotFoundHandler())), svc
}

func do(t *testing.T, s *Server, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestImmediateEdit(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/assets/a1/fields/quality_rating", "alice", map[string]any{"value": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[engine.EditResult](t, rec)
	require.NotNil(t, res.Applied)
	assert.Nil(t, res.Pending)
	assert.EqualValues(t, 1, res.Applied.Version)
	assert.Equal(t, types.ProvenanceManual, res.Applied.Provenance)

	rec = do(t, s, http.MethodGet, "/assets/a1/metadata", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "a1", meta["asset_id"])
	assert.Len(t, meta["fields"], 3)
}

func TestGovernedEditRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/assets/a1/fields/description", "bob", map[string]any{"value": "New copy"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decodeBody[engine.EditResult](t, rec)
	require.NotNil(t, res.Pending)
	id := res.Pending.ChangeID

	rec = do(t, s, http.MethodGet, "/review", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]engine.ReviewItem](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)

	rec = do(t, s, http.MethodPost, "/changes/"+id+"/approve", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolution := decodeBody[engine.Resolution](t, rec)
	assert.Equal(t, types.ChangeApproved, resolution.Change.Status)
	require.NotNil(t, resolution.Value)
	assert.Equal(t, "New copy", resolution.Value.Value)

	// A second approver loses.
	rec = do(t, s, http.MethodPost, "/changes/"+id+"/reject", "dave", map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeAlreadyResolved, decodeBody[ErrorResponse](t, rec).Error)

	rec = do(t, s, http.MethodGet, "/assets/a1/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*types.PendingChange](t, rec), 1)
}

func TestReviewResolve(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/assets/a1/fields/description", "bob", map[string]any{"value": "draft"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeBody[engine.EditResult](t, rec).Pending.ChangeID

	rec = do(t, s, http.MethodPost, "/review/"+engine.KindMetadata+"/"+id+"/reject", "carol", map[string]any{"reason": "off brand"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/changes/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeBody[types.PendingChange](t, rec)
	assert.Equal(t, types.ChangeRejected, c.Status)
	assert.Equal(t, "off brand", c.Reason)

	rec = do(t, s, http.MethodPost, "/review/brand-dna/x/approve", "carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		status int
		code   string
	}{
		{
			name: "unknown field", method: http.MethodPost, path: "/assets/a1/fields/nope",
			actor: "alice", body: map[string]any{"value": 1},
			status: http.StatusNotFound, code: CodeNotFound,
		},
		{
			name: "invalid rating", method: http.MethodPost, path: "/assets/a1/fields/quality_rating",
			actor: "alice", body: map[string]any{"value": 9},
			status: http.StatusUnprocessableEntity, code: CodeInvalidValue,
		},
		{
			name: "human write to automatic field", method: http.MethodPost, path: "/assets/a1/fields/dominant_colors",
			actor: "alice", body: map[string]any{"value": []string{"red"}},
			status: http.StatusConflict, code: CodeFieldNotEditable,
		},
		{
			name: "missing actor", method: http.MethodPost, path: "/assets/a1/fields/quality_rating",
			body:   map[string]any{"value": 3},
			status: http.StatusUnauthorized, code: CodeUnauthenticated,
		},
		{
			name: "stale version", method: http.MethodPost, path: "/assets/a1/fields/quality_rating",
			actor: "alice", body: map[string]any{"value": 3, "expected_version": 7},
			status: http.StatusPreconditionFailed, code: CodeStaleWrite,
		},
		{
			name: "unknown change", method: http.MethodGet, path: "/changes/missing",
			status: http.StatusNotFound, code: CodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			rec := do(t, s, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAutomaticAndRescore(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/assets/a1/fields/dominant_colors/automatic", "tagger", map[string]any{"value": []string{"red", "blue"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[engine.AutomaticResult](t, rec)
	assert.Equal(t, engine.AutomaticApplied, res.Outcome)
	assert.Equal(t, []any{"blue", "red"}, res.Value.Value)

	rec = do(t, s, http.MethodPost, "/assets/a1/rescore", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, types.RescoreQueued, decodeBody[rescoreResponse](t, rec).Status)

	rec = do(t, s, http.MethodPost, "/assets/a1/rescore", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, types.RescoreAlreadyInProgress, decodeBody[rescoreResponse](t, rec).Status)
}

func TestSuggestions(t *testing.T) {
	s, svc := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/suggestions", "tagger", []map[string]any{
		{"asset_id": "a1", "field_id": "description", "value": "Sunny beach", "confidence": 0.92},
		{"asset_id": "a1", "field_id": "nope", "value": "x", "confidence": 0.5},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	results := decodeBody[[]suggestionResult](t, rec)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Change)
	assert.Equal(t, types.SourceSuggestion, results[0].Change.Source)
	assert.Equal(t, "tagger", results[0].Change.SubmittedBy)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, CodeNotFound, results[1].Error.Error)

	// Suggestions never auto-apply.
	_, err := svc.Values.Read(context.Background(), "a1", "description")
	assert.ErrorIs(t, err, types.ErrNotFound)

	rec = do(t, s, http.MethodPost, "/suggestions", "tagger", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
