package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

type editBody struct {
	Value           any    `json:"value"`
	OverrideIntent  bool   `json:"override_intent"`
	ExpectedVersion *int64 `json:"expected_version"`
}

type automaticBody struct {
	Value any `json:"value"`
}

type rejectBody struct {
	Reason string `json:"reason"`
}

type scoreBody struct {
	Generation int64             `json:"generation"`
	Result     types.ScoreResult `json:"result"`
}

type rescoreResponse struct {
	Status types.RescoreStatus `json:"status"`
}

type acceptScoreResponse struct {
	Accepted bool `json:"accepted"`
}

type suggestionResult struct {
	AssetID string               `json:"asset_id"`
	FieldID string               `json:"field_id"`
	Change  *types.PendingChange `json:"change,omitempty"`
	Error   *ErrorResponse       `json:"error,omitempty"`
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEditableMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	meta, err := s.svc.EditableMetadata(r.Context(), vars["assetID"], r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleProposeEdit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body editBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	res, err := s.svc.ProposeEdit(r.Context(), engine.EditRequest{
		AssetID:         vars["assetID"],
		FieldID:         vars["fieldID"],
		Value:           body.Value,
		Actor:           actor(r),
		OverrideIntent:  body.OverrideIntent,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Pending != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleRecordAutomatic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body automaticBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	res, err := s.svc.RecordAutomatic(r.Context(), vars["assetID"], vars["fieldID"], body.Value, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, err := s.svc.ClearOverride(r.Context(), vars["assetID"], vars["fieldID"], actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRequestRescore(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.RequestRescore(r.Context(), mux.Vars(r)["assetID"], actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rescoreResponse{Status: status})
}

func (s *Server) handleAcceptScore(w http.ResponseWriter, r *http.Request) {
	var body scoreBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	ok, err := s.svc.AcceptScore(r.Context(), mux.Vars(r)["assetID"], body.Generation, body.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptScoreResponse{Accepted: ok})
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Queue.Get(r.Context(), mux.Vars(r)["changeID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Approve(r.Context(), mux.Vars(r)["changeID"], actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	res, err := s.svc.Reject(r.Context(), mux.Vars(r)["changeID"], actor(r), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListReview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	items, err := s.svc.ListReviewQueue(r.Context(), engine.ReviewFilter{
		AssetID: q.Get("asset"),
		FieldID: q.Get("field"),
		Source:  types.ChangeSource(q.Get("source")),
		Kind:    q.Get("kind"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleResolveReview(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		var body rejectBody
		if err := decode(r, &body); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
		if err := s.svc.ResolveReview(r.Context(), vars["kind"], vars["id"], actor(r), approve, body.Reason); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	changes, err := s.svc.History(r.Context(), types.ChangeFilter{
		AssetID: mux.Vars(r)["assetID"],
		FieldID: q.Get("field"),
		Status:  types.ChangeStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	filter := types.AuditFilter{
		AssetID: mux.Vars(r)["assetID"],
		FieldID: q.Get("field"),
		Action:  types.AuditAction(q.Get("action")),
		Limit:   limit,
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeBadRequest(w, "since must be RFC 3339")
			return
		}
		filter.Since = ts
	}
	entries, err := s.svc.Audit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleSuggestions accepts one candidate or an array of them and reports
// the fate of each.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decode(r, &raw); err != nil || len(raw) == 0 {
		writeBadRequest(w, "request body must be a candidate or an array of candidates")
		return
	}
	var candidates []engine.CandidateEvent
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &candidates); err != nil {
			writeBadRequest(w, "invalid candidates: "+err.Error())
			return
		}
	} else {
		var c engine.CandidateEvent
		if err := json.Unmarshal(raw, &c); err != nil {
			writeBadRequest(w, "invalid candidate: "+err.Error())
			return
		}
		candidates = append(candidates, c)
	}
	for i := range candidates {
		if candidates[i].Producer == "" {
			candidates[i].Producer = actor(r)
		}
	}

	results, err := s.svc.IngestBatch(r.Context(), candidates)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]suggestionResult, 0, len(results))
	for _, res := range results {
		item := suggestionResult{AssetID: res.Candidate.AssetID, FieldID: res.Candidate.FieldID, Change: res.Change}
		if res.Err != nil {
			_, code := errorStatus(res.Err)
			item.Error = &ErrorResponse{Error: code, Message: res.Err.Error()}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusAccepted, out)
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}
