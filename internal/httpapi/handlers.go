package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"resfarm/internal/domain"
	"resfarm/internal/engine"
	"resfarm/internal/storage"
	logx "resfarm/pkg/logx"
)

type claimRequest struct {
	AgentID         string   `json:"agent_id"`
	ServiceKind     string   `json:"service_kind,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	ResourceAllow   []string `json:"resource_allow,omitempty"`
	IncludeStacking bool     `json:"include_stacking,omitempty"`
	Individual      bool     `json:"individual,omitempty"`
}

type completeRequest struct {
	Success      bool            `json:"success"`
	ProfileRef   string          `json:"profile_ref,omitempty"`
	PostRef      string          `json:"post_ref,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

type updateStatusRequest struct {
	Status       string          `json:"status"`
	ProfileRef   string          `json:"profile_ref,omitempty"`
	PostRef      string          `json:"post_ref,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	MergeResult  bool            `json:"merge_result,omitempty"`
}

type submitRequestBody struct {
	ServiceKind string          `json:"service_kind"`
	Config      json.RawMessage `json:"config"`
	AgentGroup  string          `json:"agent_group,omitempty"`
	LegacyRef   string          `json:"legacy_ref,omitempty"`
	Draft       bool            `json:"draft,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var in claimRequest
	if !s.decode(w, r, &in) {
		return
	}
	items, err := s.engine.Claim(r.Context(), domain.ClaimFilter{
		AgentID:         in.AgentID,
		ServiceKind:     in.ServiceKind,
		ResourceAllow:   in.ResourceAllow,
		IncludeStacking: in.IncludeStacking,
		Individual:      in.Individual,
	}, in.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []domain.AllocationItem{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.engine.Peek(r.Context(), domain.ClaimFilter{
		AgentID:         q.Get("agent_id"),
		ServiceKind:     q.Get("service_kind"),
		IncludeStacking: q.Get("include_stacking") == "true",
		Individual:      q.Get("individual") == "true",
	}, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []domain.AllocationItem{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in completeRequest
	if !s.decode(w, r, &in) {
		return
	}
	item, err := s.engine.Complete(r.Context(), mux.Vars(r)["id"], engine.CompletionInput{
		Success:      in.Success,
		ProfileRef:   in.ProfileRef,
		PostRef:      in.PostRef,
		ErrorCode:    in.ErrorCode,
		ErrorMessage: in.ErrorMessage,
		Result:       in.Result,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var in updateStatusRequest
	if !s.decode(w, r, &in) {
		return
	}
	item, err := s.engine.UpdateStatus(r.Context(), mux.Vars(r)["id"], in.Status, domain.CompletionResult{
		ProfileRef:   in.ProfileRef,
		PostRef:      in.PostRef,
		ErrorCode:    in.ErrorCode,
		ErrorMessage: in.ErrorMessage,
		Result:       in.Result,
	}, in.MergeResult)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in submitRequestBody
	if !s.decode(w, r, &in) {
		return
	}
	req, err := s.engine.SubmitRequest(r.Context(), engine.SubmitInput{
		ServiceKind: in.ServiceKind,
		Config:      in.Config,
		AgentGroup:  in.AgentGroup,
		LegacyRef:   in.LegacyRef,
		Draft:       in.Draft,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSubmitDraft(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.SubmitDraft(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.CancelRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.Trigger(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"sweep": name, "result": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpsertResource(w http.ResponseWriter, r *http.Request) {
	var res domain.Resource
	if !s.decode(w, r, &res) {
		return
	}
	res.ID = mux.Vars(r)["id"]
	if err := s.catalog.Upsert(r.Context(), res); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.All(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Value string `json:"value"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	key := mux.Vars(r)["key"]
	if err := s.settings.Set(r.Context(), key, in.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": in.Value})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", logx.Err(err))
	}
}

// writeError maps domain errors onto HTTP statuses. Invalid transitions list
// the allowed next states in the message so agents can self-correct.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, engine.ErrUnknownSweep):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNotClaimable), errors.Is(err, domain.ErrBadInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logx.Err(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
