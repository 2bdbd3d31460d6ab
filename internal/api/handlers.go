package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"whale-mirror/internal/discovery"
	"whale-mirror/internal/risk"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/validator"
	"whale-mirror/internal/version"
)

const (
	defaultLimit  = 50
	maxLimit      = 500
	detailTrades  = 20
	feedbackItems = 50
)

type errorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status  string       `json:"status"`
	Mode    string       `json:"mode,omitempty"`
	Build   version.Info `json:"build"`
	Started time.Time    `json:"started_at"`
	Uptime  string       `json:"uptime"`
}

type rankingResponse struct {
	Count  int                   `json:"count"`
	Whales []storage.WhaleRecord `json:"whales"`
}

type feedbackResponse struct {
	Thresholds *validator.Thresholds `json:"thresholds,omitempty"`
	Modes      []validator.Analysis  `json:"modes"`
	Recent     []validator.Outcome   `json:"recent"`
}

type riskResponse struct {
	Snapshot risk.Snapshot  `json:"snapshot"`
	Profiles []risk.Profile `json:"profiles"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Mode:    s.deps.Mode,
		Build:   version.Get(),
		Started: s.started,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) ranking(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	opts := storage.ListOptions{
		SortByScore:      true,
		IncludeDiscarded: r.URL.Query().Get("include_discarded") == "true",
		Limit:            limit,
	}
	s.list(w, r, opts)
}

func (s *Server) discarded(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	s.list(w, r, storage.ListOptions{SortByScore: true, OnlyDiscarded: true, Limit: limit})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, opts storage.ListOptions) {
	whales, err := s.deps.Repo.ListWhales(r.Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("list whales")
		writeError(w, r, http.StatusInternalServerError, "storage_error")
		return
	}
	if whales == nil {
		whales = []storage.WhaleRecord{}
	}
	writeJSON(w, http.StatusOK, rankingResponse{Count: len(whales), Whales: whales})
}

func (s *Server) details(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	out, err := LoadDetails(r.Context(), s.deps.Repo, s.deps.Engine, s.deps.Risk, address, detailTrades)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "whale_not_found")
	case err != nil:
		s.logger.Error().Err(err).Str("address", address).Msg("load whale details")
		writeError(w, r, http.StatusInternalServerError, "storage_error")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) rounds(w http.ResponseWriter, _ *http.Request) {
	history := []discovery.RoundSummary{}
	if s.deps.Rounds != nil {
		history = s.deps.Rounds.History()
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) feedback(w http.ResponseWriter, _ *http.Request) {
	resp := feedbackResponse{Modes: []validator.Analysis{}, Recent: []validator.Outcome{}}
	if s.deps.Feedback != nil {
		if tracker := s.deps.Feedback.Feedback(); tracker != nil {
			if modes := tracker.Summary(); modes != nil {
				resp.Modes = modes
			}
			if recent := tracker.Recent(feedbackItems); recent != nil {
				resp.Recent = recent
			}
		}
	}
	if th, ok := s.deps.Feedback.(interface{ Thresholds() validator.Thresholds }); ok {
		t := th.Thresholds()
		resp.Thresholds = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) riskSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		writeError(w, r, http.StatusServiceUnavailable, "risk_disabled")
		return
	}
	writeJSON(w, http.StatusOK, riskResponse{Snapshot: s.deps.Risk.Metrics(), Profiles: s.deps.Risk.Profiles()})
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		writeError(w, r, http.StatusServiceUnavailable, "risk_disabled")
		return
	}
	s.deps.Risk.EmergencyStop()
	s.logger.Warn().Str("request_id", requestIDFrom(r.Context())).Msg("emergency stop requested")
	writeJSON(w, http.StatusOK, riskResponse{Snapshot: s.deps.Risk.Metrics(), Profiles: s.deps.Risk.Profiles()})
}

func (s *Server) resetWhale(w http.ResponseWriter, r *http.Request) {
	if s.deps.Risk == nil {
		writeError(w, r, http.StatusServiceUnavailable, "risk_disabled")
		return
	}
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		writeError(w, r, http.StatusBadRequest, "invalid_address")
		return
	}
	s.deps.Risk.ResetWhale(address)
	writeJSON(w, http.StatusOK, riskResponse{Snapshot: s.deps.Risk.Metrics(), Profiles: s.deps.Risk.Profiles()})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_limit")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}
