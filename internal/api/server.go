// Package api carries the HTTP surface of the experiment runtime: the
// /v1 route table, the accountant logging middleware and the error to
// status-code mapping. Handlers translate payloads and dispatch to the
// repository; all experiment semantics live behind the actor handles.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/banditlabs/banditd/internal/accountant"
	"github.com/banditlabs/banditd/internal/experiment"
	"github.com/banditlabs/banditd/internal/ident"
	"github.com/banditlabs/banditd/internal/metrics"
	"github.com/banditlabs/banditd/internal/policy"
	"github.com/banditlabs/banditd/internal/repository"
)

const maxBodyBytes = 1 << 20

// Server wires the repository and accountant into HTTP handlers.
type Server struct {
	repo    *repository.Repository
	acct    accountant.Accountant
	logbook *accountant.Logbook
	met     *metrics.Metrics
	limiter *rate.Limiter

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// Option tweaks optional server wiring.
type Option func(*Server)

// WithLogbook exposes the accountant's recent-record buffer on
// /v1/logs/recent.
func WithLogbook(book *accountant.Logbook) Option {
	return func(s *Server) { s.logbook = book }
}

// WithRateLimit bounds request admission to roughly tokens/second.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithMetricsAuth protects /metrics with basic auth.
func WithMetricsAuth(user, password string) Option {
	return func(s *Server) {
		s.metricsAuth.enabled = user != ""
		s.metricsAuth.user = user
		s.metricsAuth.password = password
	}
}

// NewServer builds the HTTP layer. acct may be accountant.Noop.
func NewServer(repo *repository.Repository, acct accountant.Accountant, met *metrics.Metrics, opts ...Option) *Server {
	s := &Server{repo: repo, acct: acct, met: met}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/ping", s.handlePing)
	mux.HandleFunc("GET /v1/list", s.handleList)
	mux.HandleFunc("DELETE /v1/clear", s.handleClear)
	mux.HandleFunc("POST /v1/create", s.handleCreate)
	mux.HandleFunc("GET /v1/logs/recent", s.handleRecentLogs)

	mux.HandleFunc("GET /v1/{id}/ping", s.handleExperimentPing)
	mux.HandleFunc("PUT /v1/{id}/reset", s.handleReset)
	mux.HandleFunc("DELETE /v1/{id}/delete", s.handleDelete)
	mux.HandleFunc("POST /v1/{id}/add_arm", s.handleAddArm)
	mux.HandleFunc("GET /v1/{id}/draw", s.handleDraw)
	mux.HandleFunc("PUT /v1/{id}/update", s.handleUpdate)
	mux.HandleFunc("PUT /v1/{id}/update_batch", s.handleUpdateBatch)
	mux.HandleFunc("GET /v1/{id}/stats", s.handleStats)

	mux.HandleFunc("POST /v1/{id}/{arm}/reset", s.handleResetArm)
	mux.HandleFunc("PUT /v1/{id}/{arm}/disable", s.handleDisableArm)
	mux.HandleFunc("PUT /v1/{id}/{arm}/enable", s.handleEnableArm)
	mux.HandleFunc("DELETE /v1/{id}/{arm}/delete", s.handleDeleteArm)

	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /health", handleHealth)

	return s.recovered(s.limited(s.traced(s.logged(mux))))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{RequestID: ident.New(), TS: ident.NowMS()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listed, err := s.repo.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	experiments := make(map[string]map[string]any, len(listed))
	for id, cfg := range listed {
		experiments[id.String()] = describe(cfg)
	}
	writeJSON(w, http.StatusOK, listResponse{envelope: newEnvelope(), Experiments: experiments})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg policy.Config
	if err := decodeBody(r, &cfg); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	id, err := s.repo.Create(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{envelope: newEnvelope(), ExperimentID: id})
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	if s.logbook == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{envelope: newEnvelope(), Error: "accountant is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, recentLogsResponse{envelope: newEnvelope(), Logs: s.logbook.Recent()})
}

func (s *Server) handleExperimentPing(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := h.Ping(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := h.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleResetArm(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	arm, ok := s.armID(w, r)
	if !ok {
		return
	}
	var payload resetArmRequest
	if err := decodeBody(r, &payload); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var reward float64
	var count uint64
	if payload.CumulativeReward != nil {
		reward = *payload.CumulativeReward
	}
	if payload.Count != nil {
		count = *payload.Count
	}
	if reward < 0 {
		s.writeBadRequest(w, errors.New("cumulative_reward must be non-negative"))
		return
	}
	if err := h.ResetArm(r.Context(), arm, reward, count); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}
	if err := s.repo.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleAddArm(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var payload addArmRequest
	if err := decodeBody(r, &payload); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var reward float64
	var count uint64
	if payload.InitialReward != nil {
		reward = *payload.InitialReward
	}
	if payload.InitialCount != nil {
		count = *payload.InitialCount
	}
	if reward < 0 {
		s.writeBadRequest(w, errors.New("initial_reward must be non-negative"))
		return
	}
	arm, err := h.AddArm(r.Context(), reward, count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addArmResponse{envelope: newEnvelope(), ArmID: arm})
}

func (s *Server) handleDisableArm(w http.ResponseWriter, r *http.Request) {
	s.armToggle(w, r, (*experiment.Handle).DisableArm)
}

func (s *Server) handleEnableArm(w http.ResponseWriter, r *http.Request) {
	s.armToggle(w, r, (*experiment.Handle).EnableArm)
}

func (s *Server) armToggle(w http.ResponseWriter, r *http.Request, op func(*experiment.Handle, context.Context, uint32) error) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	arm, ok := s.armID(w, r)
	if !ok {
		return
	}
	if err := op(h, r.Context(), arm); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleDeleteArm(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	arm, ok := s.armID(w, r)
	if !ok {
		return
	}
	if err := h.RemoveArm(r.Context(), arm); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, err := h.Draw(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drawResponse{envelope: newEnvelope(), Timestamp: res.Timestamp, ArmID: res.ArmID})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var payload updateRequest
	if err := decodeBody(r, &payload); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if payload.Reward < 0 {
		s.writeBadRequest(w, errors.New("reward must be non-negative"))
		return
	}
	if err := h.Update(r.Context(), payload.Timestamp, payload.ArmID, payload.Reward); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvelope())
}

func (s *Server) handleUpdateBatch(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var payload updateBatchRequest
	if err := decodeBody(r, &payload); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	entries := make([]experiment.BatchEntry, 0, len(payload.Updates))
	for _, u := range payload.Updates {
		if u.Reward < 0 {
			s.writeBadRequest(w, errors.New("reward must be non-negative"))
			return
		}
		entries = append(entries, experiment.BatchEntry{Timestamp: u.Timestamp, ArmID: u.ArmID, Reward: u.Reward})
	}
	results, err := h.UpdateBatch(r.Context(), entries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	outcomes := make([]string, len(results))
	for i, res := range results {
		outcomes[i] = outcomeLabel(res)
	}
	writeJSON(w, http.StatusOK, updateBatchResponse{envelope: newEnvelope(), Results: outcomes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	stats, err := h.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	arms := make(map[string]policy.ArmStats, len(stats))
	for id, st := range stats {
		arms[strconv.FormatUint(uint64(id), 10)] = st
	}
	writeJSON(w, http.StatusOK, statsResponse{envelope: newEnvelope(), Arms: arms})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if !s.metricsAuth.enabled {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*experiment.Handle, bool) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return nil, false
	}
	h, err := s.repo.Get(id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return h, true
}

func (s *Server) experimentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeBadRequest(w, errors.New("malformed experiment id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) armID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	arm, err := strconv.ParseUint(r.PathValue("arm"), 10, 32)
	if err != nil {
		s.writeBadRequest(w, errors.New("malformed arm id"))
		return 0, false
	}
	return uint32(arm), true
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, policy.ErrArmNotFound):
		return "not_found"
	case errors.Is(err, policy.ErrArmDisabled):
		return "arm_disabled"
	default:
		return "error"
	}
}

func newEnvelope() envelope {
	return envelope{RequestID: ident.New(), TS: ident.NowMS()}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrExperimentNotFound),
		errors.Is(err, policy.ErrArmNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrArmDisabled),
		errors.Is(err, policy.ErrNoActiveArms):
		return http.StatusConflict
	case errors.Is(err, policy.ErrBadConfig):
		return http.StatusBadRequest
	case errors.Is(err, experiment.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: internal error: %v", err)
	}
	writeJSON(w, status, errorResponse{envelope: newEnvelope(), Error: err.Error()})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{envelope: newEnvelope(), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}
