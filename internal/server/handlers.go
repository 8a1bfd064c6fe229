package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/streamgate/internal/bus"
	"github.com/aristath/streamgate/internal/domain"
	"github.com/aristath/streamgate/internal/gwerrors"
)

// createSubscriptionRequest is the POST /subscriptions body.
type createSubscriptionRequest struct {
	Token uint64      `json:"token"`
	Mode  domain.Mode `json:"mode"`
}

type subscriptionResponse struct {
	Token     uint64      `json:"token"`
	Mode      domain.Mode `json:"mode"`
	AccountID *string     `json:"account_id,omitempty"`
}

// handleCreateSubscription implements POST /subscriptions {token, mode},
// idempotent by token: re-subscribing an already-active token is a no-op
// that returns its current assignment.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Mode {
	case domain.ModeLTP, domain.ModeQuote, domain.ModeFull:
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be one of LTP, QUOTE, FULL")
		return
	}

	if err := s.streaming.Add(r.Context(), req.Token, req.Mode); err != nil {
		s.log.Error().Err(err).Uint64("token", req.Token).Msg("failed to add subscription")
		s.writeHTTPError(w, err)
		return
	}

	rec, ok, err := s.subs.Get(req.Token)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read back subscription")
		return
	}
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "subscription not found after add")
		return
	}

	s.writeJSON(w, http.StatusCreated, subscriptionResponse{
		Token:     rec.Token,
		Mode:      rec.Mode,
		AccountID: rec.AccountID,
	})
}

// handleDeleteSubscription implements DELETE /subscriptions/{token}.
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseUint(chi.URLParam(r, "token"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "token must be a positive integer")
		return
	}

	if err := s.streaming.Remove(r.Context(), token); err != nil {
		s.writeHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listSubscriptionsResponse struct {
	Total int                    `json:"total"`
	Items []subscriptionResponse `json:"items"`
}

// handleListSubscriptions implements GET /subscriptions?limit,offset,filter.
// filter, when present, matches against the subscription's mode.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	all, err := s.subs.ListActive()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	q := r.URL.Query()
	if filter := q.Get("filter"); filter != "" {
		filtered := all[:0:0]
		for _, rec := range all {
			if string(rec.Mode) == filter {
				filtered = append(filtered, rec)
			}
		}
		all = filtered
	}

	limit := len(all)
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v >= 0 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	items := make([]subscriptionResponse, 0, end-offset)
	for _, rec := range all[offset:end] {
		items = append(items, subscriptionResponse{Token: rec.Token, Mode: rec.Mode, AccountID: rec.AccountID})
	}

	s.writeJSON(w, http.StatusOK, listSubscriptionsResponse{Total: total, Items: items})
}

// createOrderRequest is the POST /orders body.
type createOrderRequest struct {
	Operation domain.OrderOperation `json:"op"`
	Params    domain.OrderParams    `json:"params"`
	AccountID string                `json:"account_id"`
}

type createOrderResponse struct {
	TaskID string `json:"task_id"`
}

// handleCreateOrder implements POST /orders {op, params, account_id},
// accepted asynchronously and executed by the order executor.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Operation {
	case domain.OpPlace, domain.OpModify, domain.OpCancel:
	default:
		s.writeError(w, http.StatusBadRequest, "op must be one of place, modify, cancel")
		return
	}
	if req.AccountID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	taskID, err := s.executor.Submit(req.Operation, req.Params, req.AccountID)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", req.AccountID).Msg("failed to submit order task")
		s.writeHTTPError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, createOrderResponse{TaskID: taskID})
}

// handleGetOrder implements GET /orders/{task_id}.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, ok, err := s.executor.Get(taskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read order task")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "order task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

type healthDeps struct {
	Bus      string `json:"bus"`
	Store    string `json:"store"`
	Registry string `json:"registry"`
}

type healthAccount struct {
	ActiveSubscriptions int `json:"active_subscriptions"`
}

type healthTicker struct {
	Running             bool                     `json:"running"`
	ActiveSubscriptions int                      `json:"active_subscriptions"`
	PerAccount          map[string]healthAccount `json:"per_account"`
}

type healthResponse struct {
	Status string       `json:"status"`
	Deps   healthDeps   `json:"deps"`
	Ticker healthTicker `json:"ticker"`
}

// handleHealth implements GET /health. Status is the worst of its three
// dependency checks: ok when every dependency is healthy, degraded when
// one is impaired but the pipeline is still serving, critical when a
// dependency is down outright.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := healthDeps{Bus: "ok", Store: "ok", Registry: "ok"}
	worst := 0 // 0=ok, 1=degraded, 2=critical

	switch s.busPub.CircuitState() {
	case bus.StateOpen:
		deps.Bus = "critical"
		worst = max(worst, 2)
	case bus.StateHalfOpen:
		deps.Bus = "degraded"
		worst = max(worst, 1)
	}

	var probe int
	if err := s.db.QueryRow("SELECT 1").Scan(&probe); err != nil {
		deps.Store = "critical"
		worst = max(worst, 2)
	}

	if !s.registry.Loaded() {
		deps.Registry = "critical"
		worst = max(worst, 2)
	} else if s.registry.StaleRefreshes() > 0 {
		deps.Registry = "degraded"
		worst = max(worst, 1)
	}

	perAccount := make(map[string]healthAccount, len(s.accounts.Accounts()))
	total := 0
	for _, accountID := range s.accounts.Accounts() {
		n := len(s.streaming.AssignedTokens(accountID))
		perAccount[accountID] = healthAccount{ActiveSubscriptions: n}
		total += n
	}

	status := "ok"
	switch worst {
	case 1:
		status = "degraded"
	case 2:
		status = "critical"
	}

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status: status,
		Deps:   deps,
		Ticker: healthTicker{
			Running:             true,
			ActiveSubscriptions: total,
			PerAccount:          perAccount,
		},
	})
}

// writeHTTPError maps a gwerrors category to the HTTP status a
// control-plane client should act on.
func (s *Server) writeHTTPError(w http.ResponseWriter, err error) {
	switch gwerrors.CategoryOf(err) {
	case gwerrors.Validation:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case gwerrors.Authorization:
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case gwerrors.LimitError:
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case gwerrors.Transient:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
