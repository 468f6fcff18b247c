package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sentinelwatch/sentinel/store"
)

// signalRequest is the write shape for create and update.
type signalRequest struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Definition      *signal.Definition `json:"definition"`
	WebhookURL      string             `json:"webhook_url"`
	CooldownMinutes int                `json:"cooldown_minutes"`
	IsActive        *bool              `json:"is_active"`
}

func (req *signalRequest) validate() *signal.ValidationError {
	if req.Name == "" {
		return &signal.ValidationError{Field: "name", Msg: "a name is required"}
	}
	u, err := url.Parse(req.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &signal.ValidationError{Field: "webhook_url", Msg: "a valid http(s) URL is required"}
	}
	if req.CooldownMinutes < 0 {
		return &signal.ValidationError{Field: "cooldown_minutes", Msg: "cooldown must not be negative"}
	}
	if req.Definition == nil {
		return &signal.ValidationError{Field: "definition", Msg: "a definition is required"}
	}
	return nil
}

// compileRequest validates and compiles the definition, mapping compiler
// failures to 400 responses with their field paths.
func compileRequest(w http.ResponseWriter, req *signalRequest) ([]byte, bool) {
	if verr := req.validate(); verr != nil {
		writeError(w, http.StatusBadRequest, verr.Msg, verr.Field)
		return nil, false
	}
	stored, err := signal.Compile(req.Definition)
	if err != nil {
		var verr *signal.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Msg, "definition."+verr.Field)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, err.Error(), "definition")
		return nil, false
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode definition", "")
		return nil, false
	}
	return raw, true
}

func (s *Service) createSignal(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", "")
		return
	}
	raw, ok := compileRequest(w, &req)
	if !ok {
		return
	}
	now := time.Now().UTC()
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	sig := &store.Signal{
		ID:              uuid.NewString(),
		UserID:          user,
		Name:            req.Name,
		Description:     req.Description,
		Definition:      raw,
		WebhookURL:      req.WebhookURL,
		CooldownMinutes: req.CooldownMinutes,
		IsActive:        active,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.cfg.Store.CreateSignal(r.Context(), sig); err != nil {
		log.WithError(err).Error("Could not create signal")
		writeError(w, http.StatusInternalServerError, "could not create signal", "")
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Service) listSignals(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	signals, err := s.cfg.Store.ListSignals(r.Context(), user)
	if err != nil {
		log.WithError(err).Error("Could not list signals")
		writeError(w, http.StatusInternalServerError, "could not list signals", "")
		return
	}
	if signals == nil {
		signals = []*store.Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

// loadOwned fetches a signal and checks the caller owns it. Foreign
// signals read as absent rather than forbidden.
func (s *Service) loadOwned(w http.ResponseWriter, r *http.Request) (*store.Signal, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}
	id := mux.Vars(r)["id"]
	sig, err := s.cfg.Store.GetSignal(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "signal not found", "")
		return nil, false
	}
	if err != nil {
		log.WithError(err).Error("Could not load signal")
		writeError(w, http.StatusInternalServerError, "could not load signal", "")
		return nil, false
	}
	if sig.UserID != user {
		writeError(w, http.StatusNotFound, "signal not found", "")
		return nil, false
	}
	return sig, true
}

func (s *Service) getSignal(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Service) updateSignal(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", "")
		return
	}
	raw, ok := compileRequest(w, &req)
	if !ok {
		return
	}
	sig.Name = req.Name
	sig.Description = req.Description
	sig.Definition = raw
	sig.WebhookURL = req.WebhookURL
	sig.CooldownMinutes = req.CooldownMinutes
	if req.IsActive != nil {
		sig.IsActive = *req.IsActive
	}
	sig.UpdatedAt = time.Now().UTC()
	if err := s.cfg.Store.UpdateSignal(r.Context(), sig); err != nil {
		log.WithError(err).Error("Could not update signal")
		writeError(w, http.StatusInternalServerError, "could not update signal", "")
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Service) deleteSignal(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Store.DeleteSignal(r.Context(), sig.ID); err != nil {
		log.WithError(err).Error("Could not delete signal")
		writeError(w, http.StatusInternalServerError, "could not delete signal", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listNotifications(w http.ResponseWriter, r *http.Request) {
	sig, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", "limit")
			return
		}
		limit = n
	}
	rows, err := s.cfg.Store.ListNotifications(r.Context(), sig.ID, limit)
	if err != nil {
		log.WithError(err).Error("Could not list notifications")
		writeError(w, http.StatusInternalServerError, "could not list notifications", "")
		return
	}
	if rows == nil {
		rows = []*store.Notification{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Service) listMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, signal.MetricNames())
}
