// Package api exposes signal management over HTTP: CRUD on signals,
// notification history, and simulation. Authentication happens upstream;
// handlers trust the X-User-ID header for owner scoping.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sentinelwatch/sentinel/simulate"
	"github.com/sentinelwatch/sentinel/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "api")

// userHeader names the header carrying the authenticated user id.
const userHeader = "X-User-ID"

// Config wires the API service.
type Config struct {
	Addr      string
	Store     store.Store
	Simulator *simulate.Simulator
}

// Service serves the HTTP API as a registry service.
type Service struct {
	cfg        *Config
	server     *http.Server
	failStatus error
}

// NewService builds the API service and its route table.
func NewService(cfg *Config) *Service {
	s := &Service{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/v1/signals", s.createSignal).Methods(http.MethodPost)
	r.HandleFunc("/v1/signals", s.listSignals).Methods(http.MethodGet)
	r.HandleFunc("/v1/signals/{id}", s.getSignal).Methods(http.MethodGet)
	r.HandleFunc("/v1/signals/{id}", s.updateSignal).Methods(http.MethodPut)
	r.HandleFunc("/v1/signals/{id}", s.deleteSignal).Methods(http.MethodDelete)
	r.HandleFunc("/v1/signals/{id}/notifications", s.listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/v1/signals/{id}/simulate", s.simulateSignal).Methods(http.MethodPost)
	r.HandleFunc("/v1/metrics", s.listMetrics).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving requests.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting API")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Could not serve API")
			s.failStatus = err
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping API")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a failed listen.
func (s *Service) Status() error {
	return s.failStatus
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Debug("Could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, field string) {
	writeJSON(w, status, &errorResponse{Error: msg, Field: field})
}

// requireUser extracts the authenticated user or rejects the request.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header", "")
		return "", false
	}
	return user, true
}
