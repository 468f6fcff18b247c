package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sentinelwatch/sentinel/simulate"
)

// simulateRequest selects one of the three simulation modes by the
// fields it sets: at alone, or start/end with either step_ms (sweep) or
// first_trigger (binary search).
type simulateRequest struct {
	At           *int64 `json:"at,omitempty"`       // unix ms
	Start        *int64 `json:"start,omitempty"`    // unix ms
	End          *int64 `json:"end,omitempty"`      // unix ms
	StepMs       int64  `json:"step_ms,omitempty"`  // sweep step
	FirstTrigger bool   `json:"first_trigger,omitempty"`
	PrecisionMs  int64  `json:"precision_ms,omitempty"`
}

type sweepResponse struct {
	Results []*simulate.Result `json:"results"`
}

type firstTriggerResponse struct {
	Found  bool             `json:"found"`
	Result *simulate.Result `json:"result,omitempty"`
}

func (s *Service) simulateSignal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Simulator == nil {
		writeError(w, http.StatusServiceUnavailable, "simulation is not configured", "")
		return
	}
	sig, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	stored, err := signal.NormalizeStored(sig.Definition)
	if err != nil {
		writeError(w, http.StatusConflict, "stored definition can no longer be compiled", "")
		return
	}
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", "")
		return
	}

	switch {
	case req.At != nil:
		res, err := s.cfg.Simulator.At(r.Context(), sig.ID, stored, time.UnixMilli(*req.At).UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, res)

	case req.Start != nil && req.End != nil && req.FirstTrigger:
		res, err := s.cfg.Simulator.FirstTrigger(r.Context(), sig.ID, stored,
			time.UnixMilli(*req.Start).UTC(), time.UnixMilli(*req.End).UTC(),
			time.Duration(req.PrecisionMs)*time.Millisecond)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, &firstTriggerResponse{Found: res != nil, Result: res})

	case req.Start != nil && req.End != nil && req.StepMs > 0:
		results, err := s.cfg.Simulator.Sweep(r.Context(), sig.ID, stored,
			time.UnixMilli(*req.Start).UTC(), time.UnixMilli(*req.End).UTC(),
			time.Duration(req.StepMs)*time.Millisecond)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, &sweepResponse{Results: results})

	default:
		writeError(w, http.StatusBadRequest,
			"set at, or start and end with step_ms or first_trigger", "")
	}
}
