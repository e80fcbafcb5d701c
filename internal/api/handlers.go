package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/pattern"
	"github.com/MikeSquared-Agency/closer/internal/processor"
)

var errBadRequest = processor.ErrBadRequest

const maxBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

// decide handles POST /api/v1/decide
func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var c conversation.Context
	if err := decodeBody(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.deps.Decider.Decide(r.Context(), &c)
	if err != nil {
		s.logger.Error("decide failed", "conversation_id", c.ConversationID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// recordOutcome handles POST /api/v1/outcomes
func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var o conversation.Outcome
	if err := decodeBody(w, r, &o); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ack, err := s.deps.Recorder.Record(r.Context(), o)
	if err != nil {
		s.logger.Error("record outcome failed", "conversation_id", o.ConversationID, "turn", o.Turn, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	code := http.StatusAccepted
	if ack.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, ack)
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"experiments": s.deps.Arms.Experiments()})
}

// listArms handles GET /api/v1/experiments/{id}/arms
func (s *Server) listArms(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	arms, err := s.deps.Arms.Arms(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	type armView struct {
		VariantID     string  `json:"variant_id"`
		StrategyID    string  `json:"strategy_id"`
		Control       bool    `json:"control"`
		Impressions   int64   `json:"impressions"`
		Results       int64   `json:"results"`
		Successes     int64   `json:"successes"`
		SuccessRate   float64 `json:"success_rate"`
		ValueEstimate float64 `json:"value_estimate"`
	}
	out := make([]armView, len(arms))
	for i, a := range arms {
		out[i] = armView{
			VariantID:     a.VariantID,
			StrategyID:    a.StrategyID,
			Control:       a.Control,
			Impressions:   a.Impressions,
			Results:       a.Results,
			Successes:     a.Successes,
			SuccessRate:   a.SuccessRate(),
			ValueEstimate: a.ValueEstimate,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiment_id": id, "arms": out})
}

type patternView struct {
	pattern.Definition
	Score float64 `json:"score"`
}

// listPatterns handles GET /api/v1/patterns
func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	defs := s.deps.Patterns.Definitions()
	book := s.deps.Patterns.Book()
	out := make([]patternView, len(defs))
	for i, d := range defs {
		out[i] = patternView{Definition: d, Score: book.Score(d.ID)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": out, "count": len(out)})
}

// addPattern handles POST /api/v1/patterns
func (s *Server) addPattern(w http.ResponseWriter, r *http.Request) {
	var d pattern.Definition
	if err := decodeBody(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Patterns.Add(d); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, pattern.ErrDuplicatePattern) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	s.logger.Info("pattern registered at runtime", "pattern_id", d.ID, "category", d.Category)
	writeJSON(w, http.StatusCreated, patternView{Definition: d, Score: s.deps.Patterns.Book().Score(d.ID)})
}
