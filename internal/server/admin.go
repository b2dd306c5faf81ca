package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
	servermw "github.com/bulwarkhq/bulwark/internal/server/middleware"
)

const maxAdminBodyBytes = 64 << 10

// RuleRequest is the body of POST /admin/rules. Duration uses Go duration
// syntax ("15m"); empty picks the default for the action and score.
type RuleRequest struct {
	Target    string   `json:"target"`
	Action    string   `json:"action"`
	Duration  string   `json:"duration,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Score     float64  `json:"score,omitempty"`
	RateLimit *float64 `json:"rate_limit,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// ManualRule converts the request into the engine's form.
func (r RuleRequest) ManualRule() (engine.ManualRule, error) {
	m := engine.ManualRule{
		Target:    strings.TrimSpace(r.Target),
		Action:    core.Action(strings.ToLower(strings.TrimSpace(r.Action))),
		Reason:    r.Reason,
		Score:     r.Score,
		RateLimit: r.RateLimit,
		Force:     r.Force,
	}
	if m.Target == "" {
		return m, fmt.Errorf("target is required")
	}
	if d := strings.TrimSpace(r.Duration); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return m, fmt.Errorf("invalid duration %q: %w", r.Duration, err)
		}
		if parsed <= 0 {
			return m, fmt.Errorf("duration must be positive")
		}
		m.Duration = parsed
	}
	return m, nil
}

// RuleResponse is returned by POST and DELETE on /admin/rules.
type RuleResponse struct {
	Outcome string          `json:"outcome"`
	Rule    mitigation.Rule `json:"rule"`
}

// RuleList is returned by GET /admin/rules.
type RuleList struct {
	Rules []engine.RuleView `json:"rules"`
	Count int               `json:"count"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	servermw.JSON(w, http.StatusOK, s.gw.Snapshot(r.Context()))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.gw.Rules()
	servermw.JSON(w, http.StatusOK, RuleList{Rules: rules, Count: len(rules)})
}

func (s *Server) handleApplyRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		HandleError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body is not a valid rule"))
		return
	}

	manual, err := req.ManualRule()
	if err != nil {
		HandleError(w, r, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	rule, outcome, err := s.gw.ApplyRule(manual)
	if err != nil {
		HandleError(w, r, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	switch outcome {
	case mitigation.OutcomeCreated:
		servermw.JSON(w, http.StatusCreated, RuleResponse{Outcome: string(outcome), Rule: rule})
	case mitigation.OutcomeReplaced:
		servermw.JSON(w, http.StatusOK, RuleResponse{Outcome: string(outcome), Rule: rule})
	default:
		envelope := apperrors.NewConflictError("a live rule with a higher or equal score exists; set force to replace it").
			WithDetails(map[string]interface{}{
				"target":         rule.Target,
				"existing_score": rule.Score,
				"existing_rule":  string(rule.Action),
			})
		HandleError(w, r, envelope)
	}
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "ip")
	rule, ok := s.gw.RemoveRule(target)
	if !ok {
		HandleError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("no rule for %s", target)))
		return
	}
	servermw.JSON(w, http.StatusOK, RuleResponse{Outcome: string(mitigation.ChangeRemoved), Rule: rule})
}
