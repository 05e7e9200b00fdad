package main

import (
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/claims/audit"
	"github.com/liamcoop/claims/reasoner"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/workflow"
)

// API request and response models

// ClaimResponse is returned for every run that got a run id, finalized or
// not.
type ClaimResponse struct {
	RunID    uuid.UUID          `json:"run_id"`
	State    workflow.State     `json:"state"`
	Decision *reasoner.Decision `json:"decision,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

type RunsResponse struct {
	Runs []audit.RunSummary `json:"runs"`
}

type AuditTrailResponse struct {
	RunID   uuid.UUID     `json:"run_id"`
	State   string        `json:"state"`
	Entries []audit.Entry `json:"entries"`
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ClaimType     string `json:"claim_type"`
	Expression    string `json:"expression"`
	Disqualifying bool   `json:"disqualifying"`
	Explanation   string `json:"explanation,omitempty"`
}

type RuleSetResponse struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	AsOf     string         `json:"as_of,omitempty"`
	LoadedAt time.Time      `json:"loaded_at"`
	Rules    []RuleResponse `json:"rules"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string           `json:"status"`
	RuleSet  string           `json:"rule_set"`
	Counters map[string]int64 `json:"counters"`
	Error    string           `json:"error,omitempty"`
}

func newRuleSetResponse(snap *rules.Snapshot) RuleSetResponse {
	resp := RuleSetResponse{
		Name:     snap.Set.Name,
		Version:  snap.Set.Version.String(),
		AsOf:     snap.Set.AsOf,
		LoadedAt: snap.LoadedAt,
		Rules:    make([]RuleResponse, 0, len(snap.Set.Rules)),
	}
	for _, r := range snap.Set.Rules {
		resp.Rules = append(resp.Rules, RuleResponse{
			ID:            r.ID,
			Name:          r.Name,
			ClaimType:     r.ClaimType,
			Expression:    r.Expression,
			Disqualifying: r.Disqualifying,
			Explanation:   r.Explanation,
		})
	}
	return resp
}
