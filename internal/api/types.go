package api

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/banditlabs/banditd/internal/accountant"
	"github.com/banditlabs/banditd/internal/policy"
)

// envelope carries the request id and server timestamp every JSON
// response starts with.
type envelope struct {
	RequestID uuid.UUID `json:"request_id"`
	TS        uint64    `json:"ts"`
}

type addArmRequest struct {
	InitialReward *float64 `json:"initial_reward"`
	InitialCount  *uint64  `json:"initial_count"`
}

type resetArmRequest struct {
	CumulativeReward *float64 `json:"cumulative_reward"`
	Count            *uint64  `json:"count"`
}

type updateRequest struct {
	Timestamp float64 `json:"timestamp"`
	ArmID     uint32  `json:"arm_id"`
	Reward    float64 `json:"reward"`
}

type updateBatchRequest struct {
	Updates []updateRequest `json:"updates"`
}

type createResponse struct {
	envelope
	ExperimentID uuid.UUID `json:"experiment_id"`
}

type listResponse struct {
	envelope
	Experiments map[string]map[string]any `json:"experiments"`
}

type addArmResponse struct {
	envelope
	ArmID uint32 `json:"arm_id"`
}

type drawResponse struct {
	envelope
	Timestamp uint64 `json:"timestamp"`
	ArmID     uint32 `json:"arm_id"`
}

type statsResponse struct {
	envelope
	Arms map[string]policy.ArmStats `json:"arms"`
}

type updateBatchResponse struct {
	envelope
	Results []string `json:"results"`
}

type recentLogsResponse struct {
	envelope
	Logs []accountant.Record `json:"logs"`
}

type errorResponse struct {
	envelope
	Error string `json:"error"`
}

// describe flattens a policy config into the list-endpoint shape:
// {"type": "<policy>", ...config}.
func describe(cfg policy.Config) map[string]any {
	out := map[string]any{"type": cfg.Type()}

	var inner any
	switch {
	case cfg.EpsilonGreedy != nil:
		inner = cfg.EpsilonGreedy
	case cfg.UCB1 != nil:
		inner = cfg.UCB1
	case cfg.ThompsonBeta != nil:
		inner = cfg.ThompsonBeta
	default:
		return out
	}

	raw, err := json.Marshal(inner)
	if err != nil {
		return out
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
