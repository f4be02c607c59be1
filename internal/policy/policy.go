// Package policy implements the bandit policies served by the experiment
// runtime: Epsilon-Greedy, UCB1 and Thompson sampling with Beta priors.
// A Policy owns its per-arm bookkeeping and its RNG; everything it needs
// to reproduce draws after a restart round-trips through the snapshot
// codec in this package.
package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrArmNotFound is returned when an operation names an arm id that
	// does not exist in the experiment.
	ErrArmNotFound = errors.New("arm not found")

	// ErrArmDisabled is returned when an update targets a disabled arm.
	ErrArmDisabled = errors.New("arm is disabled")

	// ErrNoActiveArms is returned by Draw when every arm is disabled or
	// the experiment has no arms at all.
	ErrNoActiveArms = errors.New("no active arms to draw from")

	// ErrBadConfig is returned for malformed policy configurations.
	ErrBadConfig = errors.New("bad policy configuration")
)

// ArmStats is the per-arm view returned by Stats.
type ArmStats struct {
	Pulls      uint64  `json:"pulls"`
	MeanReward float64 `json:"mean_reward"`
	IsActive   bool    `json:"is_active"`
}

// Policy is the capability set shared by all bandit policies. A Policy is
// not safe for concurrent use; the experiment actor serializes access.
type Policy interface {
	// Config reports the policy's current configuration. For
	// Epsilon-Greedy with decay this reflects the decayed epsilon.
	Config() Config

	// AddArm inserts a new active arm with the given pseudo-prior and
	// returns its id. Ids are dense, 0-based and never reused.
	AddArm(initialReward float64, initialCount uint64) uint32

	// RemoveArm deletes an arm and its counters.
	RemoveArm(id uint32) error

	// DisableArm excludes an arm from draws while retaining its state.
	DisableArm(id uint32) error

	// EnableArm re-includes a previously disabled arm.
	EnableArm(id uint32) error

	// Reset zeros the counters of every arm. Arms and the RNG keep
	// their identity.
	Reset()

	// ResetArm overrides a single arm's counters.
	ResetArm(id uint32, initialReward float64, initialCount uint64) error

	// Draw selects an active arm according to the policy rule.
	Draw() (uint32, error)

	// Update incorporates an observed reward for an arm.
	Update(id uint32, reward float64) error

	// Stats reports every arm's pulls, mean reward and activity.
	Stats() map[uint32]ArmStats

	// document captures the full policy state for the snapshot codec.
	document() (*Document, error)
}

// EpsilonGreedyConfig configures the Epsilon-Greedy policy. Epsilon must
// be in [0,1]; the optional decay multiplies epsilon after every draw and
// must be in (0,1].
type EpsilonGreedyConfig struct {
	Epsilon      float64  `json:"epsilon"`
	EpsilonDecay *float64 `json:"epsilon_decay,omitempty"`
	Seed         *uint64  `json:"seed,omitempty"`
}

// UCB1Config configures the UCB1 policy. The seed is carried for snapshot
// uniformity; UCB1 draws are deterministic and never consume it.
type UCB1Config struct {
	Seed *uint64 `json:"seed,omitempty"`
}

// ThompsonBetaConfig configures Thompson sampling with Beta priors.
type ThompsonBetaConfig struct {
	Seed *uint64 `json:"seed,omitempty"`
}

// Config is the policy sum type. Exactly one field must be set. The JSON
// shape doubles as the POST /v1/create payload: {"EpsilonGreedy": {...}}.
type Config struct {
	EpsilonGreedy *EpsilonGreedyConfig `json:"EpsilonGreedy,omitempty"`
	UCB1          *UCB1Config          `json:"UCB1,omitempty"`
	ThompsonBeta  *ThompsonBetaConfig  `json:"ThompsonBeta,omitempty"`
}

// Type returns the policy tag of the configured variant.
func (c Config) Type() string {
	switch {
	case c.EpsilonGreedy != nil:
		return TypeEpsilonGreedy
	case c.UCB1 != nil:
		return TypeUCB1
	case c.ThompsonBeta != nil:
		return TypeThompsonBeta
	}
	return ""
}

// Policy tags used in snapshots and the list endpoint.
const (
	TypeEpsilonGreedy = "EpsilonGreedy"
	TypeUCB1          = "UCB1"
	TypeThompsonBeta  = "ThompsonBeta"
)

// New builds a policy from its configuration.
func New(cfg Config) (Policy, error) {
	set := 0
	if cfg.EpsilonGreedy != nil {
		set++
	}
	if cfg.UCB1 != nil {
		set++
	}
	if cfg.ThompsonBeta != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: exactly one policy must be configured, got %d", ErrBadConfig, set)
	}

	switch {
	case cfg.EpsilonGreedy != nil:
		return newEpsilonGreedy(*cfg.EpsilonGreedy)
	case cfg.UCB1 != nil:
		return newUCB1(*cfg.UCB1), nil
	default:
		return newThompsonBeta(*cfg.ThompsonBeta), nil
	}
}
