package policy

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ThompsonBeta samples theta ~ Beta(1+reward, 1+count-reward) for every
// active arm and picks the highest sample, ties broken by the smallest
// arm id. Cumulative reward is clamped into [0, count] when deriving the
// Beta parameters; the raw counters are left untouched so stats stay
// truthful for rewards outside [0,1].
type ThompsonBeta struct {
	arms armSet
	rng  *rng
}

func newThompsonBeta(cfg ThompsonBetaConfig) *ThompsonBeta {
	return &ThompsonBeta{arms: newArmSet(), rng: newRNG(cfg.Seed)}
}

func (p *ThompsonBeta) Config() Config {
	return Config{ThompsonBeta: &ThompsonBetaConfig{Seed: p.rng.seed}}
}

func (p *ThompsonBeta) AddArm(initialReward float64, initialCount uint64) uint32 {
	return p.arms.add(initialReward, initialCount)
}

func (p *ThompsonBeta) RemoveArm(id uint32) error  { return p.arms.remove(id) }
func (p *ThompsonBeta) DisableArm(id uint32) error { return p.arms.setActive(id, false) }
func (p *ThompsonBeta) EnableArm(id uint32) error  { return p.arms.setActive(id, true) }
func (p *ThompsonBeta) Reset()                     { p.arms.resetAll() }

func (p *ThompsonBeta) ResetArm(id uint32, initialReward float64, initialCount uint64) error {
	return p.arms.resetArm(id, initialReward, initialCount)
}

func (p *ThompsonBeta) Draw() (uint32, error) {
	ids := p.arms.activeIDs()
	if len(ids) == 0 {
		return 0, ErrNoActiveArms
	}

	picked := ids[0]
	best := p.sample(picked)
	for _, id := range ids[1:] {
		if s := p.sample(id); s > best {
			best = s
			picked = id
		}
	}
	return picked, nil
}

func (p *ThompsonBeta) sample(id uint32) float64 {
	arm := p.arms.arms[id]
	count := float64(arm.Count)
	r := math.Min(math.Max(arm.Reward, 0), count)
	dist := distuv.Beta{Alpha: 1 + r, Beta: 1 + count - r, Src: p.rng.src}
	return dist.Rand()
}

func (p *ThompsonBeta) Update(id uint32, reward float64) error {
	return p.arms.update(id, reward)
}

func (p *ThompsonBeta) Stats() map[uint32]ArmStats { return p.arms.stats() }

func (p *ThompsonBeta) document() (*Document, error) {
	state, err := p.rng.marshal()
	if err != nil {
		return nil, err
	}
	return &Document{
		Policy:    TypeThompsonBeta,
		Config:    p.Config(),
		Arms:      p.arms.records(),
		NextArmID: p.arms.nextID,
		RNG:       state,
	}, nil
}
