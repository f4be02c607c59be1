package policy

import "fmt"

// EpsilonGreedy explores a uniformly random active arm with probability
// epsilon and otherwise exploits the arm with the best mean reward, ties
// broken by the smallest arm id. An optional decay multiplies epsilon
// after every draw.
type EpsilonGreedy struct {
	arms    armSet
	epsilon float64
	decay   *float64
	rng     *rng
}

func newEpsilonGreedy(cfg EpsilonGreedyConfig) (*EpsilonGreedy, error) {
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		return nil, fmt.Errorf("%w: epsilon %v outside [0,1]", ErrBadConfig, cfg.Epsilon)
	}
	if cfg.EpsilonDecay != nil && (*cfg.EpsilonDecay <= 0 || *cfg.EpsilonDecay > 1) {
		return nil, fmt.Errorf("%w: epsilon_decay %v outside (0,1]", ErrBadConfig, *cfg.EpsilonDecay)
	}
	return &EpsilonGreedy{
		arms:    newArmSet(),
		epsilon: cfg.Epsilon,
		decay:   cfg.EpsilonDecay,
		rng:     newRNG(cfg.Seed),
	}, nil
}

func (p *EpsilonGreedy) Config() Config {
	return Config{EpsilonGreedy: &EpsilonGreedyConfig{
		Epsilon:      p.epsilon,
		EpsilonDecay: p.decay,
		Seed:         p.rng.seed,
	}}
}

func (p *EpsilonGreedy) AddArm(initialReward float64, initialCount uint64) uint32 {
	return p.arms.add(initialReward, initialCount)
}

func (p *EpsilonGreedy) RemoveArm(id uint32) error  { return p.arms.remove(id) }
func (p *EpsilonGreedy) DisableArm(id uint32) error { return p.arms.setActive(id, false) }
func (p *EpsilonGreedy) EnableArm(id uint32) error  { return p.arms.setActive(id, true) }
func (p *EpsilonGreedy) Reset()                     { p.arms.resetAll() }

func (p *EpsilonGreedy) ResetArm(id uint32, initialReward float64, initialCount uint64) error {
	return p.arms.resetArm(id, initialReward, initialCount)
}

func (p *EpsilonGreedy) Draw() (uint32, error) {
	ids := p.arms.activeIDs()
	if len(ids) == 0 {
		return 0, ErrNoActiveArms
	}

	var picked uint32
	if p.rng.Float64() < p.epsilon {
		picked = ids[p.rng.Intn(len(ids))]
	} else {
		picked = ids[0]
		best := p.arms.arms[picked].Mean()
		for _, id := range ids[1:] {
			if mean := p.arms.arms[id].Mean(); mean > best {
				best = mean
				picked = id
			}
		}
	}

	if p.decay != nil {
		p.epsilon *= *p.decay
	}
	return picked, nil
}

func (p *EpsilonGreedy) Update(id uint32, reward float64) error {
	return p.arms.update(id, reward)
}

func (p *EpsilonGreedy) Stats() map[uint32]ArmStats { return p.arms.stats() }

func (p *EpsilonGreedy) document() (*Document, error) {
	state, err := p.rng.marshal()
	if err != nil {
		return nil, err
	}
	return &Document{
		Policy:    TypeEpsilonGreedy,
		Config:    p.Config(),
		Arms:      p.arms.records(),
		NextArmID: p.arms.nextID,
		RNG:       state,
	}, nil
}
