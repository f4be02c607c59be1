package policy

import "math"

// UCB1 picks the active arm maximizing mean + sqrt(2*ln(t)/count) where
// t = 1 + total pulls over active arms. Arms that have never been pulled
// are drawn first, smallest id first, forcing initial exploration. Given
// the same state the draw is fully deterministic; the seed is carried but
// never consumed.
type UCB1 struct {
	arms armSet
	rng  *rng
}

func newUCB1(cfg UCB1Config) *UCB1 {
	return &UCB1{arms: newArmSet(), rng: newRNG(cfg.Seed)}
}

func (p *UCB1) Config() Config {
	return Config{UCB1: &UCB1Config{Seed: p.rng.seed}}
}

func (p *UCB1) AddArm(initialReward float64, initialCount uint64) uint32 {
	return p.arms.add(initialReward, initialCount)
}

func (p *UCB1) RemoveArm(id uint32) error  { return p.arms.remove(id) }
func (p *UCB1) DisableArm(id uint32) error { return p.arms.setActive(id, false) }
func (p *UCB1) EnableArm(id uint32) error  { return p.arms.setActive(id, true) }
func (p *UCB1) Reset()                     { p.arms.resetAll() }

func (p *UCB1) ResetArm(id uint32, initialReward float64, initialCount uint64) error {
	return p.arms.resetArm(id, initialReward, initialCount)
}

func (p *UCB1) Draw() (uint32, error) {
	ids := p.arms.activeIDs()
	if len(ids) == 0 {
		return 0, ErrNoActiveArms
	}

	// Unpulled arms first, smallest id wins.
	var total uint64
	for _, id := range ids {
		total += p.arms.arms[id].Count
	}
	for _, id := range ids {
		if p.arms.arms[id].Count == 0 {
			return id, nil
		}
	}

	t := float64(1 + total)
	picked := ids[0]
	best := p.score(picked, t)
	for _, id := range ids[1:] {
		if s := p.score(id, t); s > best {
			best = s
			picked = id
		}
	}
	return picked, nil
}

func (p *UCB1) score(id uint32, t float64) float64 {
	arm := p.arms.arms[id]
	return arm.Mean() + math.Sqrt(2*math.Log(t)/float64(arm.Count))
}

func (p *UCB1) Update(id uint32, reward float64) error {
	return p.arms.update(id, reward)
}

func (p *UCB1) Stats() map[uint32]ArmStats { return p.arms.stats() }

func (p *UCB1) document() (*Document, error) {
	state, err := p.rng.marshal()
	if err != nil {
		return nil, err
	}
	return &Document{
		Policy:    TypeUCB1,
		Config:    p.Config(),
		Arms:      p.arms.records(),
		NextArmID: p.arms.nextID,
		RNG:       state,
	}, nil
}
