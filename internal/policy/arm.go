package policy

import "sort"

// Arm is the per-arm record shared by every policy: cumulative reward,
// pull count and activity flag. Counters are never clipped; Thompson
// clamps only when deriving Beta parameters.
type Arm struct {
	Count  uint64
	Reward float64
	Active bool
}

// Mean returns cumulative reward over max(count, 1).
func (a *Arm) Mean() float64 {
	if a.Count == 0 {
		return a.Reward
	}
	return a.Reward / float64(a.Count)
}

// armSet holds the arms of one policy instance. Ids are assigned from a
// counter that never decreases, so an id removed from the set is never
// handed out again, including across restarts (nextID is snapshotted).
type armSet struct {
	arms   map[uint32]*Arm
	nextID uint32
}

func newArmSet() armSet {
	return armSet{arms: make(map[uint32]*Arm)}
}

func (s *armSet) add(initialReward float64, initialCount uint64) uint32 {
	id := s.nextID
	s.nextID++
	s.arms[id] = &Arm{Count: initialCount, Reward: initialReward, Active: true}
	return id
}

func (s *armSet) remove(id uint32) error {
	if _, ok := s.arms[id]; !ok {
		return ErrArmNotFound
	}
	delete(s.arms, id)
	return nil
}

func (s *armSet) setActive(id uint32, active bool) error {
	arm, ok := s.arms[id]
	if !ok {
		return ErrArmNotFound
	}
	arm.Active = active
	return nil
}

func (s *armSet) resetAll() {
	for _, arm := range s.arms {
		arm.Count = 0
		arm.Reward = 0
	}
}

func (s *armSet) resetArm(id uint32, reward float64, count uint64) error {
	arm, ok := s.arms[id]
	if !ok {
		return ErrArmNotFound
	}
	arm.Count = count
	arm.Reward = reward
	return nil
}

func (s *armSet) update(id uint32, reward float64) error {
	arm, ok := s.arms[id]
	if !ok {
		return ErrArmNotFound
	}
	if !arm.Active {
		return ErrArmDisabled
	}
	arm.Count++
	arm.Reward += reward
	return nil
}

// activeIDs returns the ids of active arms in ascending order. Draw
// implementations iterate this slice so smallest-id tie-breaking falls
// out of a strictly-greater comparison.
func (s *armSet) activeIDs() []uint32 {
	ids := make([]uint32, 0, len(s.arms))
	for id, arm := range s.arms {
		if arm.Active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// sortedIDs returns every arm id in ascending order.
func (s *armSet) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(s.arms))
	for id := range s.arms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *armSet) stats() map[uint32]ArmStats {
	out := make(map[uint32]ArmStats, len(s.arms))
	for id, arm := range s.arms {
		out[id] = ArmStats{Pulls: arm.Count, MeanReward: arm.Mean(), IsActive: arm.Active}
	}
	return out
}

// records returns the canonical arm table for snapshots, ascending by id.
func (s *armSet) records() []ArmRecord {
	ids := s.sortedIDs()
	out := make([]ArmRecord, 0, len(ids))
	for _, id := range ids {
		arm := s.arms[id]
		out = append(out, ArmRecord{ID: id, Count: arm.Count, Reward: arm.Reward, Active: arm.Active})
	}
	return out
}

// restore replaces the set's contents from a snapshot arm table.
func (s *armSet) restore(records []ArmRecord, nextID uint32) {
	s.arms = make(map[uint32]*Arm, len(records))
	for _, rec := range records {
		s.arms[rec.ID] = &Arm{Count: rec.Count, Reward: rec.Reward, Active: rec.Active}
	}
	s.nextID = nextID
}
