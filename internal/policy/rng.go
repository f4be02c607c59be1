package policy

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/rand"
)

// rng wraps a PCG source so that its full state can ride in a snapshot.
// With a caller-provided seed, draws are reproducible across restarts;
// without one the source is seeded from the OS.
type rng struct {
	seed *uint64
	src  *rand.PCGSource
	*rand.Rand
}

func newRNG(seed *uint64) *rng {
	s := seedOrEntropy(seed)
	src := &rand.PCGSource{}
	src.Seed(s)
	return &rng{seed: seed, src: src, Rand: rand.New(src)}
}

func seedOrEntropy(seed *uint64) uint64 {
	if seed != nil {
		return *seed
	}
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unheard of; fall back to a
		// fixed word rather than panicking in a draw path.
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (r *rng) marshal() ([]byte, error) {
	return r.src.MarshalBinary()
}

func (r *rng) unmarshal(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	if err := r.src.UnmarshalBinary(state); err != nil {
		return fmt.Errorf("restoring rng state: %w", err)
	}
	return nil
}
