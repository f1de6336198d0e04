// Package idgenerator hands out session identities. Generators are injected
// into the session registry so tests can use a predictable sequence while a
// deployment can use hard-to-guess identities.
package idgenerator

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Generator produces candidate uint32 identities. Candidates may repeat; the
// caller filters them with NextFree.
type Generator interface {
	// Id returns the next candidate identity.
	//
	// Returns:
	//   - A uint32 candidate (may be 0, which callers treat as invalid)
	Id() uint32
}

// ErrExhausted is returned by NextFree when no free identity was found
// within the attempt budget.
var ErrExhausted = errors.New("idgenerator: no free identity")

// IdGenerator generates monotonically increasing uint32 IDs in a concurrency-safe
// manner. The first Id() returns startValue+1; after math.MaxUint32 it wraps to 0.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID by atomically incrementing the internal counter.
func (l *IdGenerator) Id() uint32 {
	return l.id.Add(1)
}

// RandomGenerator draws identities from a seeded pseudo-random source, so a
// client cannot guess the identity of another parked session from its own.
type RandomGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomGenerator returns a RandomGenerator seeded with seed. The same
// seed yields the same sequence.
//
// Parameters:
//   - seed: Source seed
//
// Returns:
//   - A new RandomGenerator
func NewRandomGenerator(seed int64) *RandomGenerator {
	return &RandomGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Id implements Generator.
func (r *RandomGenerator) Id() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Uint32()
}

// NextFree draws candidates from g until one is non-zero and not reported
// in use, trying at most attempts times.
//
// Parameters:
//   - g: Candidate source
//   - inUse: Reports whether a candidate is held by a live session
//   - attempts: Maximum number of candidates to draw (at least 1 is drawn)
//
// Returns:
//   - A free identity, or ErrExhausted
func NextFree(g Generator, inUse func(id uint32) bool, attempts int) (uint32, error) {
	for i := 0; i < max(attempts, 1); i++ {
		id := g.Id()
		if id == 0 || inUse(id) {
			continue
		}

		return id, nil
	}

	return 0, ErrExhausted
}
