// Package execution bounds how many position groups a user can run at once.
package execution

import (
	"sync"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

// defaultMaxSlots mirrors the risk configuration default for users that have
// not been configured yet.
const defaultMaxSlots = 3

type userSlots struct {
	inUse         int
	maxSlots      int
	pyramidBypass bool
}

// Pool implements core.ISlotManager as an in-memory per-user counter. It is
// advisory: the database stays authoritative for what actually exists, and
// Rehydrate realigns the counters after leader election.
type Pool struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*userSlots
	logger core.ILogger
}

func NewPool(logger core.ILogger) *Pool {
	return &Pool{
		users:  make(map[uuid.UUID]*userSlots),
		logger: logger.WithField("component", "execution_pool"),
	}
}

func (p *Pool) user(userID uuid.UUID) *userSlots {
	u, ok := p.users[userID]
	if !ok {
		u = &userSlots{maxSlots: defaultMaxSlots}
		p.users[userID] = u
	}
	return u
}

// Configure sets the user's slot budget and pyramid bypass. A non-positive
// budget falls back to the default.
func (p *Pool) Configure(userID uuid.UUID, maxSlots int, pyramidBypass bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u := p.user(userID)
	if maxSlots <= 0 {
		maxSlots = defaultMaxSlots
	}
	u.maxSlots = maxSlots
	u.pyramidBypass = pyramidBypass
}

// Acquire grants a slot when the user is under budget. Pyramid continuations
// ride for free when the user's bypass is enabled: the group already holds a
// slot and adding exposure to it should not be queued behind new entries.
func (p *Pool) Acquire(userID uuid.UUID, isPyramidContinuation bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	u := p.user(userID)
	if isPyramidContinuation && u.pyramidBypass {
		return true
	}
	if u.inUse >= u.maxSlots {
		p.logger.Debug("Slot denied",
			"user_id", userID,
			"in_use", u.inUse,
			"max_slots", u.maxSlots)
		return false
	}
	u.inUse++
	return true
}

// Release frees one slot. Releasing below zero is clamped so a double
// release after a rehydrate cannot underflow the counter.
func (p *Pool) Release(userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u := p.user(userID)
	if u.inUse > 0 {
		u.inUse--
	}
}

func (p *Pool) InUse(userID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user(userID).inUse
}

// Rehydrate replaces every in-use count with the supplied snapshot,
// preserving configured budgets. Users absent from the snapshot drop to
// zero.
func (p *Pool) Rehydrate(counts map[uuid.UUID]int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, u := range p.users {
		u.inUse = 0
	}
	for userID, count := range counts {
		u := p.user(userID)
		u.inUse = count
	}
}
