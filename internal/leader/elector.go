// Package leader elects one process to drive the background loops. The
// election is a Redis lock: holding the key makes this instance the leader,
// a compare-and-refresh extends the term, and a missed renewal demotes.
package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
	"dca_engine/pkg/telemetry"
)

const (
	defaultKey   = "dca_engine:leader"
	defaultTTL   = 60 * time.Second
	defaultRenew = 30 * time.Second

	// resignTimeout bounds the release call during shutdown, when the
	// run context is already cancelled.
	resignTimeout = 5 * time.Second
)

// Elector campaigns for the leader lock and exposes the outcome as a flag
// the loops consult at every cycle gate. Demotion is passive: when renewal
// fails the flag drops and the loops go quiet on their next tick, well
// inside the old term's TTL.
type Elector struct {
	locker    core.ILocker
	alerter   core.IAlerter
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	key       string
	id        string
	ttl       time.Duration
	renew     time.Duration
	onElected func(ctx context.Context)

	leader atomic.Bool
}

// NewElector prepares a candidate. instanceID distinguishes this process in
// the lock value and logs; empty picks a random one. onElected, when set,
// runs once per promotion before the loops can observe the flag; the slot
// rehydration hook lives there.
func NewElector(
	locker core.ILocker,
	alerter core.IAlerter,
	logger core.ILogger,
	instanceID string,
	key string,
	ttl time.Duration,
	renew time.Duration,
	onElected func(ctx context.Context),
) *Elector {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if key == "" {
		key = defaultKey
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if renew <= 0 || renew >= ttl {
		renew = defaultRenew
		if renew >= ttl {
			renew = ttl / 2
		}
	}
	return &Elector{
		locker:    locker,
		alerter:   alerter,
		logger:    logger.WithField("component", "leader_elector"),
		metrics:   telemetry.GetGlobalMetrics(),
		key:       key,
		id:        instanceID,
		ttl:       ttl,
		renew:     renew,
		onElected: onElected,
	}
}

// IsLeader reports whether this instance currently holds the lock. Handed
// to the loops as their cycle gate.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// InstanceID returns the value this candidate writes into the lock.
func (e *Elector) InstanceID() string {
	return e.id
}

// Run campaigns immediately, then keeps campaigning or renewing every renew
// interval until the context ends. The lock is released on the way out so a
// standby takes over without waiting for the TTL.
func (e *Elector) Run(ctx context.Context) error {
	e.logger.Info("Leader election started",
		"key", e.key,
		"instance_id", e.id,
		"ttl", e.ttl,
		"renew", e.renew)

	e.campaign(ctx)
	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.resign()
			e.logger.Info("Leader election stopped")
			return nil
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

// campaign renews the term when leading, otherwise tries to take the lock.
func (e *Elector) campaign(ctx context.Context) {
	if e.leader.Load() {
		ok, err := e.locker.CompareAndRefresh(ctx, e.key, e.id, e.ttl)
		if err != nil {
			e.demote("renewal error", err)
			return
		}
		if !ok {
			e.demote("lock lost", nil)
		}
		return
	}

	ok, err := e.locker.SetIfAbsent(ctx, e.key, e.id, e.ttl)
	if err != nil {
		e.logger.Warn("Leader acquisition attempt failed", "error", err)
		return
	}
	if ok {
		e.promote(ctx)
	}
}

func (e *Elector) promote(ctx context.Context) {
	if e.onElected != nil {
		e.onElected(ctx)
	}
	e.leader.Store(true)
	e.metrics.SetLeader(true)
	e.logger.Info("Leadership acquired", "instance_id", e.id)
	if e.alerter != nil {
		e.alerter.SendAlert(ctx, core.AlertInfo, "Leader elected",
			"instance took over the background loops",
			map[string]string{"instance_id": e.id})
	}
}

func (e *Elector) demote(reason string, err error) {
	e.leader.Store(false)
	e.metrics.SetLeader(false)
	e.logger.Warn("Leadership lost", "reason", reason, "error", err)
	if e.alerter != nil {
		e.alerter.SendAlert(context.Background(), core.AlertWarning, "Leadership lost",
			reason, map[string]string{"instance_id": e.id})
	}
}

// resign drops the flag first so the loops gate off even if the delete
// cannot reach Redis; the TTL covers that case.
func (e *Elector) resign() {
	if !e.leader.Load() {
		return
	}
	e.leader.Store(false)
	e.metrics.SetLeader(false)

	ctx, cancel := context.WithTimeout(context.Background(), resignTimeout)
	defer cancel()
	if _, err := e.locker.CompareAndDelete(ctx, e.key, e.id); err != nil {
		e.logger.Warn("Leader lock release failed, letting the TTL expire it", "error", err)
	}
	e.logger.Info("Leadership resigned", "instance_id", e.id)
}
