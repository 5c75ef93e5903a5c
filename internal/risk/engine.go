package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	"dca_engine/pkg/telemetry"
)

const (
	defaultSchedule = "@every 30s"
	cycleTimeout    = 60 * time.Second
)

// Engine is the scheduled risk evaluator. Each cycle it marks every active
// group to market, advances grace timers, and when a timed-out loser
// qualifies, closes it and realizes just enough winner profit to cover the
// captured loss. Evaluation runs on the elected leader only.
type Engine struct {
	groups    core.IGroupStore
	configs   core.IConfigStore
	queue     core.IQueueStore
	actions   core.IRiskActionStore
	orders    core.IOrderService
	provider  core.IExchangeProvider
	tickers   *coordination.TickerCache
	precision *coordination.PrecisionCache
	closer    core.IPositionCloser
	alerter   core.IAlerter
	pulse     core.IHeartbeat
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	tracer    trace.Tracer

	cron     *cron.Cron
	schedule string
	isLeader func() bool
}

// NewEngine wires the evaluator. An empty schedule falls back to the
// default; pulse and alerter may be nil when liveness reporting or
// notification is not wanted (tests).
func NewEngine(
	groups core.IGroupStore,
	configs core.IConfigStore,
	queue core.IQueueStore,
	actions core.IRiskActionStore,
	orders core.IOrderService,
	provider core.IExchangeProvider,
	tickers *coordination.TickerCache,
	precision *coordination.PrecisionCache,
	closer core.IPositionCloser,
	alerter core.IAlerter,
	pulse core.IHeartbeat,
	logger core.ILogger,
	schedule string,
	isLeader func() bool,
) *Engine {
	if schedule == "" {
		schedule = defaultSchedule
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Engine{
		groups:    groups,
		configs:   configs,
		queue:     queue,
		actions:   actions,
		orders:    orders,
		provider:  provider,
		tickers:   tickers,
		precision: precision,
		closer:    closer,
		alerter:   alerter,
		pulse:     pulse,
		logger:    logger.WithField("component", "risk_engine"),
		metrics:   telemetry.GetGlobalMetrics(),
		tracer:    telemetry.GetTracer("risk-engine"),
		cron:      cron.New(),
		schedule:  schedule,
		isLeader:  isLeader,
	}
}

// Run schedules the evaluation loop and blocks until ctx is cancelled.
// Followers stay scheduled but skip their turn; only the leader evaluates.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.cron.AddFunc(e.schedule, func() {
		if !e.isLeader() {
			return
		}
		cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
		defer cancel()
		if err := e.Cycle(cycleCtx); err != nil {
			e.logger.Error("Risk cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid risk schedule %q: %w", e.schedule, err)
	}

	e.cron.Start()
	e.logger.Info("Risk engine started", "schedule", e.schedule)

	<-ctx.Done()
	<-e.cron.Stop().Done()
	e.logger.Info("Risk engine stopped")
	return nil
}

// Cycle performs one evaluation pass over every user holding active groups.
func (e *Engine) Cycle(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "RiskCycle")
	defer span.End()

	if e.pulse != nil {
		if err := e.pulse.Beat(ctx, "risk_engine"); err != nil {
			e.logger.Warn("Heartbeat failed", "error", err)
		}
	}

	users, err := e.groups.ListUsersWithActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users with active groups: %w", err)
	}
	span.SetAttributes(attribute.Int("users", len(users)))

	// One user's failure never blocks another's evaluation.
	for _, userID := range users {
		if err := e.evaluateUser(ctx, userID); err != nil {
			e.logger.Error("User risk evaluation failed",
				"user_id", userID,
				"error", err)
		}
	}
	return nil
}

// evaluateUser runs one user's full pass: mark to market, timer maintenance,
// then at most one hedge.
func (e *Engine) evaluateUser(ctx context.Context, userID uuid.UUID) error {
	cfg, err := e.configs.GetRiskConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}
	groups, err := e.groups.ListActiveGroupsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list active groups: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	books := make(map[string]map[string]core.Ticker)
	e.refreshUnrealized(ctx, userID, groups, books)

	for _, group := range groups {
		if err := e.maintainTimer(ctx, cfg, group); err != nil {
			e.logger.Warn("Timer maintenance failed",
				"group_id", group.ID,
				"error", err)
		}
	}

	now := time.Now().UTC()
	loser := selectLoser(cfg, groups, now)
	winners := selectWinners(cfg, groups)

	// The shield lasts exactly one evaluation, whether or not it mattered.
	e.consumeSkipOnce(ctx, groups)

	if loser == nil {
		return nil
	}
	return e.executeHedge(ctx, cfg, loser, winners, books)
}
