// Package router turns validated webhook payloads into engine work,
// synchronously: exits run the close path, entries and pyramid continuations
// go to the position creator when a slot is free and into the queue
// otherwise.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	"dca_engine/internal/risk"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/telemetry"
)

// signalLockTTL bounds how long one webhook may hold its aggregate's dedup
// lock. Every path releases explicitly; the TTL only covers a crash
// mid-route.
const signalLockTTL = 30 * time.Second

// SignalQueue is the slice of the queue manager the router dispatches to.
type SignalQueue interface {
	Enqueue(ctx context.Context, payload *core.SignalPayload, isPyramidContinuation bool) (*core.QueuedSignal, error)
}

// Router classifies incoming signals and routes them to the close path, the
// position creator or the queue. One instance serves all users.
type Router struct {
	configs   core.IConfigStore
	groups    core.IGroupStore
	provider  core.IExchangeProvider
	precision *coordination.PrecisionCache
	slots     core.ISlotManager
	pretrade  core.IPreTradeChecker
	creator   core.IPositionCreator
	closer    core.IPositionCloser
	queue     SignalQueue
	locker    core.ILocker
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	tracer    trace.Tracer
}

func NewRouter(
	configs core.IConfigStore,
	groups core.IGroupStore,
	provider core.IExchangeProvider,
	precision *coordination.PrecisionCache,
	slots core.ISlotManager,
	pretrade core.IPreTradeChecker,
	creator core.IPositionCreator,
	closer core.IPositionCloser,
	queue SignalQueue,
	locker core.ILocker,
	logger core.ILogger,
) *Router {
	return &Router{
		configs:   configs,
		groups:    groups,
		provider:  provider,
		precision: precision,
		slots:     slots,
		pretrade:  pretrade,
		creator:   creator,
		closer:    closer,
		queue:     queue,
		locker:    locker,
		logger:    logger.WithField("component", "signal_router"),
		metrics:   telemetry.GetGlobalMetrics(),
		tracer:    telemetry.GetTracer("signal-router"),
	}
}

// Route decides what a signal becomes. The result is the webhook response
// body; an error means the signal was not routed at all and the caller
// should answer with a failure status.
func (r *Router) Route(ctx context.Context, payload *core.SignalPayload) (*core.RouteResult, error) {
	ctx, span := r.tracer.Start(ctx, "Route", trace.WithAttributes(
		attribute.String("user_id", payload.UserID.String()),
		attribute.String("symbol", payload.TV.Symbol),
		attribute.String("intent", string(payload.Intent.Type)),
	))
	defer span.End()

	result, err := r.route(ctx, payload)
	if err != nil {
		r.metrics.IncSignalsReceived(ctx, "error")
		return nil, err
	}
	r.metrics.IncSignalsReceived(ctx, string(result.Outcome))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	return result, nil
}

func (r *Router) route(ctx context.Context, payload *core.SignalPayload) (*core.RouteResult, error) {
	cfg, err := r.configs.GetDCAConfig(ctx, payload.UserID,
		payload.TV.Symbol, payload.TV.Timeframe, payload.TV.Exchange)
	if errors.Is(err, apperrors.ErrConfigNotFound) {
		r.logger.Info("Signal rejected: no configuration",
			"user_id", payload.UserID,
			"symbol", payload.TV.Symbol,
			"timeframe", payload.TV.Timeframe)
		return &core.RouteResult{Outcome: core.RouteRejected, Reason: "no_configuration"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration: %w", err)
	}

	ex, err := r.provider.ConnectorFor(ctx, payload.UserID, payload.TV.Exchange)
	if err != nil {
		return nil, err
	}
	rules, err := r.precision.Rules(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("failed to load precision rules: %w", err)
	}
	if _, ok := rules[payload.TV.Symbol]; !ok {
		return nil, fmt.Errorf("%w: %s on %s",
			apperrors.ErrPrecisionUnavailable, payload.TV.Symbol, payload.TV.Exchange)
	}

	// Concurrent webhooks aiming at the same aggregate are serialized with a
	// coordination-store lock: the loser is dropped, not blocked.
	key := payload.EntryKey()
	if payload.Intent.Type == core.IntentExit {
		key = payload.ExitKey()
	}
	token := uuid.NewString()
	held, err := r.locker.SetIfAbsent(ctx, key.LockKey(), token, signalLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to take signal lock: %w", err)
	}
	if !held {
		r.logger.Warn("Concurrent signal for the same aggregate dropped",
			"key", key.String())
		return &core.RouteResult{Outcome: core.RouteRejected, Reason: "concurrent_signal"}, nil
	}
	defer func() {
		if _, err := r.locker.CompareAndDelete(ctx, key.LockKey(), token); err != nil {
			r.logger.Warn("Failed to release signal lock",
				"key", key.String(),
				"error", err)
		}
	}()

	if payload.Intent.Type == core.IntentExit {
		return r.routeExit(ctx, payload)
	}
	return r.routeEntry(ctx, payload, cfg, ex)
}

// routeExit closes the active group on the side being exited.
func (r *Router) routeExit(ctx context.Context, payload *core.SignalPayload) (*core.RouteResult, error) {
	key := payload.ExitKey()
	group, err := r.groups.FindActiveGroup(ctx, key.UserID, key.Exchange, key.Symbol, key.Timeframe, key.Side)
	if errors.Is(err, apperrors.ErrPositionNotFound) {
		r.logger.Info("Exit signal with no active position",
			"user_id", payload.UserID,
			"symbol", key.Symbol,
			"side", key.Side)
		return &core.RouteResult{Outcome: core.RouteNoActivePosition}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.closer.CloseGroup(ctx, group, "exit_signal"); err != nil {
		return nil, fmt.Errorf("failed to close group %s on exit signal: %w", group.ID, err)
	}
	return &core.RouteResult{Outcome: core.RouteExited, GroupID: group.ID}, nil
}

func (r *Router) routeEntry(ctx context.Context, payload *core.SignalPayload, cfg *core.DCAConfiguration, ex core.IExchange) (*core.RouteResult, error) {
	key := payload.EntryKey()
	group, err := r.groups.FindActiveGroup(ctx, key.UserID, key.Exchange, key.Symbol, key.Timeframe, key.Side)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		return nil, err
	}
	// An aggregate that can still take pyramids makes this a continuation; a
	// maxed-out one leaves the signal to run the new-entry path and fail
	// downstream as a duplicate.
	isPyramid := group != nil && group.PyramidCount < group.MaxPyramids-1

	riskCfg, err := r.configs.GetRiskConfig(ctx, payload.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk config: %w", err)
	}
	r.slots.Configure(payload.UserID, riskCfg.MaxSlots, riskCfg.SamePairTimeframeBypass)

	allocation := risk.ResolveAllocation(ctx, ex, riskCfg, payload.TV.Symbol, r.logger)

	if err := r.pretrade.Check(ctx, payload.UserID, payload.TV.Symbol, allocation, isPyramid); err != nil {
		if errors.Is(err, apperrors.ErrEngineForceStopped) {
			// Force-stop purged the user's queue; do not refill it.
			return &core.RouteResult{Outcome: core.RouteRejected, Reason: "engine_stopped"}, nil
		}
		// Every other denial is temporal: counts free up, exposure drains,
		// pauses lift. Park the signal so promotion can retry it.
		r.logger.Info("Signal queued on risk denial",
			"user_id", payload.UserID,
			"symbol", payload.TV.Symbol,
			"reason", err)
		return r.park(ctx, payload, isPyramid)
	}

	if !r.slots.Acquire(payload.UserID, isPyramid) {
		return r.park(ctx, payload, isPyramid)
	}
	slotConsumed := !(isPyramid && riskCfg.SamePairTimeframeBypass)

	created, err := r.execute(ctx, payload, group, cfg, allocation, isPyramid)
	if err != nil {
		if slotConsumed {
			r.slots.Release(payload.UserID)
		}
		if errors.Is(err, apperrors.ErrDuplicatePosition) {
			return &core.RouteResult{Outcome: core.RouteRejected, Reason: "already_active"}, nil
		}
		return nil, err
	}

	r.logger.Info("Signal accepted",
		"user_id", payload.UserID,
		"group_id", created.ID,
		"symbol", payload.TV.Symbol,
		"pyramid", isPyramid)
	return &core.RouteResult{Outcome: core.RouteAccepted, GroupID: created.ID}, nil
}

func (r *Router) park(ctx context.Context, payload *core.SignalPayload, isPyramid bool) (*core.RouteResult, error) {
	queued, err := r.queue.Enqueue(ctx, payload, isPyramid)
	if err != nil {
		return nil, err
	}
	return &core.RouteResult{Outcome: core.RouteQueued, SignalID: queued.ID}, nil
}

func (r *Router) execute(ctx context.Context, payload *core.SignalPayload, group *core.PositionGroup, cfg *core.DCAConfiguration, allocation decimal.Decimal, isPyramid bool) (*core.PositionGroup, error) {
	if isPyramid {
		return r.creator.ContinuePyramid(ctx, group, payload, cfg, allocation)
	}
	return r.creator.CreateFromSignal(ctx, payload, cfg, allocation)
}
