package risk

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

// OnFill is the monitor's fill notification. Fills are what move timer start
// conditions, so the user's timers advance immediately instead of waiting
// for the next scheduled pass.
func (e *Engine) OnFill(ctx context.Context, userID uuid.UUID) {
	cfg, err := e.configs.GetRiskConfig(ctx, userID)
	if err != nil {
		e.logger.Warn("Fill notification dropped, no risk config",
			"user_id", userID,
			"error", err)
		return
	}
	groups, err := e.groups.ListActiveGroupsByUser(ctx, userID)
	if err != nil {
		e.logger.Warn("Fill notification dropped, group list failed",
			"user_id", userID,
			"error", err)
		return
	}
	for _, group := range groups {
		if err := e.maintainTimer(ctx, cfg, group); err != nil {
			e.logger.Warn("Timer maintenance failed",
				"group_id", group.ID,
				"error", err)
		}
	}
}

// maintainTimer advances one group's grace timer: arm it when the configured
// start condition holds, flip eligibility once the wait has run out. Adding
// a pyramid clears the timer at the store level, after which it simply
// re-arms here when its condition holds again.
func (e *Engine) maintainTimer(ctx context.Context, cfg *core.RiskConfig, group *core.PositionGroup) error {
	if group.Terminal() || group.Status == core.GroupStatusClosing {
		return nil
	}
	now := time.Now().UTC()

	if group.RiskTimerStart != nil {
		if group.RiskEligible || group.RiskTimerExpires == nil || now.Before(*group.RiskTimerExpires) {
			return nil
		}
		if err := e.groups.UpdateGroupRiskTimer(ctx, group.ID, group.RiskTimerStart, group.RiskTimerExpires, true); err != nil {
			return err
		}
		group.RiskEligible = true
		e.logger.Info("Risk grace period expired",
			"group_id", group.ID,
			"symbol", group.Symbol)
		return nil
	}

	armed, err := e.timerShouldStart(ctx, cfg, group)
	if err != nil || !armed {
		return err
	}

	start := now
	expires := now.Add(time.Duration(cfg.PostFullWaitMinutes) * time.Minute)
	eligible := !now.Before(expires)
	if err := e.groups.UpdateGroupRiskTimer(ctx, group.ID, &start, &expires, eligible); err != nil {
		return err
	}
	group.RiskTimerStart = &start
	group.RiskTimerExpires = &expires
	group.RiskEligible = eligible
	e.logger.Info("Risk timer armed",
		"group_id", group.ID,
		"symbol", group.Symbol,
		"condition", cfg.TimerStartCondition,
		"expires", expires)
	return nil
}

// timerShouldStart evaluates the user's configured start condition against
// the group's current shape.
func (e *Engine) timerShouldStart(ctx context.Context, cfg *core.RiskConfig, group *core.PositionGroup) (bool, error) {
	switch cfg.TimerStartCondition {
	case core.TimerAfterAllDCAFilled:
		return group.TotalDCALegs > 0 && group.FilledDCALegs == group.TotalDCALegs, nil

	case core.TimerAfterMaxPyramids:
		return group.MaxPyramids > 0 && group.PyramidCount == group.MaxPyramids, nil

	default:
		// after_all_dca_submitted: every leg has at least reached the venue.
		legs, err := e.groups.ListOrdersByGroup(ctx, group.ID)
		if err != nil {
			return false, err
		}
		if len(legs) == 0 {
			return false, nil
		}
		for _, leg := range legs {
			if leg.Status == core.OrderStatusPending || leg.Status == core.OrderStatusTriggerPending {
				return false, nil
			}
		}
		return true, nil
	}
}

// consumeSkipOnce clears every skip-once flag observed this cycle: the
// shield covers exactly one evaluation.
func (e *Engine) consumeSkipOnce(ctx context.Context, groups []*core.PositionGroup) {
	for _, group := range groups {
		if !group.RiskSkipOnce {
			continue
		}
		if err := e.groups.SetGroupRiskFlags(ctx, group.ID, group.RiskBlocked, false); err != nil {
			e.logger.Warn("Failed to clear skip-once flag",
				"group_id", group.ID,
				"error", err)
			continue
		}
		group.RiskSkipOnce = false
	}
}
