// Package admin exposes the operator surface: risk-flag overrides, engine
// force stop/start, manual exits and explicit queue control. Every
// operation is idempotent in effect so a retried request cannot corrupt
// state.
package admin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dca_engine/internal/core"
)

// EngineControl is the risk-engine surface the admin service drives.
type EngineControl interface {
	ForceStopEngine(ctx context.Context, userID uuid.UUID) error
	ForceStartEngine(ctx context.Context, userID uuid.UUID) error
}

// SignalQueue is the queue surface the admin service drives.
type SignalQueue interface {
	PromoteSignal(ctx context.Context, signalID uuid.UUID) error
	RemoveSignal(ctx context.Context, signalID uuid.UUID) error
}

// Service implements the administrative operations over the same
// components the background loops use, so an operator action and an
// automated one follow the exact same state transitions.
type Service struct {
	groups core.IGroupStore
	closer core.IPositionCloser
	engine EngineControl
	queue  SignalQueue
	logger core.ILogger
}

func NewService(
	groups core.IGroupStore,
	closer core.IPositionCloser,
	engine EngineControl,
	queue SignalQueue,
	logger core.ILogger,
) *Service {
	return &Service{
		groups: groups,
		closer: closer,
		engine: engine,
		queue:  queue,
		logger: logger.WithField("component", "admin"),
	}
}

// BlockRisk shields the group from the risk engine until unblocked. The
// skip-once flag is left as it was.
func (s *Service) BlockRisk(ctx context.Context, groupID uuid.UUID) error {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.RiskBlocked {
		return nil
	}
	if err := s.groups.SetGroupRiskFlags(ctx, groupID, true, group.RiskSkipOnce); err != nil {
		return fmt.Errorf("failed to block risk for group %s: %w", groupID, err)
	}
	s.logger.Info("Risk blocked for group",
		"group_id", groupID,
		"user_id", group.UserID,
		"symbol", group.Symbol)
	return nil
}

// UnblockRisk lifts a block, returning the group to normal risk
// evaluation. The skip-once flag is left as it was.
func (s *Service) UnblockRisk(ctx context.Context, groupID uuid.UUID) error {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !group.RiskBlocked {
		return nil
	}
	if err := s.groups.SetGroupRiskFlags(ctx, groupID, false, group.RiskSkipOnce); err != nil {
		return fmt.Errorf("failed to unblock risk for group %s: %w", groupID, err)
	}
	s.logger.Info("Risk unblocked for group",
		"group_id", groupID,
		"user_id", group.UserID,
		"symbol", group.Symbol)
	return nil
}

// SkipOnce shields the group from exactly one risk evaluation; the next
// sweep that observes the flag consumes it.
func (s *Service) SkipOnce(ctx context.Context, groupID uuid.UUID) error {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.RiskSkipOnce {
		return nil
	}
	if err := s.groups.SetGroupRiskFlags(ctx, groupID, group.RiskBlocked, true); err != nil {
		return fmt.Errorf("failed to set skip-once for group %s: %w", groupID, err)
	}
	s.logger.Info("Skip-once set for group",
		"group_id", groupID,
		"user_id", group.UserID,
		"symbol", group.Symbol)
	return nil
}

// ForceStopEngine cancels the user's queued signals and halts promotion
// until a force-start.
func (s *Service) ForceStopEngine(ctx context.Context, userID uuid.UUID) error {
	return s.engine.ForceStopEngine(ctx, userID)
}

// ForceStartEngine clears the force-stop and the daily-loss pause.
func (s *Service) ForceStartEngine(ctx context.Context, userID uuid.UUID) error {
	return s.engine.ForceStartEngine(ctx, userID)
}

// ManualExit closes the group at market. Exiting a group that already
// reached a terminal state is a no-op; a group mid-close is left to the
// close already underway.
func (s *Service) ManualExit(ctx context.Context, groupID uuid.UUID) error {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Terminal() {
		s.logger.Info("Manual exit skipped, group already terminal",
			"group_id", groupID,
			"status", group.Status)
		return nil
	}
	if group.Status == core.GroupStatusClosing {
		s.logger.Info("Manual exit skipped, close already in progress",
			"group_id", groupID)
		return nil
	}
	return s.closer.CloseGroup(ctx, group, "manual_exit")
}

// PromoteSignal promotes one queued signal out of priority order, still
// subject to the slot and pre-trade gates.
func (s *Service) PromoteSignal(ctx context.Context, signalID uuid.UUID) error {
	return s.queue.PromoteSignal(ctx, signalID)
}

// RemoveSignal cancels one queued signal.
func (s *Service) RemoveSignal(ctx context.Context, signalID uuid.UUID) error {
	return s.queue.RemoveSignal(ctx, signalID)
}
