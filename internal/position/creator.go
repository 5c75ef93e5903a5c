// Package position materializes accepted signals into position groups and
// drives the close path shared by exits, take-profit completion, risk hedges
// and admin actions.
package position

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dca_engine/internal/coordination"
	"dca_engine/internal/core"
	"dca_engine/internal/grid"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/telemetry"
)

// Creator implements core.IPositionCreator. Group, pyramid and legs are
// inserted in one transaction before any exchange call, so a crash between
// insert and submission leaves reconcilable pending rows rather than
// untracked exchange orders.
type Creator struct {
	groups    core.IGroupStore
	orders    core.IOrderService
	provider  core.IExchangeProvider
	precision *coordination.PrecisionCache
	alerter   core.IAlerter
	logger    core.ILogger
	tracer    trace.Tracer
}

func NewCreator(
	groups core.IGroupStore,
	orders core.IOrderService,
	provider core.IExchangeProvider,
	precision *coordination.PrecisionCache,
	alerter core.IAlerter,
	logger core.ILogger,
) *Creator {
	return &Creator{
		groups:    groups,
		orders:    orders,
		provider:  provider,
		precision: precision,
		alerter:   alerter,
		logger:    logger.WithField("component", "position_creator"),
		tracer:    telemetry.GetTracer("position-creator"),
	}
}

// CreateFromSignal builds the grid for pyramid 0, persists the group
// atomically and submits the submit-now legs in leg order.
func (c *Creator) CreateFromSignal(ctx context.Context, payload *core.SignalPayload, cfg *core.DCAConfiguration, allocationUSD decimal.Decimal) (*core.PositionGroup, error) {
	ctx, span := c.tracer.Start(ctx, "CreateFromSignal", trace.WithAttributes(
		attribute.String("symbol", payload.TV.Symbol),
		attribute.String("timeframe", payload.TV.Timeframe),
	))
	defer span.End()

	side := payload.PositionSide()

	levels, basePrice, err := c.buildGrid(ctx, payload, cfg, 0, allocationUSD)
	if err != nil {
		return nil, err
	}

	group := &core.PositionGroup{
		UserID:       payload.UserID,
		Exchange:     payload.TV.Exchange,
		Symbol:       payload.TV.Symbol,
		Timeframe:    payload.TV.Timeframe,
		Side:         side,
		Status:       core.GroupStatusWaiting,
		TotalDCALegs: len(levels),
		PyramidCount: 1,
		MaxPyramids:  cfg.MaxPyramids,
		TPMode:       cfg.TPMode,
	}
	pyramid := &core.Pyramid{
		PyramidIndex: 0,
		Status:       core.PyramidStatusPending,
		Levels:       grid.ResolveLevels(cfg, 0),
		BasePrice:    basePrice,
	}
	legs := buildLegs(payload.UserID, group.Exchange, group.Symbol, side, cfg.EntryOrderType, levels)

	if err := c.groups.CreateGroupWithOrders(ctx, group, pyramid, legs); err != nil {
		return nil, err
	}

	submitted, err := c.submitEntries(ctx, legs)
	if err != nil {
		c.failGroup(ctx, group, err)
		return nil, fmt.Errorf("failed to establish position: %w", err)
	}
	if submitted > 0 {
		if err := c.groups.UpdatePyramidStatus(ctx, pyramid.ID, core.PyramidStatusSubmitted); err != nil {
			return nil, err
		}
		if err := c.groups.UpdateGroupStatus(ctx, group.ID, core.GroupStatusLive); err != nil {
			return nil, err
		}
		group.Status = core.GroupStatusLive
	}

	c.logger.Info("Position group created",
		"group_id", group.ID,
		"user_id", group.UserID,
		"symbol", group.Symbol,
		"side", group.Side,
		"legs", len(legs),
		"submitted", submitted)
	return group, nil
}

// ContinuePyramid appends the next pyramid's grid to an established group.
// The store clears the group's risk timer as part of the append; the risk
// engine's timer pass re-arms it once its start condition holds again.
func (c *Creator) ContinuePyramid(ctx context.Context, group *core.PositionGroup, payload *core.SignalPayload, cfg *core.DCAConfiguration, allocationUSD decimal.Decimal) (*core.PositionGroup, error) {
	ctx, span := c.tracer.Start(ctx, "ContinuePyramid", trace.WithAttributes(
		attribute.String("group_id", group.ID.String()),
		attribute.Int("pyramid_index", group.PyramidCount),
	))
	defer span.End()

	if group.PyramidCount >= group.MaxPyramids {
		return nil, fmt.Errorf("pyramid limit reached for group %s: %d of %d", group.ID, group.PyramidCount, group.MaxPyramids)
	}

	pyramidIndex := group.PyramidCount
	levels, basePrice, err := c.buildGrid(ctx, payload, cfg, pyramidIndex, allocationUSD)
	if err != nil {
		return nil, err
	}

	pyramid := &core.Pyramid{
		PyramidIndex: pyramidIndex,
		Status:       core.PyramidStatusPending,
		Levels:       grid.ResolveLevels(cfg, pyramidIndex),
		BasePrice:    basePrice,
	}
	legs := buildLegs(group.UserID, group.Exchange, group.Symbol, group.Side, cfg.EntryOrderType, levels)

	if err := c.groups.AddPyramid(ctx, group.ID, pyramid, legs); err != nil {
		return nil, err
	}

	submitted, err := c.submitEntries(ctx, legs)
	if err != nil {
		c.failGroup(ctx, group, err)
		return nil, fmt.Errorf("failed to extend position: %w", err)
	}
	if submitted > 0 {
		if err := c.groups.UpdatePyramidStatus(ctx, pyramid.ID, core.PyramidStatusSubmitted); err != nil {
			return nil, err
		}
	}

	updated, err := c.groups.GetGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Pyramid added",
		"group_id", group.ID,
		"pyramid_index", pyramidIndex,
		"legs", len(legs),
		"submitted", submitted)
	return updated, nil
}

// buildGrid resolves precision, picks the base price and sizes the levels.
func (c *Creator) buildGrid(ctx context.Context, payload *core.SignalPayload, cfg *core.DCAConfiguration, pyramidIndex int, allocationUSD decimal.Decimal) ([]grid.Level, decimal.Decimal, error) {
	conn, err := c.provider.ConnectorFor(ctx, payload.UserID, payload.TV.Exchange)
	if err != nil {
		return nil, decimal.Zero, err
	}

	rules, err := c.precision.Rules(ctx, conn)
	if err != nil {
		return nil, decimal.Zero, err
	}
	rule, ok := rules[payload.TV.Symbol]
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("%w: %s on %s", apperrors.ErrPrecisionUnavailable, payload.TV.Symbol, payload.TV.Exchange)
	}

	basePrice := payload.TV.EntryPrice
	if !basePrice.IsPositive() {
		basePrice, err = conn.GetCurrentPrice(ctx, payload.TV.Symbol)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to resolve base price: %w", err)
		}
	}

	side := payload.PositionSide()
	levels, err := grid.CalculateLevels(basePrice, side, grid.ResolveLevels(cfg, pyramidIndex), rule)
	if err != nil {
		return nil, decimal.Zero, err
	}
	levels, err = grid.CalculateQuantities(levels, allocationUSD, rule)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return levels, basePrice, nil
}

// buildLegs turns sized levels into order rows. With market entries, legs on
// the averaging side of the base (negative descriptor gap; the calculator
// inverts level prices for shorts but keeps the descriptor sign) wait as
// trigger_pending until the monitor sees price reach them. Everything else
// fills at or better than its level, so it is submitted immediately.
func buildLegs(userID uuid.UUID, exchange, symbol string, side core.Side, orderType core.OrderType, levels []grid.Level) []*core.DCAOrder {
	legs := make([]*core.DCAOrder, len(levels))
	for i, lvl := range levels {
		status := core.OrderStatusPending
		if orderType == core.OrderTypeMarket && lvl.GapPercent.IsNegative() {
			status = core.OrderStatusTriggerPending
		}
		legs[i] = &core.DCAOrder{
			ID:            uuid.New(),
			UserID:        userID,
			Exchange:      exchange,
			Symbol:        symbol,
			Side:          side.EntryOrderSide(),
			OrderType:     orderType,
			LegIndex:      lvl.Index,
			Status:        status,
			Price:         lvl.Price,
			Quantity:      lvl.Quantity,
			GapPercent:    lvl.GapPercent,
			WeightPercent: lvl.WeightPercent,
			TPPercent:     lvl.TPPercent,
			TPPrice:       lvl.TPPrice,
		}
	}
	return legs
}

// submitEntries places the submit-now legs sequentially in leg order,
// short-circuiting on the first failure. Already-submitted legs keep their
// exchange ids.
func (c *Creator) submitEntries(ctx context.Context, legs []*core.DCAOrder) (int, error) {
	submitted := 0
	for _, leg := range legs {
		if leg.Status != core.OrderStatusPending {
			continue
		}
		if err := c.orders.Submit(ctx, leg); err != nil {
			return submitted, fmt.Errorf("leg %d: %w", leg.LegIndex, err)
		}
		submitted++
	}
	return submitted, nil
}

func (c *Creator) failGroup(ctx context.Context, group *core.PositionGroup, cause error) {
	if err := c.groups.FailGroup(ctx, group.ID); err != nil {
		c.logger.Error("Failed to mark group failed", "group_id", group.ID, "error", err.Error())
	} else {
		group.Status = core.GroupStatusFailed
	}
	c.alerter.SendAlert(ctx, core.AlertCritical, "Position entry failed",
		fmt.Sprintf("Entry submission failed for %s %s: %v", group.Symbol, group.Side, cause),
		map[string]string{
			"group_id": group.ID.String(),
			"user_id":  group.UserID.String(),
			"symbol":   group.Symbol,
		})
}
