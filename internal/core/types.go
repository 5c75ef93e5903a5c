// Package core defines the domain model and interfaces for the DCA engine.
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide returns the exchange order side that opens exposure on s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseOrderSide returns the exchange order side that reduces exposure on s.
func (s Side) CloseOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderSide is the exchange-facing buy/sell direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the counter side, used for take-profit children.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the normalized order status vocabulary. Exchange adapters
// translate native statuses into this set; trigger_pending is local-only
// (the order has no exchange id yet).
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusTriggerPending  OrderStatus = "trigger_pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// GroupStatus is the PositionGroup lifecycle state.
type GroupStatus string

const (
	GroupStatusWaiting         GroupStatus = "waiting"
	GroupStatusLive            GroupStatus = "live"
	GroupStatusPartiallyFilled GroupStatus = "partially_filled"
	GroupStatusActive          GroupStatus = "active"
	GroupStatusClosing         GroupStatus = "closing"
	GroupStatusClosed          GroupStatus = "closed"
	GroupStatusFailed          GroupStatus = "failed"
)

// Terminal reports whether the group can no longer change.
func (s GroupStatus) Terminal() bool {
	return s == GroupStatusClosed || s == GroupStatusFailed
}

// PyramidStatus is the Pyramid lifecycle state.
type PyramidStatus string

const (
	PyramidStatusPending   PyramidStatus = "pending"
	PyramidStatusSubmitted PyramidStatus = "submitted"
	PyramidStatusFilled    PyramidStatus = "filled"
	PyramidStatusCancelled PyramidStatus = "cancelled"
	PyramidStatusClosed    PyramidStatus = "closed"
)

// SignalStatus is the QueuedSignal lifecycle state.
type SignalStatus string

const (
	SignalStatusQueued    SignalStatus = "queued"
	SignalStatusPromoted  SignalStatus = "promoted"
	SignalStatusCancelled SignalStatus = "cancelled"
)

// TPMode selects the take-profit semantics for a configuration.
type TPMode string

const (
	TPModePerLeg           TPMode = "per_leg"
	TPModeAggregate        TPMode = "aggregate"
	TPModeHybrid           TPMode = "hybrid"
	TPModePyramidAggregate TPMode = "pyramid_aggregate"
)

// TimerStartCondition selects when a group's risk grace timer arms.
type TimerStartCondition string

const (
	TimerAfterAllDCASubmitted TimerStartCondition = "after_all_dca_submitted"
	TimerAfterAllDCAFilled    TimerStartCondition = "after_all_dca_filled"
	TimerAfterMaxPyramids     TimerStartCondition = "after_5_pyramids"
)

// PrecisionRule holds per-symbol exchange quantization limits.
type PrecisionRule struct {
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Ticker is a minimal last-price quote.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
}

// OrderRequest is the normalized submission an adapter places. ClientOrderID
// is the idempotency key: resubmitting the same id after a lost response
// converges on the original order instead of doubling exposure.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
	ClientOrderID string
}

// OrderResult is the normalized exchange response for place/status/cancel.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
}

// User owns credentials, a risk configuration and DCA configurations.
type User struct {
	ID        uuid.UUID
	Email     string
	Active    bool
	CreatedAt time.Time
}

// ExchangeCredential is an opaque encrypted API key blob for one exchange.
// Decryption happens outside the engine; adapters receive the material as-is.
type ExchangeCredential struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Exchange  string
	APIKey    string
	APISecret string
}

// DCALevel is one leg descriptor of a grid: percent distance from the base
// price, the share of capital it consumes, and its take-profit distance.
type DCALevel struct {
	GapPercent    decimal.Decimal `json:"gap_percent" yaml:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent" yaml:"weight_percent"`
	TPPercent     decimal.Decimal `json:"tp_percent" yaml:"tp_percent"`
}

// DCAConfiguration is the per-(user, pair, timeframe, exchange) grid config.
type DCAConfiguration struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	Pair                   string
	Timeframe              string
	Exchange               string
	EntryOrderType         OrderType
	Levels                 []DCALevel
	PyramidLevels          map[int][]DCALevel
	TPMode                 TPMode
	TPAggregatePercent     decimal.Decimal
	MaxPyramids            int
	CancelDCABeyondPercent decimal.Decimal
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// LevelsForPyramid returns the pyramid-specific level override when one
// exists, otherwise the base levels.
func (c *DCAConfiguration) LevelsForPyramid(pyramidIndex int) []DCALevel {
	if levels, ok := c.PyramidLevels[pyramidIndex]; ok && len(levels) > 0 {
		return levels
	}
	return c.Levels
}

// PositionGroup aggregates all exposure a user holds on one
// (exchange, symbol, timeframe, side) key.
type PositionGroup struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Exchange  string
	Symbol    string
	Timeframe string
	Side      Side
	Status    GroupStatus

	TotalDCALegs  int
	FilledDCALegs int
	PyramidCount  int
	MaxPyramids   int
	TPMode        TPMode

	TotalFilledQuantity  decimal.Decimal
	WeightedAvgEntry     decimal.Decimal
	TotalInvestedUSD     decimal.Decimal
	RealizedPnLUSD       decimal.Decimal
	UnrealizedPnLUSD     decimal.Decimal
	UnrealizedPnLPercent decimal.Decimal

	RiskTimerStart   *time.Time
	RiskTimerExpires *time.Time
	RiskEligible     bool
	RiskBlocked      bool
	RiskSkipOnce     bool

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Terminal reports whether the group is closed or failed.
func (g *PositionGroup) Terminal() bool {
	return g.Status.Terminal()
}

// HasExposure reports whether any quantity is currently filled.
func (g *PositionGroup) HasExposure() bool {
	return g.TotalFilledQuantity.IsPositive()
}

// Pyramid is one re-entry worth of exposure inside a PositionGroup. It
// snapshots the levels used to build it so later config edits do not
// retroactively change running positions.
type Pyramid struct {
	ID                  uuid.UUID
	GroupID             uuid.UUID
	PyramidIndex        int
	Status              PyramidStatus
	Levels              []DCALevel
	BasePrice           decimal.Decimal
	TotalFilledQuantity decimal.Decimal
	WeightedAvgEntry    decimal.Decimal
	RealizedPnLUSD      decimal.Decimal
	TPOrderID           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ClosedAt            *time.Time
}

// DCAOrder is a single order leg within a Pyramid.
type DCAOrder struct {
	ID        uuid.UUID
	GroupID   uuid.UUID
	PyramidID uuid.UUID
	UserID    uuid.UUID
	Exchange  string
	Symbol    string
	Side      OrderSide
	OrderType OrderType
	LegIndex  int
	Status    OrderStatus

	Price         decimal.Decimal
	Quantity      decimal.Decimal
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	TPPrice       decimal.Decimal

	ExchangeOrderID string
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	FilledAt        *time.Time

	TPOrderID string
	TPHit     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether no further transitions are possible.
func (o *DCAOrder) Terminal() bool {
	return o.Status.Terminal()
}

// Remaining returns the unfilled quantity.
func (o *DCAOrder) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// TVSignal is the strategy payload attached to a webhook signal.
type TVSignal struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Action     OrderSide       `json:"action"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// IntentType classifies what a signal asks for.
type IntentType string

const (
	IntentSignal IntentType = "signal"
	IntentExit   IntentType = "exit"
)

// ExecutionIntent carries the classification fields of a signal.
type ExecutionIntent struct {
	Type IntentType `json:"type"`
	Side Side       `json:"side,omitempty"`
}

// SignalPayload is the validated webhook body the router consumes. The user
// id is resolved by the ingress layer before the payload reaches the engine.
type SignalPayload struct {
	UserID uuid.UUID       `json:"user_id"`
	TV     TVSignal        `json:"tv"`
	Intent ExecutionIntent `json:"execution_intent"`
}

// PositionSide derives the position side the signal targets: the explicit
// intent side when present, otherwise buy opens long and sell opens short.
func (p *SignalPayload) PositionSide() Side {
	if p.Intent.Side != "" {
		return p.Intent.Side
	}
	if p.TV.Action == OrderSideBuy {
		return SideLong
	}
	return SideShort
}

// ExitSide derives the side being exited: action=buy closes a short,
// action=sell closes a long.
func (p *SignalPayload) ExitSide() Side {
	if p.TV.Action == OrderSideBuy {
		return SideShort
	}
	return SideLong
}

// QueuedSignal is a pending entry waiting for an execution slot.
type QueuedSignal struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Exchange              string
	Symbol                string
	Timeframe             string
	Side                  Side
	Status                SignalStatus
	EntryPrice            decimal.Decimal
	Payload               SignalPayload
	QueuedAt              time.Time
	PromotedAt            *time.Time
	ReplacementCount      int
	CurrentLossPercent    decimal.Decimal
	IsPyramidContinuation bool
	PriorityScore         decimal.Decimal
}

// WinnerContribution records one winner's share of a hedge.
type WinnerContribution struct {
	GroupID        uuid.UUID       `json:"group_id"`
	PnLUSD         decimal.Decimal `json:"pnl_usd"`
	QuantityClosed decimal.Decimal `json:"quantity_closed"`
}

// RiskAction is the append-only audit record of one hedge execution. The
// loser PnL is the value captured at selection time, before the close
// zeroed it.
type RiskAction struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	LoserGroupID  uuid.UUID
	LoserPnLUSD   decimal.Decimal
	Contributions []WinnerContribution
	CreatedAt     time.Time
}

// RiskConfig is the per-user risk engine configuration.
type RiskConfig struct {
	UserID                    uuid.UUID
	MaxOpenPositionsGlobal    int
	MaxOpenPositionsPerSymbol int
	MaxTotalExposureUSD       decimal.Decimal
	MaxDailyLossUSD           decimal.Decimal
	RiskPerPositionPercent    decimal.Decimal
	RiskPerPositionCapUSD     decimal.Decimal
	DefaultAllocationUSD      decimal.Decimal
	LossThresholdPercent      decimal.Decimal
	PostFullWaitMinutes       int
	TimerStartCondition       TimerStartCondition
	RequireFullPyramids       bool
	UseTradeAgeFilter         bool
	AgeThresholdMinutes       int
	MaxWinnersToCombine       int
	SamePairTimeframeBypass   bool
	MaxSlots                  int
	EnginePausedByLossLimit   bool
	EngineForceStopped        bool
	UpdatedAt                 time.Time
}

// RouteOutcome is the router's answer to a webhook signal.
type RouteOutcome string

const (
	RouteAccepted         RouteOutcome = "accepted"
	RouteQueued           RouteOutcome = "queued"
	RouteRejected         RouteOutcome = "rejected"
	RouteExited           RouteOutcome = "exited"
	RouteNoActivePosition RouteOutcome = "no_active_position"
)

// RouteResult is returned to the webhook handler.
type RouteResult struct {
	Outcome  RouteOutcome `json:"outcome"`
	Reason   string       `json:"reason,omitempty"`
	GroupID  uuid.UUID    `json:"group_id,omitempty"`
	SignalID uuid.UUID    `json:"signal_id,omitempty"`
}

// FillOutcome describes what a persisted fill changed, so the monitor can
// decide on TP arming and lifecycle transitions without re-reading.
type FillOutcome struct {
	Order            *DCAOrder
	Group            *PositionGroup
	Pyramid          *Pyramid
	FillDelta        decimal.Decimal
	StatusChanged    bool
	JustFilled       bool
	JustPartial      bool
	PyramidCompleted bool
}
