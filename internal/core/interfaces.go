// Package core defines the core interfaces for the DCA engine.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IExchange defines the capability set the engine consumes from an exchange.
// Symbols are canonical "BASE/QUOTE"; adapters translate to native format
// and back on every call. Statuses are normalized to the OrderStatus set.
type IExchange interface {
	Name() string
	CheckHealth(ctx context.Context) error

	GetPrecisionRules(ctx context.Context) (map[string]PrecisionRule, error)

	// PlaceOrder submits an order. Price is ignored for market orders;
	// ClientOrderID makes resubmission idempotent.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderResult, error)
	// CancelOrder is idempotent: "not found" converges to the exchange's
	// view of the order instead of failing.
	CancelOrder(ctx context.Context, orderID, symbol string) (*OrderResult, error)

	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]Ticker, error)
	FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error)
}

// IExchangeProvider resolves a per-(user, exchange) connector, constructed
// from the user's stored credentials and cached per key.
type IExchangeProvider interface {
	ConnectorFor(ctx context.Context, userID uuid.UUID, exchange string) (IExchange, error)
}

// IUserStore reads users and their credentials.
type IUserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	ListActiveUsers(ctx context.Context) ([]*User, error)
	GetCredential(ctx context.Context, userID uuid.UUID, exchange string) (*ExchangeCredential, error)
}

// IConfigStore reads and writes per-user configurations.
type IConfigStore interface {
	// GetDCAConfig resolves the exact (pair, timeframe, exchange) config,
	// falling back to the user's default when no exact row exists.
	GetDCAConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*DCAConfiguration, error)
	GetRiskConfig(ctx context.Context, userID uuid.UUID) (*RiskConfig, error)
	SaveRiskConfig(ctx context.Context, cfg *RiskConfig) error
}

// IGroupStore owns PositionGroup aggregates. Multi-row mutations run in a
// single transaction with group-then-orders lock order.
type IGroupStore interface {
	// CreateGroupWithOrders inserts group, pyramid and orders atomically.
	// A partial-unique-index violation maps to apperrors.ErrDuplicatePosition.
	CreateGroupWithOrders(ctx context.Context, group *PositionGroup, pyramid *Pyramid, orders []*DCAOrder) error
	// AddPyramid locks the group, appends a pyramid and its orders,
	// increments pyramid_count and clears the risk timer.
	AddPyramid(ctx context.Context, groupID uuid.UUID, pyramid *Pyramid, orders []*DCAOrder) error

	GetGroup(ctx context.Context, id uuid.UUID) (*PositionGroup, error)
	FindActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side Side) (*PositionGroup, error)
	ListActiveGroupsByUser(ctx context.Context, userID uuid.UUID) ([]*PositionGroup, error)
	ListUsersWithActiveGroups(ctx context.Context) ([]uuid.UUID, error)

	GetPyramid(ctx context.Context, id uuid.UUID) (*Pyramid, error)
	ListPyramidsByGroup(ctx context.Context, groupID uuid.UUID) ([]*Pyramid, error)
	UpdatePyramidStatus(ctx context.Context, pyramidID uuid.UUID, status PyramidStatus) error
	SetPyramidTPOrder(ctx context.Context, pyramidID uuid.UUID, tpOrderID string) error
	ClosePyramid(ctx context.Context, pyramidID uuid.UUID, realizedPnLUSD decimal.Decimal) error

	GetOrder(ctx context.Context, id uuid.UUID) (*DCAOrder, error)
	ListOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
	ListOpenOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
	// ListWatchedOrdersByUser returns every non-terminal order whose group
	// is also non-terminal, ordered by group then leg_index.
	ListWatchedOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*DCAOrder, error)

	// MarkOrderSubmitted records the exchange id and the post-submit status
	// in a single update.
	MarkOrderSubmitted(ctx context.Context, orderID uuid.UUID, exchangeOrderID string, status OrderStatus) error
	// UpdateOrderStatus sets status only, preserving filled_quantity.
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status OrderStatus) error
	// ApplyOrderFill locks group then order, persists the fill result,
	// recomputes group and pyramid aggregates, and advances lifecycle
	// states. It is the only path that mutates group fill aggregates.
	ApplyOrderFill(ctx context.Context, orderID uuid.UUID, result *OrderResult) (*FillOutcome, error)
	SetOrderTP(ctx context.Context, orderID uuid.UUID, tpOrderID string) error
	// MarkOrderTPHit flags the leg, adds realized PnL to group (and pyramid
	// for pyramid-scoped closes), all in one transaction.
	MarkOrderTPHit(ctx context.Context, orderID uuid.UUID, realizedPnLUSD decimal.Decimal) error

	UpdateGroupStatus(ctx context.Context, groupID uuid.UUID, status GroupStatus) error
	// ApplyPartialClose reduces the group's filled quantity by quantity and
	// adds the realized delta, leaving the average entry untouched. Used by
	// hedge winner closes.
	ApplyPartialClose(ctx context.Context, groupID uuid.UUID, quantity, realizedPnLUSD decimal.Decimal) error
	// CloseGroup transitions to closed, stamps closed_at and adds the
	// realized delta. Idempotent on already-closed groups.
	CloseGroup(ctx context.Context, groupID uuid.UUID, realizedPnLUSD decimal.Decimal) error
	FailGroup(ctx context.Context, groupID uuid.UUID) error
	UpdateGroupRiskTimer(ctx context.Context, groupID uuid.UUID, start, expires *time.Time, eligible bool) error
	SetGroupRiskFlags(ctx context.Context, groupID uuid.UUID, blocked, skipOnce bool) error
	UpdateGroupUnrealized(ctx context.Context, groupID uuid.UUID, pnlUSD, pnlPercent decimal.Decimal) error

	// DailyRealizedPnL sums realized PnL across the user's groups and
	// pyramids for the UTC day containing ts.
	DailyRealizedPnL(ctx context.Context, userID uuid.UUID, ts time.Time) (decimal.Decimal, error)
}

// IQueueStore owns QueuedSignal rows.
type IQueueStore interface {
	// Upsert inserts a queued row or, when one exists for the key, bumps
	// replacement_count and updates price/payload while preserving
	// queued_at.
	Upsert(ctx context.Context, signal *QueuedSignal) (*QueuedSignal, error)
	GetSignal(ctx context.Context, id uuid.UUID) (*QueuedSignal, error)
	ListQueued(ctx context.Context) ([]*QueuedSignal, error)
	ListQueuedByUser(ctx context.Context, userID uuid.UUID) ([]*QueuedSignal, error)
	UpdatePriority(ctx context.Context, id uuid.UUID, lossPercent, score decimal.Decimal, isPyramid bool) error
	// MarkPromoted is idempotent: promoting an already-promoted signal is
	// a no-op returning false.
	MarkPromoted(ctx context.Context, id uuid.UUID) (bool, error)
	CancelSignal(ctx context.Context, id uuid.UUID) error
	CancelAllForUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// IRiskActionStore appends hedge audit records.
type IRiskActionStore interface {
	RecordAction(ctx context.Context, action *RiskAction) error
	ListActionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*RiskAction, error)
}

// ILocker is the distributed lock surface used for leader election and
// signal deduplication.
type ILocker interface {
	// SetIfAbsent acquires key for value with ttl; false when held.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete releases key only when it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndRefresh extends the ttl only when key still holds value.
	CompareAndRefresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// ICache is a TTL'd byte cache for precision rules, tickers and configs.
type ICache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// IHeartbeat publishes and reads loop liveness.
type IHeartbeat interface {
	Beat(ctx context.Context, name string) error
	Alive(ctx context.Context, name string) (bool, error)
}

// ISlotManager is the per-user execution pool. Advisory: callers consult it
// before dispatching to the position creator.
type ISlotManager interface {
	// Configure sets the user's slot budget and pyramid bypass from their
	// risk configuration. Callers refresh it whenever they load the config.
	Configure(userID uuid.UUID, maxSlots int, pyramidBypass bool)
	// Acquire takes a slot, or grants for free when the request is a
	// pyramid continuation and the user's bypass is enabled.
	Acquire(userID uuid.UUID, isPyramidContinuation bool) bool
	Release(userID uuid.UUID)
	InUse(userID uuid.UUID) int
	// Rehydrate replaces all in-use counts, typically with the number of
	// active groups per user after leader election.
	Rehydrate(counts map[uuid.UUID]int)
}

// IOrderService submits, cancels and reconciles individual orders.
type IOrderService interface {
	Submit(ctx context.Context, order *DCAOrder) error
	Cancel(ctx context.Context, order *DCAOrder) error
	Refresh(ctx context.Context, order *DCAOrder) (*FillOutcome, error)
	ArmTakeProfit(ctx context.Context, order *DCAOrder, quantity decimal.Decimal) error
	// ArmPyramidTakeProfit replaces the pyramid's aggregate child with one
	// covering quantity at price.
	ArmPyramidTakeProfit(ctx context.Context, group *PositionGroup, pyramid *Pyramid, price, quantity decimal.Decimal) error
	// CancelExchangeOrder cancels a child tracked only by exchange id,
	// returning the venue's terminal answer (nil when it has no trace).
	CancelExchangeOrder(ctx context.Context, userID uuid.UUID, exchange, symbol, exchangeOrderID string) (*OrderResult, error)
	// GetExchangeOrder polls a child tracked only by exchange id.
	GetExchangeOrder(ctx context.Context, userID uuid.UUID, exchange, symbol, exchangeOrderID string) (*OrderResult, error)
	CancelOpenOrdersForGroup(ctx context.Context, groupID uuid.UUID) error
	PlaceMarketClose(ctx context.Context, group *PositionGroup, quantity decimal.Decimal) (*OrderResult, error)
}

// IPositionCreator materializes promoted signals into position groups.
type IPositionCreator interface {
	CreateFromSignal(ctx context.Context, payload *SignalPayload, cfg *DCAConfiguration, allocationUSD decimal.Decimal) (*PositionGroup, error)
	ContinuePyramid(ctx context.Context, group *PositionGroup, payload *SignalPayload, cfg *DCAConfiguration, allocationUSD decimal.Decimal) (*PositionGroup, error)
}

// IPositionCloser drives the close path shared by exits, TP closes, risk
// hedges and admin actions.
type IPositionCloser interface {
	// CloseGroup cancels open orders and market-closes the net filled
	// quantity, realizing PnL against closePrice when provided.
	CloseGroup(ctx context.Context, group *PositionGroup, reason string) error
}

// IPreTradeChecker runs the risk engine's admission checks.
type IPreTradeChecker interface {
	// Check returns nil when the proposal may proceed; otherwise an
	// ErrRiskDenied wrapping the failed limit.
	Check(ctx context.Context, userID uuid.UUID, symbol string, proposedUSD decimal.Decimal, isPyramidContinuation bool) error
}

// IAlerter broadcasts best-effort notifications; failures never propagate.
type IAlerter interface {
	SendAlert(ctx context.Context, level AlertLevel, title, message string, fields map[string]string)
}

// AlertLevel grades alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// IHealthMonitor registers component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
