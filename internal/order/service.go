// Package order submits, cancels and reconciles exchange orders with rate
// limiting and bounded retries.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/retry"
	"dca_engine/pkg/telemetry"
)

// closeFillPolls bounds how long PlaceMarketClose waits for an asynchronous
// market fill before handing back whatever the venue last reported.
const closeFillPolls = 5

// Service executes order operations for any user. Connectors are resolved
// per (user, exchange) through the provider; one rate limiter per exchange is
// shared across users so venue limits hold globally.
type Service struct {
	groups   core.IGroupStore
	provider core.IExchangeProvider
	logger   core.ILogger

	exchangeCfg map[string]config.ExchangeConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	policy  retry.Policy
	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
}

func NewService(groups core.IGroupStore, provider core.IExchangeProvider, exchanges map[string]config.ExchangeConfig, logger core.ILogger) *Service {
	return &Service{
		groups:      groups,
		provider:    provider,
		logger:      logger.WithField("component", "order_service"),
		exchangeCfg: exchanges,
		limiters:    make(map[string]*rate.Limiter),
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		tracer:  telemetry.GetTracer("order-service"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

func (s *Service) limiter(exchange string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[exchange]; ok {
		return l
	}
	rps, burst := 25.0, 30
	if cfg, ok := s.exchangeCfg[exchange]; ok {
		if cfg.OrdersPerSecond > 0 {
			rps = cfg.OrdersPerSecond
		}
		if cfg.OrdersBurst > 0 {
			burst = cfg.OrdersBurst
		}
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	s.limiters[exchange] = l
	return l
}

// isFatal reports errors retrying cannot fix.
func isFatal(err error) bool {
	return errors.Is(err, apperrors.ErrInsufficientFunds) ||
		errors.Is(err, apperrors.ErrAuthenticationFailed) ||
		errors.Is(err, apperrors.ErrInvalidSymbol) ||
		errors.Is(err, apperrors.ErrInvalidOrderParameter) ||
		errors.Is(err, apperrors.ErrOrderRejected) ||
		errors.Is(err, apperrors.ErrOrderNotFound) ||
		errors.Is(err, apperrors.ErrDuplicateOrder) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// call runs one exchange operation under the venue's rate limiter with
// transient-fault retries.
func (s *Service) call(ctx context.Context, exchange string, fn func() error) error {
	return retry.Do(ctx, s.policy, func(err error) bool { return !isFatal(err) }, func() error {
		if err := s.limiter(exchange).Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}

// Submit places a leg on its exchange. Limit orders rest open; market orders
// stay pending locally until the first refresh resolves their fills, so all
// fill accounting flows through a single path. Fatal rejections mark the
// order failed.
func (s *Service) Submit(ctx context.Context, order *core.DCAOrder) error {
	ctx, span := s.tracer.Start(ctx, "Submit", trace.WithAttributes(
		attribute.String("symbol", order.Symbol),
		attribute.String("side", string(order.Side)),
		attribute.Int("leg_index", order.LegIndex),
	))
	defer span.End()

	conn, err := s.provider.ConnectorFor(ctx, order.UserID, order.Exchange)
	if err != nil {
		return err
	}

	req := &core.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.OrderType,
		Quantity:      order.Quantity,
		Price:         order.Price,
		ClientOrderID: core.ClientOrderID(order.ID),
	}

	var result *core.OrderResult
	err = s.call(ctx, order.Exchange, func() error {
		var placeErr error
		result, placeErr = conn.PlaceOrder(ctx, req)
		return placeErr
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("Order submission failed",
			"order_id", order.ID,
			"symbol", order.Symbol,
			"leg_index", order.LegIndex,
			"error", err.Error())
		if isFatal(err) {
			if failErr := s.groups.UpdateOrderStatus(ctx, order.ID, core.OrderStatusFailed); failErr != nil {
				s.logger.Error("Failed to mark order failed", "order_id", order.ID, "error", failErr.Error())
			} else {
				order.Status = core.OrderStatusFailed
			}
		}
		return fmt.Errorf("failed to submit order: %w", err)
	}

	status := core.OrderStatusOpen
	if order.OrderType == core.OrderTypeMarket {
		status = core.OrderStatusPending
	}
	if err := s.groups.MarkOrderSubmitted(ctx, order.ID, result.ExchangeOrderID, status); err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}
	order.ExchangeOrderID = result.ExchangeOrderID
	order.Status = status

	s.metrics.IncOrdersSubmitted(ctx, order.Exchange)
	s.logger.Info("Order submitted",
		"order_id", order.ID,
		"exchange_order_id", result.ExchangeOrderID,
		"symbol", order.Symbol,
		"leg_index", order.LegIndex)
	return nil
}

// Cancel is idempotent. Legs with no exchange id yet are cancelled locally;
// otherwise the venue's answer converges through the fill path so a fill
// that raced the cancel is never lost.
func (s *Service) Cancel(ctx context.Context, order *core.DCAOrder) error {
	if order.Terminal() {
		return nil
	}
	if order.ExchangeOrderID == "" {
		if err := s.groups.UpdateOrderStatus(ctx, order.ID, core.OrderStatusCancelled); err != nil {
			return err
		}
		order.Status = core.OrderStatusCancelled
		return nil
	}

	conn, err := s.provider.ConnectorFor(ctx, order.UserID, order.Exchange)
	if err != nil {
		return err
	}

	var result *core.OrderResult
	err = s.call(ctx, order.Exchange, func() error {
		var cancelErr error
		result, cancelErr = conn.CancelOrder(ctx, order.ExchangeOrderID, order.Symbol)
		return cancelErr
	})
	if err != nil {
		// The venue has no trace of the order: nothing to converge to.
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			if updErr := s.groups.UpdateOrderStatus(ctx, order.ID, core.OrderStatusCancelled); updErr != nil {
				return updErr
			}
			order.Status = core.OrderStatusCancelled
			return nil
		}
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	outcome, err := s.groups.ApplyOrderFill(ctx, order.ID, result)
	if err != nil {
		return fmt.Errorf("failed to converge cancelled order: %w", err)
	}
	*order = *outcome.Order
	return nil
}

// Refresh polls the exchange and persists any status or fill change. The
// returned outcome carries the deltas the monitor acts on.
func (s *Service) Refresh(ctx context.Context, order *core.DCAOrder) (*core.FillOutcome, error) {
	if order.ExchangeOrderID == "" {
		return nil, fmt.Errorf("%w: order has no exchange id", apperrors.ErrOrderNotFound)
	}

	conn, err := s.provider.ConnectorFor(ctx, order.UserID, order.Exchange)
	if err != nil {
		return nil, err
	}

	var result *core.OrderResult
	err = s.call(ctx, order.Exchange, func() error {
		var statusErr error
		result, statusErr = conn.GetOrderStatus(ctx, order.ExchangeOrderID, order.Symbol)
		return statusErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh order: %w", err)
	}

	outcome, err := s.groups.ApplyOrderFill(ctx, order.ID, result)
	if err != nil {
		return nil, err
	}
	if outcome.JustFilled {
		s.metrics.IncOrdersFilled(ctx, order.Exchange)
	}
	*order = *outcome.Order
	return outcome, nil
}

// ArmTakeProfit places the counter-side limit child for qty at the leg's
// pre-snapped tp_price and records its id on the leg.
func (s *Service) ArmTakeProfit(ctx context.Context, order *core.DCAOrder, qty decimal.Decimal) error {
	if !order.TPPrice.IsPositive() || !qty.IsPositive() {
		return fmt.Errorf("%w: take-profit needs a price and quantity", apperrors.ErrInvalidOrderParameter)
	}

	conn, err := s.provider.ConnectorFor(ctx, order.UserID, order.Exchange)
	if err != nil {
		return err
	}

	req := &core.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side.Opposite(),
		Type:          core.OrderTypeLimit,
		Quantity:      qty,
		Price:         order.TPPrice,
		ClientOrderID: core.TPClientOrderID(order.ID),
	}

	var result *core.OrderResult
	err = s.call(ctx, order.Exchange, func() error {
		var placeErr error
		result, placeErr = conn.PlaceOrder(ctx, req)
		return placeErr
	})
	if err != nil {
		return fmt.Errorf("failed to arm take-profit: %w", err)
	}

	if err := s.groups.SetOrderTP(ctx, order.ID, result.ExchangeOrderID); err != nil {
		return fmt.Errorf("failed to record take-profit child: %w", err)
	}
	order.TPOrderID = result.ExchangeOrderID

	s.metrics.IncTPArmed(ctx)
	s.logger.Info("Take-profit armed",
		"order_id", order.ID,
		"tp_order_id", result.ExchangeOrderID,
		"price", order.TPPrice,
		"quantity", qty)
	return nil
}

// ArmPyramidTakeProfit places the pyramid-scoped aggregate child and records
// it on the pyramid, replacing any previous child id. Each replacement gets a
// fresh client order id; reusing the pyramid's would converge on the
// cancelled predecessor.
func (s *Service) ArmPyramidTakeProfit(ctx context.Context, group *core.PositionGroup, pyramid *core.Pyramid, price, qty decimal.Decimal) error {
	if !price.IsPositive() || !qty.IsPositive() {
		return fmt.Errorf("%w: take-profit needs a price and quantity", apperrors.ErrInvalidOrderParameter)
	}

	conn, err := s.provider.ConnectorFor(ctx, group.UserID, group.Exchange)
	if err != nil {
		return err
	}

	req := &core.OrderRequest{
		Symbol:        group.Symbol,
		Side:          group.Side.CloseOrderSide(),
		Type:          core.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: core.TPClientOrderID(uuid.New()),
	}

	var result *core.OrderResult
	err = s.call(ctx, group.Exchange, func() error {
		var placeErr error
		result, placeErr = conn.PlaceOrder(ctx, req)
		return placeErr
	})
	if err != nil {
		return fmt.Errorf("failed to arm pyramid take-profit: %w", err)
	}

	if err := s.groups.SetPyramidTPOrder(ctx, pyramid.ID, result.ExchangeOrderID); err != nil {
		return fmt.Errorf("failed to record pyramid take-profit: %w", err)
	}
	pyramid.TPOrderID = result.ExchangeOrderID

	s.metrics.IncTPArmed(ctx)
	return nil
}

// CancelExchangeOrder cancels an order tracked only by exchange id
// (take-profit children). The venue's terminal answer is returned so callers
// can account a fill that raced the cancel; "not found" returns nil result.
func (s *Service) CancelExchangeOrder(ctx context.Context, userID uuid.UUID, exchange, symbol, exchangeOrderID string) (*core.OrderResult, error) {
	conn, err := s.provider.ConnectorFor(ctx, userID, exchange)
	if err != nil {
		return nil, err
	}

	var result *core.OrderResult
	err = s.call(ctx, exchange, func() error {
		var cancelErr error
		result, cancelErr = conn.CancelOrder(ctx, exchangeOrderID, symbol)
		return cancelErr
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to cancel exchange order: %w", err)
	}
	return result, nil
}

// GetExchangeOrder reads the venue state of an order tracked only by
// exchange id (take-profit children), rate-limited like any other call.
func (s *Service) GetExchangeOrder(ctx context.Context, userID uuid.UUID, exchange, symbol, exchangeOrderID string) (*core.OrderResult, error) {
	conn, err := s.provider.ConnectorFor(ctx, userID, exchange)
	if err != nil {
		return nil, err
	}

	var result *core.OrderResult
	err = s.call(ctx, exchange, func() error {
		var statusErr error
		result, statusErr = conn.GetOrderStatus(ctx, exchangeOrderID, symbol)
		return statusErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange order: %w", err)
	}
	return result, nil
}

// CancelOpenOrdersForGroup cancels every working or not-yet-submitted entry
// leg in the group, preserving filled quantities. All legs are attempted
// before the first error is reported.
func (s *Service) CancelOpenOrdersForGroup(ctx context.Context, groupID uuid.UUID) error {
	orders, err := s.groups.ListOrdersByGroup(ctx, groupID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, order := range orders {
		switch order.Status {
		case core.OrderStatusPending, core.OrderStatusTriggerPending,
			core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
			if err := s.Cancel(ctx, order); err != nil {
				s.logger.Error("Failed to cancel group order",
					"group_id", groupID,
					"order_id", order.ID,
					"error", err.Error())
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// PlaceMarketClose submits an opposite-side market order for qty and polls
// briefly for the fill so callers get a real average price to realize PnL
// against. Group state is not mutated here; callers own the close accounting.
func (s *Service) PlaceMarketClose(ctx context.Context, group *core.PositionGroup, qty decimal.Decimal) (*core.OrderResult, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: close quantity must be positive", apperrors.ErrInvalidOrderParameter)
	}

	conn, err := s.provider.ConnectorFor(ctx, group.UserID, group.Exchange)
	if err != nil {
		return nil, err
	}

	req := &core.OrderRequest{
		Symbol:        group.Symbol,
		Side:          group.Side.CloseOrderSide(),
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: core.ClientOrderID(uuid.New()),
	}

	var result *core.OrderResult
	err = s.call(ctx, group.Exchange, func() error {
		var placeErr error
		result, placeErr = conn.PlaceOrder(ctx, req)
		return placeErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place market close: %w", err)
	}

	for i := 0; i < closeFillPolls && !result.Status.Terminal(); i++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		var poll *core.OrderResult
		pollErr := s.call(ctx, group.Exchange, func() error {
			var statusErr error
			poll, statusErr = conn.GetOrderStatus(ctx, result.ExchangeOrderID, group.Symbol)
			return statusErr
		})
		if pollErr != nil {
			s.logger.Warn("Market close fill poll failed",
				"group_id", group.ID,
				"exchange_order_id", result.ExchangeOrderID,
				"error", pollErr.Error())
			break
		}
		poll.ExchangeOrderID = result.ExchangeOrderID
		result = poll
	}

	s.logger.Info("Market close placed",
		"group_id", group.ID,
		"exchange_order_id", result.ExchangeOrderID,
		"quantity", qty,
		"status", result.Status)
	return result, nil
}
