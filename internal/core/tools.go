package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GroupKey identifies the position aggregate a signal maps onto. At most one
// non-terminal PositionGroup exists per key.
type GroupKey struct {
	UserID    uuid.UUID
	Exchange  string
	Symbol    string
	Timeframe string
	Side      Side
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", k.UserID, k.Exchange, k.Symbol, k.Timeframe, k.Side)
}

// LockKey is the coordination-store key that serializes concurrent webhooks
// targeting the same aggregate.
func (k GroupKey) LockKey() string {
	return "signal_lock:" + k.String()
}

// EntryKey extracts the group key an entry signal targets.
func (p *SignalPayload) EntryKey() GroupKey {
	return GroupKey{
		UserID:    p.UserID,
		Exchange:  p.TV.Exchange,
		Symbol:    p.TV.Symbol,
		Timeframe: p.TV.Timeframe,
		Side:      p.PositionSide(),
	}
}

// ExitKey extracts the group key an exit signal targets (the side being
// closed, not opened).
func (p *SignalPayload) ExitKey() GroupKey {
	return GroupKey{
		UserID:    p.UserID,
		Exchange:  p.TV.Exchange,
		Symbol:    p.TV.Symbol,
		Timeframe: p.TV.Timeframe,
		Side:      p.ExitSide(),
	}
}

// ClientOrderID derives the idempotency key an adapter sends with each
// submission. It is a pure function of the order row id, so a retry after a
// lost response reuses the same key and the exchange deduplicates. 36 chars,
// inside every supported exchange's limit.
func ClientOrderID(orderID uuid.UUID) string {
	return "dca-" + strings.ReplaceAll(orderID.String(), "-", "")
}

// TPClientOrderID derives the idempotency key for an order's take-profit
// child. Distinct from the entry key so both can coexist on the exchange.
func TPClientOrderID(orderID uuid.UUID) string {
	return "tp0-" + strings.ReplaceAll(orderID.String(), "-", "")
}
