package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
	"dca_engine/pkg/mathutil"
)

type pnlEvent struct {
	userID uuid.UUID
	amount decimal.Decimal
	at     time.Time
}

// MockGroupStore implements core.IGroupStore for testing. It reproduces the
// SQL repository's lifecycle semantics (duplicate-active rejection, fill
// aggregation, idempotent closes) so component tests drive the same state
// machine the database does.
type MockGroupStore struct {
	mu       sync.Mutex
	groups   map[uuid.UUID]*core.PositionGroup
	pyramids map[uuid.UUID]*core.Pyramid
	orders   map[uuid.UUID]*core.DCAOrder
	pnl      []pnlEvent
	failures map[string]error
}

func NewMockGroupStore() *MockGroupStore {
	return &MockGroupStore{
		groups:   make(map[uuid.UUID]*core.PositionGroup),
		pyramids: make(map[uuid.UUID]*core.Pyramid),
		orders:   make(map[uuid.UUID]*core.DCAOrder),
		failures: make(map[string]error),
	}
}

// FailWith makes the named method return err until cleared with nil.
func (m *MockGroupStore) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockGroupStore) fail(op string) error {
	return m.failures[op]
}

func copyGroup(g *core.PositionGroup) *core.PositionGroup {
	cp := *g
	return &cp
}

func copyPyramid(p *core.Pyramid) *core.Pyramid {
	cp := *p
	return &cp
}

func copyOrder(o *core.DCAOrder) *core.DCAOrder {
	cp := *o
	return &cp
}

func (m *MockGroupStore) CreateGroupWithOrders(ctx context.Context, group *core.PositionGroup, pyramid *core.Pyramid, orders []*core.DCAOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateGroupWithOrders"); err != nil {
		return err
	}

	for _, g := range m.groups {
		if g.UserID == group.UserID && g.Exchange == group.Exchange &&
			g.Symbol == group.Symbol && g.Timeframe == group.Timeframe &&
			g.Side == group.Side && !g.Terminal() {
			return apperrors.ErrDuplicatePosition
		}
	}

	now := time.Now().UTC()
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	group.CreatedAt, group.UpdatedAt = now, now
	m.groups[group.ID] = copyGroup(group)

	m.insertPyramid(group.ID, pyramid, orders, now)
	return nil
}

func (m *MockGroupStore) AddPyramid(ctx context.Context, groupID uuid.UUID, pyramid *core.Pyramid, orders []*core.DCAOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddPyramid"); err != nil {
		return err
	}

	g, ok := m.groups[groupID]
	if !ok {
		return apperrors.ErrPositionNotFound
	}
	if g.Terminal() {
		return apperrors.ErrNoActivePosition
	}

	now := time.Now().UTC()
	m.insertPyramid(groupID, pyramid, orders, now)

	g.PyramidCount++
	g.TotalDCALegs += len(orders)
	if g.TotalFilledQuantity.IsPositive() {
		g.Status = core.GroupStatusPartiallyFilled
	}
	g.RiskTimerStart = nil
	g.RiskTimerExpires = nil
	g.RiskEligible = false
	g.UpdatedAt = now
	return nil
}

func (m *MockGroupStore) insertPyramid(groupID uuid.UUID, pyramid *core.Pyramid, orders []*core.DCAOrder, now time.Time) {
	pyramid.GroupID = groupID
	if pyramid.ID == uuid.Nil {
		pyramid.ID = uuid.New()
	}
	pyramid.CreatedAt, pyramid.UpdatedAt = now, now
	m.pyramids[pyramid.ID] = copyPyramid(pyramid)

	for _, o := range orders {
		o.GroupID = groupID
		o.PyramidID = pyramid.ID
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		o.CreatedAt, o.UpdatedAt = now, now
		m.orders[o.ID] = copyOrder(o)
	}
}

func (m *MockGroupStore) GetGroup(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetGroup"); err != nil {
		return nil, err
	}
	g, ok := m.groups[id]
	if !ok {
		return nil, apperrors.ErrPositionNotFound
	}
	return copyGroup(g), nil
}

func (m *MockGroupStore) FindActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side core.Side) (*core.PositionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindActiveGroup"); err != nil {
		return nil, err
	}
	for _, g := range m.groups {
		if g.UserID == userID && g.Exchange == exchange && g.Symbol == symbol &&
			g.Timeframe == timeframe && g.Side == side && !g.Terminal() {
			return copyGroup(g), nil
		}
	}
	return nil, apperrors.ErrPositionNotFound
}

func (m *MockGroupStore) ListActiveGroupsByUser(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListActiveGroupsByUser"); err != nil {
		return nil, err
	}
	var groups []*core.PositionGroup
	for _, g := range m.groups {
		if g.UserID == userID && !g.Terminal() {
			groups = append(groups, copyGroup(g))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.Before(groups[j].CreatedAt) })
	return groups, nil
}

func (m *MockGroupStore) ListUsersWithActiveGroups(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListUsersWithActiveGroups"); err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, g := range m.groups {
		if !g.Terminal() && !seen[g.UserID] {
			seen[g.UserID] = true
			ids = append(ids, g.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *MockGroupStore) GetPyramid(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pyramids[id]
	if !ok {
		return nil, apperrors.ErrPyramidNotFound
	}
	return copyPyramid(p), nil
}

func (m *MockGroupStore) ListPyramidsByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pyramids []*core.Pyramid
	for _, p := range m.pyramids {
		if p.GroupID == groupID {
			pyramids = append(pyramids, copyPyramid(p))
		}
	}
	sort.Slice(pyramids, func(i, j int) bool { return pyramids[i].PyramidIndex < pyramids[j].PyramidIndex })
	return pyramids, nil
}

func (m *MockGroupStore) UpdatePyramidStatus(ctx context.Context, pyramidID uuid.UUID, status core.PyramidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pyramids[pyramidID]; ok {
		p.Status = status
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) SetPyramidTPOrder(ctx context.Context, pyramidID uuid.UUID, tpOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pyramids[pyramidID]; ok {
		p.TPOrderID = tpOrderID
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) ClosePyramid(ctx context.Context, pyramidID uuid.UUID, realizedPnLUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClosePyramid"); err != nil {
		return err
	}

	p, ok := m.pyramids[pyramidID]
	if !ok {
		return apperrors.ErrPyramidNotFound
	}
	if p.Status == core.PyramidStatusClosed {
		return nil
	}
	g, ok := m.groups[p.GroupID]
	if !ok {
		return apperrors.ErrPositionNotFound
	}

	now := time.Now().UTC()
	p.Status = core.PyramidStatusClosed
	p.RealizedPnLUSD = p.RealizedPnLUSD.Add(realizedPnLUSD)
	p.UpdatedAt = now
	p.ClosedAt = &now

	remainingQty := g.TotalFilledQuantity.Sub(p.TotalFilledQuantity)
	remainingAvg := decimal.Zero
	if remainingQty.IsPositive() {
		groupNotional := g.WeightedAvgEntry.Mul(g.TotalFilledQuantity)
		pyramidNotional := p.WeightedAvgEntry.Mul(p.TotalFilledQuantity)
		remainingAvg = groupNotional.Sub(pyramidNotional).Div(remainingQty)
	} else {
		remainingQty = decimal.Zero
	}
	g.TotalFilledQuantity = remainingQty
	g.WeightedAvgEntry = remainingAvg
	g.RealizedPnLUSD = g.RealizedPnLUSD.Add(realizedPnLUSD)
	g.UpdatedAt = now

	m.pnl = append(m.pnl, pnlEvent{userID: g.UserID, amount: realizedPnLUSD, at: now})
	return nil
}

func (m *MockGroupStore) GetOrder(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MockGroupStore) ListOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListOrdersByGroup"); err != nil {
		return nil, err
	}
	var orders []*core.DCAOrder
	for _, o := range m.orders {
		if o.GroupID == groupID {
			orders = append(orders, copyOrder(o))
		}
	}
	m.sortByPyramidLeg(orders)
	return orders, nil
}

func (m *MockGroupStore) ListOpenOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []*core.DCAOrder
	for _, o := range m.orders {
		if o.GroupID == groupID && (o.Status == core.OrderStatusOpen || o.Status == core.OrderStatusPartiallyFilled) {
			orders = append(orders, copyOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].LegIndex < orders[j].LegIndex })
	return orders, nil
}

func (m *MockGroupStore) ListWatchedOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*core.DCAOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListWatchedOrdersByUser"); err != nil {
		return nil, err
	}
	var orders []*core.DCAOrder
	for _, o := range m.orders {
		if o.UserID != userID || !watchedStatus(o.Status) {
			continue
		}
		g, ok := m.groups[o.GroupID]
		if !ok || g.Terminal() {
			continue
		}
		orders = append(orders, copyOrder(o))
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].GroupID != orders[j].GroupID {
			return orders[i].GroupID.String() < orders[j].GroupID.String()
		}
		return orders[i].LegIndex < orders[j].LegIndex
	})
	return orders, nil
}

func watchedStatus(s core.OrderStatus) bool {
	switch s {
	case core.OrderStatusPending, core.OrderStatusTriggerPending,
		core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
		return true
	}
	return false
}

func (m *MockGroupStore) sortByPyramidLeg(orders []*core.DCAOrder) {
	sort.Slice(orders, func(i, j int) bool {
		pi, pj := m.pyramids[orders[i].PyramidID], m.pyramids[orders[j].PyramidID]
		if pi != nil && pj != nil && pi.PyramidIndex != pj.PyramidIndex {
			return pi.PyramidIndex < pj.PyramidIndex
		}
		return orders[i].LegIndex < orders[j].LegIndex
	})
}

func (m *MockGroupStore) MarkOrderSubmitted(ctx context.Context, orderID uuid.UUID, exchangeOrderID string, status core.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkOrderSubmitted"); err != nil {
		return err
	}
	if o, ok := m.orders[orderID]; ok {
		o.ExchangeOrderID = exchangeOrderID
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status core.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateOrderStatus"); err != nil {
		return err
	}
	if o, ok := m.orders[orderID]; ok {
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) ApplyOrderFill(ctx context.Context, orderID uuid.UUID, result *core.OrderResult) (*core.FillOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplyOrderFill"); err != nil {
		return nil, err
	}

	o, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	g, ok := m.groups[o.GroupID]
	if !ok {
		return nil, apperrors.ErrPositionNotFound
	}
	p, ok := m.pyramids[o.PyramidID]
	if !ok {
		return nil, apperrors.ErrPyramidNotFound
	}

	prevStatus := o.Status

	fillDelta := result.FilledQuantity.Sub(o.FilledQuantity)
	if fillDelta.IsNegative() {
		fillDelta = decimal.Zero
	}

	newStatus := prevStatus
	if !prevStatus.Terminal() {
		newStatus = result.Status
	}
	newFilled := o.FilledQuantity.Add(fillDelta)
	if newStatus == core.OrderStatusOpen && newFilled.IsPositive() {
		newStatus = core.OrderStatusPartiallyFilled
	}

	statusChanged := newStatus != prevStatus
	justFilled := statusChanged && newStatus == core.OrderStatusFilled
	justPartial := statusChanged && newStatus == core.OrderStatusPartiallyFilled

	if !statusChanged && fillDelta.IsZero() {
		return &core.FillOutcome{Order: copyOrder(o), Group: copyGroup(g), Pyramid: copyPyramid(p)}, nil
	}

	now := time.Now().UTC()

	avgFill := o.AvgFillPrice
	if result.AvgFillPrice.IsPositive() {
		avgFill = result.AvgFillPrice
	}
	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = result.ExchangeOrderID
	}
	if justFilled {
		o.FilledAt = &now
	}
	o.Status = newStatus
	o.FilledQuantity = newFilled
	o.AvgFillPrice = avgFill
	o.UpdatedAt = now

	if fillDelta.IsPositive() {
		fillPrice := avgFill
		if fillPrice.IsZero() {
			fillPrice = o.Price
		}
		p.WeightedAvgEntry, p.TotalFilledQuantity =
			mathutil.WeightedAverage(p.WeightedAvgEntry, p.TotalFilledQuantity, fillPrice, fillDelta)
		g.WeightedAvgEntry, g.TotalFilledQuantity =
			mathutil.WeightedAverage(g.WeightedAvgEntry, g.TotalFilledQuantity, fillPrice, fillDelta)
		g.TotalInvestedUSD = g.TotalInvestedUSD.Add(fillPrice.Mul(fillDelta))
	}
	if justFilled {
		g.FilledDCALegs++
	}
	if p.Status == core.PyramidStatusPending && newFilled.IsPositive() {
		p.Status = core.PyramidStatusSubmitted
	}

	unfilled := 0
	for _, other := range m.orders {
		if other.PyramidID == p.ID && other.Status != core.OrderStatusFilled {
			unfilled++
		}
	}
	pyramidCompleted := false
	if unfilled == 0 && p.Status != core.PyramidStatusFilled {
		p.Status = core.PyramidStatusFilled
		pyramidCompleted = true
	}
	p.UpdatedAt = now

	openEntries := 0
	for _, other := range m.orders {
		if other.GroupID == g.ID && watchedStatus(other.Status) {
			openEntries++
		}
	}
	switch g.Status {
	case core.GroupStatusWaiting, core.GroupStatusLive, core.GroupStatusPartiallyFilled, core.GroupStatusActive:
		if openEntries == 0 && g.TotalFilledQuantity.IsPositive() {
			g.Status = core.GroupStatusActive
		} else if fillDelta.IsPositive() {
			g.Status = core.GroupStatusPartiallyFilled
		}
	}
	g.UpdatedAt = now

	return &core.FillOutcome{
		Order:            copyOrder(o),
		Group:            copyGroup(g),
		Pyramid:          copyPyramid(p),
		FillDelta:        fillDelta,
		StatusChanged:    statusChanged,
		JustFilled:       justFilled,
		JustPartial:      justPartial,
		PyramidCompleted: pyramidCompleted,
	}, nil
}

func (m *MockGroupStore) SetOrderTP(ctx context.Context, orderID uuid.UUID, tpOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetOrderTP"); err != nil {
		return err
	}
	if o, ok := m.orders[orderID]; ok {
		o.TPOrderID = tpOrderID
		o.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) MarkOrderTPHit(ctx context.Context, orderID uuid.UUID, realizedPnLUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkOrderTPHit"); err != nil {
		return err
	}

	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	g, ok := m.groups[o.GroupID]
	if !ok {
		return apperrors.ErrPositionNotFound
	}
	if o.TPHit {
		return nil
	}

	now := time.Now().UTC()
	o.TPHit = true
	o.UpdatedAt = now

	remainingQty := g.TotalFilledQuantity.Sub(o.FilledQuantity)
	remainingAvg := decimal.Zero
	if remainingQty.IsPositive() {
		entryPrice := o.AvgFillPrice
		if entryPrice.IsZero() {
			entryPrice = o.Price
		}
		groupNotional := g.WeightedAvgEntry.Mul(g.TotalFilledQuantity)
		legNotional := entryPrice.Mul(o.FilledQuantity)
		remainingAvg = groupNotional.Sub(legNotional).Div(remainingQty)
	} else {
		remainingQty = decimal.Zero
	}
	g.TotalFilledQuantity = remainingQty
	g.WeightedAvgEntry = remainingAvg
	g.RealizedPnLUSD = g.RealizedPnLUSD.Add(realizedPnLUSD)
	g.UpdatedAt = now

	m.pnl = append(m.pnl, pnlEvent{userID: g.UserID, amount: realizedPnLUSD, at: now})
	return nil
}

func (m *MockGroupStore) UpdateGroupStatus(ctx context.Context, groupID uuid.UUID, status core.GroupStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateGroupStatus"); err != nil {
		return err
	}
	if g, ok := m.groups[groupID]; ok {
		g.Status = status
		g.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) ApplyPartialClose(ctx context.Context, groupID uuid.UUID, quantity, realizedPnLUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplyPartialClose"); err != nil {
		return err
	}
	g, ok := m.groups[groupID]
	if !ok {
		return apperrors.ErrPositionNotFound
	}

	remaining := g.TotalFilledQuantity.Sub(quantity)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	now := time.Now().UTC()
	g.TotalFilledQuantity = remaining
	g.RealizedPnLUSD = g.RealizedPnLUSD.Add(realizedPnLUSD)
	g.UpdatedAt = now

	m.pnl = append(m.pnl, pnlEvent{userID: g.UserID, amount: realizedPnLUSD, at: now})
	return nil
}

func (m *MockGroupStore) CloseGroup(ctx context.Context, groupID uuid.UUID, realizedPnLUSD decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CloseGroup"); err != nil {
		return err
	}
	g, ok := m.groups[groupID]
	if !ok {
		return apperrors.ErrPositionNotFound
	}
	if g.Status == core.GroupStatusClosed {
		return nil
	}

	now := time.Now().UTC()
	g.Status = core.GroupStatusClosed
	g.RealizedPnLUSD = g.RealizedPnLUSD.Add(realizedPnLUSD)
	g.UnrealizedPnLUSD = decimal.Zero
	g.UnrealizedPnLPercent = decimal.Zero
	g.TotalFilledQuantity = decimal.Zero
	g.UpdatedAt = now
	g.ClosedAt = &now

	if !realizedPnLUSD.IsZero() {
		m.pnl = append(m.pnl, pnlEvent{userID: g.UserID, amount: realizedPnLUSD, at: now})
	}
	return nil
}

func (m *MockGroupStore) FailGroup(ctx context.Context, groupID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FailGroup"); err != nil {
		return err
	}
	g, ok := m.groups[groupID]
	if !ok || g.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	g.Status = core.GroupStatusFailed
	g.UpdatedAt = now
	g.ClosedAt = &now
	return nil
}

func (m *MockGroupStore) UpdateGroupRiskTimer(ctx context.Context, groupID uuid.UUID, start, expires *time.Time, eligible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.RiskTimerStart = start
		g.RiskTimerExpires = expires
		g.RiskEligible = eligible
		g.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) SetGroupRiskFlags(ctx context.Context, groupID uuid.UUID, blocked, skipOnce bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.RiskBlocked = blocked
		g.RiskSkipOnce = skipOnce
		g.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) UpdateGroupUnrealized(ctx context.Context, groupID uuid.UUID, pnlUSD, pnlPercent decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.UnrealizedPnLUSD = pnlUSD
		g.UnrealizedPnLPercent = pnlPercent
		g.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockGroupStore) DailyRealizedPnL(ctx context.Context, userID uuid.UUID, ts time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DailyRealizedPnL"); err != nil {
		return decimal.Zero, err
	}
	dayStart := ts.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	total := decimal.Zero
	for _, e := range m.pnl {
		if e.userID == userID && !e.at.Before(dayStart) && e.at.Before(dayEnd) {
			total = total.Add(e.amount)
		}
	}
	return total, nil
}
