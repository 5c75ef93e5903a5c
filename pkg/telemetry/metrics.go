package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsReceivedTotal = "dca_engine_signals_received_total"
	MetricSignalsQueuedTotal   = "dca_engine_signals_queued_total"
	MetricSignalsPromotedTotal = "dca_engine_signals_promoted_total"
	MetricOrdersSubmittedTotal = "dca_engine_orders_submitted_total"
	MetricOrdersFilledTotal    = "dca_engine_orders_filled_total"
	MetricTPArmedTotal         = "dca_engine_tp_armed_total"
	MetricRiskHedgesTotal      = "dca_engine_risk_hedges_total"
	MetricPnLRealizedTotal     = "dca_engine_pnl_realized_total"
	MetricPnLUnrealized        = "dca_engine_pnl_unrealized"
	MetricGroupsActive         = "dca_engine_groups_active"
	MetricQueueDepth           = "dca_engine_queue_depth"
	MetricLeaderState          = "dca_engine_leader"
	MetricMonitorCycleSeconds  = "dca_engine_monitor_cycle_seconds"
	MetricLatencyExchange      = "dca_engine_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsReceivedTotal metric.Int64Counter
	SignalsQueuedTotal   metric.Int64Counter
	SignalsPromotedTotal metric.Int64Counter
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	TPArmedTotal         metric.Int64Counter
	RiskHedgesTotal      metric.Int64Counter
	PnLRealizedTotal     metric.Float64Counter
	PnLUnrealized        metric.Float64ObservableGauge
	GroupsActive         metric.Int64ObservableGauge
	QueueDepth           metric.Int64ObservableGauge
	LeaderState          metric.Int64ObservableGauge
	MonitorCycleSeconds  metric.Float64Histogram
	LatencyExchange      metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	activeGroupsMap  map[string]int64
	queueDepthMap    map[string]int64
	leaderState      int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			activeGroupsMap:  make(map[string]int64),
			queueDepthMap:    make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.SignalsReceivedTotal, err = meter.Int64Counter(MetricSignalsReceivedTotal, metric.WithDescription("Total webhook signals received, by outcome"))
	if err != nil {
		return err
	}

	m.SignalsQueuedTotal, err = meter.Int64Counter(MetricSignalsQueuedTotal, metric.WithDescription("Total signals placed into the queue"))
	if err != nil {
		return err
	}

	m.SignalsPromotedTotal, err = meter.Int64Counter(MetricSignalsPromotedTotal, metric.WithDescription("Total signals promoted out of the queue"))
	if err != nil {
		return err
	}

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total DCA orders submitted to exchanges"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total DCA orders fully filled"))
	if err != nil {
		return err
	}

	m.TPArmedTotal, err = meter.Int64Counter(MetricTPArmedTotal, metric.WithDescription("Total take-profit children placed"))
	if err != nil {
		return err
	}

	m.RiskHedgesTotal, err = meter.Int64Counter(MetricRiskHedgesTotal, metric.WithDescription("Total risk hedge executions"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in USD"))
	if err != nil {
		return err
	}

	m.MonitorCycleSeconds, err = meter.Float64Histogram(MetricMonitorCycleSeconds, metric.WithDescription("Duration of one order fill monitor cycle"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GroupsActive, err = meter.Int64ObservableGauge(MetricGroupsActive, metric.WithDescription("Number of currently active position groups"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.activeGroupsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Number of queued signals waiting for a slot"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.LeaderState, err = meter.Int64ObservableGauge(MetricLeaderState, metric.WithDescription("Leader election state (1=leader, 0=follower)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.leaderState)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Counter helpers. Nil-safe so components can record before InitMetrics
// runs and in tests that never configure the SDK.

func (m *MetricsHolder) IncSignalsReceived(ctx context.Context, outcome string) {
	if m.SignalsReceivedTotal != nil {
		m.SignalsReceivedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *MetricsHolder) IncSignalsQueued(ctx context.Context) {
	if m.SignalsQueuedTotal != nil {
		m.SignalsQueuedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncSignalsPromoted(ctx context.Context) {
	if m.SignalsPromotedTotal != nil {
		m.SignalsPromotedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncOrdersSubmitted(ctx context.Context, exchange string) {
	if m.OrdersSubmittedTotal != nil {
		m.OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
	}
}

func (m *MetricsHolder) IncOrdersFilled(ctx context.Context, exchange string) {
	if m.OrdersFilledTotal != nil {
		m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
	}
}

func (m *MetricsHolder) IncTPArmed(ctx context.Context) {
	if m.TPArmedTotal != nil {
		m.TPArmedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncRiskHedges(ctx context.Context) {
	if m.RiskHedgesTotal != nil {
		m.RiskHedgesTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) AddPnLRealized(ctx context.Context, usd float64) {
	if m.PnLRealizedTotal != nil {
		m.PnLRealizedTotal.Add(ctx, usd)
	}
}

func (m *MetricsHolder) ObserveMonitorCycle(ctx context.Context, seconds float64) {
	if m.MonitorCycleSeconds != nil {
		m.MonitorCycleSeconds.Record(ctx, seconds)
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetUnrealizedPnL(user string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[user] = value
}

func (m *MetricsHolder) SetActiveGroups(user string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeGroupsMap[user] = count
}

func (m *MetricsHolder) SetQueueDepth(user string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[user] = depth
}

func (m *MetricsHolder) SetLeader(isLeader bool) {
	val := int64(0)
	if isLeader {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderState = val
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveGroups() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeGroupsMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetQueueDepth() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.queueDepthMap {
		res[k] = v
	}
	return res
}
