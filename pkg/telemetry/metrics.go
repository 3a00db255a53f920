package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksCompletedTotal = "gridbot_ticks_completed_total"
	MetricTickDurationMs      = "gridbot_tick_duration_ms"
	MetricBotsActive          = "gridbot_bots_active"
	MetricBotErrorsTotal      = "gridbot_bot_errors_total"
	MetricOrdersSubmittedTotal = "gridbot_orders_submitted_total"
	MetricOrdersFilledTotal   = "gridbot_orders_filled_total"
	MetricStoppingEscalations = "gridbot_stopping_escalations_total"
	MetricRiskTriggered       = "gridbot_risk_triggered"
	MetricKillSwitchActive    = "gridbot_kill_switch_active"
)

// MetricsHolder holds initialized instruments for the worker's tick
// loop and bot lifecycle.
type MetricsHolder struct {
	TicksCompletedTotal metric.Int64Counter
	TickDurationMs      metric.Float64Histogram
	BotsActive          metric.Int64ObservableGauge
	BotErrorsTotal      metric.Int64Counter
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	StoppingEscalations metric.Int64Counter
	RiskTriggered       metric.Int64ObservableGauge
	KillSwitchActive    metric.Int64ObservableGauge

	// State for observable gauges, keyed by status/userId as applicable.
	mu             sync.RWMutex
	botsActiveMap  map[string]int64
	riskTriggered  map[string]int64
	killSwitchMap  map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			botsActiveMap: make(map[string]int64),
			riskTriggered: make(map[string]int64),
			killSwitchMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksCompletedTotal, err = meter.Int64Counter(MetricTicksCompletedTotal, metric.WithDescription("Total scheduler ticks completed"))
	if err != nil {
		return err
	}

	m.TickDurationMs, err = meter.Float64Histogram(MetricTickDurationMs, metric.WithDescription("Duration of one scheduler tick"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BotErrorsTotal, err = meter.Int64Counter(MetricBotErrorsTotal, metric.WithDescription("Total per-bot pipeline errors, by stage"))
	if err != nil {
		return err
	}

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders submitted to an exchange"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders observed FILLED during reconcile"))
	if err != nil {
		return err
	}

	m.StoppingEscalations, err = meter.Int64Counter(MetricStoppingEscalations, metric.WithDescription("Total STOPPING bots escalated to ERROR after retry exhaustion"))
	if err != nil {
		return err
	}

	m.BotsActive, err = meter.Int64ObservableGauge(MetricBotsActive, metric.WithDescription("Bots currently in RUNNING/WAITING_TRIGGER, by status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.botsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskTriggered, err = meter.Int64ObservableGauge(MetricRiskTriggered, metric.WithDescription("AutoClose triggered state per bot (1=triggered, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for botID, val := range m.riskTriggered {
				obs.Observe(val, metric.WithAttributes(attribute.String("botId", botID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill-switch state per user (1=enabled, 0=disabled)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for userID, val := range m.killSwitchMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("userId", userID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetBotsActive(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botsActiveMap[status] = count
}

func (m *MetricsHolder) SetRiskTriggered(botID string, triggered bool) {
	val := int64(0)
	if triggered {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskTriggered[botID] = val
}

func (m *MetricsHolder) SetKillSwitchActive(userID string, enabled bool) {
	val := int64(0)
	if enabled {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchMap[userID] = val
}
