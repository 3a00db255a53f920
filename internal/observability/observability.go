// Package observability wires the ambient logging/metrics/alerting
// stack into the scheduler.Logger/scheduler.Metrics/stopping.AlertSink
// surfaces the worker needs, adapting the teacher's zap+otel logger,
// MetricsHolder and AlertManager to the bot-lifecycle domain.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gridbot/internal/alert"
	"gridbot/internal/core"
	"gridbot/pkg/telemetry"
)

// Metrics adapts telemetry.MetricsHolder to scheduler.Metrics.
type Metrics struct {
	holder *telemetry.MetricsHolder
}

// NewMetrics wraps the process's global metrics holder. Call
// telemetry.Setup first so the holder's instruments are initialized.
func NewMetrics() *Metrics {
	return &Metrics{holder: telemetry.GetGlobalMetrics()}
}

// TickCompleted implements scheduler.Metrics.
func (m *Metrics) TickCompleted(botsProcessed, errs int, duration time.Duration) {
	if m.holder.TicksCompletedTotal != nil {
		m.holder.TicksCompletedTotal.Add(context.Background(), 1)
	}
	if m.holder.TickDurationMs != nil {
		m.holder.TickDurationMs.Record(context.Background(), float64(duration.Milliseconds()))
	}
	m.holder.SetBotsActive("processed", int64(botsProcessed))
}

// BotError implements scheduler.Metrics.
func (m *Metrics) BotError(botID, stage string) {
	if m.holder.BotErrorsTotal != nil {
		m.holder.BotErrorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// OrderSubmitted records one order submission, called from the
// trigger/order and stopping pipelines.
func (m *Metrics) OrderSubmitted() {
	if m.holder.OrdersSubmittedTotal != nil {
		m.holder.OrdersSubmittedTotal.Add(context.Background(), 1)
	}
}

// OrderFilled records one order observed FILLED during reconcile.
func (m *Metrics) OrderFilled() {
	if m.holder.OrdersFilledTotal != nil {
		m.holder.OrdersFilledTotal.Add(context.Background(), 1)
	}
}

// StoppingEscalated records a STOPPING→ERROR retry-exhaustion escalation.
func (m *Metrics) StoppingEscalated() {
	if m.holder.StoppingEscalations != nil {
		m.holder.StoppingEscalations.Add(context.Background(), 1)
	}
}

// SetRiskTriggered publishes the per-bot AutoClose-triggered gauge.
func (m *Metrics) SetRiskTriggered(botID string, triggered bool) {
	m.holder.SetRiskTriggered(botID, triggered)
}

// SetKillSwitchActive publishes the per-user kill-switch gauge.
func (m *Metrics) SetKillSwitchActive(userID string, enabled bool) {
	m.holder.SetKillSwitchActive(userID, enabled)
}

// LogAlertChannel delivers alerts through the structured logger. It is
// the default channel: no external alerting SDK appears anywhere in
// the retrieval pack, so critical alerts surface the same way every
// other operational event does.
type LogAlertChannel struct {
	logger core.ILogger
}

// NewLogAlertChannel builds a LogAlertChannel.
func NewLogAlertChannel(logger core.ILogger) *LogAlertChannel {
	return &LogAlertChannel{logger: logger.WithField("component", "alert_channel_log")}
}

func (c *LogAlertChannel) Name() string { return "log" }

func (c *LogAlertChannel) Send(ctx context.Context, payload alert.AlertPayload) error {
	c.logger.Error(payload.Title, "level", string(payload.Level), "message", payload.Message, "fields", payload.Fields)
	return nil
}

// Alerts adapts alert.AlertManager to stopping.AlertSink.
type Alerts struct {
	manager *alert.AlertManager
}

// NewAlerts builds an Alerts sink that always delivers through a
// LogAlertChannel, plus any extra channels supplied.
func NewAlerts(logger core.ILogger, extraChannels ...alert.AlertChannel) *Alerts {
	manager := alert.NewAlertManager(logger)
	manager.AddChannel(NewLogAlertChannel(logger))
	for _, ch := range extraChannels {
		manager.AddChannel(ch)
	}
	return &Alerts{manager: manager}
}

// Critical implements stopping.AlertSink.
func (a *Alerts) Critical(ctx context.Context, botID, message string) {
	a.manager.Alert(ctx, "bot stopping failed", message, alert.Critical, map[string]string{"botId": botID})
}
