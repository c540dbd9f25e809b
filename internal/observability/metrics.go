package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the orchestration engine.
type Metrics struct {
	TurnsTotal          *prometheus.CounterVec
	TurnDuration        *prometheus.HistogramVec
	GuardrailVerdicts   *prometheus.CounterVec
	ToolExecutions      *prometheus.CounterVec
	ToolLoopIterations  prometheus.Histogram
	ProviderRequests    *prometheus.CounterVec
	ProviderDuration    *prometheus.HistogramVec
	ProviderTokens      *prometheus.CounterVec
	HumanQueries        *prometheus.CounterVec
	ConversationsEnded  *prometheus.CounterVec
	ActiveConversations prometheus.Gauge
}

// NewMetrics registers the engine's instruments with reg, or with the
// default registerer when reg is nil. Tests pass an isolated registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Conversation turns processed, by final status.",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "End-to-end turn processing duration.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		GuardrailVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_guardrail_verdicts_total",
				Help: "Guardrail verdicts, by direction and decision.",
			},
			[]string{"direction", "decision"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Tool executions, by tool name and status.",
			},
			[]string{"tool", "status"},
		),
		ToolLoopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_tool_loop_iterations",
				Help:    "Model round trips consumed by the tool loop per turn.",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
			},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_requests_total",
				Help: "Model provider requests, by provider and status.",
			},
			[]string{"provider", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_provider_request_duration_seconds",
				Help:    "Model provider request duration.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_tokens_total",
				Help: "Tokens consumed, by provider and direction.",
			},
			[]string{"provider", "direction"},
		),
		HumanQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_human_queries_total",
				Help: "Human bridge queries, by outcome.",
			},
			[]string{"outcome"},
		),
		ConversationsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_conversations_ended_total",
				Help: "Conversations ended, by reason.",
			},
			[]string{"reason"},
		),
		ActiveConversations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_conversations",
				Help: "Conversations currently held in the store.",
			},
		),
	}
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
	m.TurnDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordGuardrail records a guardrail decision.
func (m *Metrics) RecordGuardrail(direction, decision string) {
	if m == nil {
		return
	}
	m.GuardrailVerdicts.WithLabelValues(direction, decision).Inc()
}

// RecordToolExecution records one tool call outcome.
func (m *Metrics) RecordToolExecution(tool, status string) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordToolLoop records how many model round trips a turn consumed.
func (m *Metrics) RecordToolLoop(iterations int) {
	if m == nil {
		return
	}
	m.ToolLoopIterations.Observe(float64(iterations))
}

// RecordProviderRequest records one model call.
func (m *Metrics) RecordProviderRequest(provider, status string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// RecordHumanQuery records a human bridge outcome: answered, timeout or
// discarded_late.
func (m *Metrics) RecordHumanQuery(outcome string) {
	if m == nil {
		return
	}
	m.HumanQueries.WithLabelValues(outcome).Inc()
}

// RecordConversationStarted tracks a new active conversation.
func (m *Metrics) RecordConversationStarted() {
	if m == nil {
		return
	}
	m.ActiveConversations.Inc()
}

// RecordConversationEnded records a lifecycle termination.
func (m *Metrics) RecordConversationEnded(reason string) {
	if m == nil {
		return
	}
	m.ConversationsEnded.WithLabelValues(reason).Inc()
	m.ActiveConversations.Dec()
}
