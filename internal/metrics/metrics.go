package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Labels: status (Completed|Failed|Cancelled)
	Executions *prometheus.CounterVec
	// Labels: node_type, result_type
	Nodes *prometheus.CounterVec
	// Labels: node_type
	NodeDuration *prometheus.HistogramVec
	// Labels: provider, model, status (success|error)
	ProviderTurns *prometheus.CounterVec
	// Labels: provider, model
	ProviderTurnDuration *prometheus.HistogramVec
	// Labels: provider, model, type (input|output)
	Tokens *prometheus.CounterVec
	// Labels: tool, status (success|error)
	ToolInvocations *prometheus.CounterVec
	// Labels: tool
	ToolDuration *prometheus.HistogramVec
	ActiveExecutions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_executions_total",
			Help: "Graph executions by terminal status",
		}, []string{"status"}),
		Nodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_nodes_total",
			Help: "Executed nodes by node type and result type",
		}, []string{"node_type", "result_type"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgraph_node_duration_seconds",
			Help:    "Node execution time in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"node_type"}),
		ProviderTurns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_provider_turns_total",
			Help: "Model turns by provider, model and status",
		}, []string{"provider", "model", "status"}),
		ProviderTurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgraph_provider_turn_duration_seconds",
			Help:    "Model turn streaming time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"provider", "model", "type"}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_tool_invocations_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgraph_tool_duration_seconds",
			Help:    "Tool invocation time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ActiveExecutions: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentgraph_active_executions",
			Help: "Executions currently running",
		}),
	}
}

// ExecutionStarted increments the active gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

// ExecutionFinished records a terminal execution status.
func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	m.Executions.WithLabelValues(status).Inc()
}

// NodeFinished records one executed node.
func (m *Metrics) NodeFinished(nodeType, resultType string, d time.Duration) {
	if m == nil {
		return
	}
	m.Nodes.WithLabelValues(nodeType, resultType).Inc()
	m.NodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// ProviderTurn records one model turn.
func (m *Metrics) ProviderTurn(provider, model string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderTurns.WithLabelValues(provider, model, status(err)).Inc()
	m.ProviderTurnDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// TokensUsed adds reported token counts.
func (m *Metrics) TokensUsed(provider, model string, input, output int64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(provider, model, "input").Add(float64(input))
	m.Tokens.WithLabelValues(provider, model, "output").Add(float64(output))
}

// ToolInvoked records one tool invocation.
func (m *Metrics) ToolInvoked(tool string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, status(err)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
