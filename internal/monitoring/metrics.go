package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fxcontrol_cycles_total",
			Help: "Total number of completed control loop cycles",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fxcontrol_cycle_duration_seconds",
			Help:    "Distribution of control loop cycle durations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxcontrol_signals_total",
			Help: "Total number of signals generated, by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxcontrol_trades_total",
			Help: "Total number of trades executed",
		},
		[]string{"instrument", "direction"},
	)

	riskScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxcontrol_risk_score",
			Help: "Current portfolio risk score (0-100)",
		},
	)

	emergencyLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxcontrol_emergency_level",
			Help: "Current emergency level (0=NORMAL .. 4=STOP)",
		},
	)

	accountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxcontrol_account_equity",
			Help: "Current account equity",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxcontrol_open_positions",
			Help: "Number of currently open positions",
		},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxcontrol_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(riskScore)
	prometheus.MustRegister(emergencyLevel)
	prometheus.MustRegister(accountEquity)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler serves the Prometheus metrics endpoint.
type MetricsHandler struct{}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordCycle records one completed cycle and its duration in seconds.
func RecordCycle(seconds float64) {
	cyclesTotal.Inc()
	cycleDuration.Observe(seconds)
}

// RecordSignal records a generated signal and its outcome
// ("executed", "rejected", "skipped").
func RecordSignal(strategy, outcome string) {
	signalsTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordTrade records an executed trade.
func RecordTrade(instrument, direction string) {
	tradesTotal.WithLabelValues(instrument, direction).Inc()
}

// UpdateRiskScore updates the portfolio risk score gauge.
func UpdateRiskScore(score float64) {
	riskScore.Set(score)
}

// UpdateEmergencyLevel updates the emergency level gauge.
func UpdateEmergencyLevel(level int) {
	emergencyLevel.Set(float64(level))
}

// UpdateAccount updates the equity and open-position gauges.
func UpdateAccount(equity float64, open int) {
	accountEquity.Set(equity)
	openPositions.Set(float64(open))
}

// RecordError records an error metric.
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
