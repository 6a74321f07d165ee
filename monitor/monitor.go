// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// expvar names are process global; monitors overwrite their entries.
var stats = expvar.NewMap("georoom")

type Metrics struct {
	OnlinePlayers    prometheus.Gauge
	ActiveRooms      prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	RejectedActions  *prometheus.CounterVec
	RoundAdvances    *prometheus.CounterVec
	GamesStarted     prometheus.Counter
	GamesEnded       prometheus.Counter
	ChatMessages     prometheus.Counter
	SlowConsumers    prometheus.Counter
	MessageLatency   prometheus.Histogram
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OnlinePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_players",
			Help:      "Number of open websocket connections",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of active rooms",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received, by event type",
		}, []string{"type"}),
		RejectedActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_actions_total",
			Help:      "Actions refused, by error code",
		}, []string{"code"}),
		RoundAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_advances_total",
			Help:      "Round changes, by cause",
		}, []string{"cause"}),
		GamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_started_total",
			Help:      "Games started",
		}),
		GamesEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_ended_total",
			Help:      "Games that ran out of rounds",
		}),
		ChatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages relayed",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Connections dropped because their send buffer was full",
		}),
		MessageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Message processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}

	reg.MustRegister(
		m.OnlinePlayers,
		m.ActiveRooms,
		m.MessagesReceived,
		m.RejectedActions,
		m.RoundAdvances,
		m.GamesStarted,
		m.GamesEnded,
		m.ChatMessages,
		m.SlowConsumers,
		m.MessageLatency,
	)

	return m
}

type Monitor struct {
	metrics      *Metrics
	registry     *prometheus.Registry
	namespace    string
	startTime    time.Time
	requestCount int64
	mutex        sync.Mutex
}

// NewMonitor registers the metrics on registry. A nil registry gets a fresh
// one carrying the Go and process collectors.
func NewMonitor(namespace string, registry *prometheus.Registry) *Monitor {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Monitor{
		metrics:   NewMetrics(namespace, registry),
		registry:  registry,
		namespace: namespace,
		startTime: time.Now(),
	}

	// 添加expvar指标
	stats.Set("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))
	stats.Set("requests", expvar.Func(func() interface{} {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return m.requestCount
	}))

	return m
}

// Metrics exposes the collectors, mostly for tests.
func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExpvarHandler serves /debug/vars.
func (m *Monitor) ExpvarHandler() http.Handler {
	return expvar.Handler()
}

// WatchTimers exports fn as the active_timers gauge.
func (m *Monitor) WatchTimers(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "active_timers",
		Help:      "Rooms with a pending countdown or settle delay",
	}, func() float64 { return float64(fn()) }))
}

func (m *Monitor) IncOnlinePlayers() {
	m.metrics.OnlinePlayers.Inc()
}

func (m *Monitor) DecOnlinePlayers() {
	m.metrics.OnlinePlayers.Dec()
}

func (m *Monitor) SetActiveRooms(count int) {
	m.metrics.ActiveRooms.Set(float64(count))
}

func (m *Monitor) IncMessagesReceived(eventType string) {
	m.metrics.MessagesReceived.WithLabelValues(eventType).Inc()
	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}

func (m *Monitor) IncRejected(code string) {
	m.metrics.RejectedActions.WithLabelValues(code).Inc()
}

func (m *Monitor) IncRoundAdvance(cause string) {
	m.metrics.RoundAdvances.WithLabelValues(cause).Inc()
}

func (m *Monitor) IncGamesStarted() {
	m.metrics.GamesStarted.Inc()
}

func (m *Monitor) IncGamesEnded() {
	m.metrics.GamesEnded.Inc()
}

func (m *Monitor) IncChatMessages() {
	m.metrics.ChatMessages.Inc()
}

func (m *Monitor) IncSlowConsumers() {
	m.metrics.SlowConsumers.Inc()
}

func (m *Monitor) ObserveMessageLatency(duration time.Duration) {
	m.metrics.MessageLatency.Observe(duration.Seconds())
}
