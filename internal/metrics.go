package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the server-side counters exposed on /metrics. Each Server
// owns its own registry so tests can spin up instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	messagesSent    prometheus.Counter
	sendDedupHits   prometheus.Counter
	messagesEdited  prometheus.Counter
	messagesDeleted prometheus.Counter
	reactionOps     prometheus.Counter
	pruneRuns       prometheus.Counter
	prunedMessages  prometheus.Counter
	prunedRooms     prometheus.Counter
	roomsGauge      prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wispchat_http_requests_total",
			Help: "HTTP requests by handler and status code.",
		}, []string{"handler", "code"}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_messages_sent_total",
			Help: "Messages appended to the store.",
		}),
		sendDedupHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_send_dedup_hits_total",
			Help: "Sends answered from the nonce table without a new append.",
		}),
		messagesEdited: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_messages_edited_total",
			Help: "Successful owner edits.",
		}),
		messagesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_messages_deleted_total",
			Help: "Successful owner deletes.",
		}),
		reactionOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_reaction_ops_total",
			Help: "Applied reaction additions and removals.",
		}),
		pruneRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_prune_runs_total",
			Help: "Completed prune passes.",
		}),
		prunedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_pruned_messages_total",
			Help: "Messages removed by the reaper.",
		}),
		prunedRooms: factory.NewCounter(prometheus.CounterOpts{
			Name: "wispchat_pruned_rooms_total",
			Help: "Empty rooms removed by the reaper.",
		}),
		roomsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wispchat_rooms",
			Help: "Registered rooms after the last prune pass.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(handler string, code int) {
	m.requestsTotal.WithLabelValues(handler, httpStatusLabel(code)).Inc()
}

func (m *Metrics) IncMessagesSent()    { m.messagesSent.Inc() }
func (m *Metrics) IncSendDedupHits()   { m.sendDedupHits.Inc() }
func (m *Metrics) IncMessagesEdited()  { m.messagesEdited.Inc() }
func (m *Metrics) IncMessagesDeleted() { m.messagesDeleted.Inc() }
func (m *Metrics) IncReactionOps()     { m.reactionOps.Inc() }

func (m *Metrics) ObservePrune(messages, rooms, remaining int64) {
	m.pruneRuns.Inc()
	m.prunedMessages.Add(float64(messages))
	m.prunedRooms.Add(float64(rooms))
	m.roomsGauge.Set(float64(remaining))
}

func httpStatusLabel(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
