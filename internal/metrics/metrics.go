// ABOUTME: Prometheus instrumentation for the discovery client and registry
// ABOUTME: Counts sends, receives, matches and malformed replies and tracks registry size
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/discovery"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
)

// Metrics implements discovery.Metrics on its own registry
type Metrics struct {
	Registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	matchesFound     *prometheus.CounterVec
	malformed        *prometheus.CounterVec
	services         prometheus.Gauge
	expired          prometheus.Counter
}

var _ discovery.Metrics = (*Metrics)(nil)

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsd_messages_sent_total",
				Help: "Discovery messages sent per multicast group, by action and result",
			},
			[]string{"action", "result"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsd_messages_received_total",
				Help: "Discovery messages received, by action",
			},
			[]string{"action"},
		),
		matchesFound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsd_matches_found_total",
				Help: "Target services reported in replies, by reply kind",
			},
			[]string{"kind"},
		),
		malformed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsd_malformed_messages_total",
				Help: "Replies dropped because their body could not be decoded",
			},
			[]string{"action"},
		),
		services: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsd_services",
			Help: "Target services currently in the registry",
		}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsd_services_expired_total",
			Help: "Target services removed after their TTL elapsed",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messagesSent.WithLabelValues(actionLabel(action), result).Inc()
}

func (m *Metrics) MessageReceived(action string) {
	m.messagesReceived.WithLabelValues(actionLabel(action)).Inc()
}

func (m *Metrics) MatchFound(kind discovery.EventKind) {
	m.matchesFound.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) MalformedMessage(action string) {
	m.malformed.WithLabelValues(actionLabel(action)).Inc()
}

func (m *Metrics) RegistrySize(n int) {
	m.services.Set(float64(n))
}

func (m *Metrics) ServiceExpired() {
	m.expired.Inc()
}

// actionLabel keeps label cardinality bounded to the known discovery actions
func actionLabel(action string) string {
	switch action {
	case protocol.ActionProbe, protocol.ActionProbeMatches,
		protocol.ActionResolve, protocol.ActionResolveMatches,
		protocol.ActionHello, protocol.ActionBye:
		return strings.TrimPrefix(action, protocol.DiscoveryNamespace+"/")
	default:
		return "unknown"
	}
}
