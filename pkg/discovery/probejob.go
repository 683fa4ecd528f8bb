// ABOUTME: Periodic probe job filtering matches by type and scope
// ABOUTME: Re-probes on an interval and resolves matches that lack transport addresses
package discovery

import (
	"context"
	"net/url"
	"time"

	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
	"go.uber.org/zap"
)

// DefaultProbeInterval is used when ProbeJobConfig.Interval is zero
const DefaultProbeInterval = 30 * time.Second

// ProbeJobConfig holds probe job configuration
type ProbeJobConfig struct {
	Types    []protocol.QName
	Scopes   []*url.URL
	Interval time.Duration
	Logger   *zap.Logger

	// OnMatch receives services that match every type and scope and carry
	// at least one transport address
	OnMatch func(svc TargetService)
}

// ProbeJob repeatedly probes for services of interest
type ProbeJob struct {
	client *Client
	config ProbeJobConfig
	logger *zap.Logger
}

// NewProbeJob creates a job that probes through client
func NewProbeJob(client *Client, config ProbeJobConfig) *ProbeJob {
	if config.Interval <= 0 {
		config.Interval = DefaultProbeInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &ProbeJob{
		client: client,
		config: config,
		logger: config.Logger,
	}
}

// Run probes immediately and then every interval until ctx is done.
// Failed probes are logged and retried on the next tick.
func (j *ProbeJob) Run(ctx context.Context) error {
	unsubscribe := j.client.Subscribe(j.handleEvent)
	defer unsubscribe()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		j.probe()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (j *ProbeJob) probe() {
	if err := j.client.SendProbe(j.config.Types, j.config.Scopes); err != nil {
		j.logger.Warn("Probe failed", zap.Error(err))
	}
}

// handleEvent filters events and resolves probe matches without addresses
func (j *ProbeJob) handleEvent(ev Event) {
	svc := ev.Service
	if !svc.MatchesTypes(j.config.Types) || !svc.MatchesScopes(j.config.Scopes) {
		return
	}

	if len(svc.XAddrs) == 0 {
		if ev.Kind == ProbeMatchFound {
			if err := j.client.SendResolve(svc.EndpointReference()); err != nil {
				j.logger.Warn("Resolve failed",
					zap.String("endpoint", svc.EndpointReference()),
					zap.Error(err))
			}
		}
		return
	}

	if j.config.OnMatch != nil {
		j.config.OnMatch(svc)
	}
}
