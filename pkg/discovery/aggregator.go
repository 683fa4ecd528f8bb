// ABOUTME: Service aggregator keeping the latest sighting per endpoint reference
// ABOUTME: Deduplicates discovery events and optionally expires stale services
package discovery

import (
	"context"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AggregatorConfig holds aggregator configuration
type AggregatorConfig struct {
	// TTL removes services not seen for this long. Zero keeps them forever.
	TTL time.Duration

	// SweepInterval is how often Run checks for expired services (default TTL/2)
	SweepInterval time.Duration

	Logger  *zap.Logger
	Metrics Metrics
	Now     func() time.Time

	// OnUpdate is called after every sighting, outside the registry lock
	OnUpdate func(svc TargetService, created bool)

	// OnExpire is called for every service removed by a sweep
	OnExpire func(svc TargetService)
}

// Aggregator owns the registry of discovered target services. Callers only
// ever receive copies of the stored entries.
type Aggregator struct {
	config  AggregatorConfig
	logger  *zap.Logger
	metrics Metrics

	mu       sync.RWMutex
	services map[string]*TargetService
}

// NewAggregator creates an empty registry
func NewAggregator(config AggregatorConfig) *Aggregator {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = nopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.SweepInterval <= 0 && config.TTL > 0 {
		config.SweepInterval = config.TTL / 2
	}

	return &Aggregator{
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
		services: make(map[string]*TargetService),
	}
}

// HandleEvent records the service carried by a client event
func (a *Aggregator) HandleEvent(ev Event) {
	a.OnServiceSighted(ev.Service)
}

// OnServiceSighted inserts the service or replaces the stored entry
// wholesale. It reports whether a new entry was created.
func (a *Aggregator) OnServiceSighted(svc TargetService) bool {
	epr := svc.EndpointReference()
	if epr == "" {
		a.logger.Debug("Ignoring service without endpoint reference")
		return false
	}

	stored := svc.Clone()

	a.mu.Lock()
	existing, ok := a.services[epr]
	if ok {
		*existing = stored
	} else {
		a.services[epr] = &stored
	}
	n := len(a.services)
	a.mu.Unlock()

	a.metrics.RegistrySize(n)
	if !ok {
		a.logger.Info("Discovered service",
			zap.String("endpoint", epr),
			zap.Int("types", len(svc.Types)),
			zap.Int("xaddrs", len(svc.XAddrs)))
	} else {
		a.logger.Debug("Refreshed service", zap.String("endpoint", epr))
	}

	if a.config.OnUpdate != nil {
		a.config.OnUpdate(svc.Clone(), !ok)
	}
	return !ok
}

// Lookup returns the current state of the service with the given endpoint reference
func (a *Aggregator) Lookup(endpointReference string) (TargetService, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	svc, ok := a.services[endpointReference]
	if !ok {
		return TargetService{}, false
	}
	return svc.Clone(), true
}

// All returns every known service. Each iteration copies the registry when
// it begins, so sightings during iteration are not visible to it.
func (a *Aggregator) All() iter.Seq[TargetService] {
	return func(yield func(TargetService) bool) {
		a.mu.RLock()
		snapshot := make([]TargetService, 0, len(a.services))
		for _, svc := range a.services {
			snapshot = append(snapshot, svc.Clone())
		}
		a.mu.RUnlock()

		for _, svc := range snapshot {
			if !yield(svc) {
				return
			}
		}
	}
}

// Len returns the number of known services
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.services)
}

// Remove deletes a service and reports whether it was present
func (a *Aggregator) Remove(endpointReference string) bool {
	a.mu.Lock()
	_, ok := a.services[endpointReference]
	delete(a.services, endpointReference)
	n := len(a.services)
	a.mu.Unlock()

	if ok {
		a.metrics.RegistrySize(n)
	}
	return ok
}

// Sweep removes services last seen more than TTL before now and returns
// them. It does nothing when no TTL is configured.
func (a *Aggregator) Sweep(now time.Time) []TargetService {
	if a.config.TTL <= 0 {
		return nil
	}
	cutoff := now.Add(-a.config.TTL)

	var expired []TargetService
	a.mu.Lock()
	for epr, svc := range a.services {
		if svc.LastSeen.Before(cutoff) {
			expired = append(expired, svc.Clone())
			delete(a.services, epr)
		}
	}
	n := len(a.services)
	a.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	a.metrics.RegistrySize(n)
	for _, svc := range expired {
		a.metrics.ServiceExpired()
		a.logger.Info("Service expired",
			zap.String("endpoint", svc.EndpointReference()),
			zap.Time("last_seen", svc.LastSeen))
		if a.config.OnExpire != nil {
			a.config.OnExpire(svc)
		}
	}
	return expired
}

// Run sweeps expired services every SweepInterval until ctx is done.
// Without a TTL it returns immediately.
func (a *Aggregator) Run(ctx context.Context) error {
	if a.config.TTL <= 0 {
		return nil
	}

	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Sweep(a.config.Now())
		}
	}
}
