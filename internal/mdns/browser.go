// ABOUTME: DNS-SD browsing as an extra source of target service sightings
// ABOUTME: Periodically queries mDNS and converts answers into discovery target services
package mdns

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/discovery"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
	"go.uber.org/zap"
)

// TypeNamespace qualifies DNS-SD service types reported as target service types
const TypeNamespace = "urn:dns-sd:service"

// EndpointPrefix prefixes the instance name to form an endpoint reference
const EndpointPrefix = "dnssd:"

// Config holds browser configuration
type Config struct {
	Service  string        // DNS-SD service type, e.g. "_ipp._tcp"
	Domain   string        // defaults to "local"
	Timeout  time.Duration // per query
	Interval time.Duration // between queries
	Logger   *zap.Logger
	Now      func() time.Time
}

// Browser queries mDNS for one service type
type Browser struct {
	config   Config
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	services chan discovery.TargetService

	query func(*mdns.QueryParam) error
}

// NewBrowser creates a browser
func NewBrowser(config Config) *Browser {
	if config.Domain == "" {
		config.Domain = "local"
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Browser{
		config:   config,
		logger:   config.Logger,
		ctx:      ctx,
		cancel:   cancel,
		services: make(chan discovery.TargetService, 16),
		query:    mdns.Query,
	}
}

// Browse starts querying in the background
func (b *Browser) Browse() {
	go b.browseLoop()
}

// Services returns the channel of sighted services
func (b *Browser) Services() <-chan discovery.TargetService {
	return b.services
}

// Stop stops browsing
func (b *Browser) Stop() {
	b.cancel()
}

func (b *Browser) browseLoop() {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		b.browseOnce()

		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// browseOnce runs a single query and forwards every answer
func (b *Browser) browseOnce() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			svc := EntryToService(entry, b.config.Service, b.config.Now())
			if len(svc.XAddrs) == 0 {
				continue
			}
			b.logger.Debug("mDNS answer",
				zap.String("endpoint", svc.EndpointReference()),
				zap.Int("port", entry.Port))

			select {
			case b.services <- svc:
			case <-b.ctx.Done():
				return
			}
		}
	}()

	params := &mdns.QueryParam{
		Service: b.config.Service,
		Domain:  b.config.Domain,
		Timeout: b.config.Timeout,
		Entries: entries,
	}
	if err := b.query(params); err != nil {
		b.logger.Warn("mDNS query failed", zap.String("service", b.config.Service), zap.Error(err))
	}
	close(entries)
	<-done
}

// EntryToService converts an mDNS answer into a target service
func EntryToService(entry *mdns.ServiceEntry, service string, now time.Time) discovery.TargetService {
	svc := discovery.NewTargetService(EndpointPrefix + entry.Name)
	svc.Types = []protocol.QName{{Space: TypeNamespace, Local: service}}

	scheme := schemeFor(service)
	for _, ip := range []net.IP{entry.AddrV4, entry.AddrV6} {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		svc.XAddrs = append(svc.XAddrs, &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
		})
	}

	svc.UpdateLastSeen(now)
	return svc
}

// schemeFor derives a URL scheme from a service type: "_ipp._tcp" gives "ipp"
func schemeFor(service string) string {
	label, _, _ := strings.Cut(service, ".")
	label = strings.TrimPrefix(label, "_")
	if label == "" {
		return "tcp"
	}
	return label
}
