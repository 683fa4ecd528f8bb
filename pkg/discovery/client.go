// ABOUTME: WS-Discovery client sending probes and resolves over a transport
// ABOUTME: Routes received messages by action and emits target service events
package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
	"go.uber.org/zap"
)

var (
	// ErrBind is returned when the transport cannot bind the local port
	ErrBind = errors.New("discovery: bind failed")

	// ErrNotStarted is returned when sending before Start succeeded
	ErrNotStarted = errors.New("discovery: client not started")

	// ErrSendFailed is returned when a message could not be sent to any group
	ErrSendFailed = errors.New("discovery: message could not be sent on IPv4 or IPv6")
)

// ReceiveFunc is called by a transport for every decoded inbound message
type ReceiveFunc func(msg *protocol.Message, from netip.AddrPort)

// Transport carries discovery messages. Implementations must call the
// handler from a single goroutine.
type Transport interface {
	Bind(port int) error
	Send(msg *protocol.Message, to netip.AddrPort) error
	SetHandler(fn ReceiveFunc)
	Close() error
}

// EventKind identifies which reply produced an event
type EventKind int

const (
	ProbeMatchFound EventKind = iota + 1
	ResolveMatchFound
)

func (k EventKind) String() string {
	switch k {
	case ProbeMatchFound:
		return "probe_match"
	case ResolveMatchFound:
		return "resolve_match"
	default:
		return "unknown"
	}
}

// Event reports a target service found in a reply
type Event struct {
	Kind    EventKind
	Service TargetService
	From    netip.AddrPort
}

// Metrics receives client and registry instrumentation
type Metrics interface {
	MessageSent(action string, err error)
	MessageReceived(action string)
	MatchFound(kind EventKind)
	MalformedMessage(action string)
	RegistrySize(n int)
	ServiceExpired()
}

type nopMetrics struct{}

func (nopMetrics) MessageSent(string, error) {}
func (nopMetrics) MessageReceived(string)    {}
func (nopMetrics) MatchFound(EventKind)      {}
func (nopMetrics) MalformedMessage(string)   {}
func (nopMetrics) RegistrySize(int)          {}
func (nopMetrics) ServiceExpired()           {}

// DefaultDestinations are the IPv4 and IPv6 discovery multicast groups
func DefaultDestinations() []netip.AddrPort {
	return []netip.AddrPort{
		netip.AddrPortFrom(netip.MustParseAddr(protocol.IPv4MulticastGroup), protocol.DiscoveryPort),
		netip.AddrPortFrom(netip.MustParseAddr(protocol.IPv6MulticastGroup), protocol.DiscoveryPort),
	}
}

// Config holds client configuration
type Config struct {
	Logger  *zap.Logger
	Metrics Metrics
	Now     func() time.Time

	// Destinations overrides the multicast groups requests are sent to
	Destinations []netip.AddrPort
}

type listener struct {
	id int
	fn func(Event)
}

// Client sends discovery requests and dispatches replies. It owns its
// transport exclusively.
type Client struct {
	config    Config
	transport Transport
	logger    *zap.Logger
	metrics   Metrics

	mu        sync.RWMutex
	started   bool
	listeners []listener
	nextID    int
}

// NewClient creates a client on top of the given transport
func NewClient(config Config, transport Transport) *Client {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = nopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if len(config.Destinations) == 0 {
		config.Destinations = DefaultDestinations()
	}

	c := &Client{
		config:    config,
		transport: transport,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
	transport.SetHandler(c.Dispatch)
	return c
}

// Start binds the transport on the given local port for IPv4 and IPv6.
// A client whose Start failed must not be used.
func (c *Client) Start(port int) error {
	if err := c.transport.Bind(port); err != nil {
		c.logger.Error("Failed to bind discovery transport", zap.Int("port", port), zap.Error(err))
		return fmt.Errorf("%w: port %d: %w", ErrBind, port, err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Discovery client started", zap.Int("port", port))
	return nil
}

// SendProbe multicasts a Probe for the given types and scopes. Empty lists
// match every service.
func (c *Client) SendProbe(types []protocol.QName, scopes []*url.URL) error {
	return c.send(protocol.BuildProbe(types, scopes))
}

// SendResolve multicasts a Resolve for the given endpoint reference
func (c *Client) SendResolve(endpointReference string) error {
	return c.send(protocol.BuildResolve(endpointReference))
}

// send transmits msg to every destination. It fails only when no
// destination accepted the message.
func (c *Client) send(msg *protocol.Message) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	var errs []error
	for _, dst := range c.config.Destinations {
		err := c.transport.Send(msg, dst)
		c.metrics.MessageSent(msg.Addressing.Action, err)
		if err != nil {
			c.logger.Debug("Send failed",
				zap.String("action", msg.Addressing.Action),
				zap.Stringer("destination", dst),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", dst, err))
		}
	}

	if len(errs) == len(c.config.Destinations) {
		c.logger.Warn("Message could not be sent on IPv4 or IPv6. The network may be misconfigured.",
			zap.String("action", msg.Addressing.Action))
		return fmt.Errorf("%w: %w", ErrSendFailed, errors.Join(errs...))
	}

	c.logger.Debug("Message sent",
		zap.String("action", msg.Addressing.Action),
		zap.String("message_id", msg.Addressing.MessageID))
	return nil
}

// Subscribe registers fn for every event. Listeners run synchronously
// within Dispatch in subscription order. The returned func unsubscribes.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispatch routes a received message by its action. Requests from peers
// are ignored, replies become events and anything else is traced. It never
// fails: malformed replies are logged and dropped.
func (c *Client) Dispatch(msg *protocol.Message, from netip.AddrPort) {
	if msg == nil {
		return
	}

	action := msg.Addressing.Action
	c.metrics.MessageReceived(action)

	switch {
	case strings.HasSuffix(action, "/Probe"), strings.HasSuffix(action, "/Resolve"):
		// requests from other clients

	case strings.HasSuffix(action, "/ResolveMatches"):
		matches, err := msg.DecodeResolveMatches()
		if err != nil {
			c.malformed(action, from, err)
			return
		}
		if svc, ok := c.serviceFromMatch(*matches.Match, from); ok {
			c.emit(Event{Kind: ResolveMatchFound, Service: svc, From: from})
		}

	case strings.HasSuffix(action, "/ProbeMatches"):
		matches, err := msg.DecodeProbeMatches()
		if err != nil {
			c.malformed(action, from, err)
			return
		}
		for _, m := range matches.Matches {
			if svc, ok := c.serviceFromMatch(m, from); ok {
				c.emit(Event{Kind: ProbeMatchFound, Service: svc, From: from})
			}
		}

	default:
		c.logger.Debug("Received message with unknown action",
			zap.String("action", action),
			zap.Stringer("from", from))
	}
}

// serviceFromMatch builds a stamped target service from a match entry
func (c *Client) serviceFromMatch(m protocol.Match, from netip.AddrPort) (TargetService, bool) {
	if m.EndpointReference.Address == "" {
		c.logger.Debug("Dropping match without endpoint reference", zap.Stringer("from", from))
		return TargetService{}, false
	}

	svc := NewTargetService(m.EndpointReference.Address)
	svc.Types = m.Types

	var invalid []string
	var bad []string
	svc.Scopes, bad = parseURIs(m.Scopes)
	invalid = append(invalid, bad...)
	svc.XAddrs, bad = parseURIs(m.XAddrs)
	invalid = append(invalid, bad...)
	if len(invalid) > 0 {
		c.logger.Debug("Ignoring unparsable URIs",
			zap.String("endpoint", svc.EndpointReference()),
			zap.Strings("uris", invalid))
	}

	svc.Source = from
	svc.UpdateLastSeen(c.config.Now())
	return svc, true
}

func (c *Client) emit(ev Event) {
	c.metrics.MatchFound(ev.Kind)

	c.mu.RLock()
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		e := ev
		e.Service = ev.Service.Clone()
		l.fn(e)
	}
}

func (c *Client) malformed(action string, from netip.AddrPort, err error) {
	c.metrics.MalformedMessage(action)
	c.logger.Warn("Dropping malformed discovery message",
		zap.String("action", action),
		zap.Stringer("from", from),
		zap.Error(err))
}

// Close stops the client and releases its transport
func (c *Client) Close() error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return c.transport.Close()
}
