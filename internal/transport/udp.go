// ABOUTME: UDP multicast transport for WS-Discovery messages
// ABOUTME: Binds dual-stack sockets, encodes outbound envelopes and serializes inbound dispatch
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/wsdiscovery/wsdiscovery-go/pkg/discovery"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// MaxDatagramSize bounds a single discovery message
	MaxDatagramSize = 65535

	// DefaultMulticastTTL keeps discovery traffic on the local link
	DefaultMulticastTTL = 1
)

var (
	// ErrNotBound is returned when sending before Bind
	ErrNotBound = errors.New("transport: not bound")

	// ErrFamilyUnavailable is returned when no socket exists for the destination family
	ErrFamilyUnavailable = errors.New("transport: address family unavailable")
)

// Config holds transport configuration
type Config struct {
	Logger       *zap.Logger
	MulticastTTL int

	// Loopback delivers our own multicast sends back to local listeners
	Loopback bool

	// QueueSize is the number of received datagrams buffered for dispatch
	QueueSize int
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

// UDP sends and receives discovery messages on one IPv4 and one IPv6 socket.
// Datagrams from both sockets are decoded and handed to the handler from a
// single dispatch goroutine.
type UDP struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	conn4   *net.UDPConn
	conn6   *net.UDPConn
	handler discovery.ReceiveFunc

	packets chan datagram
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ discovery.Transport = (*UDP)(nil)

// New creates an unbound transport
func New(config Config) *UDP {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MulticastTTL <= 0 {
		config.MulticastTTL = DefaultMulticastTTL
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UDP{
		config:  config,
		logger:  config.Logger,
		packets: make(chan datagram, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler sets the function receiving decoded messages
func (t *UDP) SetHandler(fn discovery.ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Bind opens the IPv4 and IPv6 sockets on port. It fails only when
// neither family can be bound.
func (t *UDP) Bind(port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return fmt.Errorf("transport: closed")
	}
	if t.conn4 != nil || t.conn6 != nil {
		return fmt.Errorf("transport: already bound")
	}

	conn4, err4 := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err4 == nil {
		if err := t.configure4(conn4); err != nil {
			conn4.Close()
			conn4, err4 = nil, err
		}
	}
	conn6, err6 := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: port})
	if err6 == nil {
		if err := t.configure6(conn6); err != nil {
			conn6.Close()
			conn6, err6 = nil, err
		}
	}

	if conn4 == nil && conn6 == nil {
		return errors.Join(err4, err6)
	}
	if err4 != nil {
		t.logger.Warn("IPv4 discovery socket unavailable", zap.Error(err4))
	}
	if err6 != nil {
		t.logger.Warn("IPv6 discovery socket unavailable", zap.Error(err6))
	}

	t.conn4, t.conn6 = conn4, conn6

	t.wg.Add(1)
	go t.dispatchLoop()
	for _, conn := range []*net.UDPConn{conn4, conn6} {
		if conn == nil {
			continue
		}
		t.logger.Debug("Listening for discovery replies", zap.Stringer("addr", conn.LocalAddr()))
		t.wg.Add(1)
		go t.readLoop(conn)
	}
	return nil
}

func (t *UDP) configure4(conn *net.UDPConn) error {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(t.config.MulticastTTL); err != nil {
		return fmt.Errorf("set multicast TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(t.config.Loopback); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	return nil
}

func (t *UDP) configure6(conn *net.UDPConn) error {
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetMulticastHopLimit(t.config.MulticastTTL); err != nil {
		return fmt.Errorf("set multicast hop limit: %w", err)
	}
	if err := pc.SetMulticastLoopback(t.config.Loopback); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	return nil
}

// LocalAddrs returns the bound socket addresses
func (t *UDP) LocalAddrs() []netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var addrs []netip.AddrPort
	for _, conn := range []*net.UDPConn{t.conn4, t.conn6} {
		if conn == nil {
			continue
		}
		if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			addrs = append(addrs, ua.AddrPort())
		}
	}
	return addrs
}

// Send encodes msg and writes it to the socket matching the destination family
func (t *UDP) Send(msg *protocol.Message, to netip.AddrPort) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.RLock()
	conn4, conn6 := t.conn4, t.conn6
	t.mu.RUnlock()

	if conn4 == nil && conn6 == nil {
		return ErrNotBound
	}

	conn := conn6
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	if to.Addr().Is4() {
		conn = conn4
	}
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrFamilyUnavailable, to)
	}

	if _, err := conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("write to %s: %w", to, err)
	}
	return nil
}

// readLoop copies datagrams from conn onto the dispatch queue
func (t *UDP) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			t.logger.Debug("Read error", zap.Error(err))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		select {
		case t.packets <- datagram{data: data, from: from}:
		case <-t.ctx.Done():
			return
		default:
			t.logger.Warn("Receive queue full, dropping datagram", zap.Stringer("from", from))
		}
	}
}

// dispatchLoop decodes queued datagrams and runs the handler one at a time
func (t *UDP) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case p := <-t.packets:
			msg, err := protocol.Unmarshal(p.data)
			if err != nil {
				t.logger.Debug("Dropping undecodable datagram",
					zap.Stringer("from", p.from),
					zap.Int("size", len(p.data)),
					zap.Error(err))
				continue
			}

			t.mu.RLock()
			handler := t.handler
			t.mu.RUnlock()
			if handler != nil {
				handler(msg, p.from)
			}
		}
	}
}

// Close shuts both sockets and waits for the loops to exit
func (t *UDP) Close() error {
	t.cancel()

	t.mu.Lock()
	var errs []error
	for _, conn := range []*net.UDPConn{t.conn4, t.conn6} {
		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	t.conn4, t.conn6 = nil, nil
	t.mu.Unlock()

	t.wg.Wait()
	return errors.Join(errs...)
}
