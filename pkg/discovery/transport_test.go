// ABOUTME: In-memory transport and helpers shared by discovery tests
// ABOUTME: Records sent messages and lets tests inject received ones
package discovery

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
)

var errUnreachable = errors.New("network unreachable")

type sentMessage struct {
	msg *protocol.Message
	to  netip.AddrPort
}

type fakeTransport struct {
	mu        sync.Mutex
	bindErr   error
	sendErrs  map[netip.Addr]error
	boundPort int
	bound     bool
	closed    bool
	sent      []sentMessage
	handler   ReceiveFunc
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sendErrs: make(map[netip.Addr]error)}
}

func (f *fakeTransport) Bind(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bound = true
	f.boundPort = port
	return nil
}

func (f *fakeTransport) Send(msg *protocol.Message, to netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErrs[to.Addr()]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{msg: msg, to: to})
	return nil
}

func (f *fakeTransport) SetHandler(fn ReceiveFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) failSends(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs[netip.MustParseAddr(addr)] = errUnreachable
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// receive delivers msg the way a real transport would
func (f *fakeTransport) receive(msg *protocol.Message, from netip.AddrPort) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(msg, from)
}

type recordingMetrics struct {
	mu        sync.Mutex
	sent      int
	sendErrs  int
	received  []string
	matches   map[EventKind]int
	malformed int
	size      int
	expired   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{matches: make(map[EventKind]int)}
}

func (m *recordingMetrics) MessageSent(_ string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.sendErrs++
		return
	}
	m.sent++
}

func (m *recordingMetrics) MessageReceived(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, action)
}

func (m *recordingMetrics) MatchFound(kind EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[kind]++
}

func (m *recordingMetrics) MalformedMessage(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed++
}

func (m *recordingMetrics) RegistrySize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = n
}

func (m *recordingMetrics) ServiceExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired++
}

var (
	testFrom = netip.MustParseAddrPort("192.168.1.10:3702")
	testNow  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func fixedNow() time.Time { return testNow }

func match(epr string, xaddrs ...string) protocol.Match {
	return protocol.Match{
		EndpointReference: protocol.EndpointReference{Address: epr},
		Types:             []protocol.QName{{Space: "http://www.onvif.org/ver10/device/wsdl", Local: "Device"}},
		Scopes:            []string{"onvif://www.onvif.org/type/video_encoder"},
		XAddrs:            xaddrs,
	}
}

func probeMatchesMessage(matches ...protocol.Match) *protocol.Message {
	return &protocol.Message{
		Addressing: protocol.Addressing{Action: protocol.ActionProbeMatches, MessageID: protocol.NewMessageID()},
		Body:       &protocol.ProbeMatches{Matches: matches},
	}
}

func resolveMatchesMessage(m protocol.Match) *protocol.Message {
	return &protocol.Message{
		Addressing: protocol.Addressing{Action: protocol.ActionResolveMatches, MessageID: protocol.NewMessageID()},
		Body:       &protocol.ResolveMatches{Match: &m},
	}
}

// collect subscribes to client and returns a func reading the events seen so far
func collect(t *testing.T, client *Client) func() []Event {
	t.Helper()
	var mu sync.Mutex
	var events []Event
	client.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
}
