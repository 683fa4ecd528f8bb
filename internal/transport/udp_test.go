// ABOUTME: Tests for the UDP transport over loopback
// ABOUTME: Verifies encoding on send, decoding on receive and serialized dispatch
package transport

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
)

type received struct {
	msg  *protocol.Message
	from netip.AddrPort
}

func bindLoopback(t *testing.T) (*UDP, netip.AddrPort, func() []received) {
	t.Helper()

	tr := New(Config{})
	var mu sync.Mutex
	var got []received
	tr.SetHandler(func(msg *protocol.Message, from netip.AddrPort) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, received{msg: msg, from: from})
	})
	require.NoError(t, tr.Bind(0))
	t.Cleanup(func() { _ = tr.Close() })

	var v4 netip.AddrPort
	for _, a := range tr.LocalAddrs() {
		if a.Addr().Is4() {
			v4 = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), a.Port())
		}
	}
	require.True(t, v4.IsValid(), "expected an IPv4 socket")

	return tr, v4, func() []received {
		mu.Lock()
		defer mu.Unlock()
		out := make([]received, len(got))
		copy(out, got)
		return out
	}
}

func resolveMatches(epr string) *protocol.Message {
	return &protocol.Message{
		Addressing: protocol.Addressing{
			Action:    protocol.ActionResolveMatches,
			MessageID: protocol.NewMessageID(),
			RelatesTo: protocol.NewMessageID(),
		},
		Body: &protocol.ResolveMatches{Match: &protocol.Match{
			EndpointReference: protocol.EndpointReference{Address: epr},
			XAddrs:            []string{"http://127.0.0.1:5357/wsd"},
		}},
	}
}

func TestSendAndReceive(t *testing.T) {
	_, addr, got := bindLoopback(t)
	sender, _, _ := bindLoopback(t)

	require.NoError(t, sender.Send(resolveMatches("urn:uuid:loop"), addr))

	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	r := got()[0]
	assert.Equal(t, protocol.ActionResolveMatches, r.msg.Addressing.Action)
	assert.True(t, r.from.Addr().IsLoopback())

	matches, err := r.msg.DecodeResolveMatches()
	require.NoError(t, err)
	assert.Equal(t, "urn:uuid:loop", matches.Match.EndpointReference.Address)
}

func TestUndecodableDatagramsAreDropped(t *testing.T) {
	_, addr, got := bindLoopback(t)

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(addr))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("M-SEARCH * HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	data, err := protocol.Marshal(resolveMatches("urn:uuid:after-garbage"))
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.ActionResolveMatches, got()[0].msg.Addressing.Action)
}

func TestSendBeforeBind(t *testing.T) {
	tr := New(Config{})
	defer tr.Close()

	err := tr.Send(protocol.BuildProbe(nil, nil), netip.MustParseAddrPort("239.255.255.250:3702"))
	assert.True(t, errors.Is(err, ErrNotBound))
}

func TestSendUnsupportedBody(t *testing.T) {
	tr, addr, _ := bindLoopback(t)

	err := tr.Send(&protocol.Message{Body: 42}, addr)
	assert.True(t, errors.Is(err, protocol.ErrUnsupportedBody))
}

func TestBindTwiceAndAfterClose(t *testing.T) {
	tr := New(Config{})
	require.NoError(t, tr.Bind(0))
	assert.Error(t, tr.Bind(0))

	require.NoError(t, tr.Close())
	assert.Empty(t, tr.LocalAddrs())
	assert.Error(t, tr.Bind(0))
}

func TestNewDefaults(t *testing.T) {
	tr := New(Config{})
	defer tr.Close()

	assert.Equal(t, DefaultMulticastTTL, tr.config.MulticastTTL)
	assert.NotNil(t, tr.logger)
	assert.Equal(t, 64, cap(tr.packets))
}
