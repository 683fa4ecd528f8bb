// ABOUTME: WS-Discovery message type definitions
// ABOUTME: Defines addressing headers, endpoint references and typed message bodies
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DiscoveryNamespace is the WS-Discovery 2005/04 namespace
	DiscoveryNamespace = "http://schemas.xmlsoap.org/ws/2005/04/discovery"

	// AddressingNamespace is the WS-Addressing 2004/08 namespace
	AddressingNamespace = "http://schemas.xmlsoap.org/ws/2004/08/addressing"

	// SOAPEnvelopeNamespace is the SOAP 1.2 envelope namespace
	SOAPEnvelopeNamespace = "http://www.w3.org/2003/05/soap-envelope"

	// DiscoveryDestination is the well-known To header for multicast requests
	DiscoveryDestination = "urn:schemas-xmlsoap-org:ws:2005:04:discovery"

	// AnonymousAddress asks the receiver to reply directly to the sender
	AnonymousAddress = AddressingNamespace + "/role/anonymous"
)

// Action URIs
const (
	ActionProbe          = DiscoveryNamespace + "/Probe"
	ActionProbeMatches   = DiscoveryNamespace + "/ProbeMatches"
	ActionResolve        = DiscoveryNamespace + "/Resolve"
	ActionResolveMatches = DiscoveryNamespace + "/ResolveMatches"
	ActionHello          = DiscoveryNamespace + "/Hello"
	ActionBye            = DiscoveryNamespace + "/Bye"
)

// Multicast groups and port used for discovery traffic
const (
	DiscoveryPort      = 3702
	IPv4MulticastGroup = "239.255.255.250"
	IPv6MulticastGroup = "ff02::c"
)

var (
	// ErrMalformedBody is returned when a message body cannot be decoded
	ErrMalformedBody = errors.New("protocol: malformed message body")

	// ErrUnsupportedBody is returned when marshaling a body of unknown type
	ErrUnsupportedBody = errors.New("protocol: unsupported message body")
)

// QName is a namespace qualified name such as a service type
type QName struct {
	Space string
	Local string
}

// String returns the name in Clark notation ({space}local)
func (q QName) String() string {
	if q.Space == "" {
		return q.Local
	}
	return "{" + q.Space + "}" + q.Local
}

// ParseQName parses a name in Clark notation. A bare name has no namespace.
func ParseQName(s string) (QName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QName{}, fmt.Errorf("protocol: empty qualified name")
	}
	if !strings.HasPrefix(s, "{") {
		return QName{Local: s}, nil
	}
	end := strings.Index(s, "}")
	if end < 0 || end == len(s)-1 {
		return QName{}, fmt.Errorf("protocol: invalid qualified name %q", s)
	}
	return QName{Space: s[1:end], Local: s[end+1:]}, nil
}

// Addressing holds the WS-Addressing headers of a message
type Addressing struct {
	Action    string
	MessageID string
	To        string
	ReplyTo   string
	RelatesTo string
}

// EndpointReference identifies a target service independently of its network address
type EndpointReference struct {
	Address string
}

// Probe asks which target services match the given types and scopes.
// Nil lists are omitted from the wire form and match everything.
type Probe struct {
	Types   []QName
	Scopes  []string
	MatchBy string
}

// Resolve asks a known endpoint for its current transport addresses
type Resolve struct {
	EndpointReference EndpointReference
}

// Match describes one target service in a ProbeMatches or ResolveMatches body
type Match struct {
	EndpointReference EndpointReference
	Types             []QName
	Scopes            []string
	XAddrs            []string
	MetadataVersion   uint32
}

// ProbeMatches is the response to a Probe, carrying zero or more matches
type ProbeMatches struct {
	Matches []Match
}

// ResolveMatches is the response to a Resolve, carrying exactly one match
type ResolveMatches struct {
	Match *Match
}

// Message is a decoded or outbound discovery message.
//
// Body holds one of *Probe, *Resolve, *ProbeMatches or *ResolveMatches.
// Messages produced by Unmarshal keep their body undecoded until one of the
// Decode methods is called.
type Message struct {
	Addressing Addressing
	Body       interface{}

	raw        []byte
	namespaces map[string]string
}
