// ABOUTME: Target service entity for discovered endpoints
// ABOUTME: Holds types, scopes, transport addresses and the last sighting time
package discovery

import (
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
)

// TargetService describes one discovered remote service. The endpoint
// reference is fixed at construction; every other field is replaced as a
// whole when the service is seen again.
type TargetService struct {
	endpointReference string

	Types    []protocol.QName
	Scopes   []*url.URL
	XAddrs   []*url.URL
	LastSeen time.Time

	// Source is the address the last sighting arrived from, if known
	Source netip.AddrPort
}

// NewTargetService creates a service with the given endpoint reference
func NewTargetService(endpointReference string) TargetService {
	return TargetService{endpointReference: endpointReference}
}

// EndpointReference returns the stable identity of the service
func (s TargetService) EndpointReference() string {
	return s.endpointReference
}

// UpdateLastSeen stamps the service with the time of a confirming message
func (s *TargetService) UpdateLastSeen(now time.Time) {
	s.LastSeen = now
}

// Clone returns a deep copy that shares no slices or URLs with s
func (s TargetService) Clone() TargetService {
	c := s
	c.Types = slices.Clone(s.Types)
	c.Scopes = cloneURLs(s.Scopes)
	c.XAddrs = cloneURLs(s.XAddrs)
	return c
}

// MatchesTypes reports whether the service advertises every given type
func (s TargetService) MatchesTypes(types []protocol.QName) bool {
	for _, t := range types {
		if !slices.Contains(s.Types, t) {
			return false
		}
	}
	return true
}

// MatchesScopes reports whether every given scope matches one of the
// advertised scopes under the RFC 3986 prefix rule: scheme and authority
// compare case-insensitively and the path segments of the wanted scope
// must be a prefix of the advertised path segments.
func (s TargetService) MatchesScopes(scopes []*url.URL) bool {
	for _, want := range scopes {
		if want == nil {
			continue
		}
		found := false
		for _, have := range s.Scopes {
			if have != nil && scopeMatches(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func scopeMatches(want, have *url.URL) bool {
	if !strings.EqualFold(want.Scheme, have.Scheme) {
		return false
	}
	// opaque URIs such as urn: scopes only match exactly
	if want.Opaque != "" || have.Opaque != "" {
		return want.Opaque == have.Opaque
	}
	if !strings.EqualFold(want.Host, have.Host) {
		return false
	}

	ws := pathSegments(want.Path)
	hs := pathSegments(have.Path)
	if len(ws) > len(hs) {
		return false
	}
	for i := range ws {
		if ws[i] != hs[i] {
			return false
		}
	}
	return true
}

func pathSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func cloneURLs(in []*url.URL) []*url.URL {
	if in == nil {
		return nil
	}
	out := make([]*url.URL, len(in))
	for i, u := range in {
		if u == nil {
			continue
		}
		c := *u
		if u.User != nil {
			user := *u.User
			c.User = &user
		}
		out[i] = &c
	}
	return out
}

// parseURIs converts wire URI strings, returning the ones that failed to parse
func parseURIs(raw []string) (urls []*url.URL, invalid []string) {
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil {
			invalid = append(invalid, r)
			continue
		}
		urls = append(urls, u)
	}
	return urls, invalid
}
