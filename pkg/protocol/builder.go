// ABOUTME: Builders for outbound WS-Discovery requests
// ABOUTME: Attaches WS-Addressing metadata and fresh message IDs to Probe and Resolve
package protocol

import (
	"net/url"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh URN-form message ID
func NewMessageID() string {
	return "urn:uuid:" + uuid.New().String()
}

// newAddressing builds the headers shared by every outbound request
func newAddressing(action string) Addressing {
	return Addressing{
		Action:    action,
		MessageID: NewMessageID(),
		To:        DiscoveryDestination,
		ReplyTo:   AnonymousAddress,
	}
}

// BuildProbe creates a Probe request. Empty type and scope lists are left
// out of the message so the probe matches every service.
func BuildProbe(types []QName, scopes []*url.URL) *Message {
	probe := &Probe{}

	if len(types) > 0 {
		seen := make(map[QName]bool, len(types))
		for _, t := range types {
			if seen[t] {
				continue
			}
			seen[t] = true
			probe.Types = append(probe.Types, t)
		}
	}

	if len(scopes) > 0 {
		seen := make(map[string]bool, len(scopes))
		for _, s := range scopes {
			if s == nil {
				continue
			}
			v := s.String()
			if seen[v] {
				continue
			}
			seen[v] = true
			probe.Scopes = append(probe.Scopes, v)
		}
	}

	return &Message{
		Addressing: newAddressing(ActionProbe),
		Body:       probe,
	}
}

// BuildResolve creates a Resolve request for the given endpoint reference
func BuildResolve(endpointReference string) *Message {
	return &Message{
		Addressing: newAddressing(ActionResolve),
		Body: &Resolve{
			EndpointReference: EndpointReference{Address: endpointReference},
		},
	}
}
