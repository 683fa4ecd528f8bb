// ABOUTME: WS-Discovery wire protocol package
// ABOUTME: Defines discovery messages, the message builder and the SOAP envelope codec
// Package protocol implements the WS-Discovery 2005/04 message model.
//
// Provides typed Probe, Resolve, ProbeMatches and ResolveMatches bodies,
// WS-Addressing 2004/08 headers, builders for outbound requests and a
// SOAP 1.2 envelope codec used by transports.
//
// Example:
//
//	msg := protocol.BuildProbe([]protocol.QName{{Space: ns, Local: "Device"}}, nil)
//	data, err := protocol.Marshal(msg)
package protocol
