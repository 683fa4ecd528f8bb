// ABOUTME: SOAP 1.2 envelope codec for WS-Discovery messages
// ABOUTME: Marshals typed messages to XML and lazily decodes received bodies
package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// xmlEnvelope is the outbound envelope layout
type xmlEnvelope struct {
	XMLName xml.Name  `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  xmlHeader `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
	Body    xmlBody   `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

// xmlHeaderEnvelope decodes only the addressing headers of an envelope
type xmlHeaderEnvelope struct {
	XMLName xml.Name  `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  xmlHeader `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
}

type xmlHeader struct {
	Action    string  `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing Action"`
	MessageID string  `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing MessageID"`
	RelatesTo string  `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing RelatesTo,omitempty"`
	To        string  `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing To,omitempty"`
	ReplyTo   *xmlEPR `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing ReplyTo,omitempty"`
}

type xmlBody struct {
	Content interface{}
}

type xmlEPR struct {
	Address string `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing Address"`
}

type xmlScopes struct {
	MatchBy string `xml:"MatchBy,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type xmlProbe struct {
	XMLName xml.Name   `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Probe"`
	Types   *xmlQNames `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Types,omitempty"`
	Scopes  *xmlScopes `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Scopes,omitempty"`
}

type xmlResolve struct {
	XMLName           xml.Name `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Resolve"`
	EndpointReference xmlEPR   `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing EndpointReference"`
}

type xmlMatch struct {
	EndpointReference xmlEPR     `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing EndpointReference"`
	Types             *xmlQNames `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Types,omitempty"`
	Scopes            *xmlScopes `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Scopes,omitempty"`
	XAddrs            string     `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery XAddrs,omitempty"`
	MetadataVersion   string     `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery MetadataVersion"`
}

type xmlProbeMatches struct {
	XMLName xml.Name   `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ProbeMatches"`
	Matches []xmlMatch `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ProbeMatch"`
}

type xmlResolveMatches struct {
	XMLName xml.Name  `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ResolveMatches"`
	Match   *xmlMatch `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ResolveMatch"`
}

// xmlQNames is a whitespace separated list of prefixed names.
// Marshaling declares one prefix per namespace on the list element itself.
type xmlQNames struct {
	names []QName

	raw   string
	local map[string]string
}

func (l xmlQNames) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	prefixes := make(map[string]string)
	parts := make([]string, 0, len(l.names))
	for _, q := range l.names {
		if q.Space == "" {
			parts = append(parts, q.Local)
			continue
		}
		prefix, ok := prefixes[q.Space]
		if !ok {
			prefix = "t" + strconv.Itoa(len(prefixes))
			prefixes[q.Space] = prefix
			start.Attr = append(start.Attr, xml.Attr{
				Name:  xml.Name{Local: "xmlns:" + prefix},
				Value: q.Space,
			})
		}
		parts = append(parts, prefix+":"+q.Local)
	}
	return e.EncodeElement(strings.Join(parts, " "), start)
}

func (l *xmlQNames) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" {
			if l.local == nil {
				l.local = make(map[string]string)
			}
			l.local[a.Name.Local] = a.Value
		}
	}
	return d.DecodeElement(&l.raw, &start)
}

// resolve maps prefixed names onto namespaces. Declarations on the list
// element win over declarations found elsewhere in the document. Names
// without a prefix, or with an undeclared one, carry no namespace.
func (l *xmlQNames) resolve(document map[string]string) []QName {
	fields := strings.Fields(l.raw)
	if len(fields) == 0 {
		return nil
	}
	names := make([]QName, 0, len(fields))
	for _, f := range fields {
		i := strings.IndexByte(f, ':')
		if i <= 0 {
			names = append(names, QName{Local: f})
			continue
		}
		prefix, local := f[:i], f[i+1:]
		space, ok := l.local[prefix]
		if !ok {
			space, ok = document[prefix]
		}
		if !ok {
			names = append(names, QName{Local: f})
			continue
		}
		names = append(names, QName{Space: space, Local: local})
	}
	return names
}

// Marshal encodes a message as a SOAP envelope
func Marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}

	env := xmlEnvelope{
		Header: xmlHeader{
			Action:    msg.Addressing.Action,
			MessageID: msg.Addressing.MessageID,
			RelatesTo: msg.Addressing.RelatesTo,
			To:        msg.Addressing.To,
		},
	}
	if msg.Addressing.ReplyTo != "" {
		env.Header.ReplyTo = &xmlEPR{Address: msg.Addressing.ReplyTo}
	}

	switch b := msg.Body.(type) {
	case nil:
	case *Probe:
		p := xmlProbe{}
		if len(b.Types) > 0 {
			p.Types = &xmlQNames{names: b.Types}
		}
		if len(b.Scopes) > 0 {
			p.Scopes = &xmlScopes{MatchBy: b.MatchBy, Value: strings.Join(b.Scopes, " ")}
		}
		env.Body.Content = p
	case *Resolve:
		env.Body.Content = xmlResolve{EndpointReference: xmlEPR{Address: b.EndpointReference.Address}}
	case *ProbeMatches:
		pm := xmlProbeMatches{Matches: make([]xmlMatch, 0, len(b.Matches))}
		for _, m := range b.Matches {
			pm.Matches = append(pm.Matches, fromMatch(m))
		}
		env.Body.Content = pm
	case *ResolveMatches:
		rm := xmlResolveMatches{}
		if b.Match != nil {
			m := fromMatch(*b.Match)
			rm.Match = &m
		}
		env.Body.Content = rm
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedBody, b)
	}

	data, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// Unmarshal decodes the envelope and addressing headers of a message.
// The body is decoded on demand by the Decode methods.
func Unmarshal(data []byte) (*Message, error) {
	var env xmlHeaderEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	msg := &Message{
		Addressing: Addressing{
			Action:    strings.TrimSpace(env.Header.Action),
			MessageID: strings.TrimSpace(env.Header.MessageID),
			RelatesTo: strings.TrimSpace(env.Header.RelatesTo),
			To:        strings.TrimSpace(env.Header.To),
		},
		raw:        data,
		namespaces: collectNamespaces(data),
	}
	if env.Header.ReplyTo != nil {
		msg.Addressing.ReplyTo = strings.TrimSpace(env.Header.ReplyTo.Address)
	}
	return msg, nil
}

// DecodeProbe returns the Probe body of the message
func (m *Message) DecodeProbe() (*Probe, error) {
	switch b := m.Body.(type) {
	case *Probe:
		return b, nil
	case nil:
	default:
		return nil, fmt.Errorf("%w: body is %T", ErrMalformedBody, b)
	}

	var x xmlProbe
	if err := m.decodeBody("Probe", &x); err != nil {
		return nil, err
	}
	probe := &Probe{}
	if x.Types != nil {
		probe.Types = x.Types.resolve(m.namespaces)
	}
	if x.Scopes != nil {
		probe.Scopes = splitList(x.Scopes.Value)
		probe.MatchBy = x.Scopes.MatchBy
	}
	m.Body = probe
	return probe, nil
}

// DecodeResolve returns the Resolve body of the message
func (m *Message) DecodeResolve() (*Resolve, error) {
	switch b := m.Body.(type) {
	case *Resolve:
		return b, nil
	case nil:
	default:
		return nil, fmt.Errorf("%w: body is %T", ErrMalformedBody, b)
	}

	var x xmlResolve
	if err := m.decodeBody("Resolve", &x); err != nil {
		return nil, err
	}
	resolve := &Resolve{
		EndpointReference: EndpointReference{Address: strings.TrimSpace(x.EndpointReference.Address)},
	}
	m.Body = resolve
	return resolve, nil
}

// DecodeProbeMatches returns the ProbeMatches body of the message
func (m *Message) DecodeProbeMatches() (*ProbeMatches, error) {
	switch b := m.Body.(type) {
	case *ProbeMatches:
		return b, nil
	case nil:
	default:
		return nil, fmt.Errorf("%w: body is %T", ErrMalformedBody, b)
	}

	var x xmlProbeMatches
	if err := m.decodeBody("ProbeMatches", &x); err != nil {
		return nil, err
	}
	matches := &ProbeMatches{Matches: make([]Match, 0, len(x.Matches))}
	for i := range x.Matches {
		matches.Matches = append(matches.Matches, x.Matches[i].toMatch(m.namespaces))
	}
	m.Body = matches
	return matches, nil
}

// DecodeResolveMatches returns the ResolveMatches body of the message.
// A body without a ResolveMatch entry is malformed.
func (m *Message) DecodeResolveMatches() (*ResolveMatches, error) {
	switch b := m.Body.(type) {
	case *ResolveMatches:
		if b.Match == nil {
			return nil, fmt.Errorf("%w: missing ResolveMatch", ErrMalformedBody)
		}
		return b, nil
	case nil:
	default:
		return nil, fmt.Errorf("%w: body is %T", ErrMalformedBody, b)
	}

	var x xmlResolveMatches
	if err := m.decodeBody("ResolveMatches", &x); err != nil {
		return nil, err
	}
	if x.Match == nil {
		return nil, fmt.Errorf("%w: missing ResolveMatch", ErrMalformedBody)
	}
	match := x.Match.toMatch(m.namespaces)
	matches := &ResolveMatches{Match: &match}
	m.Body = matches
	return matches, nil
}

// decodeBody finds the named discovery element inside the SOAP Body and
// decodes it into v. Header blocks are never considered.
func (m *Message) decodeBody(local string, v interface{}) error {
	if len(m.raw) == 0 {
		return fmt.Errorf("%w: no %s payload", ErrMalformedBody, local)
	}

	d := xml.NewDecoder(bytes.NewReader(m.raw))
	depth := 0 // nesting inside Body; 0 means outside
	for {
		tok, err := d.Token()
		if err != nil {
			return fmt.Errorf("%w: %s not found: %w", ErrMalformedBody, local, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if t.Name.Space == SOAPEnvelopeNamespace && t.Name.Local == "Body" {
					depth = 1
				}
				continue
			}
			if t.Name.Space == DiscoveryNamespace && t.Name.Local == local {
				if err := d.DecodeElement(v, &t); err != nil {
					return fmt.Errorf("%w: %s: %w", ErrMalformedBody, local, err)
				}
				return nil
			}
			depth++
		case xml.EndElement:
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return fmt.Errorf("%w: %s not found in body", ErrMalformedBody, local)
			}
		}
	}
}

func fromMatch(m Match) xmlMatch {
	x := xmlMatch{
		EndpointReference: xmlEPR{Address: m.EndpointReference.Address},
		XAddrs:            strings.Join(m.XAddrs, " "),
		MetadataVersion:   strconv.FormatUint(uint64(m.MetadataVersion), 10),
	}
	if len(m.Types) > 0 {
		x.Types = &xmlQNames{names: m.Types}
	}
	if len(m.Scopes) > 0 {
		x.Scopes = &xmlScopes{Value: strings.Join(m.Scopes, " ")}
	}
	return x
}

// toMatch converts a decoded entry. An unparsable MetadataVersion reads as 0.
func (x *xmlMatch) toMatch(document map[string]string) Match {
	m := Match{
		EndpointReference: EndpointReference{Address: strings.TrimSpace(x.EndpointReference.Address)},
		XAddrs:            splitList(x.XAddrs),
	}
	if v := strings.TrimSpace(x.MetadataVersion); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			m.MetadataVersion = uint32(n)
		}
	}
	if x.Types != nil {
		m.Types = x.Types.resolve(document)
	}
	if x.Scopes != nil {
		m.Scopes = splitList(x.Scopes.Value)
	}
	return m
}

// collectNamespaces gathers every prefix declaration in the document.
// The first declaration of a prefix wins.
func collectNamespaces(data []byte) map[string]string {
	ns := make(map[string]string)
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.RawToken()
		if err != nil {
			return ns
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range se.Attr {
			if a.Name.Space != "xmlns" {
				continue
			}
			if _, dup := ns[a.Name.Local]; !dup {
				ns[a.Name.Local] = a.Value
			}
		}
	}
}

func splitList(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
