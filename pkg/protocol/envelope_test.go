// ABOUTME: Tests for the SOAP envelope codec
// ABOUTME: Covers outbound encoding, device-style replies and malformed bodies
package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeMatchesFromDevice mirrors a reply from an ONVIF camera, with every
// prefix declared on the envelope
const probeMatchesFromDevice = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
  xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing"
  xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
  xmlns:dn="http://www.onvif.org/ver10/network/wsdl"
  xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
  <SOAP-ENV:Header>
    <wsa:MessageID>uuid:6a4e0c9a-0000-4000-8000-000000000001</wsa:MessageID>
    <wsa:RelatesTo>urn:uuid:0f5d604c-81ac-4abc-8010-51dbffad55f2</wsa:RelatesTo>
    <wsa:To SOAP-ENV:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous</wsa:To>
    <wsa:Action SOAP-ENV:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2005/04/discovery/ProbeMatches</wsa:Action>
  </SOAP-ENV:Header>
  <SOAP-ENV:Body>
    <d:ProbeMatches>
      <d:ProbeMatch>
        <wsa:EndpointReference><wsa:Address>urn:uuid:camera-1</wsa:Address></wsa:EndpointReference>
        <d:Types>dn:NetworkVideoTransmitter tds:Device</d:Types>
        <d:Scopes>onvif://www.onvif.org/type/video_encoder onvif://www.onvif.org/name/Cam1</d:Scopes>
        <d:XAddrs>http://192.168.1.10/onvif/device_service http://[fe80::1]/onvif/device_service</d:XAddrs>
        <d:MetadataVersion>3</d:MetadataVersion>
      </d:ProbeMatch>
      <d:ProbeMatch>
        <wsa:EndpointReference><wsa:Address>urn:uuid:camera-2</wsa:Address></wsa:EndpointReference>
        <d:Types>tds:Device</d:Types>
        <d:MetadataVersion>1</d:MetadataVersion>
      </d:ProbeMatch>
    </d:ProbeMatches>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func TestUnmarshalDeviceProbeMatches(t *testing.T) {
	msg, err := Unmarshal([]byte(probeMatchesFromDevice))
	require.NoError(t, err)

	assert.Equal(t, ActionProbeMatches, msg.Addressing.Action)
	assert.Equal(t, "urn:uuid:0f5d604c-81ac-4abc-8010-51dbffad55f2", msg.Addressing.RelatesTo)

	matches, err := msg.DecodeProbeMatches()
	require.NoError(t, err)
	require.Len(t, matches.Matches, 2)

	first := matches.Matches[0]
	assert.Equal(t, "urn:uuid:camera-1", first.EndpointReference.Address)
	assert.Equal(t, []QName{
		{Space: "http://www.onvif.org/ver10/network/wsdl", Local: "NetworkVideoTransmitter"},
		{Space: onvifDeviceNS, Local: "Device"},
	}, first.Types)
	assert.Equal(t, []string{
		"onvif://www.onvif.org/type/video_encoder",
		"onvif://www.onvif.org/name/Cam1",
	}, first.Scopes)
	assert.Len(t, first.XAddrs, 2)
	assert.Equal(t, uint32(3), first.MetadataVersion)

	second := matches.Matches[1]
	assert.Equal(t, "urn:uuid:camera-2", second.EndpointReference.Address)
	assert.Nil(t, second.Scopes)
	assert.Nil(t, second.XAddrs)

	// decoded bodies are cached on the message
	again, err := msg.DecodeProbeMatches()
	require.NoError(t, err)
	assert.Same(t, matches, again)
}

func TestMarshalProbeRoundTrip(t *testing.T) {
	device := QName{Space: onvifDeviceNS, Local: "Device"}
	printer := QName{Space: "http://schemas.microsoft.com/windows/2006/08/wdp/print", Local: "PrintDeviceType"}
	msg := BuildProbe([]QName{device, printer}, nil)

	data, err := Marshal(msg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))
	assert.NotContains(t, string(data), "Scopes")

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Addressing, decoded.Addressing)

	probe, err := decoded.DecodeProbe()
	require.NoError(t, err)
	assert.Equal(t, []QName{device, printer}, probe.Types)
	assert.Nil(t, probe.Scopes)
}

func TestMarshalResolve(t *testing.T) {
	msg := BuildResolve("urn:uuid:1234")

	data, err := Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "urn:uuid:1234")

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	resolve, err := decoded.DecodeResolve()
	require.NoError(t, err)
	assert.Equal(t, "urn:uuid:1234", resolve.EndpointReference.Address)
}

func TestPerMatchTypeNamespaces(t *testing.T) {
	// both lists use prefix t0, bound to different namespaces
	msg := &Message{
		Addressing: Addressing{Action: ActionProbeMatches, MessageID: NewMessageID()},
		Body: &ProbeMatches{Matches: []Match{
			{EndpointReference: EndpointReference{Address: "urn:uuid:a"}, Types: []QName{{Space: "urn:a", Local: "A"}}},
			{EndpointReference: EndpointReference{Address: "urn:uuid:b"}, Types: []QName{{Space: "urn:b", Local: "B"}}},
		}},
	}

	data, err := Marshal(msg)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	matches, err := decoded.DecodeProbeMatches()
	require.NoError(t, err)
	require.Len(t, matches.Matches, 2)
	assert.Equal(t, []QName{{Space: "urn:a", Local: "A"}}, matches.Matches[0].Types)
	assert.Equal(t, []QName{{Space: "urn:b", Local: "B"}}, matches.Matches[1].Types)
}

func TestResolveMatchesMissingEntry(t *testing.T) {
	msg := &Message{
		Addressing: Addressing{Action: ActionResolveMatches, MessageID: NewMessageID()},
		Body:       &ResolveMatches{},
	}
	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	_, err = decoded.DecodeResolveMatches()
	assert.True(t, errors.Is(err, ErrMalformedBody))
}

func TestDecodeWrongBody(t *testing.T) {
	msg := BuildResolve("urn:uuid:1")

	_, err := msg.DecodeProbeMatches()
	assert.True(t, errors.Is(err, ErrMalformedBody))

	data, err := Marshal(msg)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	_, err = decoded.DecodeProbeMatches()
	assert.True(t, errors.Is(err, ErrMalformedBody))
}

func TestBadMetadataVersionKeepsSiblings(t *testing.T) {
	bad := strings.Replace(probeMatchesFromDevice, "<d:MetadataVersion>1<", "<d:MetadataVersion>-1<", 1)
	msg, err := Unmarshal([]byte(bad))
	require.NoError(t, err)

	matches, err := msg.DecodeProbeMatches()
	require.NoError(t, err)
	require.Len(t, matches.Matches, 2)

	assert.Equal(t, "urn:uuid:camera-1", matches.Matches[0].EndpointReference.Address)
	assert.Equal(t, uint32(3), matches.Matches[0].MetadataVersion)
	assert.Len(t, matches.Matches[0].Types, 2)
	assert.Len(t, matches.Matches[0].XAddrs, 2)

	assert.Equal(t, "urn:uuid:camera-2", matches.Matches[1].EndpointReference.Address)
	assert.Equal(t, uint32(0), matches.Matches[1].MetadataVersion)
}

func TestHeaderBlockDoesNotShadowBody(t *testing.T) {
	shadowed := strings.Replace(probeMatchesFromDevice, "</SOAP-ENV:Header>",
		`<d:ProbeMatches><d:ProbeMatch>
      <wsa:EndpointReference><wsa:Address>urn:uuid:from-header</wsa:Address></wsa:EndpointReference>
      <d:MetadataVersion>9</d:MetadataVersion>
    </d:ProbeMatch></d:ProbeMatches>
  </SOAP-ENV:Header>`, 1)
	msg, err := Unmarshal([]byte(shadowed))
	require.NoError(t, err)

	matches, err := msg.DecodeProbeMatches()
	require.NoError(t, err)
	require.Len(t, matches.Matches, 2)
	assert.Equal(t, "urn:uuid:camera-1", matches.Matches[0].EndpointReference.Address)
}

func TestPayloadOnlyInHeaderIsMalformed(t *testing.T) {
	headerOnly := `<e:Envelope xmlns:e="http://www.w3.org/2003/05/soap-envelope"
  xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
  xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery">
  <e:Header>
    <a:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/ProbeMatches</a:Action>
    <d:ProbeMatches/>
  </e:Header>
  <e:Body/>
</e:Envelope>`
	msg, err := Unmarshal([]byte(headerOnly))
	require.NoError(t, err)

	_, err = msg.DecodeProbeMatches()
	assert.True(t, errors.Is(err, ErrMalformedBody))
}

func TestUnmarshalRejectsNonEnvelope(t *testing.T) {
	_, err := Unmarshal([]byte(`<html><body>hi</body></html>`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not xml`))
	assert.Error(t, err)
}

func TestMarshalUnsupportedBody(t *testing.T) {
	_, err := Marshal(&Message{Body: "text"})
	assert.True(t, errors.Is(err, ErrUnsupportedBody))

	_, err = Marshal(nil)
	assert.Error(t, err)
}
