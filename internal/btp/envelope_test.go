package btp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeGoldenBytes(t *testing.T) {
	e := &Envelope{
		Type:      TypeMessage,
		RequestID: 0x01020304,
		Protocol: []ProtocolEntry{
			{Name: ProtocolILP, ContentType: ContentOctetStream, Payload: []byte{0xAA, 0xBB}},
		},
	}
	want := []byte{
		0x06,                   // MESSAGE
		0x01, 0x02, 0x03, 0x04, // requestId big-endian
		0x01,          // one protocol entry
		0x03,          // nameLen
		'i', 'l', 'p', // name
		0x00,       // contentType octet-stream
		0x02,       // payloadLen
		0xAA, 0xBB, // payload
	}
	assert.Equal(t, want, e.Marshal())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := &Envelope{
		Type:      TypeResponse,
		RequestID: 42,
		Protocol: []ProtocolEntry{
			{Name: ProtocolILP, ContentType: ContentOctetStream, Payload: []byte("packet")},
			{Name: "custom", ContentType: ContentJSON, Payload: []byte(`{"a":1}`)},
		},
	}
	got, err := UnmarshalEnvelope(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEnvelopeEmptyResponse(t *testing.T) {
	e := &Envelope{Type: TypeResponse, RequestID: 7}
	got, err := UnmarshalEnvelope(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, got.Type)
	assert.Equal(t, uint32(7), got.RequestID)
	assert.Empty(t, got.Protocol)
}

func TestEnvelopeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"too short":      {0x06, 0x00},
		"unknown type":   {0x09, 0, 0, 0, 1, 0},
		"truncated name": {0x06, 0, 0, 0, 1, 0x01, 0x05, 'i'},
		"trailing bytes": append((&Envelope{Type: TypeResponse}).Marshal(), 0xFF),
	}
	for name, b := range cases {
		_, err := UnmarshalEnvelope(b)
		assert.Error(t, err, name)
	}
}

func TestEnvelopeEntryLookup(t *testing.T) {
	e := &Envelope{
		Type: TypeMessage,
		Protocol: []ProtocolEntry{
			{Name: ProtocolAuth, ContentType: ContentJSON, Payload: []byte("{}")},
			{Name: ProtocolILP, ContentType: ContentOctetStream, Payload: []byte{1}},
		},
	}
	entry, ok := e.Entry(ProtocolILP)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, entry.Payload)
	_, ok = e.Entry("missing")
	assert.False(t, ok)
}
