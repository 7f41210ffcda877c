package forward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/ilp"
)

func TestTraceRoundTrip(t *testing.T) {
	data := NewTraceData([]byte("app"))
	tr, ok := ParseTrace(data)
	require.True(t, ok)
	assert.Empty(t, tr.Hops)
	assert.Equal(t, []byte("app"), tr.Rest)

	data = tr.WithHop("g.first")
	tr, ok = ParseTrace(data)
	require.True(t, ok)

	data = tr.WithHop("g.second")
	tr, ok = ParseTrace(data)
	require.True(t, ok)
	assert.Equal(t, []ilp.Address{"g.first", "g.second"}, tr.Hops)
	assert.Equal(t, []byte("app"), tr.Rest)
	assert.True(t, tr.Contains("g.first"))
	assert.False(t, tr.Contains("g.third"))
}

func TestMalformedTraceTreatedAsOpaque(t *testing.T) {
	cases := map[string][]byte{
		"empty":             nil,
		"no magic":          []byte("just some payload"),
		"magic only":        traceMagic,
		"truncated entry":   append(append([]byte{}, traceMagic...), 0x01, 0x05, 'g'),
		"invalid hop chars": append(append([]byte{}, traceMagic...), 0x01, 0x03, 'G', '!', 'x'),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseTrace(data)
			assert.False(t, ok)
		})
	}
}
