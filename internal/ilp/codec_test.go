package ilp

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCondition() [ConditionLen]byte {
	return sha256.Sum256([]byte("fulfillment"))
}

func TestVarUintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 255, 256, 65535, 1 << 24, 1<<32 - 1, 1 << 56, ^uint64(0)} {
		enc := AppendVarUint(nil, v)
		got, n, err := readVarUint(enc)
		require.Nil(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}

func TestVarUintCanonical(t *testing.T) {
	cases := map[string][]byte{
		"zero-length long form": {0x80},
		"leading zero":          {0x82, 0x00, 0x01},
		"long form small value": {0x81, 0x05},
		"over 64 bits":          {0x89, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	for name, b := range cases {
		_, _, err := readVarUint(b)
		require.NotNil(t, err, name)
		assert.Equal(t, ErrNoncanonicalLength, err.Kind, name)
	}
}

func TestPrepareRoundTrip(t *testing.T) {
	p := &Prepare{
		Amount:             1000,
		Destination:        "g.acme.receiver",
		ExecutionCondition: testCondition(),
		ExpiresAt:          time.Now().Add(10 * time.Second).Truncate(time.Millisecond).UTC(),
		Data:               []byte("opaque"),
	}
	got, err := Decode(Encode(p))
	require.Nil(t, err)
	assert.Equal(t, p, got)
}

func TestFulfillRoundTrip(t *testing.T) {
	f := &Fulfill{Data: []byte{1, 2, 3}}
	copy(f.Fulfillment[:], "thirty-two byte preimage value!!")
	got, err := Decode(Encode(f))
	require.Nil(t, err)
	assert.Equal(t, f, got)
}

func TestRejectRoundTrip(t *testing.T) {
	r := &Reject{
		Code:        CodeUnreachable,
		TriggeredBy: "b.connector",
		Message:     "no route to destination",
		Data:        []byte{},
	}
	got, err := Decode(Encode(r))
	require.Nil(t, err)
	assert.Equal(t, r, got)
}

func TestRejectEmptyTriggeredBy(t *testing.T) {
	r := &Reject{Code: CodeInternalError, Message: "internal error", Data: []byte{}}
	got, err := Decode(Encode(r))
	require.Nil(t, err)
	assert.Equal(t, r, got)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0x42, 0x00})
	require.NotNil(t, err)
	assert.Equal(t, ErrUnknownType, err.Kind)
}

func TestDecodeTruncated(t *testing.T) {
	enc := Encode(&Fulfill{Data: []byte("hello")})
	for i := 1; i < len(enc); i++ {
		_, err := Decode(enc[:i])
		require.NotNil(t, err, "prefix of %d bytes", i)
		assert.Equal(t, ErrTruncated, err.Kind)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	enc := Encode(&Fulfill{Data: []byte{}})
	_, err := Decode(append(enc, 0x00))
	require.NotNil(t, err)
	assert.Equal(t, ErrTruncated, err.Kind)
}

func TestDecodeStrayBytesInsideBody(t *testing.T) {
	// Widen the declared body length and pad with junk: the fields no
	// longer consume the whole body.
	enc := Encode(&Fulfill{Data: []byte{}})
	enc[1] += 2
	enc = append(enc, 0xde, 0xad)
	_, err := Decode(enc)
	require.NotNil(t, err)
	assert.Equal(t, ErrTruncated, err.Kind)
}

func TestDecodeDataLimit(t *testing.T) {
	p := &Prepare{
		Amount:             1,
		Destination:        "g.acme",
		ExecutionCondition: testCondition(),
		ExpiresAt:          time.UnixMilli(1).UTC(),
		Data:               make([]byte, MaxDataLen),
	}
	got, err := Decode(Encode(p))
	require.Nil(t, err)
	assert.Equal(t, p, got)

	p.Data = make([]byte, MaxDataLen+1)
	_, err = Decode(Encode(p))
	require.NotNil(t, err)
	assert.Equal(t, ErrFieldTooLong, err.Kind)

	_, err = Decode(Encode(&Fulfill{Data: make([]byte, MaxDataLen+1)}))
	require.NotNil(t, err)
	assert.Equal(t, ErrFieldTooLong, err.Kind)
}

func TestDecodeBadAddress(t *testing.T) {
	p := &Prepare{
		Amount:             1,
		Destination:        "g.ok",
		ExecutionCondition: testCondition(),
		ExpiresAt:          time.UnixMilli(1),
	}
	enc := Encode(p)
	// Corrupt a destination byte into an uppercase character.
	idx := 0
	for i := range enc {
		if enc[i] == 'g' {
			idx = i
			break
		}
	}
	enc[idx] = 'G'
	_, err := Decode(enc)
	require.NotNil(t, err)
	assert.Equal(t, ErrBadAddress, err.Kind)
}

func TestDecodeBadUTF8Message(t *testing.T) {
	r := &Reject{Code: CodeInternalError, Message: "ok", Data: []byte{}}
	enc := Encode(r)
	// Replace the two-byte message with invalid UTF-8. The encoding ends
	// with: msgLen, 'o', 'k', dataLen.
	enc[len(enc)-3] = 0xff
	enc[len(enc)-2] = 0xfe
	_, err := Decode(enc)
	require.NotNil(t, err)
	assert.Equal(t, ErrBadUTF8InMessage, err.Kind)
}

func TestDecodeFieldTooLong(t *testing.T) {
	// A body length prefix over 16 MiB.
	b := []byte{byte(TypeFulfill), 0x84, 0x01, 0x00, 0x00, 0x01}
	_, err := Decode(b)
	require.NotNil(t, err)
	assert.Equal(t, ErrFieldTooLong, err.Kind)
}

func TestFulfillMatches(t *testing.T) {
	var f Fulfill
	copy(f.Fulfillment[:], "thirty-two byte preimage value!!")
	cond := sha256.Sum256(f.Fulfillment[:])
	assert.True(t, f.Matches(cond))
	cond[0] ^= 0xff
	assert.False(t, f.Matches(cond))
}

func TestValidAddress(t *testing.T) {
	valid := []string{"g", "g.a", "g.acme.receiver", "test.a-b_c~d", "0x.9"}
	for _, a := range valid {
		assert.True(t, ValidAddress(a), a)
	}
	invalid := []string{"", ".g", "g.", "g..a", "G.a", "g.A", "g a", "-g", "~x"}
	for _, a := range invalid {
		assert.False(t, ValidAddress(a), a)
	}
}

func TestPrefixMatches(t *testing.T) {
	assert.True(t, PrefixMatches("g.c", "g.c"))
	assert.True(t, PrefixMatches("g.c", "g.c.receiver"))
	assert.False(t, PrefixMatches("g.c", "g.cx"))
	assert.False(t, PrefixMatches("g.c", "g"))
}
