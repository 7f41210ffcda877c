package ilp

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// The wire form of a packet is a single type byte, a canonical varuint body
// length, and the body. Integers inside bodies use the same varuint:
// values below 128 are one byte; larger values are 0x80|n followed by n
// big-endian bytes with no leading zero byte.

// MaxFieldLen caps any single length-prefixed field.
const MaxFieldLen = 16 * 1024 * 1024

// DecodeErrorKind classifies codec failures.
type DecodeErrorKind int

const (
	ErrTruncated DecodeErrorKind = iota
	ErrNoncanonicalLength
	ErrUnknownType
	ErrFieldTooLong
	ErrBadUTF8InMessage
	ErrBadAddress
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrTruncated:
		return "TRUNCATED"
	case ErrNoncanonicalLength:
		return "NONCANONICAL_LENGTH"
	case ErrUnknownType:
		return "UNKNOWN_TYPE"
	case ErrFieldTooLong:
		return "FIELD_TOO_LONG"
	case ErrBadUTF8InMessage:
		return "BAD_UTF8_IN_MESSAGE"
	case ErrBadAddress:
		return "BAD_ADDRESS"
	default:
		return "UNKNOWN"
	}
}

// DecodeError describes why a byte string failed to parse. Decode never
// panics on malformed input; it always returns one of these.
type DecodeError struct {
	Kind DecodeErrorKind
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ilp: decode %s: %s", e.Kind, e.Msg)
}

func decodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// AppendVarUint appends the canonical varuint encoding of v to dst.
func AppendVarUint(dst []byte, v uint64) []byte {
	if v < 0x80 {
		return append(dst, byte(v))
	}
	var tmp [8]byte
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	for i := n - 1; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	dst = append(dst, 0x80|byte(n))
	return append(dst, tmp[:n]...)
}

// ReadVarUint parses a canonical varuint from b, returning the value and the
// number of bytes consumed. The transport envelope uses the same integer
// form, so this is exported alongside AppendVarUint.
func ReadVarUint(b []byte) (uint64, int, error) {
	v, n, err := readVarUint(b)
	if err != nil {
		return 0, 0, err
	}
	return v, n, nil
}

// readVarUint parses a canonical varuint from b, returning the value and the
// number of bytes consumed.
func readVarUint(b []byte) (uint64, int, *DecodeError) {
	if len(b) == 0 {
		return 0, 0, decodeErr(ErrTruncated, "missing varuint")
	}
	first := b[0]
	if first < 0x80 {
		return uint64(first), 1, nil
	}
	n := int(first & 0x7f)
	if n == 0 {
		return 0, 0, decodeErr(ErrNoncanonicalLength, "zero-length long form")
	}
	if n > 8 {
		return 0, 0, decodeErr(ErrNoncanonicalLength, "varuint exceeds 64 bits (%d bytes)", n)
	}
	if len(b) < 1+n {
		return 0, 0, decodeErr(ErrTruncated, "varuint needs %d bytes, have %d", 1+n, len(b))
	}
	if b[1] == 0 {
		return 0, 0, decodeErr(ErrNoncanonicalLength, "leading zero byte")
	}
	var v uint64
	for _, c := range b[1 : 1+n] {
		v = v<<8 | uint64(c)
	}
	if n == 1 && v < 0x80 {
		return 0, 0, decodeErr(ErrNoncanonicalLength, "long form for small value %d", v)
	}
	return v, 1 + n, nil
}

// cursor walks a body slice during decoding.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) varUint() (uint64, *DecodeError) {
	v, n, err := readVarUint(c.b[c.off:])
	if err != nil {
		return 0, err
	}
	c.off += n
	return v, nil
}

func (c *cursor) fieldLen(what string) (int, *DecodeError) {
	v, err := c.varUint()
	if err != nil {
		return 0, err
	}
	if v > MaxFieldLen {
		return 0, decodeErr(ErrFieldTooLong, "%s length %d exceeds %d", what, v, MaxFieldLen)
	}
	if int(v) > len(c.b)-c.off {
		return 0, decodeErr(ErrTruncated, "%s needs %d bytes, have %d", what, v, len(c.b)-c.off)
	}
	return int(v), nil
}

func (c *cursor) bytes(what string) ([]byte, *DecodeError) {
	n, err := c.fieldLen(what)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.b[c.off:c.off+n])
	c.off += n
	return out, nil
}

// data reads a length-prefixed data field, enforcing the per-packet cap.
func (c *cursor) data() ([]byte, *DecodeError) {
	n, err := c.fieldLen("data")
	if err != nil {
		return nil, err
	}
	if n > MaxDataLen {
		return nil, decodeErr(ErrFieldTooLong, "data length %d exceeds %d", n, MaxDataLen)
	}
	out := make([]byte, n)
	copy(out, c.b[c.off:c.off+n])
	c.off += n
	return out, nil
}

func (c *cursor) fixed32(what string) ([ConditionLen]byte, *DecodeError) {
	var out [ConditionLen]byte
	if len(c.b)-c.off < ConditionLen {
		return out, decodeErr(ErrTruncated, "%s needs %d bytes, have %d", what, ConditionLen, len(c.b)-c.off)
	}
	copy(out[:], c.b[c.off:])
	c.off += ConditionLen
	return out, nil
}

func (c *cursor) address(what string) (Address, *DecodeError) {
	n, err := c.fieldLen(what)
	if err != nil {
		return "", err
	}
	s := string(c.b[c.off : c.off+n])
	c.off += n
	if !ValidAddress(s) {
		return "", decodeErr(ErrBadAddress, "%s %q is not a valid ILP address", what, s)
	}
	return s, nil
}

// Encode serializes any of the three packet kinds. It is infallible for a
// validly-constructed packet.
func Encode(p Packet) []byte {
	var body []byte
	switch pkt := p.(type) {
	case *Prepare:
		body = AppendVarUint(body, pkt.Amount)
		body = AppendVarUint(body, uint64(len(pkt.Destination)))
		body = append(body, pkt.Destination...)
		body = append(body, pkt.ExecutionCondition[:]...)
		body = AppendVarUint(body, uint64(pkt.ExpiresAt.UnixMilli()))
		body = AppendVarUint(body, uint64(len(pkt.Data)))
		body = append(body, pkt.Data...)
	case *Fulfill:
		body = append(body, pkt.Fulfillment[:]...)
		body = AppendVarUint(body, uint64(len(pkt.Data)))
		body = append(body, pkt.Data...)
	case *Reject:
		body = append(body, pkt.Code...)
		body = AppendVarUint(body, uint64(len(pkt.TriggeredBy)))
		body = append(body, pkt.TriggeredBy...)
		body = AppendVarUint(body, uint64(len(pkt.Message)))
		body = append(body, pkt.Message...)
		body = AppendVarUint(body, uint64(len(pkt.Data)))
		body = append(body, pkt.Data...)
	default:
		panic(fmt.Sprintf("ilp: unknown packet type %T", p))
	}
	out := make([]byte, 0, 2+9+len(body))
	out = append(out, byte(p.PacketType()))
	out = AppendVarUint(out, uint64(len(body)))
	return append(out, body...)
}

// Decode parses one complete packet. Trailing bytes after the packet are an
// error: the transport hands the codec exactly one packet per frame.
func Decode(b []byte) (Packet, *DecodeError) {
	if len(b) == 0 {
		return nil, decodeErr(ErrTruncated, "empty input")
	}
	typ := PacketType(b[0])
	bodyLen, n, err := readVarUint(b[1:])
	if err != nil {
		return nil, err
	}
	if bodyLen > MaxFieldLen {
		return nil, decodeErr(ErrFieldTooLong, "body length %d exceeds %d", bodyLen, MaxFieldLen)
	}
	rest := b[1+n:]
	if uint64(len(rest)) < bodyLen {
		return nil, decodeErr(ErrTruncated, "body needs %d bytes, have %d", bodyLen, len(rest))
	}
	if uint64(len(rest)) > bodyLen {
		return nil, decodeErr(ErrTruncated, "%d trailing bytes after packet", uint64(len(rest))-bodyLen)
	}
	c := &cursor{b: rest}

	var pkt Packet
	var derr *DecodeError
	switch typ {
	case TypePrepare:
		pkt, derr = decodePrepare(c)
	case TypeFulfill:
		pkt, derr = decodeFulfill(c)
	case TypeReject:
		pkt, derr = decodeReject(c)
	default:
		return nil, decodeErr(ErrUnknownType, "packet type 0x%02x", b[0])
	}
	if derr != nil {
		return nil, derr
	}
	// The declared body length must be exactly consumed by the fields.
	if c.off != len(c.b) {
		return nil, decodeErr(ErrTruncated, "%d stray bytes inside body", len(c.b)-c.off)
	}
	return pkt, nil
}

func decodePrepare(c *cursor) (Packet, *DecodeError) {
	amount, err := c.varUint()
	if err != nil {
		return nil, err
	}
	dest, err := c.address("destination")
	if err != nil {
		return nil, err
	}
	cond, err := c.fixed32("execution condition")
	if err != nil {
		return nil, err
	}
	expires, err := c.varUint()
	if err != nil {
		return nil, err
	}
	data, err := c.data()
	if err != nil {
		return nil, err
	}
	return &Prepare{
		Amount:             amount,
		Destination:        dest,
		ExecutionCondition: cond,
		ExpiresAt:          time.UnixMilli(int64(expires)).UTC(),
		Data:               data,
	}, nil
}

func decodeFulfill(c *cursor) (Packet, *DecodeError) {
	fulfillment, err := c.fixed32("fulfillment")
	if err != nil {
		return nil, err
	}
	data, err := c.data()
	if err != nil {
		return nil, err
	}
	return &Fulfill{Fulfillment: fulfillment, Data: data}, nil
}

func decodeReject(c *cursor) (Packet, *DecodeError) {
	if len(c.b)-c.off < 3 {
		return nil, decodeErr(ErrTruncated, "reject code needs 3 bytes")
	}
	code := ErrorCode(c.b[c.off : c.off+3])
	c.off += 3
	if !code.Valid() {
		return nil, decodeErr(ErrUnknownType, "unknown reject code %q", string(code))
	}
	// triggeredBy may be empty on rejects that have not yet been stamped.
	tb, err := c.bytes("triggeredBy")
	if err != nil {
		return nil, err
	}
	triggeredBy := Address(tb)
	if len(tb) > 0 && !ValidAddress(triggeredBy) {
		return nil, decodeErr(ErrBadAddress, "triggeredBy %q is not a valid ILP address", triggeredBy)
	}
	msgLen, err := c.fieldLen("message")
	if err != nil {
		return nil, err
	}
	if msgLen > MaxMessageLen {
		return nil, decodeErr(ErrFieldTooLong, "message length %d exceeds %d", msgLen, MaxMessageLen)
	}
	msg := string(c.b[c.off : c.off+msgLen])
	c.off += msgLen
	if !utf8.ValidString(msg) {
		return nil, decodeErr(ErrBadUTF8InMessage, "reject message is not valid UTF-8")
	}
	data, err := c.data()
	if err != nil {
		return nil, err
	}
	return &Reject{Code: code, TriggeredBy: triggeredBy, Message: msg, Data: data}, nil
}
