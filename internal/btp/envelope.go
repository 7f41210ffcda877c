// Package btp implements the bilateral transfer protocol: the framed
// request/response envelope, the symmetric peer transport over WebSocket,
// and the registry of live peers.
package btp

import (
	"encoding/binary"
	"fmt"

	"github.com/ilpmesh/connector/internal/ilp"
)

// EnvelopeType tags a frame on the wire.
type EnvelopeType uint8

const (
	TypeResponse EnvelopeType = 0x01
	TypeError    EnvelopeType = 0x02
	TypeMessage  EnvelopeType = 0x06
	TypeTransfer EnvelopeType = 0x07
)

func (t EnvelopeType) String() string {
	switch t {
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeMessage:
		return "MESSAGE"
	case TypeTransfer:
		return "TRANSFER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

func (t EnvelopeType) valid() bool {
	switch t {
	case TypeResponse, TypeError, TypeMessage, TypeTransfer:
		return true
	}
	return false
}

// Content types for protocol entries.
const (
	ContentOctetStream uint8 = 0
	ContentTextPlain   uint8 = 1
	ContentJSON        uint8 = 2
)

// Well-known protocol entry names.
const (
	ProtocolILP  = "ilp"
	ProtocolAuth = "auth"
)

// ProtocolEntry is one named payload inside an envelope.
type ProtocolEntry struct {
	Name        string
	ContentType uint8
	Payload     []byte
}

// Envelope is the outer frame on the persistent duplex connection. The ILP
// packet travels as a protocol entry named "ilp".
type Envelope struct {
	Type      EnvelopeType
	RequestID uint32
	Protocol  []ProtocolEntry
}

// Entry returns the first protocol entry with the given name.
func (e *Envelope) Entry(name string) (ProtocolEntry, bool) {
	for _, p := range e.Protocol {
		if p.Name == name {
			return p, true
		}
	}
	return ProtocolEntry{}, false
}

// Marshal serializes the envelope:
//
//	[type u8][requestId u32 BE][count varuint]
//	per entry: [nameLen varuint][name][contentType u8][payloadLen varuint][payload]
func (e *Envelope) Marshal() []byte {
	out := make([]byte, 5, 5+16)
	out[0] = byte(e.Type)
	binary.BigEndian.PutUint32(out[1:5], e.RequestID)
	out = ilp.AppendVarUint(out, uint64(len(e.Protocol)))
	for _, p := range e.Protocol {
		out = ilp.AppendVarUint(out, uint64(len(p.Name)))
		out = append(out, p.Name...)
		out = append(out, p.ContentType)
		out = ilp.AppendVarUint(out, uint64(len(p.Payload)))
		out = append(out, p.Payload...)
	}
	return out
}

// UnmarshalEnvelope parses one complete frame.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("btp: frame too short: %d bytes", len(b))
	}
	e := &Envelope{
		Type:      EnvelopeType(b[0]),
		RequestID: binary.BigEndian.Uint32(b[1:5]),
	}
	if !e.Type.valid() {
		return nil, fmt.Errorf("btp: unknown envelope type 0x%02x", b[0])
	}
	c := &entryCursor{b: b, off: 5}
	count, err := c.varUint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		name, err := c.lengthPrefixed("entry name")
		if err != nil {
			return nil, err
		}
		if c.off >= len(c.b) {
			return nil, fmt.Errorf("btp: frame truncated at content type")
		}
		ct := c.b[c.off]
		c.off++
		payload, err := c.lengthPrefixed("entry payload")
		if err != nil {
			return nil, err
		}
		e.Protocol = append(e.Protocol, ProtocolEntry{
			Name:        string(name),
			ContentType: ct,
			Payload:     payload,
		})
	}
	if c.off != len(b) {
		return nil, fmt.Errorf("btp: %d trailing bytes after envelope", len(b)-c.off)
	}
	return e, nil
}

type entryCursor struct {
	b   []byte
	off int
}

func (c *entryCursor) varUint() (uint64, error) {
	// Reuse the canonical varuint by round-tripping through the ilp cursor
	// rules: a length here obeys the same canonical form.
	v, n, err := ilp.ReadVarUint(c.b[c.off:])
	if err != nil {
		return 0, fmt.Errorf("btp: %w", err)
	}
	c.off += n
	return v, nil
}

func (c *entryCursor) lengthPrefixed(what string) ([]byte, error) {
	n, err := c.varUint()
	if err != nil {
		return nil, err
	}
	if n > ilp.MaxFieldLen {
		return nil, fmt.Errorf("btp: %s length %d exceeds %d", what, n, ilp.MaxFieldLen)
	}
	if int(n) > len(c.b)-c.off {
		return nil, fmt.Errorf("btp: %s truncated: need %d bytes, have %d", what, n, len(c.b)-c.off)
	}
	out := make([]byte, n)
	copy(out, c.b[c.off:c.off+int(n)])
	c.off += int(n)
	return out, nil
}
