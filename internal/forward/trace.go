package forward

import (
	"github.com/ilpmesh/connector/internal/ilp"
)

// Hop traces ride at the front of the prepare's data so every connector on
// the path can detect routing loops. The block is
//
//	[magic "\x17trace"][count varuint][count x (len varuint, address)]
//
// followed by the untouched application payload. Senders opt in by putting
// an empty block in front of their data; packets without the magic pass
// through unmodified.
var traceMagic = []byte{0x17, 't', 'r', 'a', 'c', 'e'}

// Trace is a parsed hop trace.
type Trace struct {
	Hops []ilp.Address
	Rest []byte // application payload after the block
}

// Contains reports whether addr already appears in the trace.
func (t *Trace) Contains(addr ilp.Address) bool {
	for _, h := range t.Hops {
		if h == addr {
			return true
		}
	}
	return false
}

// ParseTrace extracts the hop trace block, if any. A data payload that
// merely resembles a trace but is malformed is treated as opaque.
func ParseTrace(data []byte) (*Trace, bool) {
	if len(data) < len(traceMagic) {
		return nil, false
	}
	for i, b := range traceMagic {
		if data[i] != b {
			return nil, false
		}
	}
	rest := data[len(traceMagic):]

	count, n, derr := ilp.ReadVarUint(rest)
	if derr != nil || count > 255 {
		return nil, false
	}
	rest = rest[n:]

	tr := &Trace{Hops: make([]ilp.Address, 0, count)}
	for i := uint64(0); i < count; i++ {
		hlen, n, derr := ilp.ReadVarUint(rest)
		if derr != nil || uint64(len(rest)-n) < hlen || hlen > ilp.MaxAddressLen {
			return nil, false
		}
		addr := ilp.Address(rest[n : n+int(hlen)])
		if !ilp.ValidAddress(addr) {
			return nil, false
		}
		tr.Hops = append(tr.Hops, addr)
		rest = rest[n+int(hlen):]
	}
	tr.Rest = rest
	return tr, true
}

// WithHop serializes the trace with one more hop appended.
func (t *Trace) WithHop(addr ilp.Address) []byte {
	out := make([]byte, 0, len(traceMagic)+2+len(addr)+len(t.Rest)+16*len(t.Hops))
	out = append(out, traceMagic...)
	out = ilp.AppendVarUint(out, uint64(len(t.Hops)+1))
	for _, h := range t.Hops {
		out = ilp.AppendVarUint(out, uint64(len(h)))
		out = append(out, h...)
	}
	out = ilp.AppendVarUint(out, uint64(len(addr)))
	out = append(out, addr...)
	out = append(out, t.Rest...)
	return out
}

// NewTraceData builds an empty trace block in front of payload, for senders
// that want loop protection on the path.
func NewTraceData(payload []byte) []byte {
	out := make([]byte, 0, len(traceMagic)+1+len(payload))
	out = append(out, traceMagic...)
	out = ilp.AppendVarUint(out, 0)
	out = append(out, payload...)
	return out
}
