package ilp

import (
	"crypto/sha256"
	"time"
)

// PacketType is the single-byte tag that opens every encoded ILP packet.
type PacketType uint8

const (
	TypePrepare PacketType = 12
	TypeFulfill PacketType = 13
	TypeReject  PacketType = 14
)

func (t PacketType) String() string {
	switch t {
	case TypePrepare:
		return "PREPARE"
	case TypeFulfill:
		return "FULFILL"
	case TypeReject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Size limits enforced by the codec and the forwarding plane.
const (
	ConditionLen  = 32
	MaxDataLen    = 32 * 1024
	MaxMessageLen = 8 * 1024
)

// Packet is one of Prepare, Fulfill or Reject.
type Packet interface {
	PacketType() PacketType
}

// Prepare asks the receiver to deliver Amount toward Destination before
// ExpiresAt, promising payment against ExecutionCondition. Immutable once
// constructed; forwarding rewrites produce a copy.
type Prepare struct {
	Amount             uint64
	Destination        Address
	ExecutionCondition [ConditionLen]byte
	ExpiresAt          time.Time
	Data               []byte
}

func (*Prepare) PacketType() PacketType { return TypePrepare }

// Fulfill proves delivery: sha256(Fulfillment) must equal the paired
// Prepare's ExecutionCondition.
type Fulfill struct {
	Fulfillment [ConditionLen]byte
	Data        []byte
}

func (*Fulfill) PacketType() PacketType { return TypeFulfill }

// Matches reports whether the fulfillment hashes to the given condition.
func (f *Fulfill) Matches(condition [ConditionLen]byte) bool {
	return sha256.Sum256(f.Fulfillment[:]) == condition
}

// Reject carries a typed failure back toward the sender.
type Reject struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (*Reject) PacketType() PacketType { return TypeReject }

// NewReject builds a reject triggered by this node.
func NewReject(code ErrorCode, triggeredBy Address, message string) *Reject {
	return &Reject{Code: code, TriggeredBy: triggeredBy, Message: message}
}
