package ilp

// ErrorCode is a three-character ILP reject code. The first letter gives the
// class: F = final, T = temporary, R = relative timing.
type ErrorCode string

const (
	// Final errors: the sender must not retry without changing the request.
	CodeBadRequest        ErrorCode = "F00"
	CodeInvalidPacket     ErrorCode = "F01"
	CodeUnreachable       ErrorCode = "F02"
	CodeInvalidAmount     ErrorCode = "F03"
	CodeUnexpectedPayment ErrorCode = "F06"
	CodeApplicationError  ErrorCode = "F99"

	// Temporary errors: the sender may retry later.
	CodeInternalError         ErrorCode = "T00"
	CodePeerUnreachable       ErrorCode = "T01"
	CodePeerBusy              ErrorCode = "T02"
	CodeConnectorBusy         ErrorCode = "T03"
	CodeInsufficientLiquidity ErrorCode = "T04"

	// Relative timing errors.
	CodeTransferTimedOut         ErrorCode = "R00"
	CodeInsufficientSourceAmount ErrorCode = "R01"
	CodeInsufficientTimeout      ErrorCode = "R02"
	CodeInvalidFulfillment       ErrorCode = "R99"
)

var codeNames = map[ErrorCode]string{
	CodeBadRequest:               "BAD_REQUEST",
	CodeInvalidPacket:            "INVALID_PACKET",
	CodeUnreachable:              "UNREACHABLE",
	CodeInvalidAmount:            "INVALID_AMOUNT",
	CodeUnexpectedPayment:        "UNEXPECTED_PAYMENT",
	CodeApplicationError:         "APPLICATION_ERROR",
	CodeInternalError:            "INTERNAL_ERROR",
	CodePeerUnreachable:          "PEER_UNREACHABLE",
	CodePeerBusy:                 "PEER_BUSY",
	CodeConnectorBusy:            "CONNECTOR_BUSY",
	CodeInsufficientLiquidity:    "INSUFFICIENT_LIQUIDITY",
	CodeTransferTimedOut:         "TRANSFER_TIMED_OUT",
	CodeInsufficientSourceAmount: "INSUFFICIENT_SOURCE_AMOUNT",
	CodeInsufficientTimeout:      "INSUFFICIENT_TIMEOUT",
	CodeInvalidFulfillment:       "INVALID_FULFILLMENT",
}

// Valid reports whether c is a known reject code.
func (c ErrorCode) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// Name returns the symbolic name of the code, e.g. "PEER_UNREACHABLE".
func (c ErrorCode) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// Final reports whether the error is permanent.
func (c ErrorCode) Final() bool { return len(c) == 3 && c[0] == 'F' }

// Temporary reports whether the sender may retry later.
func (c ErrorCode) Temporary() bool { return len(c) == 3 && c[0] == 'T' }

func (c ErrorCode) String() string { return string(c) + " " + c.Name() }
