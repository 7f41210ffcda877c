// Package settlement keeps the connector's double-entry view of peer
// balances: credit limits, fee arithmetic, the atomic per-packet commit, and
// the threshold state machine that signals an external settlement executor.
package settlement

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// AccountKey identifies one bookkeeping account.
type AccountKey struct {
	PeerID  string
	TokenID string
}

// Account is the persisted snapshot of one peer/token balance pair. Credit
// grows when the peer sends value through us; debit grows when we send value
// out on the peer's behalf. Both are non-negative and only ever increase
// through Commit.
type Account struct {
	Key       AccountKey
	Debit     *uint256.Int
	Credit    *uint256.Int
	UpdatedAt time.Time
}

// Net returns credit - debit as (magnitude, negative). Positive means the
// peer owes us.
func (a *Account) Net() (*uint256.Int, bool) {
	if a.Credit.Cmp(a.Debit) >= 0 {
		return new(uint256.Int).Sub(a.Credit, a.Debit), false
	}
	return new(uint256.Int).Sub(a.Debit, a.Credit), true
}

func (a *Account) clone() *Account {
	return &Account{
		Key:       a.Key,
		Debit:     a.Debit.Clone(),
		Credit:    a.Credit.Clone(),
		UpdatedAt: a.UpdatedAt,
	}
}

func newAccount(key AccountKey) *Account {
	return &Account{
		Key:    key,
		Debit:  uint256.NewInt(0),
		Credit: uint256.NewInt(0),
	}
}

// State is the settlement trigger state per account.
type State int

const (
	StateIdle State = iota
	StatePending
	StateInProgress
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePending:
		return "PENDING"
	case StateInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// Executor performs the physical settlement for one account. It lives
// outside this package; blockchain clients implement it.
type Executor interface {
	Execute(ctx context.Context, peerID, tokenID string) error
}
