package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// Limits configures how much credit the connector extends. A zero value
// means "not set": resolution falls through token-specific, then per-peer,
// then the default, then unlimited, finally capped by GlobalCeiling.
type Limits struct {
	Default       uint64
	GlobalCeiling uint64
	Peers         map[string]PeerLimits
}

// PeerLimits overrides the default for one peer.
type PeerLimits struct {
	Default uint64
	Tokens  map[string]uint64
}

// limitFor resolves the effective credit limit. ok is false when the
// account is unlimited.
func (l Limits) limitFor(key AccountKey) (uint64, bool) {
	limit, ok := uint64(0), false
	if pl, found := l.Peers[key.PeerID]; found {
		if tok, found := pl.Tokens[key.TokenID]; found && tok > 0 {
			limit, ok = tok, true
		} else if pl.Default > 0 {
			limit, ok = pl.Default, true
		}
	}
	if !ok && l.Default > 0 {
		limit, ok = l.Default, true
	}
	if l.GlobalCeiling > 0 && (!ok || limit > l.GlobalCeiling) {
		limit, ok = l.GlobalCeiling, true
	}
	return limit, ok
}

// LimitError reports a credit-limit violation with everything the caller
// needs to log.
type LimitError struct {
	PeerID          string
	TokenID         string
	CurrentBalance  *uint256.Int
	RequestedAmount uint64
	CreditLimit     uint64
	WouldExceedBy   *uint256.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("settlement: credit limit exceeded for peer %s token %s: balance %s + %d > limit %d (over by %s)",
		e.PeerID, e.TokenID, e.CurrentBalance.Dec(), e.RequestedAmount, e.CreditLimit, e.WouldExceedBy.Dec())
}

// Config parameterizes the bookkeeper.
type Config struct {
	// FeeBasisPoints is the connector fee in basis points (1 bp = 0.01%).
	FeeBasisPoints uint64
	// TokenID is the token all forwarded packets settle in.
	TokenID string
	// Durable makes Commit persist both accounts before returning. When
	// false the in-memory update is applied and persisted asynchronously.
	Durable bool
	Limits  Limits
}

// Bookkeeper owns all account mutation. Accounts are created on first
// observation and never destroyed; balance updates for one account are
// serialized by a per-account lock, and the two legs of a commit are applied
// under both locks so no intermediate state is observable.
type Bookkeeper struct {
	cfg     Config
	store   Store
	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	accounts map[AccountKey]*lockedAccount

	// stateFor lets balance events carry the monitor's settlement state
	// without a package cycle.
	stateFor func(AccountKey) State
}

type lockedAccount struct {
	mu   sync.Mutex
	acct *Account
}

// NewBookkeeper wires a bookkeeper. metrics may be nil.
func NewBookkeeper(cfg Config, store Store, bus *telemetry.Bus, metrics *telemetry.Metrics, logger *slog.Logger) *Bookkeeper {
	if cfg.TokenID == "" {
		cfg.TokenID = "default"
	}
	return &Bookkeeper{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "bookkeeper"),
		accounts: make(map[AccountKey]*lockedAccount),
		stateFor: func(AccountKey) State { return StateIdle },
	}
}

// SetStateSource lets the threshold monitor supply settlement states for
// balance telemetry.
func (b *Bookkeeper) SetStateSource(fn func(AccountKey) State) {
	b.stateFor = fn
}

// Load restores persisted account snapshots.
func (b *Bookkeeper) Load(ctx context.Context) error {
	accounts, err := b.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("settlement: load accounts: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range accounts {
		b.accounts[a.Key] = &lockedAccount{acct: a}
	}
	if len(accounts) > 0 {
		b.logger.Info("restored account snapshots", "count", len(accounts))
	}
	return nil
}

// Fee returns floor(amount * bp / 10000) in exact integer arithmetic.
func (b *Bookkeeper) Fee(amount uint64) uint64 {
	if b.cfg.FeeBasisPoints == 0 || amount == 0 {
		return 0
	}
	hi, lo := bits.Mul64(amount, b.cfg.FeeBasisPoints)
	q, _ := bits.Div64(hi, lo, 10000)
	return q
}

// OutgoingAmount deducts the fee. ok is false when nothing would be left to
// forward.
func (b *Bookkeeper) OutgoingAmount(amount uint64) (uint64, bool) {
	out := amount - b.Fee(amount)
	return out, out > 0
}

// CanAccept checks the credit limit for an inbound prepare from peerID. It
// mutates nothing; a violation returns a descriptive *LimitError.
func (b *Bookkeeper) CanAccept(peerID string, amount uint64) *LimitError {
	key := AccountKey{PeerID: peerID, TokenID: b.cfg.TokenID}
	limit, bounded := b.cfg.Limits.limitFor(key)
	if !bounded {
		return nil
	}
	credit := b.CreditBalance(key)
	projected := new(uint256.Int).AddUint64(credit, amount)
	limitU := uint256.NewInt(limit)
	// Exactly reaching the limit is allowed.
	if projected.Cmp(limitU) <= 0 {
		return nil
	}
	return &LimitError{
		PeerID:          peerID,
		TokenID:         key.TokenID,
		CurrentBalance:  credit,
		RequestedAmount: amount,
		CreditLimit:     limit,
		WouldExceedBy:   new(uint256.Int).Sub(projected, limitU),
	}
}

// Commit records one fulfilled forward: the source peer's credit grows by
// the incoming amount, the destination peer's debit by the outgoing amount.
// Both legs apply atomically; with Durable set, persistence happens before
// Commit returns and a store failure rolls the in-memory update back.
func (b *Bookkeeper) Commit(ctx context.Context, sourcePeer string, amount uint64, destPeer string, outgoingAmount uint64) error {
	srcKey := AccountKey{PeerID: sourcePeer, TokenID: b.cfg.TokenID}
	dstKey := AccountKey{PeerID: destPeer, TokenID: b.cfg.TokenID}

	src := b.account(srcKey)
	dst := b.account(dstKey)
	lockPair(src, dst)
	defer unlockPair(src, dst)

	src.acct.Credit.AddUint64(src.acct.Credit, amount)
	dst.acct.Debit.AddUint64(dst.acct.Debit, outgoingAmount)
	now := time.Now().UTC()
	src.acct.UpdatedAt, dst.acct.UpdatedAt = now, now

	if b.cfg.Durable {
		if err := b.store.SaveAccountPair(ctx, src.acct, dst.acct); err != nil {
			// Roll back so memory never diverges from the durable view.
			src.acct.Credit.SubUint64(src.acct.Credit, amount)
			dst.acct.Debit.SubUint64(dst.acct.Debit, outgoingAmount)
			return fmt.Errorf("settlement: persist commit: %w", err)
		}
	} else {
		srcSnap, dstSnap := src.acct.clone(), dst.acct.clone()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.store.SaveAccountPair(ctx, srcSnap, dstSnap); err != nil {
				b.logger.Error("async account persist failed", "source", sourcePeer, "dest", destPeer, "error", err)
			}
		}()
	}

	b.publishBalance(src.acct)
	b.publishBalance(dst.acct)
	return nil
}

// CreditBalance returns a copy of the account's credit balance.
func (b *Bookkeeper) CreditBalance(key AccountKey) *uint256.Int {
	la := b.account(key)
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.acct.Credit.Clone()
}

// Accounts returns a snapshot of every known account.
func (b *Bookkeeper) Accounts() []*Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Account, 0, len(b.accounts))
	for _, la := range b.accounts {
		la.mu.Lock()
		out = append(out, la.acct.clone())
		la.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.PeerID != out[j].Key.PeerID {
			return out[i].Key.PeerID < out[j].Key.PeerID
		}
		return out[i].Key.TokenID < out[j].Key.TokenID
	})
	return out
}

// Flush persists every account; called on shutdown.
func (b *Bookkeeper) Flush(ctx context.Context) error {
	for _, a := range b.Accounts() {
		if err := b.store.SaveAccount(ctx, a); err != nil {
			return fmt.Errorf("settlement: flush %s/%s: %w", a.Key.PeerID, a.Key.TokenID, err)
		}
	}
	return nil
}

// account returns the live entry for key, creating it on first observation.
func (b *Bookkeeper) account(key AccountKey) *lockedAccount {
	b.mu.RLock()
	la, ok := b.accounts[key]
	b.mu.RUnlock()
	if ok {
		return la
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if la, ok = b.accounts[key]; ok {
		return la
	}
	la = &lockedAccount{acct: newAccount(key)}
	b.accounts[key] = la
	return la
}

// lockPair acquires both account locks in deterministic order so concurrent
// commits cannot deadlock.
func lockPair(a, c *lockedAccount) {
	if a == c {
		a.mu.Lock()
		return
	}
	if keyLess(a.acct.Key, c.acct.Key) {
		a.mu.Lock()
		c.mu.Lock()
	} else {
		c.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, c *lockedAccount) {
	a.mu.Unlock()
	if a != c {
		c.mu.Unlock()
	}
}

func keyLess(a, b AccountKey) bool {
	if a.PeerID != b.PeerID {
		return a.PeerID < b.PeerID
	}
	return a.TokenID < b.TokenID
}

// publishBalance emits the ACCOUNT_BALANCE event and updates gauges. Caller
// holds the account lock.
func (b *Bookkeeper) publishBalance(a *Account) {
	net, negative := a.Net()
	netStr := net.Dec()
	if negative {
		netStr = "-" + netStr
	}
	if b.bus != nil {
		b.bus.Emit(telemetry.EventAccountBalance, map[string]any{
			"peerId":          a.Key.PeerID,
			"tokenId":         a.Key.TokenID,
			"debit":           a.Debit.Dec(),
			"credit":          a.Credit.Dec(),
			"net":             netStr,
			"settlementState": b.stateFor(a.Key).String(),
		})
	}
	if b.metrics != nil {
		b.metrics.AccountCredit.WithLabelValues(a.Key.PeerID, a.Key.TokenID).Set(float64(a.Credit.Uint64()))
		b.metrics.AccountDebit.WithLabelValues(a.Key.PeerID, a.Key.TokenID).Set(float64(a.Debit.Uint64()))
	}
}
