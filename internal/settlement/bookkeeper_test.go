package settlement

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBookkeeper(t *testing.T, cfg Config) (*Bookkeeper, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	bus := telemetry.NewBus("test-node", 16)
	return NewBookkeeper(cfg, store, bus, nil, testLogger()), store
}

func TestFeeBasisPoints(t *testing.T) {
	cases := []struct {
		bp     uint64
		amount uint64
		fee    uint64
	}{
		{10, 1000, 1},  // 0.1%
		{10, 999, 0},   // floor
		{0, 1000, 0},   // free
		{100, 1000, 10},
		{9999, 10000, 9999},
		{10, 0, 0},
	}
	for _, c := range cases {
		bk, _ := newTestBookkeeper(t, Config{FeeBasisPoints: c.bp})
		assert.Equal(t, c.fee, bk.Fee(c.amount), "bp=%d amount=%d", c.bp, c.amount)
	}
}

func TestFeeLargeAmountNoOverflow(t *testing.T) {
	bk, _ := newTestBookkeeper(t, Config{FeeBasisPoints: 10})
	huge := uint64(1) << 63
	assert.Equal(t, huge/1000, bk.Fee(huge))
}

func TestOutgoingAmount(t *testing.T) {
	bk, _ := newTestBookkeeper(t, Config{FeeBasisPoints: 10})
	out, ok := bk.OutgoingAmount(1000)
	require.True(t, ok)
	assert.Equal(t, uint64(999), out)

	// Zero or fee-swallowed amounts cannot be forwarded.
	_, ok = bk.OutgoingAmount(0)
	assert.False(t, ok)

	bk2, _ := newTestBookkeeper(t, Config{FeeBasisPoints: 10000})
	_, ok = bk2.OutgoingAmount(500)
	assert.False(t, ok)
}

func TestCanAcceptBoundary(t *testing.T) {
	bk, _ := newTestBookkeeper(t, Config{
		TokenID: "usd",
		Limits:  Limits{Default: 5000},
	})
	require.NoError(t, bk.Commit(context.Background(), "a", 4500, "c", 4500))

	// Exactly reaching the limit is allowed.
	assert.Nil(t, bk.CanAccept("a", 500))

	// One past the limit is not.
	limitErr := bk.CanAccept("a", 600)
	require.NotNil(t, limitErr)
	assert.Equal(t, "a", limitErr.PeerID)
	assert.Equal(t, uint64(5000), limitErr.CreditLimit)
	assert.Equal(t, "100", limitErr.WouldExceedBy.Dec())
	assert.Equal(t, "4500", limitErr.CurrentBalance.Dec())
}

func TestLimitResolutionOrder(t *testing.T) {
	limits := Limits{
		Default: 1000,
		Peers: map[string]PeerLimits{
			"a": {Default: 2000, Tokens: map[string]uint64{"usd": 3000}},
			"b": {Default: 2000},
		},
	}
	limit, ok := limits.limitFor(AccountKey{PeerID: "a", TokenID: "usd"})
	require.True(t, ok)
	assert.Equal(t, uint64(3000), limit) // token-specific wins

	limit, ok = limits.limitFor(AccountKey{PeerID: "a", TokenID: "eur"})
	require.True(t, ok)
	assert.Equal(t, uint64(2000), limit) // per-peer default

	limit, ok = limits.limitFor(AccountKey{PeerID: "c", TokenID: "usd"})
	require.True(t, ok)
	assert.Equal(t, uint64(1000), limit) // global default

	_, ok = Limits{}.limitFor(AccountKey{PeerID: "c", TokenID: "usd"})
	assert.False(t, ok) // unlimited

	capped := limits
	capped.GlobalCeiling = 1500
	limit, ok = capped.limitFor(AccountKey{PeerID: "a", TokenID: "usd"})
	require.True(t, ok)
	assert.Equal(t, uint64(1500), limit) // ceiling caps everything
}

func TestCommitUpdatesBothLegs(t *testing.T) {
	bk, _ := newTestBookkeeper(t, Config{TokenID: "usd", FeeBasisPoints: 10})
	require.NoError(t, bk.Commit(context.Background(), "a", 1000, "c", 999))

	assert.Equal(t, "1000", bk.CreditBalance(AccountKey{"a", "usd"}).Dec())
	accounts := bk.Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, "1000", accounts[0].Credit.Dec()) // a
	assert.Equal(t, "0", accounts[0].Debit.Dec())
	assert.Equal(t, "999", accounts[1].Debit.Dec()) // c
	assert.Equal(t, "0", accounts[1].Credit.Dec())
}

func TestDurableCommitRollsBackOnStoreFailure(t *testing.T) {
	bk, store := newTestBookkeeper(t, Config{TokenID: "usd", Durable: true})
	store.FailWrites = true

	err := bk.Commit(context.Background(), "a", 1000, "c", 999)
	require.Error(t, err)

	// Neither leg may survive a failed durable persist.
	assert.Equal(t, "0", bk.CreditBalance(AccountKey{"a", "usd"}).Dec())
	for _, a := range bk.Accounts() {
		assert.True(t, a.Debit.IsZero())
		assert.True(t, a.Credit.IsZero())
	}
}

func TestConcurrentCommitsConserveValue(t *testing.T) {
	bk, _ := newTestBookkeeper(t, Config{TokenID: "usd"})
	const workers = 8
	const commits = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < commits; j++ {
				assert.NoError(t, bk.Commit(context.Background(), "a", 10, "c", 9))
			}
		}()
	}
	wg.Wait()

	// Sum over all accounts of credit - debit equals total fees retained.
	totalCredit := uint256.NewInt(0)
	totalDebit := uint256.NewInt(0)
	for _, a := range bk.Accounts() {
		totalCredit.Add(totalCredit, a.Credit)
		totalDebit.Add(totalDebit, a.Debit)
	}
	n := uint64(workers * commits)
	assert.Equal(t, uint256.NewInt(n*10).Dec(), totalCredit.Dec())
	assert.Equal(t, uint256.NewInt(n*9).Dec(), totalDebit.Dec())
}

func TestDurableCommitPersistsSnapshot(t *testing.T) {
	bk, store := newTestBookkeeper(t, Config{TokenID: "usd", Durable: true})
	require.NoError(t, bk.Commit(context.Background(), "a", 100, "c", 99))

	persisted, err := store.LoadAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 2)
}

func TestLoadRestoresAccounts(t *testing.T) {
	store := NewMemoryStore()
	acct := newAccount(AccountKey{"a", "usd"})
	acct.Credit.SetUint64(777)
	require.NoError(t, store.SaveAccount(context.Background(), acct))

	bus := telemetry.NewBus("test-node", 16)
	bk := NewBookkeeper(Config{TokenID: "usd"}, store, bus, nil, testLogger())
	require.NoError(t, bk.Load(context.Background()))
	assert.Equal(t, "777", bk.CreditBalance(AccountKey{"a", "usd"}).Dec())
}
