package settlement

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// Monitor polls credit balances against configured thresholds and drives the
// per-account settlement state machine:
//
//	IDLE -> PENDING       balance crossed the threshold; SETTLEMENT_REQUIRED
//	PENDING -> IN_PROGRESS the executor accepted the job
//	IN_PROGRESS -> IDLE   executor finished and balance is back under; SETTLEMENT_COMPLETED
//	PENDING -> IDLE       balance dropped on its own; SETTLEMENT_CANCELLED
//
// Any other observed transition is a defect: it is logged and suppressed.
// The monitor never settles anything itself.
type Monitor struct {
	book     *Bookkeeper
	store    Store
	bus      *telemetry.Bus
	executor Executor
	logger   *slog.Logger

	interval   time.Duration
	thresholds map[AccountKey]uint64

	mu        sync.Mutex
	states    map[AccountKey]State
	executing map[AccountKey]bool // an executor call is in flight
	finished  map[AccountKey]bool // the executor call returned

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a monitor. executor may be nil, in which case accounts
// stay PENDING until the balance drops. thresholds maps accounts to the
// watermark above which settlement is signalled.
func NewMonitor(book *Bookkeeper, store Store, bus *telemetry.Bus, executor Executor,
	thresholds map[AccountKey]uint64, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		book:       book,
		store:      store,
		bus:        bus,
		executor:   executor,
		logger:     logger.With("component", "settlement-monitor"),
		interval:   interval,
		thresholds: thresholds,
		states:     make(map[AccountKey]State),
		executing:  make(map[AccountKey]bool),
		finished:   make(map[AccountKey]bool),
		done:       make(chan struct{}),
	}
	book.SetStateSource(m.StateFor)
	return m
}

// Start restores persisted states and begins polling.
func (m *Monitor) Start(ctx context.Context) {
	for _, key := range m.keys() {
		st, err := m.store.LoadState(ctx, key)
		if err != nil {
			m.logger.Warn("could not restore settlement state", "peer", key.PeerID, "token", key.TokenID, "error", err)
			continue
		}
		// An interrupted IN_PROGRESS settlement cannot be resumed; start
		// over from PENDING so it is re-signalled.
		if st == StateInProgress {
			st = StatePending
		}
		m.mu.Lock()
		m.states[key] = st
		m.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(runCtx)
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// StateFor returns the current settlement state of an account.
func (m *Monitor) StateFor(key AccountKey) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key]
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Each tick gets one period; a slow store must not delay the
			// next tick beyond that.
			tickCtx, cancel := context.WithTimeout(ctx, m.interval)
			m.tick(tickCtx)
			cancel()
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	for _, key := range m.keys() {
		if ctx.Err() != nil {
			m.logger.Warn("settlement tick timed out, skipping remainder")
			return
		}
		m.evaluate(ctx, key, m.thresholds[key])
	}
}

func (m *Monitor) evaluate(ctx context.Context, key AccountKey, threshold uint64) {
	balance := m.book.CreditBalance(key)
	over := balance.Cmp(uint256.NewInt(threshold)) > 0

	switch m.StateFor(key) {
	case StateIdle:
		if over {
			m.transition(ctx, key, StateIdle, StatePending)
			exceeds := new(uint256.Int).Sub(balance, uint256.NewInt(threshold))
			m.bus.Emit(telemetry.EventSettlementRequired, map[string]any{
				"peerId":         key.PeerID,
				"tokenId":        key.TokenID,
				"currentBalance": balance.Dec(),
				"threshold":      threshold,
				"exceedsBy":      exceeds.Dec(),
				"timestamp":      time.Now().UTC(),
			})
		}
	case StatePending:
		if !over {
			m.transition(ctx, key, StatePending, StateIdle)
			m.bus.Emit(telemetry.EventSettlementCancelled, map[string]any{
				"peerId": key.PeerID, "tokenId": key.TokenID,
				"currentBalance": balance.Dec(), "threshold": threshold,
			})
			return
		}
		if m.executor != nil && m.claim(key) {
			go m.execute(key)
		}
	case StateInProgress:
		if m.hasFinished(key) && !over {
			m.transition(ctx, key, StateInProgress, StateIdle)
			m.clearFinished(key)
			m.bus.Emit(telemetry.EventSettlementCompleted, map[string]any{
				"peerId": key.PeerID, "tokenId": key.TokenID,
				"currentBalance": balance.Dec(), "threshold": threshold,
			})
		}
	}
}

// execute hands one account to the external executor.
func (m *Monitor) execute(key AccountKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*m.interval)
	defer cancel()

	// The executor accepting the job is the PENDING -> IN_PROGRESS edge.
	m.transition(ctx, key, StatePending, StateInProgress)
	err := m.executor.Execute(ctx, key.PeerID, key.TokenID)
	if err != nil {
		m.logger.Warn("settlement executor failed", "peer", key.PeerID, "token", key.TokenID, "error", err)
	}
	m.mu.Lock()
	m.executing[key] = false
	m.finished[key] = true
	m.mu.Unlock()
}

// transition applies a legal edge; anything else is logged and suppressed.
func (m *Monitor) transition(ctx context.Context, key AccountKey, from, to State) {
	m.mu.Lock()
	cur := m.states[key]
	if cur != from || !legalTransition(from, to) {
		m.mu.Unlock()
		m.logger.Error("illegal settlement state transition suppressed",
			"peer", key.PeerID, "token", key.TokenID,
			"current", cur.String(), "from", from.String(), "to", to.String())
		return
	}
	m.states[key] = to
	m.mu.Unlock()

	if err := m.store.SaveState(ctx, key, to); err != nil {
		m.logger.Warn("could not persist settlement state", "peer", key.PeerID, "token", key.TokenID, "error", err)
	}
	m.logger.Info("settlement state changed", "peer", key.PeerID, "token", key.TokenID,
		"from", from.String(), "to", to.String())
}

func legalTransition(from, to State) bool {
	switch {
	case from == StateIdle && to == StatePending:
		return true
	case from == StatePending && to == StateInProgress:
		return true
	case from == StatePending && to == StateIdle:
		return true
	case from == StateInProgress && to == StateIdle:
		return true
	}
	return false
}

func (m *Monitor) claim(key AccountKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executing[key] {
		return false
	}
	m.executing[key] = true
	return true
}

func (m *Monitor) hasFinished(key AccountKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished[key]
}

func (m *Monitor) clearFinished(key AccountKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[key] = false
}

// keys returns the monitored accounts in stable order.
func (m *Monitor) keys() []AccountKey {
	out := make([]AccountKey, 0, len(m.thresholds))
	for k := range m.thresholds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i], out[j]) })
	return out
}
