// Package node assembles the connector: transports, routing, forwarding,
// settlement and telemetry, plus the health HTTP surface.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilpmesh/connector/internal/btp"
	"github.com/ilpmesh/connector/internal/config"
	"github.com/ilpmesh/connector/internal/forward"
	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/settlement"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// Health is the node's aggregate status.
type Health int32

const (
	HealthStarting Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "STARTING"
	case HealthHealthy:
		return "HEALTHY"
	case HealthUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Node owns every subsystem of one running connector.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	promReg *prometheus.Registry

	store     settlement.Store
	book      *settlement.Bookkeeper
	monitor   *settlement.Monitor
	routes    *routing.Table
	registry  *btp.Registry
	forwarder *forward.Handler
	sink      *telemetry.DashboardSink

	btpServer    *http.Server
	healthServer *http.Server

	health    atomic.Int32
	startedAt time.Time
}

// registryPeers adapts the registry to the forwarding plane's PeerSource.
type registryPeers struct {
	reg *btp.Registry
}

func (p registryPeers) Sender(peerID string) (forward.Sender, bool) {
	t, ok := p.reg.Transport(peerID)
	if !ok {
		return nil, false
	}
	return t, true
}

// New wires a node from its configuration. Nothing is listening or dialing
// until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	n := &Node{
		cfg:    cfg,
		logger: logger.With("node", cfg.NodeID),
		bus:    telemetry.NewBus(cfg.NodeID, 256),
	}
	n.promReg = prometheus.NewRegistry()
	n.metrics = telemetry.NewMetrics(n.promReg, n.bus)

	store, err := n.openStore()
	if err != nil {
		return nil, err
	}
	n.store = store

	n.book = settlement.NewBookkeeper(settlement.Config{
		FeeBasisPoints: cfg.Settlement.FeeBasisPoints(),
		TokenID:        cfg.Settlement.TokenID,
		Durable:        cfg.Settlement.Durable,
		Limits:         creditLimits(cfg),
	}, store, n.bus, n.metrics, n.logger)

	if cfg.Settlement.Enable {
		interval := time.Duration(cfg.Settlement.PollIntervalSeconds) * time.Second
		n.monitor = settlement.NewMonitor(n.book, store, n.bus, nil,
			thresholds(cfg), interval, n.logger)
	}

	staticPeers := make(map[string]bool, len(cfg.Peers))
	for _, p := range cfg.Peers {
		staticPeers[p.ID] = true
	}
	n.routes = routing.NewTable()
	for _, r := range cfg.Routes {
		n.routes.Add(routing.Route{Prefix: r.Prefix, NextHop: r.NextHop, Priority: r.Priority})
		// Dynamic peers authenticate via env secrets, so this is not fatal;
		// until such a peer connects the route rejects T01.
		if !staticPeers[r.NextHop] {
			n.logger.Warn("route next hop is not a configured peer",
				"prefix", r.Prefix, "nextHop", r.NextHop)
		}
	}

	n.registry = btp.NewRegistry(btp.RegistryConfig{
		LocalID:      cfg.NodeID,
		Handler:      n.handlePrepare,
		PendingLimit: cfg.Transport.PendingLimit,
		WriteQueue:   cfg.Transport.WriteQueue,
		OnStateChange: func(peerID string, old, new btp.PeerState) {
			n.recomputeHealth()
		},
		Logger:  n.logger,
		Bus:     n.bus,
		Metrics: n.metrics,
	})

	n.forwarder = forward.NewHandler(forward.Config{
		LocalAddress: cfg.NodeID,
		ExpiryWindow: time.Duration(cfg.Forward.MinExpiryWindowMs) * time.Millisecond,
		MaxHops:      cfg.Forward.MaxHops,
	}, n.routes, n.book, registryPeers{n.registry}, n.bus, n.metrics, n.logger)

	if url := os.Getenv("DASHBOARD_TELEMETRY_URL"); url != "" {
		n.sink = telemetry.NewDashboardSink(url, n.bus, n.logger)
	}
	return n, nil
}

func (n *Node) openStore() (settlement.Store, error) {
	if n.cfg.Redis.Addr == "" {
		n.logger.Info("using in-memory settlement store")
		return settlement.NewMemoryStore(), nil
	}
	return settlement.NewRedisStore(n.cfg.Redis.Addr, n.cfg.Redis.Password, n.cfg.Redis.DB, n.logger)
}

// handlePrepare is the btp.Handler given to every transport; indirection
// keeps registry construction free of the forwarder.
func (n *Node) handlePrepare(ctx context.Context, prepare *ilp.Prepare, sourcePeer string) ilp.Packet {
	return n.forwarder.Handle(ctx, prepare, sourcePeer)
}

// Start brings the node up: restore balances, connect peers, start the
// listeners and the settlement monitor.
func (n *Node) Start(ctx context.Context) error {
	n.startedAt = time.Now()
	n.setHealth(HealthStarting)

	if err := n.book.Load(ctx); err != nil {
		return fmt.Errorf("node: restore balances: %w", err)
	}

	for _, p := range n.cfg.Peers {
		n.registry.AddStaticPeer(btp.PeerConfig{ID: p.ID, URL: p.URL, AuthToken: p.AuthToken})
	}

	if n.monitor != nil {
		n.monitor.Start(ctx)
	}
	if n.sink != nil {
		n.sink.Start()
	}

	n.btpServer = n.newBTPServer()
	n.healthServer = n.newHealthServer()
	go n.serve(n.btpServer, "btp")
	go n.serve(n.healthServer, "health")

	n.recomputeHealth()
	n.logger.Info("connector started",
		"btpPort", n.cfg.BTPServerPort, "healthPort", n.cfg.HealthCheckPort,
		"peers", len(n.cfg.Peers), "routes", n.routes.Len())
	return nil
}

func (n *Node) serve(srv *http.Server, name string) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("listener failed", "server", name, "error", err)
		n.setHealth(HealthUnhealthy)
	}
}

// Stop drains the node: listeners close first so no new packets arrive,
// in-flight forwards get the grace period, then everything else shuts down.
func (n *Node) Stop() {
	grace := time.Duration(n.cfg.Transport.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for _, srv := range []*http.Server{n.btpServer, n.healthServer} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				n.logger.Warn("listener shutdown incomplete", "error", err)
			}
		}
	}

	if n.sink != nil {
		n.sink.Stop()
	}
	if n.monitor != nil {
		n.monitor.Stop()
	}
	n.registry.Close()

	if err := n.book.Flush(ctx); err != nil {
		n.logger.Warn("final balance flush failed", "error", err)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("store close failed", "error", err)
	}
	n.logger.Info("connector stopped")
}

// Health returns the node's current aggregate status.
func (n *Node) Health() Health {
	return Health(n.health.Load())
}

// Bus exposes the telemetry bus, e.g. for embedding tests.
func (n *Node) Bus() *telemetry.Bus { return n.bus }

func (n *Node) setHealth(h Health) {
	old := Health(n.health.Swap(int32(h)))
	if old == h {
		return
	}
	ready, total := n.registry.ReadyCount()
	n.logger.Info("health changed", "old", old.String(), "new", h.String(),
		"peersReady", ready, "peersTotal", total)
	n.bus.Emit(telemetry.EventHealthStatus, map[string]any{
		"status":         h.String(),
		"peersConnected": ready,
		"totalPeers":     total,
	})
}

// recomputeHealth applies the majority rule: the node is healthy while at
// least half of its known peers have a READY transport. A node with no
// peers configured is trivially healthy. The node stays STARTING until the
// rule is first satisfied.
func (n *Node) recomputeHealth() {
	ready, total := n.registry.ReadyCount()
	ok := total == 0 || ready*2 >= total

	switch {
	case ok:
		n.setHealth(HealthHealthy)
	case n.Health() == HealthStarting:
		// Peers still coming up; don't flap to UNHEALTHY before the first
		// connection round completes.
	default:
		n.setHealth(HealthUnhealthy)
	}
}

func creditLimits(cfg *config.Config) settlement.Limits {
	out := settlement.Limits{
		Default:       cfg.Settlement.CreditLimits.Default,
		GlobalCeiling: cfg.Settlement.CreditLimits.GlobalCeiling,
	}
	if len(cfg.Settlement.CreditLimits.Peers) > 0 {
		out.Peers = make(map[string]settlement.PeerLimits, len(cfg.Settlement.CreditLimits.Peers))
		for id, pl := range cfg.Settlement.CreditLimits.Peers {
			out.Peers[id] = settlement.PeerLimits{Default: pl.Default, Tokens: pl.Tokens}
		}
	}
	return out
}

func thresholds(cfg *config.Config) map[settlement.AccountKey]uint64 {
	out := make(map[settlement.AccountKey]uint64)
	for peerID, tokens := range cfg.Settlement.Thresholds.Peers {
		for tokenID, threshold := range tokens {
			out[settlement.AccountKey{PeerID: peerID, TokenID: tokenID}] = threshold
		}
	}
	return out
}
