// Package forward implements the connector's packet forwarding plane: route
// resolution, liquidity admission, fee deduction, expiry shrinking, loop
// detection and the bookkeeping commit on fulfillment.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilpmesh/connector/internal/btp"
	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/routing"
	"github.com/ilpmesh/connector/internal/settlement"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// Sender delivers one prepare to a peer and returns its response packet.
type Sender interface {
	SendPacket(ctx context.Context, prepare *ilp.Prepare, deadline time.Time) (ilp.Packet, error)
	Ready() bool
}

// PeerSource resolves a peer id to its live transport.
type PeerSource interface {
	Sender(peerID string) (Sender, bool)
}

const (
	// DefaultExpiryWindow is the minimum slack the connector keeps for
	// itself: inbound packets expiring sooner are rejected, and outbound
	// deadlines shrink by this much per hop.
	DefaultExpiryWindow = time.Second
	// DefaultMaxHops bounds the traced path length.
	DefaultMaxHops = 30
)

// Config parameterizes a Handler.
type Config struct {
	// LocalAddress is this node's ILP address; it fills empty TriggeredBy
	// fields and anchors loop and self-delivery checks.
	LocalAddress ilp.Address
	ExpiryWindow time.Duration
	MaxHops      int
}

// Handler is the forwarding plane. Its Handle method satisfies btp.Handler.
type Handler struct {
	cfg    Config
	routes *routing.Table
	book   *settlement.Bookkeeper
	peers  PeerSource
	bus    *telemetry.Bus
	logger *slog.Logger

	metrics *telemetry.Metrics
	now     func() time.Time // test hook
}

// NewHandler wires the forwarding plane together. metrics may be nil.
func NewHandler(cfg Config, routes *routing.Table, book *settlement.Bookkeeper,
	peers PeerSource, bus *telemetry.Bus, metrics *telemetry.Metrics, logger *slog.Logger) *Handler {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	return &Handler{
		cfg:     cfg,
		routes:  routes,
		book:    book,
		peers:   peers,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "forward"),
		now:     time.Now,
	}
}

// Handle forwards one prepare received from sourcePeer and returns the
// fulfill or reject to relay back. It never returns nil and never panics:
// a defect anywhere in the pipeline becomes a T00 reject.
func (h *Handler) Handle(ctx context.Context, prepare *ilp.Prepare, sourcePeer string) (result ilp.Packet) {
	start := h.now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in forwarding pipeline", "source", sourcePeer,
				"destination", prepare.Destination, "panic", r)
			result = h.reject(ilp.CodeInternalError, "internal error")
			h.observe(prepare, sourcePeer, "", result, h.now().Sub(start))
		}
	}()
	result, nextHop := h.forward(ctx, prepare, sourcePeer, start)
	h.observe(prepare, sourcePeer, nextHop, result, h.now().Sub(start))
	return result
}

// forward runs the decision pipeline and also reports the resolved next hop
// for telemetry ("" when the packet never left).
func (h *Handler) forward(ctx context.Context, prepare *ilp.Prepare, sourcePeer string, now time.Time) (ilp.Packet, string) {
	if !ilp.ValidAddress(prepare.Destination) {
		return h.reject(ilp.CodeInvalidPacket, "invalid destination address"), ""
	}

	// The packet must outlive our own processing window.
	if !prepare.ExpiresAt.After(now.Add(h.cfg.ExpiryWindow)) {
		return h.reject(ilp.CodeInsufficientTimeout,
			fmt.Sprintf("expiry leaves less than %s of slack", h.cfg.ExpiryWindow)), ""
	}

	// The connector is a relay; packets addressed to the node itself or
	// below it have nowhere further to go.
	if ilp.PrefixMatches(h.cfg.LocalAddress, prepare.Destination) {
		return h.reject(ilp.CodeUnreachable, "destination terminates at this node"), ""
	}

	outData := prepare.Data
	if trace, ok := ParseTrace(prepare.Data); ok {
		if trace.Contains(h.cfg.LocalAddress) {
			return h.reject(ilp.CodeInternalError, "routing loop detected"), ""
		}
		if len(trace.Hops) >= h.cfg.MaxHops {
			return h.reject(ilp.CodeInternalError, "hop count limit reached, possible routing loop"), ""
		}
		outData = trace.WithHop(h.cfg.LocalAddress)
		if len(outData) > ilp.MaxDataLen {
			return h.reject(ilp.CodeInvalidPacket, "data too large after trace update"), ""
		}
	}

	nextHop := h.routes.NextHopFor(prepare.Destination)
	if nextHop == "" {
		return h.reject(ilp.CodeUnreachable, "no route to destination"), ""
	}
	if nextHop == sourcePeer {
		// Forwarding straight back where it came from can only ping-pong.
		return h.reject(ilp.CodeUnreachable, "next hop is the packet's source"), nextHop
	}

	if limitErr := h.book.CanAccept(sourcePeer, prepare.Amount); limitErr != nil {
		h.logger.Warn("packet exceeds peer credit limit",
			"peer", sourcePeer, "amount", prepare.Amount,
			"balance", limitErr.CurrentBalance.Dec(), "limit", limitErr.CreditLimit)
		return h.reject(ilp.CodeInsufficientLiquidity, "credit limit exceeded"), nextHop
	}

	outAmount, ok := h.book.OutgoingAmount(prepare.Amount)
	if !ok {
		return h.reject(ilp.CodeInvalidAmount, "amount does not cover the forwarding fee"), nextHop
	}

	sender, ok := h.senderFor(nextHop)
	if !ok {
		return h.reject(ilp.CodePeerUnreachable, "next hop is not connected"), nextHop
	}

	outDeadline := prepare.ExpiresAt.Add(-h.cfg.ExpiryWindow)
	outgoing := &ilp.Prepare{
		Amount:             outAmount,
		Destination:        prepare.Destination,
		ExecutionCondition: prepare.ExecutionCondition,
		ExpiresAt:          outDeadline,
		Data:               outData,
	}

	resp, err := sender.SendPacket(ctx, outgoing, outDeadline)
	if err != nil {
		return h.rejectForTransportError(nextHop, err), nextHop
	}

	switch pkt := resp.(type) {
	case *ilp.Fulfill:
		if !pkt.Matches(prepare.ExecutionCondition) {
			h.logger.Error("peer returned a fulfillment that does not hash to the condition",
				"peer", nextHop, "destination", prepare.Destination)
			return h.reject(ilp.CodeInvalidFulfillment, "fulfillment does not match condition"), nextHop
		}
		// Money moves only on proof of delivery.
		if err := h.book.Commit(ctx, sourcePeer, prepare.Amount, nextHop, outAmount); err != nil {
			h.logger.Error("bookkeeping commit failed after fulfillment",
				"source", sourcePeer, "nextHop", nextHop, "error", err)
			return h.reject(ilp.CodeInternalError, "could not record the transfer"), nextHop
		}
		return pkt, nextHop
	case *ilp.Reject:
		if pkt.TriggeredBy == "" {
			pkt.TriggeredBy = h.cfg.LocalAddress
		}
		return pkt, nextHop
	default:
		return h.reject(ilp.CodeInternalError, "peer returned an unexpected packet type"), nextHop
	}
}

func (h *Handler) senderFor(peerID string) (Sender, bool) {
	s, ok := h.peers.Sender(peerID)
	if !ok || !s.Ready() {
		return nil, false
	}
	return s, true
}

func (h *Handler) reject(code ilp.ErrorCode, message string) *ilp.Reject {
	return ilp.NewReject(code, h.cfg.LocalAddress, message)
}

// rejectForTransportError maps transport failures onto the reject taxonomy.
func (h *Handler) rejectForTransportError(peerID string, err error) *ilp.Reject {
	switch {
	case errors.Is(err, btp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return h.reject(ilp.CodeTransferTimedOut, "next hop did not respond in time")
	case errors.Is(err, btp.ErrPeerBusy):
		return h.reject(ilp.CodeConnectorBusy, "outbound capacity exhausted")
	case errors.Is(err, btp.ErrPeerUnreachable):
		return h.reject(ilp.CodePeerUnreachable, "connection to next hop lost")
	case errors.Is(err, btp.ErrClosed):
		// Local shutdown, not a peer fault.
		return h.reject(ilp.CodeInternalError, "connector shutting down")
	default:
		h.logger.Error("unexpected transport failure", "peer", peerID, "error", err)
		return h.reject(ilp.CodeInternalError, "transport failure")
	}
}

// observe publishes the per-packet telemetry event and metrics.
func (h *Handler) observe(prepare *ilp.Prepare, sourcePeer, nextHop string, result ilp.Packet, elapsed time.Duration) {
	label := "FULFILLED"
	outcome := map[string]any{
		"sourcePeerId":   sourcePeer,
		"nextHopPeerId":  nextHop,
		"destination":    string(prepare.Destination),
		"amount":         prepare.Amount,
		"result":         "FULFILLED",
		"durationMicros": elapsed.Microseconds(),
	}
	if rej, ok := result.(*ilp.Reject); ok {
		label = "REJECTED:" + string(rej.Code)
		outcome["result"] = "REJECTED"
		outcome["rejectCode"] = string(rej.Code)
		outcome["rejectName"] = rej.Code.Name()
	}
	if h.bus != nil {
		h.bus.Emit(telemetry.EventPacketForwarded, outcome)
	}
	if h.metrics != nil {
		h.metrics.PacketsForwarded.WithLabelValues(label).Inc()
		h.metrics.ForwardDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
}
