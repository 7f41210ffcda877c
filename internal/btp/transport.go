package btp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/telemetry"
)

// PeerState tracks one transport's connection lifecycle.
type PeerState int32

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport-level failures surfaced to callers of SendPacket.
var (
	ErrPeerUnreachable  = errors.New("btp: peer unreachable")
	ErrPeerBusy         = errors.New("btp: outbound queue or pending map full")
	ErrTimeout          = errors.New("btp: request deadline exceeded")
	ErrClosed           = errors.New("btp: transport closed")
	ErrUnauthenticated  = errors.New("btp: peer rejected credentials")
	ErrRemoteError      = errors.New("btp: peer signalled a transport error")
	ErrProtocolViolated = errors.New("btp: peer violated the framing protocol")
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	maxFrameSize   = 512 * 1024
	backoffInitial = time.Second
	backoffCap     = 30 * time.Second

	DefaultPendingLimit = 10000
	DefaultWriteQueue   = 256
)

// Handler processes one inbound Prepare and returns a Fulfill or Reject.
type Handler func(ctx context.Context, prepare *ilp.Prepare, sourcePeerID string) ilp.Packet

// authPayload is the JSON carried in the "auth" protocol entry during the
// handshake.
type authPayload struct {
	PeerID string `json:"peerId"`
	Secret string `json:"secret"`
}

// Config parameterizes a Transport.
type Config struct {
	// LocalID is our peer id, presented to the remote side during auth.
	LocalID string
	// PeerID is the remote peer.
	PeerID string
	// URL and AuthToken configure the dialing side; accepted transports
	// leave them empty.
	URL       string
	AuthToken string

	PendingLimit int
	WriteQueue   int

	Handler       Handler
	OnStateChange func(peerID string, old, new PeerState)
	// OnClosed fires once when the transport will never reconnect again.
	OnClosed func(t *Transport)

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PendingLimit <= 0 {
		out.PendingLimit = DefaultPendingLimit
	}
	if out.WriteQueue <= 0 {
		out.WriteQueue = DefaultWriteQueue
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// wsConn bundles one live connection with its bounded outbound queue. A new
// wsConn is created per (re)connect so frames never leak across reconnects.
type wsConn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{} // closed when either pump exits
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Transport is one bilateral connection to a peer. The wire protocol is
// symmetric: whether this side dialed or accepted, both sides send requests
// and correlate responses by request id after the handshake.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	state  atomic.Int32
	nextID atomic.Uint32
	late   atomic.Uint64

	mu      sync.Mutex
	conn    *wsConn
	pending map[uint32]chan *Envelope

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTransport(cfg Config) *Transport {
	cfg = (&cfg).withDefaults()
	return &Transport{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "btp", "peer", cfg.PeerID),
		pending: make(map[uint32]chan *Envelope),
		closed:  make(chan struct{}),
	}
}

// Dial creates a transport that connects out to cfg.URL, authenticates with
// cfg.AuthToken and reconnects with exponential backoff on any abnormal
// close. Dial itself returns immediately; the first connection attempt runs
// in the background.
func Dial(cfg Config) *Transport {
	t := newTransport(cfg)
	t.wg.Add(1)
	go t.runDialer()
	return t
}

// Accepted wraps an inbound connection whose handshake the registry already
// completed. Accepted transports do not reconnect; when the connection
// drops the transport closes for good.
func Accepted(conn *websocket.Conn, cfg Config) *Transport {
	t := newTransport(cfg)
	wc := t.install(conn)
	t.setState(StateReady)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runConn(wc)
		t.Close()
	}()
	return t
}

// State returns the current connection state.
func (t *Transport) State() PeerState {
	return PeerState(t.state.Load())
}

// Ready reports whether the transport can carry requests right now.
func (t *Transport) Ready() bool { return t.State() == StateReady }

// PeerID returns the remote peer's id.
func (t *Transport) PeerID() string { return t.cfg.PeerID }

// LateResponses returns how many responses arrived after their request was
// already reaped.
func (t *Transport) LateResponses() uint64 { return t.late.Load() }

// SendPacket encodes the prepare, frames it as a MESSAGE with a fresh
// request id and awaits the correlated response until deadline. The returned
// packet is a *ilp.Fulfill or *ilp.Reject.
func (t *Transport) SendPacket(ctx context.Context, prepare *ilp.Prepare, deadline time.Time) (ilp.Packet, error) {
	if !t.Ready() {
		return nil, ErrPeerUnreachable
	}

	id := t.nextID.Add(1)
	reply, err := t.register(id)
	if err != nil {
		return nil, err
	}
	defer t.unregister(id)

	env := &Envelope{
		Type:      TypeMessage,
		RequestID: id,
		Protocol: []ProtocolEntry{
			{Name: ProtocolILP, ContentType: ContentOctetStream, Payload: ilp.Encode(prepare)},
		},
	}
	if err := t.sendFrame(env.Marshal()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			// Close also fails the pending map; report shutdown rather
			// than a peer fault when that is what happened.
			select {
			case <-t.closed:
				return nil, ErrClosed
			default:
			}
			// Connection dropped while we were waiting.
			return nil, ErrPeerUnreachable
		}
		return t.decodeResponse(resp)
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

func (t *Transport) decodeResponse(env *Envelope) (ilp.Packet, error) {
	if env.Type == TypeError {
		return nil, ErrRemoteError
	}
	entry, ok := env.Entry(ProtocolILP)
	if !ok {
		return nil, fmt.Errorf("%w: response %d has no ilp entry", ErrProtocolViolated, env.RequestID)
	}
	pkt, derr := ilp.Decode(entry.Payload)
	if derr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolated, derr)
	}
	if pkt.PacketType() == ilp.TypePrepare {
		return nil, fmt.Errorf("%w: prepare inside a response", ErrProtocolViolated)
	}
	return pkt, nil
}

// register reserves a pending slot, enforcing the bound.
func (t *Transport) register(id uint32) (chan *Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= t.cfg.PendingLimit {
		return nil, ErrPeerBusy
	}
	ch := make(chan *Envelope, 1)
	t.pending[id] = ch
	return ch, nil
}

func (t *Transport) unregister(id uint32) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// failPending closes every waiter; callers observe ErrPeerUnreachable.
func (t *Transport) failPending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint32]chan *Envelope)
	t.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// sendFrame enqueues one frame on the current connection's bounded queue,
// failing fast instead of buffering unboundedly.
func (t *Transport) sendFrame(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrPeerUnreachable
	}
	select {
	case conn.out <- frame:
		return nil
	case <-conn.done:
		return ErrPeerUnreachable
	default:
		return ErrPeerBusy
	}
}

// Close shuts the transport down permanently.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()
		if conn != nil {
			conn.close()
		}
		t.failPending()
		t.setState(StateClosed)
		if t.cfg.OnClosed != nil {
			t.cfg.OnClosed(t)
		}
	})
}

// Wait blocks until all transport goroutines have exited.
func (t *Transport) Wait() { t.wg.Wait() }

func (t *Transport) setState(s PeerState) {
	old := PeerState(t.state.Swap(int32(s)))
	if old == s {
		return
	}
	// Closed is terminal.
	if old == StateClosed {
		t.state.Store(int32(StateClosed))
		return
	}
	t.logger.Info("peer state changed", "old", old.String(), "new", s.String())
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(t.cfg.PeerID, old, s)
	}
}

// install publishes a fresh connection and returns it.
func (t *Transport) install(ws *websocket.Conn) *wsConn {
	wc := &wsConn{
		ws:   ws,
		out:  make(chan []byte, t.cfg.WriteQueue),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.conn = wc
	t.mu.Unlock()
	return wc
}

// runDialer owns the dial/handshake/reconnect loop of an outbound transport.
func (t *Transport) runDialer() {
	defer t.wg.Done()
	backoff := backoffInitial

	for {
		select {
		case <-t.closed:
			return
		default:
		}

		t.setState(StateConnecting)
		ws, err := t.dialOnce()
		if err != nil {
			minWait := time.Duration(0)
			if errors.Is(err, ErrUnauthenticated) {
				t.logger.Warn("authentication rejected by peer", "url", t.cfg.URL)
				minWait = 30 * time.Second
			} else {
				t.logger.Warn("dial failed", "url", t.cfg.URL, "error", err)
			}
			t.setState(StateReconnecting)
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.Reconnects.WithLabelValues(t.cfg.PeerID).Inc()
			}
			if !t.sleep(jitter(backoff, minWait)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		wc := t.install(ws)
		t.setState(StateReady)
		t.runConn(wc)

		select {
		case <-t.closed:
			return
		default:
		}
		t.setState(StateReconnecting)
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.Reconnects.WithLabelValues(t.cfg.PeerID).Inc()
		}
		if !t.sleep(jitter(backoff, 0)) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// dialOnce establishes and authenticates one connection.
func (t *Transport) dialOnce() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeWait)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	t.setState(StateAuthenticating)
	payload, _ := json.Marshal(authPayload{PeerID: t.cfg.LocalID, Secret: t.cfg.AuthToken})
	env := &Envelope{
		Type:      TypeMessage,
		RequestID: t.nextID.Add(1),
		Protocol: []ProtocolEntry{
			{Name: ProtocolAuth, ContentType: ContentJSON, Payload: payload},
		},
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, env.Marshal()); err != nil {
		ws.Close()
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(handshakeWait))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, err
	}
	resp, uerr := UnmarshalEnvelope(frame)
	if uerr != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: bad handshake ack: %v", ErrProtocolViolated, uerr)
	}
	if resp.Type == TypeError {
		ws.Close()
		return nil, ErrUnauthenticated
	}
	if resp.Type != TypeResponse || resp.RequestID != env.RequestID {
		ws.Close()
		return nil, fmt.Errorf("%w: unexpected handshake ack", ErrProtocolViolated)
	}
	ws.SetReadDeadline(time.Time{})
	return ws, nil
}

// runConn runs both pumps for one live connection and returns when it dies.
// Pending requests are failed on the way out.
func (t *Transport) runConn(wc *wsConn) {
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		t.writePump(wc)
	}()
	go func() {
		defer pumps.Done()
		t.readPump(wc)
	}()
	pumps.Wait()

	t.mu.Lock()
	if t.conn == wc {
		t.conn = nil
	}
	t.mu.Unlock()
	t.failPending()
}

// writePump is the only goroutine writing to the connection: outbound
// frames, pings, and the close frame.
func (t *Transport) writePump(wc *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wc.close()
	}()

	for {
		select {
		case frame := <-wc.out:
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.logger.Warn("write failed", "error", err)
				return
			}
		case <-ticker.C:
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-wc.done:
			return
		case <-t.closed:
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			wc.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump is the only goroutine reading from the connection.
func (t *Transport) readPump(wc *wsConn) {
	defer wc.close()

	wc.ws.SetReadLimit(maxFrameSize)
	wc.ws.SetReadDeadline(time.Now().Add(pongWait))
	wc.ws.SetPongHandler(func(string) error {
		wc.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := wc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("connection lost", "error", err)
			}
			return
		}
		wc.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, uerr := UnmarshalEnvelope(frame)
		if uerr != nil {
			t.logger.Warn("dropping malformed frame", "error", uerr)
			continue
		}

		switch env.Type {
		case TypeResponse, TypeError:
			t.dispatchResponse(env)
		case TypeMessage, TypeTransfer:
			t.handleMessage(wc, env)
		}
	}
}

// dispatchResponse hands a response to its waiter, or counts it as late.
func (t *Transport) dispatchResponse(env *Envelope) {
	t.mu.Lock()
	ch, ok := t.pending[env.RequestID]
	if ok {
		delete(t.pending, env.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		t.late.Add(1)
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.LateResponses.WithLabelValues(t.cfg.PeerID).Inc()
		}
		t.logger.Debug("dropping late response", "requestId", env.RequestID)
		return
	}
	ch <- env
}

// handleMessage processes an inbound request and writes the response with
// the same request id. Each prepare runs in its own goroutine so one slow
// forward cannot stall the read pump.
func (t *Transport) handleMessage(wc *wsConn, env *Envelope) {
	entry, ok := env.Entry(ProtocolILP)
	if !ok {
		// Keepalive or an unknown sub-protocol: acknowledge with an empty
		// response so the peer's correlator is satisfied.
		t.respond(wc, env.RequestID, nil)
		return
	}

	pkt, derr := ilp.Decode(entry.Payload)
	if derr != nil {
		t.logger.Warn("peer sent undecodable packet", "error", derr)
		reject := ilp.NewReject(ilp.CodeInvalidPacket, "", "invalid packet")
		t.respond(wc, env.RequestID, ilp.Encode(reject))
		return
	}
	prepare, ok := pkt.(*ilp.Prepare)
	if !ok {
		// Fulfill/Reject outside a response correlates with nothing.
		t.logger.Warn("peer sent response packet as request", "type", pkt.PacketType().String())
		reject := ilp.NewReject(ilp.CodeBadRequest, "", "unexpected packet type")
		t.respond(wc, env.RequestID, ilp.Encode(reject))
		return
	}

	if t.cfg.Handler == nil {
		reject := ilp.NewReject(ilp.CodeInternalError, "", "no handler registered")
		t.respond(wc, env.RequestID, ilp.Encode(reject))
		return
	}

	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), prepare.ExpiresAt)
		defer cancel()
		result := t.cfg.Handler(ctx, prepare, t.cfg.PeerID)
		t.respond(wc, env.RequestID, ilp.Encode(result))
	}()
}

// respond enqueues a RESPONSE frame; if the queue is full the peer times
// out instead of us buffering without bound.
func (t *Transport) respond(wc *wsConn, requestID uint32, ilpPayload []byte) {
	env := &Envelope{Type: TypeResponse, RequestID: requestID}
	if ilpPayload != nil {
		env.Protocol = []ProtocolEntry{
			{Name: ProtocolILP, ContentType: ContentOctetStream, Payload: ilpPayload},
		}
	}
	select {
	case wc.out <- env.Marshal():
	case <-wc.done:
	default:
		t.logger.Warn("response dropped, outbound queue full", "requestId", requestID)
	}
}

// sleep waits d or until the transport closes.
func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.closed:
		return false
	}
}

// jitter applies full jitter to the backoff, respecting a minimum wait.
func jitter(backoff, min time.Duration) time.Duration {
	d := time.Duration(rand.Int63n(int64(backoff) + 1))
	if d < min {
		d = min
	}
	return d
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}
