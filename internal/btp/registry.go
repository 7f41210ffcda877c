package btp

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilpmesh/connector/internal/telemetry"
)

// PeerConfig describes one configured peer. URL empty means we only accept
// connections from this peer; non-empty means we dial out.
type PeerConfig struct {
	ID        string
	URL       string
	AuthToken string
}

// PeerStatus is one row of the registry's status snapshot.
type PeerStatus struct {
	ID     string
	State  PeerState
	Static bool
}

// RegistryConfig parameterizes a Registry.
type RegistryConfig struct {
	LocalID      string
	Handler      Handler
	PendingLimit int
	WriteQueue   int

	// OnStateChange fans out every transport state change, e.g. for health
	// recomputation.
	OnStateChange func(peerID string, old, new PeerState)

	Logger  *slog.Logger
	Bus     *telemetry.Bus
	Metrics *telemetry.Metrics
}

// Registry owns all peer transports: it dials static peers, accepts inbound
// connections, authenticates them, and hands out the live transport for a
// peer id. On a duplicate peer id the newcomer wins and the old transport is
// closed.
type Registry struct {
	cfg      RegistryConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	transports map[string]*Transport
	static     map[string]PeerConfig
	closed     bool
}

// NewRegistry builds an empty registry; add peers with AddStaticPeer.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "peer-registry"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are identified by the auth handshake, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		transports: make(map[string]*Transport),
		static:     make(map[string]PeerConfig),
	}
}

// AddStaticPeer registers a configured peer. Peers with a URL get a dialing
// transport immediately; listen-only peers appear once they connect.
func (r *Registry) AddStaticPeer(pc PeerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.static[pc.ID] = pc
	if pc.URL == "" {
		return
	}
	r.transports[pc.ID] = Dial(r.transportConfig(pc.ID, pc.URL, pc.AuthToken))
	r.updateGauges()
}

// RemovePeer closes and forgets a peer's transport and static config.
func (r *Registry) RemovePeer(peerID string) {
	r.mu.Lock()
	t := r.transports[peerID]
	delete(r.transports, peerID)
	delete(r.static, peerID)
	r.updateGauges()
	r.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Transport returns the live transport for a peer, if any.
func (r *Registry) Transport(peerID string) (*Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[peerID]
	return t, ok
}

// Statuses returns a stable snapshot of every known peer.
func (r *Registry) Statuses() []PeerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]PeerStatus)
	for id := range r.static {
		seen[id] = PeerStatus{ID: id, State: StateDisconnected, Static: true}
	}
	for id, t := range r.transports {
		st := seen[id]
		st.ID = id
		st.State = t.State()
		seen[id] = st
	}
	out := make([]PeerStatus, 0, len(seen))
	for _, st := range seen {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadyCount returns (ready, total) across all known peers.
func (r *Registry) ReadyCount() (int, int) {
	statuses := r.Statuses()
	ready := 0
	for _, st := range statuses {
		if st.State == StateReady {
			ready++
		}
	}
	return ready, len(statuses)
}

// HandleWebSocket upgrades an inbound connection and runs the server side of
// the auth handshake: the first frame must be a MESSAGE with an "auth"
// entry whose secret matches the peer's configured token, or for unknown
// peers the BTP_PEER_<ID>_SECRET environment variable.
func (r *Registry) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	peerID, requestID, ok := r.authenticate(ws, req.RemoteAddr)
	if !ok {
		ws.Close()
		return
	}

	// Ack the handshake before the transport's read pump takes over.
	ack := &Envelope{Type: TypeResponse, RequestID: requestID}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, ack.Marshal()); err != nil {
		r.logger.Warn("handshake ack failed", "peer", peerID, "error", err)
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	t := Accepted(ws, r.transportConfig(peerID, "", ""))
	r.adopt(peerID, t)
}

// authenticate reads and validates the first frame. It returns the peer id
// and the handshake's request id on success.
func (r *Registry) authenticate(ws *websocket.Conn, remote string) (string, uint32, bool) {
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(handshakeWait))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		r.logger.Warn("handshake read failed", "remote", remote, "error", err)
		return "", 0, false
	}

	env, uerr := UnmarshalEnvelope(frame)
	if uerr != nil || env.Type != TypeMessage {
		r.logger.Warn("malformed handshake frame", "remote", remote)
		return "", 0, false
	}
	entry, ok := env.Entry(ProtocolAuth)
	if !ok {
		r.logger.Warn("handshake missing auth entry", "remote", remote)
		r.rejectHandshake(ws, env.RequestID)
		return "", 0, false
	}
	var auth authPayload
	if err := json.Unmarshal(entry.Payload, &auth); err != nil || auth.PeerID == "" {
		r.logger.Warn("unparseable auth payload", "remote", remote)
		r.rejectHandshake(ws, env.RequestID)
		return "", 0, false
	}

	secret, known := r.secretFor(auth.PeerID)
	if !known || subtle.ConstantTimeCompare([]byte(secret), []byte(auth.Secret)) != 1 {
		r.logger.Warn("authentication failed", "peer", auth.PeerID, "remote", remote)
		r.rejectHandshake(ws, env.RequestID)
		return "", 0, false
	}
	return auth.PeerID, env.RequestID, true
}

func (r *Registry) rejectHandshake(ws *websocket.Conn, requestID uint32) {
	env := &Envelope{Type: TypeError, RequestID: requestID}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.BinaryMessage, env.Marshal())
}

// secretFor resolves a peer's expected secret: static config first, then the
// BTP_PEER_<ID>_SECRET environment variable for dynamic peers.
func (r *Registry) secretFor(peerID string) (string, bool) {
	r.mu.RLock()
	pc, ok := r.static[peerID]
	r.mu.RUnlock()
	if ok && pc.AuthToken != "" {
		return pc.AuthToken, true
	}
	env := "BTP_PEER_" + envKey(peerID) + "_SECRET"
	if v := os.Getenv(env); v != "" {
		return v, true
	}
	return "", false
}

// envKey uppercases a peer id and maps the characters a peer id may carry
// but an env var may not.
func envKey(peerID string) string {
	up := strings.ToUpper(peerID)
	return strings.Map(func(c rune) rune {
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			return c
		}
		return '_'
	}, up)
}

// adopt installs a freshly accepted transport, closing any previous one for
// the same peer id.
func (r *Registry) adopt(peerID string, t *Transport) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return
	}
	old := r.transports[peerID]
	r.transports[peerID] = t
	r.updateGauges()
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing existing transport, newcomer wins", "peer", peerID)
		old.Close()
	}
	r.logger.Info("peer connected", "peer", peerID)
	// The READY event fired during construction, before the transport was
	// visible here; poke the health callback now that it is.
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(peerID, StateAuthenticating, StateReady)
	}
}

// handleClosed drops a dead transport and, for static dialing peers, brings
// up a replacement dialer.
func (r *Registry) handleClosed(peerID string, t *Transport) {
	r.mu.Lock()
	if r.transports[peerID] != t {
		// A newcomer already replaced it.
		r.mu.Unlock()
		return
	}
	delete(r.transports, peerID)
	pc, isStatic := r.static[peerID]
	redial := !r.closed && isStatic && pc.URL != ""
	if redial {
		r.transports[peerID] = Dial(r.transportConfig(pc.ID, pc.URL, pc.AuthToken))
	}
	r.updateGauges()
	r.mu.Unlock()

	if !redial {
		r.emitState(peerID, StateReady, StateDisconnected)
	}
}

func (r *Registry) transportConfig(peerID, url, token string) Config {
	cfg := Config{
		LocalID:      r.cfg.LocalID,
		PeerID:       peerID,
		URL:          url,
		AuthToken:    token,
		PendingLimit: r.cfg.PendingLimit,
		WriteQueue:   r.cfg.WriteQueue,
		Handler:      r.cfg.Handler,
		Logger:       r.cfg.Logger,
		Metrics:      r.cfg.Metrics,
	}
	cfg.OnStateChange = func(id string, old, new PeerState) {
		r.mu.RLock()
		closed := r.closed
		r.mu.RUnlock()
		if closed {
			return
		}
		r.refreshGauges()
		r.emitState(id, old, new)
	}
	cfg.OnClosed = func(t *Transport) {
		r.handleClosed(t.PeerID(), t)
	}
	return cfg
}

func (r *Registry) emitState(peerID string, old, new PeerState) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Emit(telemetry.EventPeerStateChanged, map[string]any{
			"peerId":   peerID,
			"oldState": old.String(),
			"newState": new.String(),
		})
	}
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(peerID, old, new)
	}
}

// updateGauges recomputes the peer gauges; the caller holds r.mu.
func (r *Registry) updateGauges() {
	if r.cfg.Metrics == nil {
		return
	}
	ready, total := 0, len(r.static)
	seen := make(map[string]bool, len(r.static))
	for id := range r.static {
		seen[id] = true
	}
	for id, t := range r.transports {
		if !seen[id] {
			total++
		}
		if t.State() == StateReady {
			ready++
		}
	}
	r.cfg.Metrics.PeersReady.Set(float64(ready))
	r.cfg.Metrics.PeersTotal.Set(float64(total))
}

func (r *Registry) refreshGauges() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.updateGauges()
}

// Close shuts down every transport and rejects further connections.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*Transport)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
		t.Wait()
	}
}
