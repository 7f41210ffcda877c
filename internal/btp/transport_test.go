package btp

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilpmesh/connector/internal/ilp"
	"github.com/ilpmesh/connector/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCondition() ([ilp.ConditionLen]byte, [ilp.ConditionLen]byte) {
	var fulfillment [ilp.ConditionLen]byte
	copy(fulfillment[:], "a perfectly ordinary fulfillment")
	return sha256.Sum256(fulfillment[:]), fulfillment
}

func testPrepare(deadline time.Time) *ilp.Prepare {
	condition, _ := testCondition()
	return &ilp.Prepare{
		Amount:             100,
		Destination:        "g.remote.bob",
		ExecutionCondition: condition,
		ExpiresAt:          deadline,
		Data:               []byte("hi"),
	}
}

func fulfillHandler() Handler {
	_, fulfillment := testCondition()
	return func(ctx context.Context, p *ilp.Prepare, source string) ilp.Packet {
		return &ilp.Fulfill{Fulfillment: fulfillment}
	}
}

// newServerRegistry spins up an httptest server accepting inbound peers.
func newServerRegistry(t *testing.T, handler Handler) (*Registry, string) {
	t.Helper()
	reg := NewRegistry(RegistryConfig{
		LocalID: "server",
		Handler: handler,
		Logger:  testLogger(),
		Bus:     telemetry.NewBus("server", 64),
	})
	srv := httptest.NewServer(http.HandlerFunc(reg.HandleWebSocket))
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url, localID, secret string, handler Handler) *Transport {
	t.Helper()
	tr := Dial(Config{
		LocalID:   localID,
		PeerID:    "server",
		URL:       url,
		AuthToken: secret,
		Handler:   handler,
		Logger:    testLogger(),
	})
	t.Cleanup(tr.Close)
	return tr
}

func waitReady(t *testing.T, tr *Transport) {
	t.Helper()
	require.Eventually(t, tr.Ready, 3*time.Second, 10*time.Millisecond,
		"transport never became READY, state=%s", tr.State())
}

func TestHandshakeAndRequestResponse(t *testing.T) {
	reg, url := newServerRegistry(t, fulfillHandler())
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	client := newClient(t, url, "client", "s3cret", nil)
	waitReady(t, client)

	deadline := time.Now().Add(2 * time.Second)
	resp, err := client.SendPacket(context.Background(), testPrepare(deadline), deadline)
	require.NoError(t, err)

	fulfill, ok := resp.(*ilp.Fulfill)
	require.True(t, ok, "expected a fulfill, got %T", resp)
	condition, _ := testCondition()
	assert.True(t, fulfill.Matches(condition))
}

func TestServerCanSendToClient(t *testing.T) {
	reg, url := newServerRegistry(t, nil)
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	rejecting := func(ctx context.Context, p *ilp.Prepare, source string) ilp.Packet {
		return ilp.NewReject(ilp.CodeUnreachable, "g.client", "no route")
	}
	client := newClient(t, url, "client", "s3cret", rejecting)
	waitReady(t, client)

	serverSide, ok := reg.Transport("client")
	require.True(t, ok)

	deadline := time.Now().Add(2 * time.Second)
	resp, err := serverSide.SendPacket(context.Background(), testPrepare(deadline), deadline)
	require.NoError(t, err)

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok, "expected a reject, got %T", resp)
	assert.Equal(t, ilp.CodeUnreachable, reject.Code)
	assert.Equal(t, ilp.Address("g.client"), reject.TriggeredBy)
}

func TestWrongSecretNeverBecomesReady(t *testing.T) {
	reg, url := newServerRegistry(t, nil)
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	client := newClient(t, url, "client", "wrong", nil)
	assert.Never(t, client.Ready, 500*time.Millisecond, 50*time.Millisecond)

	_, ok := reg.Transport("client")
	assert.False(t, ok)
}

func TestUnknownPeerRejected(t *testing.T) {
	reg, url := newServerRegistry(t, nil)

	client := newClient(t, url, "stranger", "anything", nil)
	assert.Never(t, client.Ready, 500*time.Millisecond, 50*time.Millisecond)
	_, ok := reg.Transport("stranger")
	assert.False(t, ok)
}

func TestDynamicPeerEnvSecret(t *testing.T) {
	t.Setenv("BTP_PEER_DYN_1_SECRET", "from-env")
	reg, url := newServerRegistry(t, nil)

	client := newClient(t, url, "dyn-1", "from-env", nil)
	waitReady(t, client)

	_, ok := reg.Transport("dyn-1")
	assert.True(t, ok)
}

func TestNewcomerWinsOnDuplicatePeerID(t *testing.T) {
	reg, url := newServerRegistry(t, nil)
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	first := dialRaw(t, url, "client", "s3cret")
	defer first.Close()
	var oldTransport *Transport
	require.Eventually(t, func() bool {
		tr, ok := reg.Transport("client")
		oldTransport = tr
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	second := dialRaw(t, url, "client", "s3cret")
	defer second.Close()
	require.Eventually(t, func() bool {
		tr, ok := reg.Transport("client")
		return ok && tr != oldTransport
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return oldTransport.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
}

// dialRaw performs the client side of the handshake by hand so tests can
// hold multiple connections without reconnect machinery.
func dialRaw(t *testing.T, url, peerID, secret string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	payload, err := json.Marshal(authPayload{PeerID: peerID, Secret: secret})
	require.NoError(t, err)
	env := &Envelope{
		Type:      TypeMessage,
		RequestID: 1,
		Protocol:  []ProtocolEntry{{Name: ProtocolAuth, ContentType: ContentJSON, Payload: payload}},
	}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, env.Marshal()))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, uerr := UnmarshalEnvelope(frame)
	require.NoError(t, uerr)
	require.Equal(t, TypeResponse, resp.Type)
	ws.SetReadDeadline(time.Time{})
	return ws
}

func TestMalformedHandshakeDropsConnection(t *testing.T) {
	_, url := newServerRegistry(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x00}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "server should close a connection with a garbage handshake")
}

func TestRequestTimeout(t *testing.T) {
	slow := func(ctx context.Context, p *ilp.Prepare, source string) ilp.Packet {
		<-ctx.Done()
		return ilp.NewReject(ilp.CodeTransferTimedOut, "", "expired")
	}
	reg, url := newServerRegistry(t, slow)
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	client := newClient(t, url, "client", "s3cret", nil)
	waitReady(t, client)

	deadline := time.Now().Add(200 * time.Millisecond)
	_, err := client.SendPacket(context.Background(), testPrepare(time.Now().Add(time.Minute)), deadline)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPendingFailOnDisconnect(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := func(ctx context.Context, p *ilp.Prepare, source string) ilp.Packet {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ilp.NewReject(ilp.CodeInternalError, "", "")
	}
	reg, url := newServerRegistry(t, stuck)
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	client := newClient(t, url, "client", "s3cret", nil)
	waitReady(t, client)

	errCh := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		_, err := client.SendPacket(context.Background(), testPrepare(deadline), deadline)
		errCh <- err
	}()

	// Give the request time to land, then kill the server side.
	time.Sleep(100 * time.Millisecond)
	reg.RemovePeer("client")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPeerUnreachable)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not failed on disconnect")
	}
}

func TestPendingFailOnLocalClose(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := func(ctx context.Context, p *ilp.Prepare, source string) ilp.Packet {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ilp.NewReject(ilp.CodeInternalError, "", "")
	}
	reg, url := newServerRegistry(t, stuck)
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	client := newClient(t, url, "client", "s3cret", nil)
	waitReady(t, client)

	errCh := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		_, err := client.SendPacket(context.Background(), testPrepare(deadline), deadline)
		errCh <- err
	}()

	// Shutting down our own side cancels the wait with ErrClosed, not a
	// peer fault.
	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request never failed")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := newTransport(Config{PeerID: "nobody", Logger: testLogger()})
	defer tr.Close()

	deadline := time.Now().Add(time.Second)
	_, err := tr.SendPacket(context.Background(), testPrepare(deadline), deadline)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestPendingLimitEnforced(t *testing.T) {
	tr := newTransport(Config{PeerID: "p", PendingLimit: 2, Logger: testLogger()})
	defer tr.Close()

	_, err := tr.register(1)
	require.NoError(t, err)
	_, err = tr.register(2)
	require.NoError(t, err)
	_, err = tr.register(3)
	assert.ErrorIs(t, err, ErrPeerBusy)

	tr.unregister(1)
	_, err = tr.register(3)
	assert.NoError(t, err)
}

func TestLateResponseCounted(t *testing.T) {
	reg, url := newServerRegistry(t, func(ctx context.Context, p *ilp.Prepare, source string) ilp.Packet {
		time.Sleep(300 * time.Millisecond)
		return ilp.NewReject(ilp.CodeInternalError, "", "slow")
	})
	reg.AddStaticPeer(PeerConfig{ID: "client", AuthToken: "s3cret"})

	client := newClient(t, url, "client", "s3cret", nil)
	waitReady(t, client)

	deadline := time.Now().Add(50 * time.Millisecond)
	_, err := client.SendPacket(context.Background(), testPrepare(time.Now().Add(time.Minute)), deadline)
	require.ErrorIs(t, err, ErrTimeout)

	assert.Eventually(t, func() bool {
		return client.LateResponses() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "ALICE", envKey("alice"))
	assert.Equal(t, "DYN_1", envKey("dyn-1"))
	assert.Equal(t, "A_B_C", envKey("a.b~c"))
}
