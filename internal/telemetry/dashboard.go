package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dashboardWriteWait = 5 * time.Second
	dashboardRedial    = 5 * time.Second
)

// DashboardSink forwards bus events to an external dashboard over a
// WebSocket connection. Events arriving while the sink is disconnected are
// dropped; the bus already bounds the buffer.
type DashboardSink struct {
	url    string
	bus    *Bus
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDashboardSink creates a sink pointed at url (ws:// or wss://).
func NewDashboardSink(url string, bus *Bus, logger *slog.Logger) *DashboardSink {
	return &DashboardSink{
		url:    url,
		bus:    bus,
		logger: logger.With("component", "dashboard-sink"),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the bus and begins forwarding in the background.
func (s *DashboardSink) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ch := s.bus.Subscribe()
	go s.run(ctx, ch)
}

// Stop tears the sink down and waits for the forwarder to exit.
func (s *DashboardSink) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *DashboardSink) run(ctx context.Context, ch chan *Event) {
	defer close(s.done)
	defer s.bus.Unsubscribe(ch)

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			if conn == nil {
				conn = s.dial(ctx)
				if conn == nil {
					continue // still down; event dropped
				}
			}
			payload, err := event.JSON()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("dashboard write failed, reconnecting", "error", err)
				conn.Close()
				conn = nil
			}
		}
	}
}

// dial makes a single connection attempt; failures only log.
func (s *DashboardSink) dial(ctx context.Context) *websocket.Conn {
	dialCtx, cancel := context.WithTimeout(ctx, dashboardRedial)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		s.logger.Warn("dashboard dial failed", "url", s.url, "error", err)
		return nil
	}
	s.logger.Info("dashboard telemetry connected", "url", s.url)
	return conn
}
