package node

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newBTPServer serves the peering WebSocket endpoint. No read or write
// timeouts: connections are long-lived and keepalive runs at the protocol
// level.
func (n *Node) newBTPServer() *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/", n.registry.HandleWebSocket)
	r.HandleFunc("/btp", n.registry.HandleWebSocket)
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", n.cfg.BTPServerPort),
		Handler: r,
	}
}

// newHealthServer serves the operational surface.
func (n *Node) newHealthServer() *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", n.handleHealthz).Methods("GET")
	r.HandleFunc("/routes", n.handleRoutes).Methods("GET")
	r.HandleFunc("/peers", n.handlePeers).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", n.cfg.HealthCheckPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

func (n *Node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := n.Health()
	ready, total := n.registry.ReadyCount()

	status := http.StatusOK
	if health != HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":         health.String(),
		"nodeId":         n.cfg.NodeID,
		"uptimeSecs":     int(time.Since(n.startedAt).Seconds()),
		"peersConnected": ready,
		"totalPeers":     total,
	})
}

func (n *Node) handleRoutes(w http.ResponseWriter, r *http.Request) {
	type row struct {
		Prefix   string `json:"prefix"`
		NextHop  string `json:"nextHop"`
		Priority int32  `json:"priority"`
	}
	routes := n.routes.Snapshot()
	out := make([]row, 0, len(routes))
	for _, rt := range routes {
		out = append(out, row{Prefix: string(rt.Prefix), NextHop: rt.NextHop, Priority: rt.Priority})
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) handlePeers(w http.ResponseWriter, r *http.Request) {
	type row struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Static bool   `json:"static"`
	}
	statuses := n.registry.Statuses()
	out := make([]row, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, row{ID: st.ID, State: st.State.String(), Static: st.Static})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
