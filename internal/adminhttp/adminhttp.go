// Package adminhttp serves the scheduler's observability surface:
// /metrics (Prometheus), /healthz, /debug/registry (a JSON snapshot of
// C3's engine list), and /ws/monitor, a websocket relay for tagged
// mirrors handed to PublishMonitor. Grounded on cmd/cb-monitor/main.go's
// CircuitBreakerMonitor — same gorilla/mux router, gorilla/websocket
// upgrader-plus-broadcast-channel shape, generalized from one circuit
// breaker's state to the scheduler's registry/dispatcher surface.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/basalt-run/taskweave/internal/registry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MonitorMessage is the shape relayed to every connected /ws/monitor
// client, mirroring cb-monitor's own MonitorMessage envelope.
type MonitorMessage struct {
	Tag       string          `json:"tag"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RegistrySnapshot is the /debug/registry response shape.
type RegistrySnapshot struct {
	Engines []EngineSnapshot `json:"engines"`
}

// EngineSnapshot describes one engine's position and load.
type EngineSnapshot struct {
	ID    string `json:"id"`
	Load  int    `json:"load"`
	Index int    `json:"index"`
}

// Server wires the admin HTTP surface around a live Registry and a
// Prometheus registerer.
type Server struct {
	reg      *registry.Registry
	promReg  *prometheus.Registry
	log      *zap.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	broadcast chan MonitorMessage
	stop      chan struct{}

	httpServer *http.Server
}

// New builds a Server. promReg is the dedicated registry metrics.New was
// constructed against, so /metrics reports exactly the scheduler's own
// series.
func New(addr string, reg *registry.Registry, promReg *prometheus.Registry, log *zap.Logger) *Server {
	s := &Server{
		reg:     reg,
		promReg: promReg,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan MonitorMessage, 256),
		stop:      make(chan struct{}),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/debug/registry", s.handleDebugRegistry).Methods(http.MethodGet)
	router.HandleFunc("/ws/monitor", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the underlying router directly, for tests that want to
// exercise a handler via httptest without binding a real listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// PublishMonitor fans a mon_stream mirror (tag + header bytes) out to
// every connected websocket client. /ws/monitor clients receive only what
// is passed here; cmd/scheduler does not call it, so in that binary the
// dispatcher's monitor mirrors go to the ZMQ mon_stream alone.
func (s *Server) PublishMonitor(tag string, payload []byte) {
	select {
	case s.broadcast <- MonitorMessage{Tag: tag, Timestamp: time.Now(), Payload: json.RawMessage(payload)}:
	default:
		s.log.Warn("adminhttp: monitor broadcast backlog full, dropping", zap.String("tag", tag))
	}
}

// Run starts the broadcast pump and serves HTTP until stopCh is closed.
func (s *Server) Run(stopCh <-chan struct{}) error {
	go s.broadcastLoop(stopCh)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stopCh:
		close(s.stop)
		return s.httpServer.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) broadcastLoop(stopCh <-chan struct{}) {
	for {
		select {
		case msg := <-s.broadcast:
			s.clientsMu.RLock()
			for conn := range s.clients {
				if err := conn.WriteJSON(msg); err != nil {
					conn.Close()
					go s.removeClient(conn)
				}
			}
			s.clientsMu.RUnlock()
		case <-stopCh:
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("adminhttp: websocket upgrade failed", zap.Error(err))
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	// Drain reads so the peer's close/ping frames are observed; the
	// monitor bridge itself is write-only.
	go func() {
		defer func() {
			s.removeClient(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleDebugRegistry(w http.ResponseWriter, _ *http.Request) {
	targets := s.reg.Targets()
	loads := s.reg.Loads()
	snap := RegistrySnapshot{Engines: make([]EngineSnapshot, 0, len(targets))}
	for i, id := range targets {
		snap.Engines = append(snap.Engines, EngineSnapshot{ID: string(id), Load: loads[i], Index: i})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
