package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devskill-org/hvac-mpc/logging"
)

// StatusServer provides HTTP endpoints for health checking, monitoring and a
// live websocket feed of control steps
type StatusServer struct {
	loop      *Loop
	metrics   *Metrics
	server    *http.Server
	handler   http.Handler
	port      int
	startTime time.Time
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	logger    *zap.Logger
}

// HealthResponse is the body of /api/health
type HealthResponse struct {
	Status    string        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Control   ControlHealth `json:"control"`
	System    SystemHealth  `json:"system"`
}

// ControlHealth represents loop-specific health information
type ControlHealth struct {
	RunID          string `json:"run_id"`
	IsRunning      bool   `json:"is_running"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps"`
	Zones          int    `json:"zones"`
	Horizon        int    `json:"horizon"`
	LastError      string `json:"last_error,omitempty"`
}

// SystemHealth is process level health
type SystemHealth struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines,omitempty"`
}

// Version is reported by the health endpoint
const Version = "1.0.0"

// NewStatusServer creates the status server. It returns nil when port is not
// positive; a nil server is valid and does nothing.
func NewStatusServer(loop *Loop, metrics *Metrics, port int, logger *zap.Logger) *StatusServer {
	if port <= 0 {
		return nil // Status server disabled
	}

	s := &StatusServer{
		loop:      loop,
		metrics:   metrics,
		port:      port,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // status feed is read-only
			},
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		logger:    logging.OrNop(logger).Named("server"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/ready", s.readinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/ws", s.wsHandler)
	if metrics != nil {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	accessLog := zap.NewStdLog(s.logger.Named("access")).Writer()
	s.handler = handlers.LoggingHandler(accessLog, router)
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of the server
func (s *StatusServer) Handler() http.Handler {
	return s.handler
}

// Start starts the status server
func (s *StatusServer) Start() error {
	if s == nil {
		return nil // Status server disabled
	}

	s.startBroadcasting()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// the control loop keeps running without the status server
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()

	s.logger.Info("Status server listening", zap.Int("port", s.port))
	return nil
}

func (s *StatusServer) startBroadcasting() {
	go s.handleBroadcasts()
	go s.broadcastStatus()
}

// Stop gracefully stops the status server
func (s *StatusServer) Stop(ctx context.Context) error {
	if s == nil {
		return nil // Status server disabled
	}

	// stop broadcaster goroutines
	s.stopOnce.Do(func() { close(s.done) })

	// drop every websocket client
	s.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})

	return s.server.Shutdown(ctx)
}

// RecordStep pushes a completed step to connected websocket clients
func (s *StatusServer) RecordStep(_ context.Context, rec *StepRecord) error {
	if s == nil {
		return nil
	}

	message, err := json.Marshal(map[string]any{
		"type": "step",
		"step": rec,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	select {
	case s.broadcast <- message:
		return nil
	case <-s.done:
		return nil
	default:
		return fmt.Errorf("broadcast queue full, dropping step %d", rec.Step+1)
	}
}

func (s *StatusServer) health() (HealthResponse, bool) {
	status := s.loop.Status()
	topology := s.loop.Topology()

	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		Control: ControlHealth{
			RunID:          status.RunID,
			IsRunning:      status.IsRunning,
			CompletedSteps: status.CompletedSteps,
			TotalSteps:     status.TotalSteps,
			Zones:          len(topology.Zones),
			Horizon:        topology.Horizon,
			LastError:      status.LastError,
		},
		System: SystemHealth{
			Uptime:     formatUptime(time.Since(s.startTime)),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	healthy := status.LastError == ""
	if !healthy {
		health.Status = "unhealthy"
	}
	return health, healthy
}

// healthHandler serves /api/health
func (s *StatusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	health, healthy := s.health()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// readinessHandler serves /api/ready
func (s *StatusServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	status := s.loop.Status()

	ready := map[string]any{
		"ready":     status.IsRunning,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")

	if !status.IsRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(ready); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// statusHandler serves /api/status
func (s *StatusServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"control_status": s.loop.Status(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// wsHandler upgrades /api/ws and registers the client
func (s *StatusServer) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	// Send initial data before the client joins the broadcast set
	s.sendStatusToClient(conn)

	// Register new client
	s.clients.Store(conn, true)
	s.logger.Info("New WebSocket client connected", zap.Int("clients", s.clientCount()))

	// client went away
	defer func() {
		s.clients.Delete(conn)
		conn.Close()
		s.logger.Info("WebSocket client disconnected", zap.Int("clients", s.clientCount()))
	}()

	// drain client frames until the connection closes
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket error", zap.Error(err))
			}
			break
		}
	}
}

func (s *StatusServer) clientCount() int {
	count := 0
	s.clients.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

// handleBroadcasts fans queued messages out to every client
func (s *StatusServer) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, value any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}

				err := conn.WriteMessage(websocket.TextMessage, message)
				if err != nil {
					s.logger.Warn("WebSocket write error", zap.Error(err))
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

// broadcastStatus pushes a status_update to all clients every 5 seconds
func (s *StatusServer) broadcastStatus() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.clientCount() == 0 {
				continue
			}

			message, err := json.Marshal(s.buildStatusData())
			if err != nil {
				s.logger.Warn("Failed to marshal status data", zap.Error(err))
				continue
			}
			select {
			case s.broadcast <- message:
			default:
			}
		case <-s.done:
			return
		}
	}
}

// sendStatusToClient writes one status_update to conn
func (s *StatusServer) sendStatusToClient(conn *websocket.Conn) {
	if err := conn.WriteJSON(s.buildStatusData()); err != nil {
		s.logger.Warn("Failed to send initial data", zap.Error(err))
	}
}

// buildStatusData merges loop status with process health
func (s *StatusServer) buildStatusData() map[string]any {
	health, _ := s.health()
	return map[string]any{
		"type":   "status_update",
		"health": health,
		"status": s.loop.Status(),
	}
}

// formatUptime renders d rounded to whole seconds
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
