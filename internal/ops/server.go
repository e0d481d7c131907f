package ops

import (
	"adaptive-risk-go/internal/adaptation"
	"adaptive-risk-go/internal/drift"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the operator-facing monitoring surface: health and summary
// endpoints, Prometheus metrics and a websocket stream of control-loop
// events. It only reads from the core; it never mutates adaptive state.
type Server struct {
	core   *adaptation.Core
	addr   string
	logger *zap.SugaredLogger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a monitoring server bound to addr.
func NewServer(core *adaptation.Core, addr string, logger *zap.SugaredLogger) *Server {
	return &Server{
		core:     core,
		addr:     addr,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  make(map[*websocket.Conn]bool),
		stopChan: make(chan struct{}),
	}
}

// Start launches the HTTP listener and the event pump.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", s.handleEvents)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	s.wg.Add(2)
	go s.serve()
	go s.eventPump()
	s.logger.Infof("ops server listening on %s", s.addr)
}

// Stop shuts the listener down and disconnects websocket clients.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.clientsMu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Errorf("ops server failed: %v", err)
	}
}

// handleHealth reports degraded (503) while a storage failure is pending,
// per the operator-facing health-signal policy: in-memory state keeps
// serving reads, but the operator has to know writes are failing.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := s.core.Summary()
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if summary.LastStorageError != "" {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "degraded", "storage_error": summary.LastStorageError}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.core.Summary())
}

// handleEvents upgrades the connection and registers it for event broadcast.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	// Reader goroutine only detects disconnects; clients never send data.
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, conn)
			s.clientsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// eventPump consumes the core's event stream, updates metrics and fans the
// events out to connected websocket clients. Gauges are refreshed on a
// coarse ticker from the core summary.
func (s *Server) eventPump() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.refreshGauges()
		case event, ok := <-s.core.Events():
			if !ok {
				return
			}
			s.countEvent(event)
			s.broadcast(event)
		}
	}
}

func (s *Server) refreshGauges() {
	summary := s.core.Summary()
	metricOutcomesLogged.Set(float64(summary.Trades))
	metricGlobalTau.Set(summary.GlobalThreshold)
	if summary.Drift.PrudentModeActive {
		metricPrudentMode.Set(1)
	} else {
		metricPrudentMode.Set(0)
	}
}

func (s *Server) countEvent(event adaptation.Event) {
	switch event.Kind {
	case adaptation.EventCycleCompleted:
		metricCyclesRun.Inc()
		s.refreshGauges()
	case adaptation.EventDriftDetected:
		metric := drift.MetricReturn
		if m, ok := event.Detail["metric"].(string); ok {
			metric = m
		}
		metricDriftEvents.WithLabelValues(metric).Inc()
	case adaptation.EventCooldownActive:
		metricCooldownHits.Inc()
	case adaptation.EventStorageFailure:
		metricStorageErrors.Inc()
	}
}

func (s *Server) broadcast(event adaptation.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}
