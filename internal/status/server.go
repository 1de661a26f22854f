package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/charging"
	"github.com/theY4Kman/psu-progs/internal/config"
	"github.com/theY4Kman/psu-progs/internal/metrics"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

type ResultView struct {
	charging.Result
	Reason string `json:"reason,omitempty"`
}

// Snapshot is served on /status and sent to every new websocket client.
type Snapshot struct {
	SessionID  string               `json:"session_id,omitempty"`
	State      string               `json:"state"`
	Parameters *charging.Parameters `json:"parameters,omitempty"`
	Failures   int                  `json:"failures"`
	LastTick   *charging.TickReport `json:"last_tick,omitempty"`
	Result     *ResultView          `json:"result,omitempty"`
}

// Event is one websocket message.
type Event struct {
	Type     string               `json:"type"`
	Snapshot *Snapshot            `json:"snapshot,omitempty"`
	Tick     *charging.TickReport `json:"tick,omitempty"`
	Failures int                  `json:"failures,omitempty"`
	Error    string               `json:"error,omitempty"`
	Result   *ResultView          `json:"result,omitempty"`
}

type client struct {
	send chan Event
}

type Server struct {
	server    *http.Server
	upgrader  websocket.Upgrader
	config    config.StatusConfig
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	accessLog *io.PipeWriter
	mutex     sync.RWMutex
	stopOnce  sync.Once
	stopped   bool

	snapshot Snapshot
	clients  map[*client]struct{}
}

func NewServer(cfg config.StatusConfig, m *metrics.Metrics, logger *logrus.Logger) *Server {
	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		accessLog: logger.WriterLevel(logrus.DebugLevel),
		snapshot:  Snapshot{State: charging.Initializing.String()},
		clients:   make(map[*client]struct{}),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/status", s.metrics.WrapHandler("/status", http.HandlerFunc(s.handleStatus))).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Handler is the router behind an access log written at debug level.
func (s *Server) Handler() http.Handler {
	return handlers.LoggingHandler(s.accessLog, s.Router())
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return nil
	}
	s.server = server
	s.mutex.Unlock()

	s.logger.Infof("Starting status server on %s", s.config.Listen)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("status server failed: %w", err)
	}

	return nil
}

// Stop closes the listener, every websocket client and the access log. Only
// the first call has any effect.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stopped = true

	if s.server != nil {
		s.logger.Info("Stopping status server")
		s.server.Close()
	}

	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}

	s.accessLog.Close()
}

func (s *Server) ObserveStart(sessionID string, params charging.Parameters) {
	s.mutex.Lock()
	s.snapshot = Snapshot{
		SessionID:  sessionID,
		State:      charging.Sampling.String(),
		Parameters: &params,
	}
	snap := s.snapshot
	s.mutex.Unlock()

	s.broadcast(Event{Type: "start", Snapshot: &snap})
}

func (s *Server) ObserveTick(r charging.TickReport) {
	s.mutex.Lock()
	s.snapshot.LastTick = &r
	s.snapshot.Failures = 0
	s.mutex.Unlock()

	s.broadcast(Event{Type: "tick", Tick: &r})
}

func (s *Server) ObserveFailure(failures int, err error) {
	s.mutex.Lock()
	s.snapshot.Failures = failures
	s.mutex.Unlock()

	s.broadcast(Event{Type: "failure", Failures: failures, Error: err.Error()})
}

func (s *Server) ObserveResult(r charging.Result) {
	view := &ResultView{Result: r, Reason: r.ReasonText()}

	s.mutex.Lock()
	s.snapshot.State = r.Outcome.String()
	s.snapshot.Result = view
	s.mutex.Unlock()

	s.broadcast(Event{Type: "result", Result: view})
}

func (s *Server) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshot
}

// broadcast never blocks the control loop; a client that cannot keep up
// loses the event.
func (s *Server) broadcast(ev Event) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.logger.Warnf("Status client too slow, dropping %s event", ev.Type)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.logger.Errorf("Failed to encode status: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := &client{send: make(chan Event, clientBuffer)}

	s.mutex.Lock()
	snap := s.snapshot
	c.send <- Event{Type: "snapshot", Snapshot: &snap}
	s.clients[c] = struct{}{}
	s.mutex.Unlock()

	s.logger.Infof("Status client connected from %s", conn.RemoteAddr())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.mutex.Lock()
		delete(s.clients, c)
		s.mutex.Unlock()
		s.logger.Infof("Status client %s disconnected", conn.RemoteAddr())
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warnf("Failed to write to status client: %v", err)
				return
			}
		case <-closed:
			return
		}
	}
}
