package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/correlation"
	"github.com/iyulab/system-vigil/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxClientMessage = 512
	maxRecentLimit   = 1000
)

// Incidents is the incident registry the egress server exposes.
type Incidents interface {
	List() []correlation.Incident
	Resolve(id string) (correlation.Incident, error)
}

// EgressOptions configures the loopback HTTP server.
type EgressOptions struct {
	// QueueSize is the per-WebSocket subscriber queue.
	QueueSize int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Incidents enables the incident routes when set.
	Incidents Incidents
	// PingPeriod overrides the keepalive interval, for tests.
	PingPeriod time.Duration
}

// EgressServer serves broker state and the live stream on loopback only.
type EgressServer struct {
	broker   *Broker
	opts     EgressOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewEgress creates an egress server over b.
func NewEgress(b *Broker, opts EgressOptions, logger *zap.Logger) *EgressServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = pingPeriod
	}
	return &EgressServer{
		broker: b,
		opts:   opts,
		logger: logger.Named("egress"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// loopback only; local UIs are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (s *EgressServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events/recent", s.handleRecent).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	if s.opts.Incidents != nil {
		r.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
		r.HandleFunc("/incidents/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	}
	return r
}

// Start listens on addr, which must be a loopback host:port (port 0 picks
// one). It returns the bound address.
func (s *EgressServer) Start(ctx context.Context, addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return "", fmt.Errorf("listen address %q is not loopback", addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.httpServer.Serve(ln) //nolint:errcheck

	s.logger.Info("egress listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Stop shuts the server down, waiting up to ctx for streams to finish.
func (s *EgressServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = s.httpServer.Close()
	}
	s.wg.Wait()
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *EgressServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.broker.Stats(),
	})
}

func (s *EgressServer) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}
	evs, err := s.broker.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if evs == nil {
		evs = []event.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *EgressServer) handleIncidents(w http.ResponseWriter, r *http.Request) {
	incidents := s.opts.Incidents.List()
	if incidents == nil {
		incidents = []correlation.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *EgressServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inc, err := s.opts.Incidents.Resolve(id)
	if errors.Is(err, correlation.ErrIncidentNotFound) {
		http.Error(w, "incident not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleStream upgrades to a WebSocket and sends the cache replay followed by
// live events, one JSON event per text frame.
func (s *EgressServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	name := "ws:" + r.RemoteAddr
	sub, err := s.broker.Subscribe(ctx, name, s.opts.QueueSize)
	if err != nil {
		cancel()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.readPump(conn)
	}()

	s.logger.Info("stream subscriber connected", zap.String("subscriber", name))
	s.writePump(ctx, conn, sub)
	sub.Close()
	conn.Close()
	cancel()
	s.logger.Info("stream subscriber disconnected",
		zap.String("subscriber", name), zap.Uint64("dropped", sub.Dropped()))
}

// readPump consumes control frames so pongs and close are processed. Client
// data frames are ignored.
func (s *EgressServer) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(s.opts.PingPeriod * 10 / 9))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PingPeriod * 10 / 9))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *EgressServer) writePump(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	events := make(chan event.Event)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("stream write failed", zap.Error(&DeliveryError{Target: sub.Name(), EventID: ev.ID, Err: err}))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
