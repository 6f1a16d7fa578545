package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iyulab/system-vigil/internal/event"
)

// Ingress defaults.
const (
	DefaultReadTimeout     = 5 * time.Second
	DefaultMaxMessageBytes = 64 * 1024
	DefaultRatePerSecond   = 200
	DefaultRateBurst       = 400
)

// Publisher accepts validated events.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) (uint64, error)
}

// Appender durably records events accepted through the socket.
type Appender interface {
	Append(ev event.Event) error
}

// Ack is the one-line reply to every ingress message.
type Ack struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngressOptions configures the Unix socket listener.
type IngressOptions struct {
	Path            string
	Mode            os.FileMode
	ReadTimeout     time.Duration
	MaxMessageBytes int
	RatePerSecond   float64
	RateBurst       int
	// Journal, when set, records every event the broker accepted from the
	// socket. A journal failure is logged; the event stays accepted.
	Journal Appender
}

// IngressServer reads newline-delimited JSON events from local producers.
type IngressServer struct {
	pub    Publisher
	opts   IngressOptions
	logger *zap.Logger

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewIngress creates an ingress server publishing into pub.
func NewIngress(pub Publisher, opts IngressOptions, logger *zap.Logger) *IngressServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == 0 {
		opts.Mode = 0o600
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	return &IngressServer{
		pub:    pub,
		opts:   opts,
		logger: logger.Named("ingress"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. A stale socket file left by a crashed broker is
// removed; a live one, or a non-socket file at the path, is an error.
func (s *IngressServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStaleSocket(s.opts.Path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.opts.Path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Path, err)
	}
	if err := os.Chmod(s.opts.Path, s.opts.Mode); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.opts.Path, err)
	}
	s.ln = ln
	s.logger.Info("ingress listening", zap.String("socket", s.opts.Path))
	return nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%s is in use by another broker", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Path returns the socket path.
func (s *IngressServer) Path() string {
	return s.opts.Path
}

// Serve accepts connections until ctx is cancelled, then closes the listener,
// closes open connections and removes the socket file.
func (s *IngressServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting and drops open connections.
func (s *IngressServer) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	os.Remove(s.opts.Path)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *IngressServer) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *IngressServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Limit(s.opts.RatePerSecond), s.opts.RateBurst)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.opts.MaxMessageBytes)), s.opts.MaxMessageBytes)
	enc := json.NewEncoder(conn)

	reply := func(a Ack) bool {
		conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
		if err := enc.Encode(a); err != nil {
			s.logger.Debug("ack write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					reply(Ack{Error: fmt.Sprintf("message exceeds %d bytes", s.opts.MaxMessageBytes)})
				}
				var ne net.Error
				if !errors.As(err, &ne) || !ne.Timeout() {
					s.logger.Debug("connection read ended", zap.Error(err))
				}
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !limiter.Allow() {
			if !reply(Ack{Error: "rate limit exceeded"}) {
				return
			}
			continue
		}

		ev, err := event.ParseWire(line)
		if err != nil {
			s.logger.Info("rejected event", zap.Error(err))
			if !reply(Ack{Error: err.Error()}) {
				return
			}
			continue
		}

		seq, err := s.pub.Publish(ctx, ev)
		if err != nil {
			if !reply(Ack{EventID: ev.ID, Error: err.Error()}) {
				return
			}
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return
			}
			continue
		}
		if s.opts.Journal != nil {
			if err := s.opts.Journal.Append(ev); err != nil {
				s.logger.Error("journal append failed", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}
		if !reply(Ack{OK: true, EventID: ev.ID, Seq: seq}) {
			return
		}
	}
}
