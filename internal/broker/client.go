package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iyulab/system-vigil/internal/event"
)

// IngressClient sends events to a broker's Unix socket and waits for the ack.
// It redials once if the connection was dropped. Safe for concurrent use.
type IngressClient struct {
	path    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewIngressClient creates a client for the socket at path. Nothing is dialed
// until the first Send.
func NewIngressClient(path string, timeout time.Duration) *IngressClient {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &IngressClient{path: path, timeout: timeout}
}

// Send writes ev and returns the broker's ack. A negative ack is returned as
// an error alongside the ack.
func (c *IngressClient) Send(ctx context.Context, ev event.Event) (Ack, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal event: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes one pre-encoded wire record.
func (c *IngressClient) SendRaw(ctx context.Context, record []byte) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ack, err := c.roundTrip(ctx, record)
	if err != nil && c.conn != nil && !isAckError(err) {
		// stale connection; retry once on a fresh one
		c.reset()
		ack, err = c.roundTrip(ctx, record)
	}
	if err != nil && !isAckError(err) {
		c.reset()
	}
	return ack, err
}

// Deliver sends ev, for use as a remote writer target.
func (c *IngressClient) Deliver(ctx context.Context, ev event.Event) error {
	_, err := c.Send(ctx, ev)
	return err
}

// Close closes the underlying connection.
func (c *IngressClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

type ackError struct{ msg string }

func (e *ackError) Error() string { return "broker rejected event: " + e.msg }

func isAckError(err error) bool {
	var ae *ackError
	return errors.As(err, &ae)
}

func (c *IngressClient) roundTrip(ctx context.Context, record []byte) (Ack, error) {
	if c.conn == nil {
		var d net.Dialer
		dctx, cancel := context.WithTimeout(ctx, c.timeout)
		conn, err := d.DialContext(dctx, "unix", c.path)
		cancel()
		if err != nil {
			return Ack{}, fmt.Errorf("dial %s: %w", c.path, err)
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	line := make([]byte, 0, len(record)+1)
	line = append(append(line, record...), '\n')
	if _, err := c.conn.Write(line); err != nil {
		return Ack{}, fmt.Errorf("write: %w", err)
	}
	resp, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Ack{}, fmt.Errorf("read ack: %w", err)
	}
	var ack Ack
	if err := json.Unmarshal(resp, &ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	if !ack.OK {
		return ack, &ackError{msg: ack.Error}
	}
	return ack, nil
}

func (c *IngressClient) reset() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// StreamClient subscribes to a broker's egress WebSocket.
type StreamClient struct {
	conn *websocket.Conn
}

// DialStream connects to ws://addr/stream. addr is host:port or a full
// http(s)/ws(s) URL.
func DialStream(ctx context.Context, addr string) (*StreamClient, error) {
	u, err := streamURL(addr)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return &StreamClient{conn: conn}, nil
}

func streamURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "ws", Host: addr}
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}
	u.Path = "/stream"
	return u.String(), nil
}

// Next blocks until the next event arrives or ctx is cancelled. Cancelling
// ctx closes the connection.
func (c *StreamClient) Next(ctx context.Context) (event.Event, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return event.Event{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return event.Event{}, ErrClosed
		}
		return event.Event{}, fmt.Errorf("read stream: %w", err)
	}
	return event.ParseWire(data)
}

// Close sends a close frame and closes the connection.
func (c *StreamClient) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}
