package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/correlation"
)

// Publisher is the part of *nats.Conn the NATS dispatcher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes incidents as JSON on <prefix>.<severity>.
type NATS struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATS creates a dispatcher over an existing publisher.
func NewNATS(pub Publisher, prefix string) *NATS {
	return &NATS{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// ConnectNATS dials the configured server. The connection reconnects on its
// own; the returned dispatcher owns it and closes it on Close.
func ConnectNATS(cfg config.NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dispatch.nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}
	d := NewNATS(nc, cfg.SubjectPrefix)
	d.conn = nc
	return d, nil
}

// Subject returns the subject an incident is published on.
func (d *NATS) Subject(inc correlation.Incident) string {
	return d.prefix + "." + string(inc.Severity)
}

func (d *NATS) Dispatch(ctx context.Context, inc correlation.Incident) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	if err := d.pub.Publish(d.Subject(inc), data); err != nil {
		return fmt.Errorf("publish incident %s: %w", inc.ID, err)
	}
	return nil
}

// Close flushes and closes an owned connection.
func (d *NATS) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Drain()
	if err != nil {
		d.conn.Close()
	}
	return err
}
