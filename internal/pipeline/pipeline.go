// Package pipeline wires watchers, writer, broker, correlation and dispatch
// into one supervised process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iyulab/system-vigil/internal/broker"
	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/correlation"
	"github.com/iyulab/system-vigil/internal/dispatch"
	"github.com/iyulab/system-vigil/internal/journal"
	"github.com/iyulab/system-vigil/internal/metrics"
	"github.com/iyulab/system-vigil/internal/watcher"
	"github.com/iyulab/system-vigil/internal/writer"
)

// Mode selects which components run in this process.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeBroker    Mode = "broker"
	ModeWatch     Mode = "watch"
	ModeCorrelate Mode = "correlate"
)

const (
	shutdownTimeout = 5 * time.Second
	reconnectWait   = 2 * time.Second
)

// Options holds process-level settings that are not part of the config file.
type Options struct {
	Mode    Mode
	Metrics *metrics.Metrics
	// Dispatchers are offered every incident alongside the configured ones.
	Dispatchers []dispatch.Dispatcher
	// Rules replaces rule loading when non-nil.
	Rules []*correlation.Rule
}

// Pipeline owns every component of one vigil process.
type Pipeline struct {
	cfg     *config.Config
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	broker   *broker.Broker
	ingress  *broker.IngressServer
	egress   *broker.EgressServer
	journal  *journal.Journal
	writer   *writer.Writer
	watchers []watcher.Service
	engine   *correlation.Engine
	closers  []func() error

	ready      chan struct{}
	egressAddr string
}

// New builds the components the mode needs. Nothing runs until Run.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}
	p := &Pipeline{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: metrics.OrNew(opts.Metrics),
		ready:   make(chan struct{}),
	}

	switch opts.Mode {
	case ModeAll, ModeBroker, ModeWatch, ModeCorrelate:
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	if p.runsBroker() {
		p.broker = broker.New(logger, broker.Options{
			CacheCapacity: cfg.Broker.CacheCapacity,
			Metrics:       p.metrics,
		})
		ingressOpts := broker.IngressOptions{
			Path:            cfg.Broker.Socket,
			Mode:            os.FileMode(cfg.Broker.SocketMode),
			ReadTimeout:     cfg.Broker.IngressTimeout,
			MaxMessageBytes: cfg.Broker.MaxMessageBytes,
			RatePerSecond:   cfg.Broker.RatePerSecond,
			RateBurst:       cfg.Broker.RateBurst,
		}
		if cfg.Journal.Enabled && cfg.Journal.Ingress {
			j, err := p.openJournal()
			if err != nil {
				return nil, err
			}
			ingressOpts.Journal = j
		}
		p.ingress = broker.NewIngress(p.broker, ingressOpts, logger)
	}

	if p.runsWatchers() {
		if err := p.buildWatchers(); err != nil {
			return nil, err
		}
	}

	if p.runsCorrelation() {
		p.buildEngine()
	}

	if p.broker != nil {
		eo := broker.EgressOptions{
			QueueSize: cfg.Broker.QueueSize,
			Metrics:   p.metrics.Handler(),
		}
		if p.engine != nil {
			eo.Incidents = p.engine.Book()
		}
		p.egress = broker.NewEgress(p.broker, eo, logger)
	}
	return p, nil
}

func (p *Pipeline) runsBroker() bool {
	return p.opts.Mode == ModeAll || p.opts.Mode == ModeBroker
}

func (p *Pipeline) runsWatchers() bool {
	return p.opts.Mode == ModeAll || p.opts.Mode == ModeWatch
}

func (p *Pipeline) runsCorrelation() bool {
	return p.opts.Mode == ModeCorrelate || (p.opts.Mode == ModeAll && p.cfg.Correlation.Enabled)
}

// openJournal opens the journal once; the writer and the ingress share it.
func (p *Pipeline) openJournal() (*journal.Journal, error) {
	if p.journal != nil {
		return p.journal, nil
	}
	j, err := journal.Open(p.cfg.Journal.Dir, p.logger)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	p.journal = j
	return j, nil
}

func (p *Pipeline) buildWatchers() error {
	var appender writer.Appender
	if p.cfg.Journal.Enabled {
		j, err := p.openJournal()
		if err != nil {
			return err
		}
		appender = j
	}

	var deliverer writer.Deliverer
	if p.broker != nil {
		deliverer = p.broker
	} else {
		client := broker.NewIngressClient(p.cfg.Broker.Socket, p.cfg.Writer.DeliveryTimeout)
		p.closers = append(p.closers, client.Close)
		deliverer = client
	}

	p.writer = writer.New(appender, deliverer, p.logger, writer.Options{
		DeliveryTimeout: p.cfg.Writer.DeliveryTimeout,
		Metrics:         p.metrics,
	})
	p.watchers, _ = watcher.Build(p.cfg.Watchers, p.writer, p.logger, p.metrics)
	return nil
}

func (p *Pipeline) buildEngine() {
	rules := p.opts.Rules
	if rules == nil {
		rules, _ = LoadRules(p.cfg.Correlation, p.logger)
	}

	dispatchers, closeFn, err := dispatch.Build(p.cfg.Dispatch, p.logger)
	if err != nil {
		p.logger.Error("incident dispatcher disabled", zap.Error(err))
		if p.cfg.Dispatch.Log {
			dispatchers = dispatch.Multi{dispatch.NewLog(p.logger)}
		}
	}
	p.closers = append(p.closers, closeFn)
	dispatchers = append(dispatchers, p.opts.Dispatchers...)

	eo := correlation.Options{
		DedupCapacity: p.cfg.Correlation.DedupCapacity,
		Metrics:       p.metrics,
	}
	if len(dispatchers) > 0 {
		eo.Dispatcher = dispatchers
	}
	p.engine = correlation.NewEngine(rules, p.logger, eo)
}

// LoadRules loads the built-in rules, unless disabled, followed by the rules
// in cfg.RulesDir. Invalid rules are logged and skipped.
func LoadRules(cfg config.CorrelationConfig, logger *zap.Logger) ([]*correlation.Rule, []error) {
	var sources []fs.FS
	if !cfg.DisableBuiltin {
		sources = append(sources, correlation.BuiltinRules())
	}
	if cfg.RulesDir != "" {
		sources = append(sources, os.DirFS(cfg.RulesDir))
	}
	return correlation.LoadRules(logger, sources...)
}

// Broker returns the local broker, or nil when the mode has none.
func (p *Pipeline) Broker() *broker.Broker { return p.broker }

// Engine returns the correlation engine, or nil when the mode has none.
func (p *Pipeline) Engine() *correlation.Engine { return p.engine }

// Writer returns the event writer, or nil when the mode runs no watchers.
func (p *Pipeline) Writer() *writer.Writer { return p.writer }

// Ready is closed once the listeners are bound.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// EgressAddr is the bound egress address; valid after Ready.
func (p *Pipeline) EgressAddr() string { return p.egressAddr }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. On the way out watchers stop first, then the listeners close,
// then the broker loop drains.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting", zap.String("mode", string(p.opts.Mode)),
		zap.Int("watchers", len(p.watchers)))

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	var brokerWG sync.WaitGroup

	if p.broker != nil {
		if err := p.ingress.Listen(); err != nil {
			return fmt.Errorf("ingress: %w", err)
		}
		brokerWG.Add(1)
		go func() {
			defer brokerWG.Done()
			if err := p.broker.Run(brokerCtx); err != nil {
				p.logger.Error("broker stopped", zap.Error(err))
			}
		}()
		addr, err := p.egress.Start(ctx, p.cfg.Broker.Listen)
		if err != nil {
			p.ingress.Close()
			stopBroker()
			brokerWG.Wait()
			return fmt.Errorf("egress: %w", err)
		}
		p.egressAddr = addr
	}

	var sub *broker.Subscription
	if p.engine != nil && p.broker != nil {
		var err error
		sub, err = p.broker.Subscribe(ctx, "correlation", p.cfg.Correlation.QueueSize)
		if err != nil {
			p.ingress.Close()
			p.shutdown(stopBroker, &brokerWG)
			return fmt.Errorf("correlation subscribe: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if p.ingress != nil {
		g.Go(func() error { return p.ingress.Serve(gctx) })
	}
	for _, w := range p.watchers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	switch {
	case sub != nil:
		g.Go(func() error {
			defer sub.Close()
			return p.engine.Run(gctx, sub)
		})
	case p.engine != nil:
		g.Go(func() error { return p.followRemote(gctx) })
	}
	close(p.ready)

	err := g.Wait()
	p.shutdown(stopBroker, &brokerWG)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// followRemote feeds the engine from a remote broker's stream, reconnecting
// until ctx is done. Replayed events after a reconnect are dropped by the
// engine's duplicate check.
func (p *Pipeline) followRemote(ctx context.Context) error {
	addr := p.cfg.Correlation.Remote
	if addr == "" {
		addr = p.cfg.Broker.Listen
	}
	log := p.logger.With(zap.String("remote", addr))
	for {
		client, err := broker.DialStream(ctx, addr)
		if err == nil {
			log.Info("subscribed to remote broker")
			err = p.engine.Run(ctx, client)
			client.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("remote stream lost, retrying", zap.Error(err), zap.Duration("wait", reconnectWait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectWait):
		}
	}
}

func (p *Pipeline) shutdown(stopBroker context.CancelFunc, brokerWG *sync.WaitGroup) {
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if p.egress != nil {
		if err := p.egress.Stop(sctx); err != nil {
			p.logger.Warn("egress shutdown", zap.Error(err))
		}
	}
	stopBroker()
	brokerWG.Wait()

	if p.journal != nil {
		hostname, _ := os.Hostname()
		if err := p.journal.SaveManifest(hostname); err != nil {
			p.logger.Warn("journal manifest not written", zap.Error(err))
		}
	}
	for _, c := range p.closers {
		if err := c(); err != nil {
			p.logger.Debug("close", zap.Error(err))
		}
	}
	if p.broker != nil {
		st := p.broker.Stats()
		p.logger.Info("pipeline stopped",
			zap.Uint64("accepted", st.Accepted),
			zap.Uint64("rejected", st.Rejected),
			zap.Uint64("dropped", st.Dropped))
		return
	}
	p.logger.Info("pipeline stopped")
}
