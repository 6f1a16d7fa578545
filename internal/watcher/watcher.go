package watcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/metrics"
	"github.com/iyulab/system-vigil/internal/platform"
)

// Service is a runnable watcher.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Build creates a runner for every enabled watcher. A watcher whose
// configuration is invalid is left out and its ConfigurationError returned;
// the others still run.
func Build(cfg config.WatchersConfig, emit Emitter, logger *zap.Logger, m *metrics.Metrics) ([]Service, []error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var services []Service
	var problems []error

	if fc := cfg.Filesystem; fc.Enabled {
		src, err := NewFilesystem(fc, nil)
		if err != nil {
			problems = append(problems, err)
		} else {
			nudge := make(chan struct{}, 1)
			services = append(services, &filesystemService{
				Runner: NewRunner[FileSnapshot](src, emit, logger, Options{
					Interval:        fc.Interval,
					BackoffInterval: fc.BackoffInterval,
					Nudge:           nudge,
					Metrics:         m,
				}),
				roots:  fc.Paths,
				notify: fc.Notify,
				nudge:  nudge,
				logger: logger,
			})
		}
	}

	if pc := cfg.Process; pc.Enabled {
		src, err := NewProcess(pc, nil)
		if err != nil {
			problems = append(problems, err)
		} else {
			services = append(services, NewRunner[ProcessSnapshot](src, emit, logger, Options{
				Interval:        pc.Interval,
				BackoffInterval: pc.BackoffInterval,
				Metrics:         m,
			}))
		}
	}

	if nc := cfg.Network; nc.Enabled {
		src, err := NewNetwork(nc, nil)
		if err != nil {
			problems = append(problems, err)
		} else {
			services = append(services, NewRunner[platform.ConnTable](src, emit, logger, Options{
				Interval:        nc.Interval,
				BackoffInterval: nc.BackoffInterval,
				Metrics:         m,
			}))
		}
	}

	for _, p := range problems {
		logger.Error("watcher disabled", zap.Error(p))
	}
	return services, problems
}

// filesystemService adds the fsnotify early-poll trigger to the filesystem
// runner.
type filesystemService struct {
	*Runner[FileSnapshot]
	roots  []string
	notify bool
	nudge  chan struct{}
	logger *zap.Logger
}

func (s *filesystemService) Run(ctx context.Context) error {
	if s.notify {
		if err := watchNotify(ctx, s.roots, s.nudge, s.logger); err != nil {
			s.logger.Warn("filesystem notifications unavailable, polling only", zap.Error(err))
		}
	}
	return s.Runner.Run(ctx)
}
