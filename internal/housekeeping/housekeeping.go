// Package housekeeping releases coordination state abandoned by clients that
// went away without closing their session.
package housekeeping

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	kindLock = "lock"
	kindSave = "save"
)

// Sweeper clears stale locks and save flags.
type Sweeper interface {
	ReleaseStaleLocks(ctx context.Context, ttl time.Duration) (int, error)
	ClearStuckSaves(ctx context.Context, ttl time.Duration) (int, error)
}

// Recorder counts what each sweep cleared.
type Recorder interface {
	HousekeepingReleased(kind string, count int)
}

// Config describes the sweep cadence and thresholds.
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
	SaveTTL  time.Duration
}

// Housekeeping periodically runs the sweep until stopped.
type Housekeeping struct {
	sweeper  Sweeper
	recorder Recorder
	logger   *zap.Logger
	config   Config

	ctx        context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
	startOnce  sync.Once
}

// New creates a housekeeping instance. recorder and logger may be nil.
func New(config Config, sweeper Sweeper, recorder Recorder, logger *zap.Logger) (*Housekeeping, error) {
	if sweeper == nil {
		return nil, errors.New("housekeeping: sweeper is required")
	}
	if config.Interval < 0 || config.LockTTL < 0 || config.SaveTTL < 0 {
		return nil, errors.New("housekeeping: durations must not be negative")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Housekeeping{
		sweeper:    sweeper,
		recorder:   recorder,
		logger:     logger,
		config:     config,
		ctx:        ctx,
		cancelFunc: cancelFunc,
		done:       make(chan struct{}),
	}, nil
}

// Start launches the loop. A zero interval disables housekeeping.
func (h *Housekeeping) Start() {
	h.startOnce.Do(func() {
		if h.config.Interval == 0 {
			close(h.done)
			return
		}
		go h.run()
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (h *Housekeeping) Stop() {
	h.cancelFunc()
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}

func (h *Housekeeping) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Sweep(h.ctx)
		case <-h.ctx.Done():
			return
		}
	}
}

// Sweep runs one pass. Failures are logged and retried on the next tick.
func (h *Housekeeping) Sweep(ctx context.Context) {
	if h.config.LockTTL > 0 {
		released, err := h.sweeper.ReleaseStaleLocks(ctx, h.config.LockTTL)
		if err != nil {
			h.logger.Error("housekeeping lock sweep failed", zap.Error(err))
		} else {
			h.record(kindLock, released)
		}
	}
	if h.config.SaveTTL > 0 {
		cleared, err := h.sweeper.ClearStuckSaves(ctx, h.config.SaveTTL)
		if err != nil {
			h.logger.Error("housekeeping save sweep failed", zap.Error(err))
		} else {
			h.record(kindSave, cleared)
		}
	}
}

func (h *Housekeeping) record(kind string, count int) {
	if count == 0 {
		return
	}
	if h.recorder != nil {
		h.recorder.HousekeepingReleased(kind, count)
	}
	h.logger.Info("housekeeping released state", zap.String("kind", kind), zap.Int("count", count))
}
