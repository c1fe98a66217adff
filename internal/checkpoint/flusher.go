package checkpoint

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/psky-social/relay/internal/metrics"
	"go.uber.org/zap"
)

// Position is the latest cursor observed by the consumer. Safe for concurrent use.
type Position struct {
	value atomic.Int64
}

// Observe records cursor when it is ahead of the current value.
func (p *Position) Observe(cursor int64) {
	for {
		current := p.value.Load()
		if cursor <= current {
			return
		}
		if p.value.CompareAndSwap(current, cursor) {
			metrics.StreamCursor.Set(float64(cursor))
			return
		}
	}
}

// Load returns the latest observed cursor.
func (p *Position) Load() int64 {
	return p.value.Load()
}

// FlusherConfig describes the dependencies of a Flusher.
type FlusherConfig struct {
	Store    Store
	Position *Position
	Interval time.Duration
	Logger   *zap.Logger
}

// Flusher saves the observed position on a fixed interval, decoupled from event handling.
type Flusher struct {
	store     Store
	position  *Position
	interval  time.Duration
	logger    *zap.Logger
	lastSaved int64
}

func NewFlusher(cfg FlusherConfig) *Flusher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Flusher{
		store:     cfg.Store,
		position:  cfg.Position,
		interval:  interval,
		logger:    logger,
		lastSaved: cfg.Position.Load(),
	}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.Flush(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush saves the observed position if it advanced since the last successful save.
// Failures are logged and retried on the next call.
func (f *Flusher) Flush(ctx context.Context) bool {
	cursor := f.position.Load()
	if cursor == 0 || cursor <= f.lastSaved {
		return false
	}
	if err := f.store.Save(ctx, cursor); err != nil {
		metrics.CheckpointSaves.WithLabelValues("error").Inc()
		f.logger.Error("checkpoint save failed", zap.Int64("cursor", cursor), zap.Error(err))
		return false
	}
	f.lastSaved = cursor
	metrics.CheckpointSaves.WithLabelValues("ok").Inc()
	f.logger.Debug("checkpoint saved", zap.Int64("cursor", cursor))
	return true
}
