package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkflow-go/gallery/pkg/logger"
)

// Warmer reloads a cached catalog.
type Warmer interface {
	Warm(ctx context.Context) error
}

// specParser accepts five or six field expressions and descriptors such as
// "@every 5m".
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CacheWarmer refreshes the template listing on a cron schedule so readers
// rarely pay for a cold listing.
type CacheWarmer struct {
	cron    *cron.Cron
	target  Warmer
	spec    string
	timeout time.Duration
	logger  logger.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewCacheWarmer(target Warmer, spec string, timeout time.Duration, log logger.Logger) (*CacheWarmer, error) {
	if _, err := specParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid warm schedule %q: %w", spec, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &CacheWarmer{
		cron:    c,
		target:  target,
		spec:    spec,
		timeout: timeout,
		logger:  log,
	}, nil
}

// Start warms once immediately, then on every tick until ctx ends or Stop is
// called.
func (w *CacheWarmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)
	id, err := w.cron.AddFunc(w.spec, w.run)
	if err != nil {
		return fmt.Errorf("schedule cache warmer: %w", err)
	}
	w.entryID = id

	w.logger.Info("Starting cache warmer", "schedule", w.spec)
	go w.run()
	w.cron.Start()
	return nil
}

func (w *CacheWarmer) Stop() {
	w.logger.Info("Stopping cache warmer")
	done := w.cron.Stop()
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	<-done.Done()
}

// Next reports the next scheduled run, zero before Start.
func (w *CacheWarmer) Next() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entryID == 0 {
		return time.Time{}
	}
	return w.cron.Entry(w.entryID).Next
}

func (w *CacheWarmer) run() {
	w.mu.Lock()
	parent := w.ctx
	w.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	start := time.Now()
	if err := w.target.Warm(ctx); err != nil {
		w.logger.Error("Cache warm failed", "error", err)
		return
	}
	w.logger.Debug("Cache warm finished", "duration", time.Since(start))
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
