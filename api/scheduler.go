/*
scheduler.go - Automated fiscal-year reset scheduler

PURPOSE:
  Periodically checks whether a new fiscal year has begun and, if so,
  archives and zeroes every point record that still belongs to the previous
  year.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each check calls ResetFiscalYear for the year before the current one
  - Records already archived for that year, or already in the open year,
    are skipped by the engine, so checks between rollovers are no-ops
  - The last report is kept for the admin UI

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewFiscalYearScheduler(eng, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ResetFiscalYear endpoint (manual reset)
  - engine/batch.go: ResetFiscalYear
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/contravention-engine/engine"
)

// FiscalYearResetter is the engine operation the scheduler drives.
type FiscalYearResetter interface {
	ResetFiscalYear(ctx context.Context, closing string) (*engine.ResetReport, error)
}

// FiscalYearScheduler handles automated fiscal-year resets.
type FiscalYearScheduler struct {
	Engine        FiscalYearResetter
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *engine.ResetReport
}

// NewFiscalYearScheduler creates a new scheduler.
func NewFiscalYearScheduler(eng FiscalYearResetter, logger *zap.Logger) *FiscalYearScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FiscalYearScheduler{
		Engine:        eng,
		Logger:        logger.Named("scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (fs *FiscalYearScheduler) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.Enabled {
		fs.Logger.Info("disabled, not starting")
		return
	}
	if fs.ticker != nil {
		return
	}

	fs.ticker = time.NewTicker(fs.CheckInterval)
	fs.stop = make(chan struct{})
	fs.wg.Add(1)

	go fs.run(fs.ticker, fs.stop)

	fs.Logger.Info("started", zap.Duration("check_interval", fs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check.
func (fs *FiscalYearScheduler) Stop() {
	fs.mu.Lock()
	ticker, stop := fs.ticker, fs.stop
	fs.ticker, fs.stop = nil, nil
	fs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	fs.wg.Wait()
	fs.Logger.Info("stopped")
}

// LastReport returns the report of the most recent check that reset
// anything, or nil.
func (fs *FiscalYearScheduler) LastReport() *engine.ResetReport {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.last
}

func (fs *FiscalYearScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer fs.wg.Done()

	// Run immediately on start
	fs.CheckAndProcess(context.Background())

	for {
		select {
		case <-ticker.C:
			fs.CheckAndProcess(context.Background())
		case <-stop:
			return
		}
	}
}

// CheckAndProcess runs one check. Errors are logged; the next tick retries.
func (fs *FiscalYearScheduler) CheckAndProcess(ctx context.Context) {
	report, err := fs.Engine.ResetFiscalYear(ctx, "")
	if err != nil {
		fs.Logger.Error("fiscal year reset failed", zap.Error(err))
		return
	}
	if len(report.Reset) == 0 {
		fs.Logger.Debug("no point records to reset", zap.String("fiscal_year", report.FiscalYear))
		return
	}

	fs.mu.Lock()
	fs.last = report
	fs.mu.Unlock()
	fs.Logger.Info("fiscal year rolled over",
		zap.String("closed", report.FiscalYear),
		zap.String("opened", report.OpenYear),
		zap.Int("reset", len(report.Reset)),
		zap.Int("skipped", len(report.Skipped)),
	)
}
