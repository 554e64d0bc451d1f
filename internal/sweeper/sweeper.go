// Package sweeper periodically forfeits virtual credits whose expiry has
// passed. Each credit is expired in its own wallet unit, so one failing
// wallet never blocks the rest of the batch.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/retailops/walletledger/internal/ledger"
	"github.com/retailops/walletledger/internal/logging"
	"github.com/retailops/walletledger/internal/metrics"
	"github.com/retailops/walletledger/internal/wallet"
)

const (
	// PerformedBy stamps every expiry transaction written by the sweeper.
	PerformedBy = "system:expiry-sweeper"
	systemRole  = "system"

	defaultInterval    = time.Hour
	defaultBatchSize   = 100
	defaultConcurrency = 4
)

// Source pages through lapsed credits that are still active, in
// (expires_at, id) order after the cursor.
type Source interface {
	LapsedCredits(ctx context.Context, asOf time.Time, after *ledger.CreditRef, limit int) ([]ledger.CreditRef, error)
}

// Expirer expires a single credit inside its own atomic unit.
type Expirer interface {
	ExpireCredit(ctx context.Context, ref ledger.CreditRef, asOf time.Time, oc ledger.OperationContext) (wallet.ExpireResult, error)
}

// Config tunes the sweeper. Zero values fall back to defaults.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Clock       func() time.Time
	Logger      *slog.Logger
}

// SweepReport summarizes one RunOnce pass.
type SweepReport struct {
	Scanned   int
	Expired   int
	Forfeited int64
	Failed    int
}

// Sweeper runs expiry passes on a ticker until stopped.
type Sweeper struct {
	source   Source
	expirer  Expirer
	cfg      Config
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// New builds a sweeper over source and expirer.
func New(source Source, expirer Expirer, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		source:   source,
		expirer:  expirer,
		cfg:      cfg,
		logger:   logging.With(cfg.Logger, "expiry-sweeper"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately and then on every tick. It blocks until
// Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.started.Store(true)
	defer close(s.done)
	s.logger.Info("starting expiry sweeper", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			s.logger.Info("stopping expiry sweeper")
			return
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping expiry sweeper")
			return
		}
	}
}

// Stop ends the loop started by Start and waits for the current pass.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("expiry sweep aborted", "error", err, "scanned", report.Scanned, "expired", report.Expired)
		return
	}
	if report.Scanned > 0 {
		s.logger.Info("expiry sweep finished",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"forfeited", report.Forfeited,
			"failed", report.Failed)
	}
}

// RunOnce expires every credit that has lapsed at the start of the pass.
// Credit failures are counted in the report; only a failure to list lapsed
// credits aborts the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		mu     sync.Mutex
	)
	asOf := s.cfg.Clock()
	oc := ledger.OperationContext{PerformedBy: PerformedBy, Role: systemRole}

	var cursor *ledger.CreditRef
	for {
		refs, err := s.source.LapsedCredits(ctx, asOf, cursor, s.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		if len(refs) == 0 {
			return report, nil
		}

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for _, ref := range refs {
			g.Go(func() error {
				res, err := s.expirer.ExpireCredit(ctx, ref, asOf, oc)

				mu.Lock()
				defer mu.Unlock()
				report.Scanned++
				if err != nil {
					report.Failed++
					metrics.SweepFailure()
					s.logger.Warn("failed to expire credit", "credit_id", ref.ID, "phone", ref.Phone, "error", err)
					return nil
				}
				if res.Expired {
					report.Expired++
					report.Forfeited += res.Forfeited
					metrics.CreditExpired(res.Forfeited)
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return report, err
		}
		// Failed credits stay lapsed and are retried on the next pass.
		if len(refs) < s.cfg.BatchSize {
			return report, nil
		}
		cursor = &refs[len(refs)-1]
	}
}
