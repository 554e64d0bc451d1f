package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retailops/walletledger/internal/ledger"
	"github.com/retailops/walletledger/internal/logging"
	"github.com/retailops/walletledger/internal/wallet"
)

var start = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (ledger.Store, *wallet.Service, *clock) {
	t.Helper()
	clk := &clock{now: start}
	store := ledger.NewInMemory(ledger.WithClock(clk.Now))
	svc := wallet.NewService(store, wallet.Options{Logger: logging.Discard(), Clock: clk.Now})
	return store, svc, clk
}

func issue(t *testing.T, svc *wallet.Service, phone string, amount int64, days int) wallet.IssueResult {
	t.Helper()
	res, err := svc.IssueVirtualCredit(context.Background(), wallet.IssueInput{
		Phone:      phone,
		Amount:     amount,
		ExpiryDays: &days,
		SourceType: "promotion",
	}, ledger.OperationContext{PerformedBy: "agent:1", Role: "support"})
	require.NoError(t, err)
	return res
}

func TestRunOnce_ExpiresLapsedCredit(t *testing.T) {
	store, svc, clk := setup(t)
	ctx := context.Background()

	credit := issue(t, svc, "0900000001", 20000, 0)
	issue(t, svc, "0900000001", 5000, 10)

	sw := New(store, svc, Config{Clock: clk.Now, Logger: logging.Discard()})
	report, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Scanned: 1, Expired: 1, Forfeited: 20000}, report)

	w, err := store.GetWallet(ctx, "84900000001")
	require.NoError(t, err)
	require.EqualValues(t, 5000, w.VirtualBalance)
	require.EqualValues(t, 20000, w.TotalVirtualExpired)

	expired, err := store.ListCredits(ctx, "84900000001", ledger.CreditExpired)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, credit.CreditID, expired[0].ID)
	require.EqualValues(t, 0, expired[0].RemainingAmount)

	txs, err := store.ListTransactions(ctx, "84900000001", ledger.TransactionFilter{Types: []ledger.TransactionType{ledger.TypeCreditExpire}})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.EqualValues(t, -20000, txs[0].Amount)
	require.Equal(t, PerformedBy, txs[0].PerformedBy)
	require.EqualValues(t, 5000, txs[0].VirtualBalanceAfter)

	// A second pass finds nothing left to do.
	report, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{}, report)

	clk.Advance(10 * 24 * time.Hour)
	report, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.EqualValues(t, 5000, report.Forfeited)
}

func TestRunOnce_SweepsFrozenWallets(t *testing.T) {
	store, svc, clk := setup(t)
	ctx := context.Background()

	issue(t, svc, "0900000002", 700, 0)
	_, err := svc.Freeze(ctx, "0900000002", "fraud review", ledger.OperationContext{PerformedBy: "agent:1"})
	require.NoError(t, err)

	report, err := New(store, svc, Config{Clock: clk.Now}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)

	w, err := store.GetWallet(ctx, "84900000002")
	require.NoError(t, err)
	require.True(t, w.IsFrozen)
	require.EqualValues(t, 0, w.VirtualBalance)
}

func TestRunOnce_PagesThroughBatches(t *testing.T) {
	store, svc, clk := setup(t)
	for i := 0; i < 5; i++ {
		issue(t, svc, "0900000003", 100, 0)
	}
	issue(t, svc, "0900000004", 100, 0)

	report, err := New(store, svc, Config{Clock: clk.Now, BatchSize: 2, Concurrency: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Scanned: 6, Expired: 6, Forfeited: 600}, report)
}

type flakyExpirer struct {
	inner    Expirer
	failFor  map[string]bool
	attempts int
	mu       sync.Mutex
}

func (f *flakyExpirer) ExpireCredit(ctx context.Context, ref ledger.CreditRef, asOf time.Time, oc ledger.OperationContext) (wallet.ExpireResult, error) {
	if f.failFor[ref.Phone] {
		f.mu.Lock()
		f.attempts++
		f.mu.Unlock()
		return wallet.ExpireResult{}, ledger.Errorf(ledger.KindConcurrencyConflict, "wallet busy")
	}
	return f.inner.ExpireCredit(ctx, ref, asOf, oc)
}

func TestRunOnce_OneFailureDoesNotBlockOthers(t *testing.T) {
	store, svc, clk := setup(t)
	ctx := context.Background()

	issue(t, svc, "0900000005", 300, 0)
	issue(t, svc, "0900000006", 400, 0)
	issue(t, svc, "0900000007", 500, 0)

	expirer := &flakyExpirer{inner: svc, failFor: map[string]bool{"84900000006": true}}
	report, err := New(store, expirer, Config{Clock: clk.Now, BatchSize: 10}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Equal(t, 2, report.Expired)
	require.Equal(t, 1, report.Failed)
	require.EqualValues(t, 800, report.Forfeited)

	w, err := store.GetWallet(ctx, "84900000006")
	require.NoError(t, err)
	require.EqualValues(t, 400, w.VirtualBalance)

	// Stuck credits are retried on the next pass, never spun on.
	report, err = New(store, expirer, Config{Clock: clk.Now, BatchSize: 1}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Scanned: 1, Failed: 1}, report)
	require.Equal(t, 2, expirer.attempts)
}

func TestRunOnce_StuckBatchDoesNotHideLaterCredits(t *testing.T) {
	store, svc, clk := setup(t)
	ctx := context.Background()

	issue(t, svc, "0900000011", 100, 0)
	issue(t, svc, "0900000012", 200, 0)
	healthy := issue(t, svc, "0900000013", 300, 1)
	clk.Advance(2 * 24 * time.Hour)

	expirer := &flakyExpirer{inner: svc, failFor: map[string]bool{"84900000011": true, "84900000012": true}}
	report, err := New(store, expirer, Config{Clock: clk.Now, BatchSize: 2, Concurrency: 1}).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Scanned: 3, Expired: 1, Failed: 2, Forfeited: 300}, report)
	require.Equal(t, 2, expirer.attempts)

	expired, err := store.ListCredits(ctx, "84900000013", ledger.CreditExpired)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, healthy.CreditID, expired[0].ID)
}

type pagingSource struct {
	inner   Source
	cursors []*ledger.CreditRef
}

func (p *pagingSource) LapsedCredits(ctx context.Context, asOf time.Time, after *ledger.CreditRef, limit int) ([]ledger.CreditRef, error) {
	p.cursors = append(p.cursors, after)
	return p.inner.LapsedCredits(ctx, asOf, after, limit)
}

func TestRunOnce_AdvancesCursorPerBatch(t *testing.T) {
	store, svc, clk := setup(t)
	for i := 0; i < 3; i++ {
		issue(t, svc, "0900000014", 100, 0)
	}

	src := &pagingSource{inner: store}
	report, err := New(src, svc, Config{Clock: clk.Now, BatchSize: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Len(t, src.cursors, 2)
	require.Nil(t, src.cursors[0])
	require.NotNil(t, src.cursors[1])
	require.Equal(t, "84900000014", src.cursors[1].Phone)
}

type brokenSource struct{}

func (brokenSource) LapsedCredits(context.Context, time.Time, *ledger.CreditRef, int) ([]ledger.CreditRef, error) {
	return nil, errors.New("connection reset")
}

func TestRunOnce_SourceFailureAborts(t *testing.T) {
	_, svc, _ := setup(t)
	_, err := New(brokenSource{}, svc, Config{}).RunOnce(context.Background())
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	store, svc, clk := setup(t)
	issue(t, svc, "0900000008", 900, 0)

	sw := New(store, svc, Config{Clock: clk.Now, Interval: time.Hour, Logger: logging.Discard()})
	go sw.Start(context.Background())

	require.Eventually(t, func() bool {
		w, err := store.GetWallet(context.Background(), "84900000008")
		return err == nil && w.VirtualBalance == 0
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sw.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
