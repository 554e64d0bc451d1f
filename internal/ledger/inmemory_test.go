package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testPhone = "84901234567"

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func deposit(ctx context.Context, s Store, phone string, amount int64) (Transaction, error) {
	var out Transaction
	err := s.Atomic(ctx, phone, func(ctx context.Context, u Unit) error {
		w, err := u.Wallet(ctx)
		if err != nil {
			return err
		}
		w, err = ApplyDelta(w, amount, 0)
		if err != nil {
			return err
		}
		w.TotalDeposited += amount
		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}
		out, err = u.AppendTransaction(ctx, w.Entry(TypeDeposit, amount, OperationContext{PerformedBy: "test"}))
		return err
	})
	return out, err
}

func TestInMemory_AtomicCommitsWalletAndTransaction(t *testing.T) {
	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	s := NewInMemory(fixedClock(now))
	ctx := context.Background()

	tx, err := deposit(ctx, s, testPhone, 1_500)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if tx.ID != 1 || tx.Code != "WTX-240502-0000001" {
		t.Fatalf("unexpected id/code %d %s", tx.ID, tx.Code)
	}
	if !tx.CreatedAt.Equal(now) || tx.RealBalanceAfter != 1_500 {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	w, err := s.GetWallet(ctx, testPhone)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.RealBalance != 1_500 || w.TotalDeposited != 1_500 || !w.CreatedAt.Equal(now) {
		t.Fatalf("unexpected wallet %+v", w)
	}

	txs, err := s.ListTransactions(ctx, testPhone, TransactionFilter{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != tx.ID {
		t.Fatalf("expected the deposit in the ledger, got %+v", txs)
	}
}

func TestInMemory_FailedUnitLeavesNoTrace(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		w, _ := u.Wallet(ctx)
		w.RealBalance = 99
		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}
		if _, err := u.IssueCredit(ctx, VirtualCredit{OriginalAmount: 10, SourceType: "manual"}); err != nil {
			return err
		}
		if _, err := u.AppendTransaction(ctx, w.Entry(TypeDeposit, 99, OperationContext{})); err != nil {
			return err
		}
		if err := u.RememberIdempotent(ctx, IdempotencyRecord{Key: "k", Operation: "deposit"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if _, err := s.GetWallet(ctx, testPhone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no wallet after rollback, got %v", err)
	}
	credits, _ := s.ListCredits(ctx, testPhone, "")
	txs, _ := s.ListTransactions(ctx, testPhone, TransactionFilter{})
	if len(credits) != 0 || len(txs) != 0 {
		t.Fatalf("expected no credits or transactions, got %d/%d", len(credits), len(txs))
	}
	_ = s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		if _, ok, _ := u.Idempotent(ctx, "k"); ok {
			t.Fatalf("idempotency record survived rollback")
		}
		return nil
	})
}

func TestInMemory_TransactionIDsAreMonotonicAcrossRollbacks(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	first, err := deposit(ctx, s, testPhone, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_ = s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		w, _ := u.Wallet(ctx)
		_, _ = u.AppendTransaction(ctx, w.Entry(TypeDeposit, 1, OperationContext{}))
		return errors.New("abort")
	})
	second, err := deposit(ctx, s, testPhone, 10)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if second.ID <= first.ID || second.Code == first.Code {
		t.Fatalf("expected increasing ids, got %d then %d", first.ID, second.ID)
	}
}

func TestInMemory_LockTimeoutIsConflict(t *testing.T) {
	s := NewInMemory(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error { return nil })
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	// Another wallet is not blocked by the held lock.
	if _, err := deposit(ctx, s, "84900000002", 5); err != nil {
		t.Fatalf("independent wallet blocked: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
}

func TestInMemory_CancelledContextWhileWaiting(t *testing.T) {
	s := NewInMemory()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Atomic(context.Background(), testPhone, func(ctx context.Context, u Unit) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestInMemory_ConcurrentUnitsSerialize(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	const workers = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := deposit(ctx, s, testPhone, 100); err != nil {
				t.Errorf("deposit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, testPhone)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.RealBalance != workers*100 {
		t.Fatalf("expected %d, got %d", workers*100, w.RealBalance)
	}
	txs, _ := s.ListTransactions(ctx, testPhone, TransactionFilter{Limit: workers * 2})
	if len(txs) != workers {
		t.Fatalf("expected %d transactions, got %d", workers, len(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i-1].ID <= txs[i].ID {
			t.Fatalf("transactions not newest first at %d", i)
		}
		if txs[i-1].RealBalanceAfter <= txs[i].RealBalanceAfter {
			t.Fatalf("snapshots out of order at %d", i)
		}
	}
}

func TestInMemory_CreditLifecycleThroughUnits(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewInMemory(fixedClock(now))
	ctx := context.Background()

	soon := now.Add(24 * time.Hour)
	var soonID, neverID string
	err := s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		if _, err := u.Wallet(ctx); err != nil {
			return err
		}
		never, err := u.IssueCredit(ctx, VirtualCredit{OriginalAmount: 50, SourceType: "promotion"})
		if err != nil {
			return err
		}
		c, err := u.IssueCredit(ctx, VirtualCredit{OriginalAmount: 30, ExpiresAt: &soon, SourceType: "manual"})
		if err != nil {
			return err
		}
		neverID, soonID = never.ID, c.ID

		active, err := u.ActiveCredits(ctx, u.Now())
		if err != nil {
			return err
		}
		if len(active) != 2 || active[0].ID != soonID {
			t.Fatalf("staged credits should be visible in consumption order, got %+v", active)
		}
		if _, err := u.ConsumeCredit(ctx, soonID, 30); err != nil {
			return err
		}
		_, err = u.ConsumeCredit(ctx, neverID, 5)
		return err
	})
	if err != nil {
		t.Fatalf("unit failed: %v", err)
	}

	exhausted, _ := s.ListCredits(ctx, testPhone, CreditExhausted)
	if len(exhausted) != 1 || exhausted[0].ID != soonID {
		t.Fatalf("expected soon credit exhausted, got %+v", exhausted)
	}
	active, _ := s.ListActiveCredits(ctx, testPhone, now)
	if len(active) != 1 || active[0].RemainingAmount != 45 {
		t.Fatalf("expected one active credit with 45 left, got %+v", active)
	}

	err = s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		_, err := u.Credit(ctx, "VC-missing")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemory_LapsedCredits(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	s := NewInMemory(fixedClock(now))
	ctx := context.Background()

	past := now.Add(-time.Hour)
	exact := now
	future := now.Add(time.Hour)
	for _, phone := range []string{"84900000001", "84900000002"} {
		err := s.Atomic(ctx, phone, func(ctx context.Context, u Unit) error {
			if _, err := u.Wallet(ctx); err != nil {
				return err
			}
			for _, exp := range []*time.Time{&past, &exact, &future, nil} {
				if _, err := u.IssueCredit(ctx, VirtualCredit{OriginalAmount: 1, ExpiresAt: exp}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed %s: %v", phone, err)
		}
	}

	refs, err := s.LapsedCredits(ctx, now, nil, 0)
	if err != nil {
		t.Fatalf("lapsed credits: %v", err)
	}
	if len(refs) != 4 {
		t.Fatalf("expected 4 lapsed credits, got %d", len(refs))
	}
	for i := 1; i < len(refs); i++ {
		if refs[i-1].Compare(refs[i]) >= 0 {
			t.Fatalf("lapsed credits not ordered by (expires_at, id)")
		}
	}

	limited, _ := s.LapsedCredits(ctx, now, nil, 3)
	if len(limited) != 3 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	rest, err := s.LapsedCredits(ctx, now, &limited[2], 3)
	if err != nil {
		t.Fatalf("lapsed credits after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0] != refs[3] {
		t.Fatalf("expected the page after the cursor to hold only %+v, got %+v", refs[3], rest)
	}

	tail, _ := s.LapsedCredits(ctx, now, &refs[3], 3)
	if len(tail) != 0 {
		t.Fatalf("expected nothing after the last ref, got %d", len(tail))
	}
}

func TestInMemory_ListTransactionsFilterAndPaging(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := deposit(ctx, s, testPhone, int64(i+1)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	page, _ := s.ListTransactions(ctx, testPhone, TransactionFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].Amount != 4 || page[1].Amount != 3 {
		t.Fatalf("unexpected page %+v", page)
	}
	none, _ := s.ListTransactions(ctx, testPhone, TransactionFilter{Types: []TransactionType{TypeWithdraw}})
	if len(none) != 0 {
		t.Fatalf("expected type filter to exclude deposits, got %d", len(none))
	}
}

func TestInMemory_RejectsInvalidWrites(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if err := s.Atomic(ctx, "", func(ctx context.Context, u Unit) error { return nil }); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty phone, got %v", err)
	}

	err := s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		w, _ := u.Wallet(ctx)
		w.RealBalance = -1
		return u.SaveWallet(ctx, w)
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state for negative balance, got %v", err)
	}

	err = s.Atomic(ctx, testPhone, func(ctx context.Context, u Unit) error {
		_, err := u.IssueCredit(ctx, VirtualCredit{OriginalAmount: 0})
		return err
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for empty credit, got %v", err)
	}
}
