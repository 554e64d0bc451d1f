package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/retailops/walletledger/internal/cache"
	"github.com/retailops/walletledger/internal/events"
	"github.com/retailops/walletledger/internal/ledger"
	"github.com/retailops/walletledger/internal/logging"
	"github.com/retailops/walletledger/internal/metrics"
	"github.com/retailops/walletledger/internal/phone"
)

const (
	opDeposit      = "deposit"
	opWithdraw     = "withdraw"
	opIssueCredit  = "issue_credit"
	opExpireCredit = "expire_credit"
	opFreeze       = "freeze"
	opUnfreeze     = "unfreeze"

	defaultSourceType       = "manual"
	defaultRecentLimit      = 20
	defaultRetryBackoff     = 25 * time.Millisecond
	defaultConflictRetries  = 3
	maxTransactionPageLimit = 200
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Normalizer              phone.Normalizer
	Cache                   cache.BalanceCache
	Publisher               events.Publisher
	Logger                  *slog.Logger
	Clock                   func() time.Time
	MaxConflictRetries      int
	RetryBackoff            time.Duration
	DefaultCreditExpiryDays int
	RecentTransactionsLimit int
}

// Service is the ledger engine. Every mutation runs inside one atomic unit
// of the store for the wallet's canonical phone.
type Service struct {
	store      ledger.Store
	normalizer phone.Normalizer
	cache      cache.BalanceCache
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
	opts       Options
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, opts Options) *Service {
	if opts.Normalizer == nil {
		opts.Normalizer = phone.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewLogPublisher(nil)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxConflictRetries < 0 {
		opts.MaxConflictRetries = 0
	} else if opts.MaxConflictRetries == 0 {
		opts.MaxConflictRetries = defaultConflictRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.RecentTransactionsLimit <= 0 {
		opts.RecentTransactionsLimit = defaultRecentLimit
	}
	return &Service{
		store:      store,
		normalizer: opts.Normalizer,
		cache:      opts.Cache,
		publisher:  opts.Publisher,
		logger:     logging.With(opts.Logger, "wallet"),
		now:        opts.Clock,
		opts:       opts,
	}
}

// Deposit credits real balance.
func (s *Service) Deposit(ctx context.Context, in DepositInput, oc ledger.OperationContext) (res DepositResult, err error) {
	defer s.track(opDeposit, time.Now(), &err)

	p, err := s.normalize(in.Phone)
	if err != nil {
		return DepositResult{}, err
	}
	if in.Amount <= 0 {
		return DepositResult{}, ledger.Errorf(ledger.KindInvalidAmount, "deposit amount must be positive, got %d", in.Amount)
	}
	source := sourceType(in.SourceType)
	description := in.Description
	if description == "" {
		description = fmt.Sprintf("Deposit via %s", source)
	}
	fp := fingerprint(opDeposit, in.Amount)

	err = s.atomic(ctx, opDeposit, p, func(ctx context.Context, u ledger.Unit) error {
		res = DepositResult{}
		w, err := u.Wallet(ctx)
		if err != nil {
			return err
		}
		if hit, err := replay(ctx, u, oc.IdempotencyKey, opDeposit, fp, &res); err != nil || hit {
			res.Replayed = hit
			return err
		}
		if err := unfrozen(w); err != nil {
			return err
		}
		if w, err = ledger.ApplyDelta(w, in.Amount, 0); err != nil {
			return err
		}
		w.TotalDeposited += in.Amount
		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}

		entry := w.Entry(ledger.TypeDeposit, in.Amount, oc)
		entry.ReferenceType = source
		entry.ReferenceID = in.SourceID
		entry.Description = description
		entry.InternalNote = in.InternalNote
		tx, err := u.AppendTransaction(ctx, entry)
		if err != nil {
			return err
		}

		res = DepositResult{
			TransactionID:     tx.ID,
			TransactionCode:   tx.Code,
			NewRealBalance:    w.RealBalance,
			NewVirtualBalance: w.VirtualBalance,
			TotalBalance:      w.TotalBalance(),
		}
		return remember(ctx, u, oc.IdempotencyKey, opDeposit, fp, res)
	})
	if err != nil {
		return DepositResult{}, err
	}
	if res.Replayed {
		metrics.IdempotentReplay(opDeposit)
		return res, nil
	}

	s.logger.Info("deposit applied", "phone", p, "amount", in.Amount, "source", source,
		"transaction_code", res.TransactionCode, "performed_by", oc.PerformedBy)
	s.afterCommit(ctx, events.Event{
		Type:             events.TypeDeposited,
		Phone:            p,
		Amount:           in.Amount,
		RealBalance:      res.NewRealBalance,
		VirtualBalance:   res.NewVirtualBalance,
		TransactionIDs:   []int64{res.TransactionID},
		TransactionCodes: []string{res.TransactionCode},
		PerformedBy:      oc.PerformedBy,
		RequestID:        oc.RequestID,
	})
	return res, nil
}

// Withdraw debits a wallet, spending active virtual credits in consumption
// order before touching real balance. It never partially drains a wallet.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput, oc ledger.OperationContext) (res WithdrawResult, err error) {
	defer s.track(opWithdraw, time.Now(), &err)

	p, err := s.normalize(in.Phone)
	if err != nil {
		return WithdrawResult{}, err
	}
	if in.Amount <= 0 {
		return WithdrawResult{}, ledger.Errorf(ledger.KindInvalidAmount, "withdraw amount must be positive, got %d", in.Amount)
	}
	description := in.Description
	if description == "" {
		if in.OrderID != "" {
			description = fmt.Sprintf("Payment for order %s", in.OrderID)
		} else {
			description = "Wallet payment"
		}
	}
	fp := fingerprint(opWithdraw, in.Amount)

	err = s.atomic(ctx, opWithdraw, p, func(ctx context.Context, u ledger.Unit) error {
		res = WithdrawResult{}
		w, err := u.Wallet(ctx)
		if err != nil {
			return err
		}
		if hit, err := replay(ctx, u, oc.IdempotencyKey, opWithdraw, fp, &res); err != nil || hit {
			res.Replayed = hit
			return err
		}
		if err := unfrozen(w); err != nil {
			return err
		}
		credits, err := u.ActiveCredits(ctx, u.Now())
		if err != nil {
			return err
		}
		var spendable int64
		for _, c := range credits {
			spendable += c.RemainingAmount
		}
		if in.Amount > w.RealBalance+spendable {
			return ledger.Errorf(ledger.KindInsufficientFunds,
				"wallet %s: requested %d, available real %d and virtual %d", p, in.Amount, w.RealBalance, spendable)
		}

		res.UsedCredits = make([]UsedCredit, 0)
		reference := func(tx ledger.Transaction) ledger.Transaction {
			if in.OrderID != "" {
				tx.ReferenceType = ledger.RefOrder
				tx.ReferenceID = in.OrderID
			}
			tx.Description = description
			return tx
		}

		remaining := in.Amount
		for _, c := range credits {
			if remaining == 0 {
				break
			}
			use := min(remaining, c.RemainingAmount)
			if use <= 0 {
				continue
			}
			updated, err := u.ConsumeCredit(ctx, c.ID, use)
			if err != nil {
				return err
			}
			if w, err = ledger.ApplyDelta(w, 0, -use); err != nil {
				return ledger.Wrap(ledger.KindInvalidState, "virtual balance below active credits", err)
			}
			w.TotalVirtualUsed += use

			entry := reference(w.Entry(ledger.TypeCreditUse, -use, oc))
			entry.CreditID = c.ID
			tx, err := u.AppendTransaction(ctx, entry)
			if err != nil {
				return err
			}
			res.UsedCredits = append(res.UsedCredits, UsedCredit{
				CreditID:       c.ID,
				Amount:         use,
				RemainingAfter: updated.RemainingAmount,
				Status:         string(updated.Status),
			})
			res.TransactionIDs = append(res.TransactionIDs, tx.ID)
			res.TransactionCodes = append(res.TransactionCodes, tx.Code)
			res.VirtualUsed += use
			remaining -= use
		}

		if remaining > 0 {
			if w, err = ledger.ApplyDelta(w, -remaining, 0); err != nil {
				return err
			}
			w.TotalWithdrawn += remaining
			tx, err := u.AppendTransaction(ctx, reference(w.Entry(ledger.TypeWithdraw, -remaining, oc)))
			if err != nil {
				return err
			}
			res.TransactionIDs = append(res.TransactionIDs, tx.ID)
			res.TransactionCodes = append(res.TransactionCodes, tx.Code)
			res.RealUsed = remaining
		}

		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}
		res.TotalUsed = in.Amount
		res.NewRealBalance = w.RealBalance
		res.NewVirtualBalance = w.VirtualBalance
		res.TotalBalance = w.TotalBalance()
		return remember(ctx, u, oc.IdempotencyKey, opWithdraw, fp, res)
	})
	if err != nil {
		return WithdrawResult{}, err
	}
	if res.Replayed {
		metrics.IdempotentReplay(opWithdraw)
		return res, nil
	}

	s.logger.Info("withdrawal applied", "phone", p, "amount", in.Amount, "order_id", in.OrderID,
		"virtual_used", res.VirtualUsed, "real_used", res.RealUsed,
		"transaction_codes", res.TransactionCodes, "performed_by", oc.PerformedBy)
	s.afterCommit(ctx, events.Event{
		Type:             events.TypeWithdrawn,
		Phone:            p,
		Amount:           in.Amount,
		RealBalance:      res.NewRealBalance,
		VirtualBalance:   res.NewVirtualBalance,
		TransactionIDs:   res.TransactionIDs,
		TransactionCodes: res.TransactionCodes,
		PerformedBy:      oc.PerformedBy,
		RequestID:        oc.RequestID,
	})
	return res, nil
}

// IssueVirtualCredit grants a promotional credit tracked on its own.
func (s *Service) IssueVirtualCredit(ctx context.Context, in IssueInput, oc ledger.OperationContext) (res IssueResult, err error) {
	defer s.track(opIssueCredit, time.Now(), &err)

	p, err := s.normalize(in.Phone)
	if err != nil {
		return IssueResult{}, err
	}
	if in.Amount <= 0 {
		return IssueResult{}, ledger.Errorf(ledger.KindInvalidAmount, "credit amount must be positive, got %d", in.Amount)
	}
	days := s.opts.DefaultCreditExpiryDays
	explicit := in.ExpiryDays != nil
	if explicit {
		days = *in.ExpiryDays
		if days < 0 {
			return IssueResult{}, ledger.Errorf(ledger.KindInvalidInput, "expiry days must not be negative, got %d", days)
		}
	}
	source := sourceType(in.SourceType)
	fp := fingerprint(opIssueCredit, in.Amount)

	err = s.atomic(ctx, opIssueCredit, p, func(ctx context.Context, u ledger.Unit) error {
		res = IssueResult{}
		w, err := u.Wallet(ctx)
		if err != nil {
			return err
		}
		if hit, err := replay(ctx, u, oc.IdempotencyKey, opIssueCredit, fp, &res); err != nil || hit {
			res.Replayed = hit
			return err
		}
		if err := unfrozen(w); err != nil {
			return err
		}

		var expiresAt *time.Time
		if explicit || days > 0 {
			t := u.Now().Add(time.Duration(days) * 24 * time.Hour)
			expiresAt = &t
		}
		credit, err := u.IssueCredit(ctx, ledger.VirtualCredit{
			OriginalAmount: in.Amount,
			ExpiresAt:      expiresAt,
			SourceType:     source,
			SourceRef:      in.SourceTicketID,
			SourceNote:     in.SourceNote,
			IssuedBy:       oc.PerformedBy,
		})
		if err != nil {
			return err
		}
		if w, err = ledger.ApplyDelta(w, 0, in.Amount); err != nil {
			return err
		}
		w.TotalVirtualIssued += in.Amount
		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}

		entry := w.Entry(ledger.TypeCreditIssue, in.Amount, oc)
		entry.CreditID = credit.ID
		if in.SourceTicketID != "" {
			entry.ReferenceType = ledger.RefTicket
			entry.ReferenceID = in.SourceTicketID
		}
		entry.Description = fmt.Sprintf("Virtual credit issued (%s)", source)
		entry.InternalNote = in.SourceNote
		tx, err := u.AppendTransaction(ctx, entry)
		if err != nil {
			return err
		}

		res = IssueResult{
			CreditID:          credit.ID,
			OriginalAmount:    credit.OriginalAmount,
			ExpiresAt:         credit.ExpiresAt,
			NewVirtualBalance: w.VirtualBalance,
			TransactionID:     tx.ID,
			TransactionCode:   tx.Code,
		}
		return remember(ctx, u, oc.IdempotencyKey, opIssueCredit, fp, res)
	})
	if err != nil {
		return IssueResult{}, err
	}
	if res.Replayed {
		metrics.IdempotentReplay(opIssueCredit)
		return res, nil
	}

	s.logger.Info("virtual credit issued", "phone", p, "amount", in.Amount, "credit_id", res.CreditID,
		"source", source, "expires_at", res.ExpiresAt, "performed_by", oc.PerformedBy)
	s.afterCommit(ctx, events.Event{
		Type:             events.TypeCreditIssued,
		Phone:            p,
		Amount:           in.Amount,
		VirtualBalance:   res.NewVirtualBalance,
		CreditID:         res.CreditID,
		TransactionIDs:   []int64{res.TransactionID},
		TransactionCodes: []string{res.TransactionCode},
		PerformedBy:      oc.PerformedBy,
		RequestID:        oc.RequestID,
	})
	return res, nil
}

// ExpireCredit forfeits the remainder of one lapsed credit. A credit that is
// no longer active, or has not lapsed at asOf, is left alone and reported
// with Expired=false.
func (s *Service) ExpireCredit(ctx context.Context, ref ledger.CreditRef, asOf time.Time, oc ledger.OperationContext) (res ExpireResult, err error) {
	defer s.track(opExpireCredit, time.Now(), &err)

	res = ExpireResult{CreditID: ref.ID, Phone: ref.Phone}
	var realAfter, virtualAfter int64
	err = s.atomic(ctx, opExpireCredit, ref.Phone, func(ctx context.Context, u ledger.Unit) error {
		res = ExpireResult{CreditID: ref.ID, Phone: ref.Phone}
		w, err := u.Wallet(ctx)
		if err != nil {
			return err
		}
		c, err := u.Credit(ctx, ref.ID)
		if err != nil {
			return err
		}
		if c.Status != ledger.CreditActive || !c.Lapsed(asOf) {
			return nil
		}
		forfeited, _, err := u.ExpireCredit(ctx, ref.ID, asOf)
		if err != nil {
			return err
		}
		res.Expired = true
		res.Forfeited = forfeited
		if forfeited == 0 {
			return nil
		}

		if w, err = ledger.ApplyDelta(w, 0, -forfeited); err != nil {
			return ledger.Wrap(ledger.KindInvalidState, "virtual balance below expiring credit", err)
		}
		w.TotalVirtualExpired += forfeited
		if err := u.SaveWallet(ctx, w); err != nil {
			return err
		}
		entry := w.Entry(ledger.TypeCreditExpire, -forfeited, oc)
		entry.ReferenceType = ledger.RefVirtualCredit
		entry.ReferenceID = ref.ID
		entry.CreditID = ref.ID
		entry.Description = "Virtual credit expired"
		tx, err := u.AppendTransaction(ctx, entry)
		if err != nil {
			return err
		}
		res.TransactionID = tx.ID
		res.TransactionCode = tx.Code
		realAfter, virtualAfter = w.RealBalance, w.VirtualBalance
		return nil
	})
	if err != nil {
		return ExpireResult{CreditID: ref.ID, Phone: ref.Phone}, err
	}
	if !res.Expired {
		return res, nil
	}

	s.logger.Info("virtual credit expired", "phone", ref.Phone, "credit_id", ref.ID,
		"forfeited", res.Forfeited, "transaction_code", res.TransactionCode)
	if res.Forfeited > 0 {
		s.afterCommit(ctx, events.Event{
			Type:             events.TypeCreditExpired,
			Phone:            ref.Phone,
			Amount:           res.Forfeited,
			RealBalance:      realAfter,
			VirtualBalance:   virtualAfter,
			CreditID:         ref.ID,
			TransactionIDs:   []int64{res.TransactionID},
			TransactionCodes: []string{res.TransactionCode},
			PerformedBy:      oc.PerformedBy,
		})
	}
	return res, nil
}

// Freeze blocks deposits, withdrawals and credit issuance. The wallet is
// created when it does not exist yet.
func (s *Service) Freeze(ctx context.Context, rawPhone, reason string, oc ledger.OperationContext) (view WalletView, err error) {
	defer s.track(opFreeze, time.Now(), &err)

	p, err := s.normalize(rawPhone)
	if err != nil {
		return WalletView{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return WalletView{}, ledger.Errorf(ledger.KindInvalidInput, "freeze reason is required")
	}

	var w ledger.Wallet
	err = s.atomic(ctx, opFreeze, p, func(ctx context.Context, u ledger.Unit) error {
		var err error
		if w, err = u.Wallet(ctx); err != nil {
			return err
		}
		now := u.Now()
		w.IsFrozen = true
		w.FrozenReason = reason
		w.FrozenAt = &now
		w.FrozenBy = oc.PerformedBy
		return u.SaveWallet(ctx, w)
	})
	if err != nil {
		return WalletView{}, err
	}

	s.logger.Info("wallet frozen", "phone", p, "reason", reason, "performed_by", oc.PerformedBy)
	s.afterCommit(ctx, events.Event{
		Type:           events.TypeFrozen,
		Phone:          p,
		RealBalance:    w.RealBalance,
		VirtualBalance: w.VirtualBalance,
		Reason:         reason,
		PerformedBy:    oc.PerformedBy,
		RequestID:      oc.RequestID,
	})
	return s.view(ctx, p)
}

// Unfreeze lifts a freeze. Unknown wallets fail with NotFound.
func (s *Service) Unfreeze(ctx context.Context, rawPhone string, oc ledger.OperationContext) (view WalletView, err error) {
	defer s.track(opUnfreeze, time.Now(), &err)

	p, err := s.normalize(rawPhone)
	if err != nil {
		return WalletView{}, err
	}
	// Wallets are never deleted, so a lock-free existence check is enough.
	if _, err := s.store.GetWallet(ctx, p); err != nil {
		return WalletView{}, err
	}

	var w ledger.Wallet
	err = s.atomic(ctx, opUnfreeze, p, func(ctx context.Context, u ledger.Unit) error {
		var err error
		if w, err = u.Wallet(ctx); err != nil {
			return err
		}
		w.IsFrozen = false
		w.FrozenReason = ""
		w.FrozenAt = nil
		w.FrozenBy = ""
		return u.SaveWallet(ctx, w)
	})
	if err != nil {
		return WalletView{}, err
	}

	s.logger.Info("wallet unfrozen", "phone", p, "performed_by", oc.PerformedBy)
	s.afterCommit(ctx, events.Event{
		Type:           events.TypeUnfrozen,
		Phone:          p,
		RealBalance:    w.RealBalance,
		VirtualBalance: w.VirtualBalance,
		PerformedBy:    oc.PerformedBy,
		RequestID:      oc.RequestID,
	})
	return s.view(ctx, p)
}

// GetWallet returns the full read model of a wallet.
func (s *Service) GetWallet(ctx context.Context, rawPhone string) (WalletView, error) {
	p, err := s.normalize(rawPhone)
	if err != nil {
		return WalletView{}, err
	}
	return s.view(ctx, p)
}

// GetBalance returns the balance split, zero for a wallet that does not exist yet.
func (s *Service) GetBalance(ctx context.Context, rawPhone string) (Balance, error) {
	p, err := s.normalize(rawPhone)
	if err != nil {
		return Balance{}, err
	}
	if cached, ok, err := s.cache.Get(ctx, p); err != nil {
		s.logger.Warn("balance cache read failed", "phone", p, "error", err)
	} else if ok {
		return balanceOf(p, cached.RealBalance, cached.VirtualBalance), nil
	}
	// The generation is read before the row so that a write committed in
	// between makes the Set below a no-op.
	gen, genErr := s.cache.Generation(ctx, p)
	if genErr != nil {
		s.logger.Warn("balance cache read failed", "phone", p, "error", genErr)
	}

	w, err := s.store.GetWallet(ctx, p)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return balanceOf(p, 0, 0), nil
		}
		return Balance{}, err
	}
	if genErr == nil {
		if _, err := s.cache.Set(ctx, p, gen, cache.Balance{RealBalance: w.RealBalance, VirtualBalance: w.VirtualBalance}); err != nil {
			s.logger.Warn("balance cache write failed", "phone", p, "error", err)
		}
	}
	return balanceOf(p, w.RealBalance, w.VirtualBalance), nil
}

// ListTransactions pages through a wallet's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, rawPhone string, filter ledger.TransactionFilter) ([]TransactionView, error) {
	p, err := s.normalize(rawPhone)
	if err != nil {
		return nil, err
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, ledger.Errorf(ledger.KindInvalidInput, "unknown transaction type %q", t)
		}
	}
	if filter.Offset < 0 {
		return nil, ledger.Errorf(ledger.KindInvalidInput, "offset must not be negative")
	}
	if filter.Limit > maxTransactionPageLimit {
		filter.Limit = maxTransactionPageLimit
	}
	txs, err := s.store.ListTransactions(ctx, p, filter)
	if err != nil {
		return nil, err
	}
	return transactionViews(txs), nil
}

// ListCredits returns a wallet's credits, optionally filtered by status.
func (s *Service) ListCredits(ctx context.Context, rawPhone string, status ledger.CreditStatus) ([]CreditView, error) {
	p, err := s.normalize(rawPhone)
	if err != nil {
		return nil, err
	}
	switch status {
	case "", ledger.CreditActive, ledger.CreditExhausted, ledger.CreditExpired:
	default:
		return nil, ledger.Errorf(ledger.KindInvalidInput, "unknown credit status %q", status)
	}
	credits, err := s.store.ListCredits(ctx, p, status)
	if err != nil {
		return nil, err
	}
	return creditViews(credits), nil
}

func (s *Service) view(ctx context.Context, p string) (WalletView, error) {
	w, err := s.store.GetWallet(ctx, p)
	if err != nil {
		return WalletView{}, err
	}
	active, err := s.store.ListActiveCredits(ctx, p, s.now())
	if err != nil {
		return WalletView{}, err
	}
	recent, err := s.store.ListTransactions(ctx, p, ledger.TransactionFilter{Limit: s.opts.RecentTransactionsLimit})
	if err != nil {
		return WalletView{}, err
	}
	return walletView(w, active, recent), nil
}

func (s *Service) normalize(raw string) (string, error) {
	p, err := s.normalizer.Normalize(raw)
	if err != nil {
		return "", ledger.Wrap(ledger.KindInvalidInput, fmt.Sprintf("phone %q", raw), err)
	}
	return p, nil
}

func unfrozen(w ledger.Wallet) error {
	if w.IsFrozen {
		return ledger.Errorf(ledger.KindWalletFrozen, "wallet %s is frozen: %s", w.Phone, w.FrozenReason)
	}
	return nil
}

// atomic runs fn in one unit, retrying concurrency conflicts with linear backoff.
func (s *Service) atomic(ctx context.Context, op, p string, fn func(ctx context.Context, u ledger.Unit) error) error {
	for attempt := 0; ; attempt++ {
		err := s.store.Atomic(ctx, p, fn)
		if !errors.Is(err, ledger.ErrConcurrencyConflict) || attempt >= s.opts.MaxConflictRetries {
			return err
		}
		metrics.ConflictRetry(op)
		s.logger.Warn("retrying wallet unit after conflict", "operation", op, "phone", p, "attempt", attempt+1, "error", err)

		timer := time.NewTimer(s.opts.RetryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// afterCommit runs side effects that must stay outside the atomic unit.
func (s *Service) afterCommit(ctx context.Context, ev events.Event) {
	if err := s.cache.Invalidate(ctx, ev.Phone); err != nil {
		s.logger.Warn("balance cache invalidation failed", "phone", ev.Phone, "error", err)
	}
	ev.OccurredAt = s.now()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		metrics.EventPublishError()
		s.logger.Warn("wallet event dropped", "type", ev.Type, "phone", ev.Phone, "error", err)
	}
}

func (s *Service) track(op string, started time.Time, errp *error) {
	outcome := metrics.OutcomeOK
	if err := *errp; err != nil {
		kind := ledger.KindOf(err)
		outcome = string(kind)
		if kind == "" {
			outcome = "error"
		}
		if kind == "" || kind == ledger.KindInvalidState {
			s.logger.Error("wallet operation failed", "operation", op, "error", err)
		}
	}
	metrics.ObserveOperation(op, outcome, started)
}

func replay(ctx context.Context, u ledger.Unit, key, op, fp string, out any) (bool, error) {
	if key == "" {
		return false, nil
	}
	rec, ok, err := u.Idempotent(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if rec.Operation != op || rec.Fingerprint != fp {
		return false, ledger.Errorf(ledger.KindInvalidInput, "idempotency key %q was already used for a different request", key)
	}
	if err := json.Unmarshal(rec.Result, out); err != nil {
		return false, ledger.Wrap(ledger.KindInvalidState, "decode stored result", err)
	}
	return true, nil
}

func remember(ctx context.Context, u ledger.Unit, key, op, fp string, result any) error {
	if key == "" {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return ledger.Wrap(ledger.KindInvalidState, "encode result", err)
	}
	return u.RememberIdempotent(ctx, ledger.IdempotencyRecord{
		Key:         key,
		Operation:   op,
		Fingerprint: fp,
		Result:      payload,
	})
}

func fingerprint(op string, amount int64) string {
	return fmt.Sprintf("%s:%d", op, amount)
}

func sourceType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return defaultSourceType
	}
	return s
}

func balanceOf(p string, realBalance, virtualBalance int64) Balance {
	return Balance{Phone: p, RealBalance: realBalance, VirtualBalance: virtualBalance, TotalBalance: realBalance + virtualBalance}
}
