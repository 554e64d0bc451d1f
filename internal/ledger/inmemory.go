package ledger

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultListLimit = 50

type inMemoryStore struct {
	mu           sync.RWMutex
	wallets      map[string]Wallet
	credits      map[string]VirtualCredit
	creditOrder  map[string][]string
	transactions map[string][]Transaction
	idempotency  map[string]IdempotencyRecord
	nextTxID     atomic.Int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	ids  *creditIDs
	opts options
}

// NewInMemory creates a concurrency-safe in-memory store used in development
// and tests. Each wallet has its own lock; staged changes are applied only
// when the unit's callback returns nil.
func NewInMemory(opts ...Option) Store {
	return &inMemoryStore{
		wallets:      make(map[string]Wallet),
		credits:      make(map[string]VirtualCredit),
		creditOrder:  make(map[string][]string),
		transactions: make(map[string][]Transaction),
		idempotency:  make(map[string]IdempotencyRecord),
		locks:        make(map[string]chan struct{}),
		ids:          newCreditIDs(),
		opts:         buildOptions(opts),
	}
}

func (s *inMemoryStore) Atomic(ctx context.Context, phone string, fn func(ctx context.Context, u Unit) error) error {
	if phone == "" {
		return Errorf(KindInvalidInput, "phone is required")
	}
	release, err := s.acquire(ctx, phone)
	if err != nil {
		return err
	}
	defer release()

	u := &memoryUnit{
		store:  s,
		phone:  phone,
		now:    s.opts.now(),
		staged: make(map[string]VirtualCredit),
	}
	if err := fn(ctx, u); err != nil {
		return err
	}
	s.commit(u)
	return nil
}

func (s *inMemoryStore) acquire(ctx context.Context, phone string) (func(), error) {
	s.locksMu.Lock()
	lock, ok := s.locks[phone]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[phone] = lock
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(s.opts.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timer.C:
		return nil, Errorf(KindConcurrencyConflict, "timed out waiting for wallet %s", phone)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *inMemoryStore) commit(u *memoryUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.dirty {
		s.wallets[u.phone] = *u.wallet
	}
	s.creditOrder[u.phone] = append(s.creditOrder[u.phone], u.issued...)
	for id, c := range u.staged {
		s.credits[id] = c
	}
	s.transactions[u.phone] = append(s.transactions[u.phone], u.txs...)
	for _, rec := range u.idem {
		s.idempotency[idemKey(rec.Phone, rec.Key)] = rec
	}
}

func (s *inMemoryStore) GetWallet(_ context.Context, phone string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[phone]
	if !ok {
		return Wallet{}, Errorf(KindNotFound, "wallet %s not found", phone)
	}
	return w, nil
}

func (s *inMemoryStore) ListCredits(_ context.Context, phone string, status CreditStatus) ([]VirtualCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VirtualCredit, 0, len(s.creditOrder[phone]))
	for _, id := range s.creditOrder[phone] {
		c := s.credits[id]
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *inMemoryStore) ListActiveCredits(_ context.Context, phone string, asOf time.Time) ([]VirtualCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]VirtualCredit, 0, len(s.creditOrder[phone]))
	for _, id := range s.creditOrder[phone] {
		all = append(all, s.credits[id])
	}
	return filterActive(all, asOf), nil
}

func (s *inMemoryStore) ListTransactions(_ context.Context, phone string, filter TransactionFilter) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	txs := s.transactions[phone]
	out := make([]Transaction, 0, min(limit, len(txs)))
	skipped := 0
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := txs[i]
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, tx.Type) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *inMemoryStore) LapsedCredits(_ context.Context, asOf time.Time, after *CreditRef, limit int) ([]CreditRef, error) {
	s.mu.RLock()
	refs := make([]CreditRef, 0)
	for _, c := range s.credits {
		if c.Status != CreditActive || !c.Lapsed(asOf) {
			continue
		}
		ref := CreditRef{ID: c.ID, Phone: c.Phone, ExpiresAt: *c.ExpiresAt}
		if after != nil && ref.Compare(*after) <= 0 {
			continue
		}
		refs = append(refs, ref)
	}
	s.mu.RUnlock()

	slices.SortFunc(refs, CreditRef.Compare)
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func idemKey(phone, key string) string {
	return phone + "\x00" + key
}

type memoryUnit struct {
	store  *inMemoryStore
	phone  string
	now    time.Time
	wallet *Wallet
	dirty  bool
	staged map[string]VirtualCredit
	issued []string
	txs    []Transaction
	idem   []IdempotencyRecord
}

func (u *memoryUnit) Phone() string  { return u.phone }
func (u *memoryUnit) Now() time.Time { return u.now }

func (u *memoryUnit) Wallet(_ context.Context) (Wallet, error) {
	if u.wallet == nil {
		u.store.mu.RLock()
		w, ok := u.store.wallets[u.phone]
		u.store.mu.RUnlock()
		if !ok {
			w = Wallet{Phone: u.phone, CreatedAt: u.now, UpdatedAt: u.now}
			u.dirty = true
		}
		u.wallet = &w
	}
	return *u.wallet, nil
}

func (u *memoryUnit) SaveWallet(_ context.Context, w Wallet) error {
	if w.Phone != u.phone {
		return Errorf(KindInvalidState, "unit for %s cannot save wallet %s", u.phone, w.Phone)
	}
	if w.RealBalance < 0 || w.VirtualBalance < 0 {
		return Errorf(KindInvalidState, "wallet %s: negative balance real=%d virtual=%d", w.Phone, w.RealBalance, w.VirtualBalance)
	}
	w.UpdatedAt = u.now
	u.wallet = &w
	u.dirty = true
	return nil
}

func (u *memoryUnit) lookup(id string) (VirtualCredit, bool) {
	if c, ok := u.staged[id]; ok {
		return c, true
	}
	u.store.mu.RLock()
	c, ok := u.store.credits[id]
	u.store.mu.RUnlock()
	if !ok || c.Phone != u.phone {
		return VirtualCredit{}, false
	}
	return c, true
}

func (u *memoryUnit) Credit(_ context.Context, id string) (VirtualCredit, error) {
	c, ok := u.lookup(id)
	if !ok {
		return VirtualCredit{}, Errorf(KindNotFound, "virtual credit %s not found", id)
	}
	return c, nil
}

func (u *memoryUnit) ActiveCredits(_ context.Context, asOf time.Time) ([]VirtualCredit, error) {
	u.store.mu.RLock()
	all := make([]VirtualCredit, 0, len(u.store.creditOrder[u.phone])+len(u.issued))
	for _, id := range u.store.creditOrder[u.phone] {
		if c, ok := u.staged[id]; ok {
			all = append(all, c)
			continue
		}
		all = append(all, u.store.credits[id])
	}
	u.store.mu.RUnlock()
	for _, id := range u.issued {
		all = append(all, u.staged[id])
	}
	return filterActive(all, asOf), nil
}

func (u *memoryUnit) IssueCredit(_ context.Context, c VirtualCredit) (VirtualCredit, error) {
	if err := validateNewCredit(c); err != nil {
		return VirtualCredit{}, err
	}
	c.Phone = u.phone
	if c.ID == "" {
		c.ID = u.store.ids.next(u.now)
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = u.now
	}
	c.RemainingAmount = c.OriginalAmount
	c.Status = CreditActive
	u.staged[c.ID] = c
	u.issued = append(u.issued, c.ID)
	return c, nil
}

func (u *memoryUnit) ConsumeCredit(_ context.Context, id string, amount int64) (VirtualCredit, error) {
	c, ok := u.lookup(id)
	if !ok {
		return VirtualCredit{}, Errorf(KindNotFound, "virtual credit %s not found", id)
	}
	updated, err := consumeCredit(c, amount, u.now)
	if err != nil {
		return c, err
	}
	u.staged[id] = updated
	return updated, nil
}

func (u *memoryUnit) ExpireCredit(_ context.Context, id string, asOf time.Time) (int64, VirtualCredit, error) {
	c, ok := u.lookup(id)
	if !ok {
		return 0, VirtualCredit{}, Errorf(KindNotFound, "virtual credit %s not found", id)
	}
	forfeited, updated, err := expireCredit(c, asOf)
	if err != nil {
		return 0, c, err
	}
	u.staged[id] = updated
	return forfeited, updated, nil
}

func (u *memoryUnit) AppendTransaction(_ context.Context, tx Transaction) (Transaction, error) {
	if tx.Phone != u.phone {
		return Transaction{}, Errorf(KindInvalidState, "unit for %s cannot append transaction for %s", u.phone, tx.Phone)
	}
	if !tx.Type.Valid() {
		return Transaction{}, Errorf(KindInvalidState, "unknown transaction type %q", tx.Type)
	}
	tx.ID = u.store.nextTxID.Add(1)
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = u.now
	}
	tx.Code = TransactionCode(tx.ID, tx.CreatedAt)
	u.txs = append(u.txs, tx)
	return tx, nil
}

func (u *memoryUnit) Idempotent(_ context.Context, key string) (IdempotencyRecord, bool, error) {
	for _, rec := range u.idem {
		if rec.Key == key {
			return rec, true, nil
		}
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	rec, ok := u.store.idempotency[idemKey(u.phone, key)]
	return rec, ok, nil
}

func (u *memoryUnit) RememberIdempotent(_ context.Context, rec IdempotencyRecord) error {
	if rec.Key == "" {
		return Errorf(KindInvalidState, "idempotency record without key")
	}
	rec.Phone = u.phone
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = u.now
	}
	u.idem = append(u.idem, rec)
	return nil
}
