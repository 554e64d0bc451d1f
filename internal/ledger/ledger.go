package ledger

import (
	"cmp"
	"context"
	"time"
)

// TransactionType enumerates balance-affecting events.
type TransactionType string

const (
	TypeDeposit      TransactionType = "deposit"
	TypeWithdraw     TransactionType = "withdraw"
	TypeCreditIssue  TransactionType = "virtual_credit_issue"
	TypeCreditUse    TransactionType = "virtual_credit_use"
	TypeCreditExpire TransactionType = "virtual_credit_expire"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdraw, TypeCreditIssue, TypeCreditUse, TypeCreditExpire:
		return true
	}
	return false
}

// CreditStatus is the lifecycle state of a virtual credit.
type CreditStatus string

const (
	CreditActive    CreditStatus = "active"
	CreditExhausted CreditStatus = "exhausted"
	CreditExpired   CreditStatus = "expired"
)

// Reference types stamped on transactions.
const (
	RefOrder         = "order"
	RefVirtualCredit = "virtual_credit"
	RefTicket        = "ticket"
)

// Wallet is the materialized balance row of one customer. Amounts are in
// currency minor units.
type Wallet struct {
	Phone               string
	RealBalance         int64
	VirtualBalance      int64
	IsFrozen            bool
	FrozenReason        string
	FrozenAt            *time.Time
	FrozenBy            string
	TotalDeposited      int64
	TotalWithdrawn      int64
	TotalVirtualIssued  int64
	TotalVirtualUsed    int64
	TotalVirtualExpired int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TotalBalance is real plus virtual balance.
func (w Wallet) TotalBalance() int64 {
	return w.RealBalance + w.VirtualBalance
}

// ApplyDelta returns w with both deltas applied. A delta that would drive
// either balance below zero fails with ErrInsufficientFunds and w is returned
// unchanged.
func ApplyDelta(w Wallet, realDelta, virtualDelta int64) (Wallet, error) {
	nextReal := w.RealBalance + realDelta
	nextVirtual := w.VirtualBalance + virtualDelta
	if nextReal < 0 {
		return w, Errorf(KindInsufficientFunds, "insufficient real balance: have %d, need %d", w.RealBalance, -realDelta)
	}
	if nextVirtual < 0 {
		return w, Errorf(KindInsufficientFunds, "insufficient virtual balance: have %d, need %d", w.VirtualBalance, -virtualDelta)
	}
	w.RealBalance = nextReal
	w.VirtualBalance = nextVirtual
	return w, nil
}

// VirtualCredit is one promotional grant tracked and consumed independently.
type VirtualCredit struct {
	ID              string
	Phone           string
	OriginalAmount  int64
	RemainingAmount int64
	ExpiresAt       *time.Time
	SourceType      string
	SourceRef       string
	SourceNote      string
	Status          CreditStatus
	IssuedBy        string
	IssuedAt        time.Time
	ExhaustedAt     *time.Time
	ExpiredAt       *time.Time
}

// Lapsed reports whether the credit's expiry is at or before asOf.
func (c VirtualCredit) Lapsed(asOf time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(asOf)
}

// Spendable reports whether the credit may be consumed at asOf.
func (c VirtualCredit) Spendable(asOf time.Time) bool {
	return c.Status == CreditActive && !c.Lapsed(asOf) && c.RemainingAmount > 0
}

// Transaction is an immutable ledger entry. Amount is signed; the balance
// fields are the wallet snapshot right after the entry was applied.
type Transaction struct {
	ID                  int64
	Code                string
	Phone               string
	Type                TransactionType
	Amount              int64
	RealBalanceAfter    int64
	VirtualBalanceAfter int64
	ReferenceType       string
	ReferenceID         string
	CreditID            string
	Description         string
	InternalNote        string
	PerformedBy         string
	PerformedRole       string
	IPAddress           string
	UserAgent           string
	RequestID           string
	CreatedAt           time.Time
}

// OperationContext identifies who asked for a mutation. It is supplied by the
// authenticated request layer and stamped onto every resulting transaction.
type OperationContext struct {
	PerformedBy    string
	Role           string
	IPAddress      string
	UserAgent      string
	RequestID      string
	IdempotencyKey string
}

// Entry starts a transaction of type t for amount using w as the post-update
// snapshot and oc for the audit stamps.
func (w Wallet) Entry(t TransactionType, amount int64, oc OperationContext) Transaction {
	return Transaction{
		Phone:               w.Phone,
		Type:                t,
		Amount:              amount,
		RealBalanceAfter:    w.RealBalance,
		VirtualBalanceAfter: w.VirtualBalance,
		PerformedBy:         oc.PerformedBy,
		PerformedRole:       oc.Role,
		IPAddress:           oc.IPAddress,
		UserAgent:           oc.UserAgent,
		RequestID:           oc.RequestID,
	}
}

// IdempotencyRecord remembers the result of a keyed mutation for a wallet.
type IdempotencyRecord struct {
	Phone       string
	Key         string
	Operation   string
	Fingerprint string
	Result      []byte
	CreatedAt   time.Time
}

// TransactionFilter narrows ListTransactions. Results are newest first.
type TransactionFilter struct {
	Types  []TransactionType
	Limit  int
	Offset int
}

// CreditRef locates a credit for the expiry sweeper. Refs are ordered by
// (ExpiresAt, ID) and a ref doubles as the keyset cursor for the next page.
type CreditRef struct {
	ID        string
	Phone     string
	ExpiresAt time.Time
}

// Compare orders refs by expiry then by ID bytes.
func (r CreditRef) Compare(o CreditRef) int {
	if c := r.ExpiresAt.Compare(o.ExpiresAt); c != 0 {
		return c
	}
	return cmp.Compare(r.ID, o.ID)
}

// Unit is one wallet's view inside an atomic unit of work. Everything done
// through a Unit commits together or not at all.
type Unit interface {
	Phone() string
	Now() time.Time

	// Wallet returns the locked wallet row, creating it on first use.
	Wallet(ctx context.Context) (Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) error

	Credit(ctx context.Context, id string) (VirtualCredit, error)
	ActiveCredits(ctx context.Context, asOf time.Time) ([]VirtualCredit, error)
	IssueCredit(ctx context.Context, c VirtualCredit) (VirtualCredit, error)
	ConsumeCredit(ctx context.Context, id string, amount int64) (VirtualCredit, error)
	ExpireCredit(ctx context.Context, id string, asOf time.Time) (int64, VirtualCredit, error)

	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	Idempotent(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	RememberIdempotent(ctx context.Context, rec IdempotencyRecord) error
}

// Store is implemented by ledger backends. Atomic is the single entry point
// for every wallet mutation; the remaining methods are lock-free reads.
type Store interface {
	Atomic(ctx context.Context, phone string, fn func(ctx context.Context, u Unit) error) error

	GetWallet(ctx context.Context, phone string) (Wallet, error)
	ListCredits(ctx context.Context, phone string, status CreditStatus) ([]VirtualCredit, error)
	ListActiveCredits(ctx context.Context, phone string, asOf time.Time) ([]VirtualCredit, error)
	ListTransactions(ctx context.Context, phone string, filter TransactionFilter) ([]Transaction, error)
	// LapsedCredits pages through active credits with expires_at <= asOf in
	// (expires_at, id) order, starting strictly after the given cursor. A nil
	// cursor starts from the beginning.
	LapsedCredits(ctx context.Context, asOf time.Time, after *CreditRef, limit int) ([]CreditRef, error)
}
