package wallet

import (
	"time"

	"github.com/retailops/walletledger/internal/ledger"
)

// DepositInput carries a real-money credit to a wallet.
type DepositInput struct {
	Phone        string
	Amount       int64
	SourceType   string
	SourceID     string
	Description  string
	InternalNote string
}

// DepositResult is the outcome of a deposit.
type DepositResult struct {
	TransactionID     int64  `json:"transaction_id"`
	TransactionCode   string `json:"transaction_code"`
	NewRealBalance    int64  `json:"new_real_balance"`
	NewVirtualBalance int64  `json:"new_virtual_balance"`
	TotalBalance      int64  `json:"total_balance"`
	Replayed          bool   `json:"replayed"`
}

// WithdrawInput debits a wallet for an order. Virtual credits are spent first.
type WithdrawInput struct {
	Phone       string
	Amount      int64
	OrderID     string
	Description string
}

// UsedCredit reports how much of one credit a withdrawal consumed.
type UsedCredit struct {
	CreditID       string `json:"credit_id"`
	Amount         int64  `json:"amount"`
	RemainingAfter int64  `json:"remaining_after"`
	Status         string `json:"status"`
}

// WithdrawResult is the outcome of a withdrawal.
type WithdrawResult struct {
	VirtualUsed       int64        `json:"virtual_used"`
	RealUsed          int64        `json:"real_used"`
	TotalUsed         int64        `json:"total_used"`
	UsedCredits       []UsedCredit `json:"used_credits"`
	NewRealBalance    int64        `json:"new_real_balance"`
	NewVirtualBalance int64        `json:"new_virtual_balance"`
	TotalBalance      int64        `json:"total_balance"`
	TransactionIDs    []int64      `json:"transaction_ids"`
	TransactionCodes  []string     `json:"transaction_codes"`
	Replayed          bool         `json:"replayed"`
}

// IssueInput grants a virtual credit. A nil ExpiryDays applies the
// configured default; with no default the credit never expires.
type IssueInput struct {
	Phone          string
	Amount         int64
	ExpiryDays     *int
	SourceType     string
	SourceTicketID string
	SourceNote     string
}

// IssueResult is the outcome of issuing a virtual credit.
type IssueResult struct {
	CreditID          string     `json:"credit_id"`
	OriginalAmount    int64      `json:"original_amount"`
	ExpiresAt         *time.Time `json:"expires_at"`
	NewVirtualBalance int64      `json:"new_virtual_balance"`
	TransactionID     int64      `json:"transaction_id"`
	TransactionCode   string     `json:"transaction_code"`
	Replayed          bool       `json:"replayed"`
}

// ExpireResult is the outcome of expiring one credit.
type ExpireResult struct {
	CreditID        string `json:"credit_id"`
	Phone           string `json:"phone"`
	Expired         bool   `json:"expired"`
	Forfeited       int64  `json:"forfeited"`
	TransactionID   int64  `json:"transaction_id,omitempty"`
	TransactionCode string `json:"transaction_code,omitempty"`
}

// Balance encapsulates the spendable split of a wallet.
type Balance struct {
	Phone          string `json:"phone"`
	RealBalance    int64  `json:"real_balance"`
	VirtualBalance int64  `json:"virtual_balance"`
	TotalBalance   int64  `json:"total_balance"`
}

// Stats are the lifetime counters of a wallet.
type Stats struct {
	TotalDeposited      int64 `json:"total_deposited"`
	TotalWithdrawn      int64 `json:"total_withdrawn"`
	TotalVirtualIssued  int64 `json:"total_virtual_issued"`
	TotalVirtualUsed    int64 `json:"total_virtual_used"`
	TotalVirtualExpired int64 `json:"total_virtual_expired"`
}

// CreditView is the read model of a virtual credit.
type CreditView struct {
	ID              string     `json:"id"`
	OriginalAmount  int64      `json:"original_amount"`
	RemainingAmount int64      `json:"remaining_amount"`
	ExpiresAt       *time.Time `json:"expires_at"`
	SourceType      string     `json:"source_type"`
	SourceRef       string     `json:"source_ref,omitempty"`
	SourceNote      string     `json:"source_note,omitempty"`
	Status          string     `json:"status"`
	IssuedBy        string     `json:"issued_by,omitempty"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExhaustedAt     *time.Time `json:"exhausted_at,omitempty"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty"`
}

// TransactionView is the read model of a ledger entry.
type TransactionView struct {
	ID                  int64     `json:"id"`
	Code                string    `json:"code"`
	Type                string    `json:"type"`
	Amount              int64     `json:"amount"`
	RealBalanceAfter    int64     `json:"real_balance_after"`
	VirtualBalanceAfter int64     `json:"virtual_balance_after"`
	ReferenceType       string    `json:"reference_type,omitempty"`
	ReferenceID         string    `json:"reference_id,omitempty"`
	CreditID            string    `json:"credit_id,omitempty"`
	Description         string    `json:"description"`
	InternalNote        string    `json:"internal_note,omitempty"`
	PerformedBy         string    `json:"performed_by"`
	PerformedRole       string    `json:"performed_role,omitempty"`
	RequestID           string    `json:"request_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// WalletView is the full read model of a wallet.
type WalletView struct {
	Phone                string            `json:"phone"`
	RealBalance          int64             `json:"real_balance"`
	VirtualBalance       int64             `json:"virtual_balance"`
	TotalBalance         int64             `json:"total_balance"`
	IsFrozen             bool              `json:"is_frozen"`
	FrozenReason         string            `json:"frozen_reason,omitempty"`
	FrozenAt             *time.Time        `json:"frozen_at,omitempty"`
	FrozenBy             string            `json:"frozen_by,omitempty"`
	Stats                Stats             `json:"stats"`
	ActiveVirtualCredits []CreditView      `json:"active_virtual_credits"`
	RecentTransactions   []TransactionView `json:"recent_transactions"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func creditView(c ledger.VirtualCredit) CreditView {
	return CreditView{
		ID:              c.ID,
		OriginalAmount:  c.OriginalAmount,
		RemainingAmount: c.RemainingAmount,
		ExpiresAt:       c.ExpiresAt,
		SourceType:      c.SourceType,
		SourceRef:       c.SourceRef,
		SourceNote:      c.SourceNote,
		Status:          string(c.Status),
		IssuedBy:        c.IssuedBy,
		IssuedAt:        c.IssuedAt,
		ExhaustedAt:     c.ExhaustedAt,
		ExpiredAt:       c.ExpiredAt,
	}
}

func creditViews(credits []ledger.VirtualCredit) []CreditView {
	out := make([]CreditView, 0, len(credits))
	for _, c := range credits {
		out = append(out, creditView(c))
	}
	return out
}

func transactionViews(txs []ledger.Transaction) []TransactionView {
	out := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionView{
			ID:                  tx.ID,
			Code:                tx.Code,
			Type:                string(tx.Type),
			Amount:              tx.Amount,
			RealBalanceAfter:    tx.RealBalanceAfter,
			VirtualBalanceAfter: tx.VirtualBalanceAfter,
			ReferenceType:       tx.ReferenceType,
			ReferenceID:         tx.ReferenceID,
			CreditID:            tx.CreditID,
			Description:         tx.Description,
			InternalNote:        tx.InternalNote,
			PerformedBy:         tx.PerformedBy,
			PerformedRole:       tx.PerformedRole,
			RequestID:           tx.RequestID,
			CreatedAt:           tx.CreatedAt,
		})
	}
	return out
}

func walletView(w ledger.Wallet, active []ledger.VirtualCredit, recent []ledger.Transaction) WalletView {
	return WalletView{
		Phone:          w.Phone,
		RealBalance:    w.RealBalance,
		VirtualBalance: w.VirtualBalance,
		TotalBalance:   w.TotalBalance(),
		IsFrozen:       w.IsFrozen,
		FrozenReason:   w.FrozenReason,
		FrozenAt:       w.FrozenAt,
		FrozenBy:       w.FrozenBy,
		Stats: Stats{
			TotalDeposited:      w.TotalDeposited,
			TotalWithdrawn:      w.TotalWithdrawn,
			TotalVirtualIssued:  w.TotalVirtualIssued,
			TotalVirtualUsed:    w.TotalVirtualUsed,
			TotalVirtualExpired: w.TotalVirtualExpired,
		},
		ActiveVirtualCredits: creditViews(active),
		RecentTransactions:   transactionViews(recent),
		CreatedAt:            w.CreatedAt,
		UpdatedAt:            w.UpdatedAt,
	}
}
