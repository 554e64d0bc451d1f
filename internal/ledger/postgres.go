package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/001_wallet_ledger.sql
var schemaSQL string

const (
	walletColumns = `phone, real_balance, virtual_balance, is_frozen, frozen_reason, frozen_at, frozen_by,
        total_deposited, total_withdrawn, total_virtual_issued, total_virtual_used, total_virtual_expired,
        created_at, updated_at`
	creditColumns = `id, phone, original_amount, remaining_amount, expires_at, source_type, source_ref, source_note,
        status, issued_by, issued_at, exhausted_at, expired_at`
	transactionColumns = `id, code, phone, type, amount, real_balance_after, virtual_balance_after,
        reference_type, reference_id, credit_id, description, internal_note,
        performed_by, performed_role, ip_address, user_agent, request_id, created_at`
)

// PostgresStore persists wallets, credits and the transaction ledger in
// PostgreSQL. Units are serialized per wallet by the wallet row lock.
type PostgresStore struct {
	db   *pgxpool.Pool
	ids  *creditIDs
	opts options
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, ids: newCreditIDs(), opts: buildOptions(opts)}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply wallet schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Atomic(ctx context.Context, phone string, fn func(ctx context.Context, u Unit) error) error {
	if phone == "" {
		return Errorf(KindInvalidInput, "phone is required")
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin unit", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.lockTimeout.Milliseconds())); err != nil {
		return classify("set lock timeout", err)
	}

	u := &pgUnit{tx: tx, phone: phone, now: s.opts.now(), ids: s.ids}
	if err := fn(ctx, u); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit unit", err)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, phone string) (Wallet, error) {
	w, err := scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE phone = $1`, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, Errorf(KindNotFound, "wallet %s not found", phone)
		}
		return Wallet{}, classify("load wallet", err)
	}
	return w, nil
}

func (s *PostgresStore) ListCredits(ctx context.Context, phone string, status CreditStatus) ([]VirtualCredit, error) {
	rows, err := s.db.Query(ctx, `SELECT `+creditColumns+` FROM virtual_credits
        WHERE phone = $1 AND ($2 = '' OR status = $2)
        ORDER BY issued_at, id`, phone, string(status))
	if err != nil {
		return nil, classify("list credits", err)
	}
	return collectCredits(rows)
}

func (s *PostgresStore) ListActiveCredits(ctx context.Context, phone string, asOf time.Time) ([]VirtualCredit, error) {
	rows, err := s.db.Query(ctx, `SELECT `+creditColumns+` FROM virtual_credits
        WHERE phone = $1 AND status = 'active' AND (expires_at IS NULL OR expires_at > $2)`, phone, asOf)
	if err != nil {
		return nil, classify("list active credits", err)
	}
	credits, err := collectCredits(rows)
	if err != nil {
		return nil, err
	}
	SortForConsumption(credits)
	return credits, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, phone string, filter TransactionFilter) ([]Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	types := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		types = append(types, string(t))
	}
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM wallet_transactions
        WHERE phone = $1 AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
        ORDER BY id DESC
        LIMIT $3 OFFSET $4`, phone, types, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, classify("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list transactions", err)
	}
	return out, nil
}

func (s *PostgresStore) LapsedCredits(ctx context.Context, asOf time.Time, after *CreditRef, limit int) ([]CreditRef, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, phone, expires_at FROM virtual_credits
        WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`
	args := []any{asOf, limit}
	if after != nil {
		query += ` AND (expires_at, id COLLATE "C") > ($3::timestamptz, $4::text)`
		args = append(args, after.ExpiresAt, after.ID)
	}
	query += `
        ORDER BY expires_at, id COLLATE "C"
        LIMIT $2`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list lapsed credits", err)
	}
	defer rows.Close()

	refs := make([]CreditRef, 0)
	for rows.Next() {
		var ref CreditRef
		if err := rows.Scan(&ref.ID, &ref.Phone, &ref.ExpiresAt); err != nil {
			return nil, classify("scan lapsed credit", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list lapsed credits", err)
	}
	return refs, nil
}

type pgUnit struct {
	tx     pgx.Tx
	phone  string
	now    time.Time
	ids    *creditIDs
	wallet *Wallet
}

func (u *pgUnit) Phone() string  { return u.phone }
func (u *pgUnit) Now() time.Time { return u.now }

func (u *pgUnit) Wallet(ctx context.Context) (Wallet, error) {
	if u.wallet != nil {
		return *u.wallet, nil
	}
	if _, err := u.tx.Exec(ctx, `INSERT INTO wallets (phone, created_at, updated_at) VALUES ($1, $2, $2)
        ON CONFLICT (phone) DO NOTHING`, u.phone, u.now); err != nil {
		return Wallet{}, classify("create wallet", err)
	}
	w, err := scanWallet(u.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE phone = $1 FOR UPDATE`, u.phone))
	if err != nil {
		return Wallet{}, classify("lock wallet", err)
	}
	u.wallet = &w
	return w, nil
}

func (u *pgUnit) SaveWallet(ctx context.Context, w Wallet) error {
	if w.Phone != u.phone {
		return Errorf(KindInvalidState, "unit for %s cannot save wallet %s", u.phone, w.Phone)
	}
	if u.wallet == nil {
		if _, err := u.Wallet(ctx); err != nil {
			return err
		}
	}
	w.UpdatedAt = u.now
	_, err := u.tx.Exec(ctx, `UPDATE wallets SET
        real_balance = $2, virtual_balance = $3, is_frozen = $4, frozen_reason = $5, frozen_at = $6, frozen_by = $7,
        total_deposited = $8, total_withdrawn = $9, total_virtual_issued = $10, total_virtual_used = $11,
        total_virtual_expired = $12, updated_at = $13
        WHERE phone = $1`,
		w.Phone, w.RealBalance, w.VirtualBalance, w.IsFrozen, w.FrozenReason, w.FrozenAt, w.FrozenBy,
		w.TotalDeposited, w.TotalWithdrawn, w.TotalVirtualIssued, w.TotalVirtualUsed,
		w.TotalVirtualExpired, w.UpdatedAt)
	if err != nil {
		return classify("save wallet", err)
	}
	u.wallet = &w
	return nil
}

func (u *pgUnit) Credit(ctx context.Context, id string) (VirtualCredit, error) {
	c, err := scanCredit(u.tx.QueryRow(ctx, `SELECT `+creditColumns+` FROM virtual_credits
        WHERE id = $1 AND phone = $2 FOR UPDATE`, id, u.phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VirtualCredit{}, Errorf(KindNotFound, "virtual credit %s not found", id)
		}
		return VirtualCredit{}, classify("load credit", err)
	}
	return c, nil
}

func (u *pgUnit) ActiveCredits(ctx context.Context, asOf time.Time) ([]VirtualCredit, error) {
	rows, err := u.tx.Query(ctx, `SELECT `+creditColumns+` FROM virtual_credits
        WHERE phone = $1 AND status = 'active' AND (expires_at IS NULL OR expires_at > $2)
        ORDER BY expires_at ASC NULLS LAST, issued_at, id
        FOR UPDATE`, u.phone, asOf)
	if err != nil {
		return nil, classify("lock active credits", err)
	}
	credits, err := collectCredits(rows)
	if err != nil {
		return nil, err
	}
	// Collation may order ids differently from Go; the comparator is authoritative.
	SortForConsumption(credits)
	return credits, nil
}

func (u *pgUnit) IssueCredit(ctx context.Context, c VirtualCredit) (VirtualCredit, error) {
	if err := validateNewCredit(c); err != nil {
		return VirtualCredit{}, err
	}
	c.Phone = u.phone
	if c.ID == "" {
		c.ID = u.ids.next(u.now)
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = u.now
	}
	c.RemainingAmount = c.OriginalAmount
	c.Status = CreditActive
	_, err := u.tx.Exec(ctx, `INSERT INTO virtual_credits (`+creditColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.Phone, c.OriginalAmount, c.RemainingAmount, c.ExpiresAt, c.SourceType, c.SourceRef, c.SourceNote,
		string(c.Status), c.IssuedBy, c.IssuedAt, c.ExhaustedAt, c.ExpiredAt)
	if err != nil {
		return VirtualCredit{}, classify("insert credit", err)
	}
	return c, nil
}

func (u *pgUnit) ConsumeCredit(ctx context.Context, id string, amount int64) (VirtualCredit, error) {
	c, err := u.Credit(ctx, id)
	if err != nil {
		return VirtualCredit{}, err
	}
	updated, err := consumeCredit(c, amount, u.now)
	if err != nil {
		return c, err
	}
	if err := u.updateCredit(ctx, updated); err != nil {
		return c, err
	}
	return updated, nil
}

func (u *pgUnit) ExpireCredit(ctx context.Context, id string, asOf time.Time) (int64, VirtualCredit, error) {
	c, err := u.Credit(ctx, id)
	if err != nil {
		return 0, VirtualCredit{}, err
	}
	forfeited, updated, err := expireCredit(c, asOf)
	if err != nil {
		return 0, c, err
	}
	if err := u.updateCredit(ctx, updated); err != nil {
		return 0, c, err
	}
	return forfeited, updated, nil
}

func (u *pgUnit) updateCredit(ctx context.Context, c VirtualCredit) error {
	_, err := u.tx.Exec(ctx, `UPDATE virtual_credits
        SET remaining_amount = $2, status = $3, exhausted_at = $4, expired_at = $5
        WHERE id = $1`, c.ID, c.RemainingAmount, string(c.Status), c.ExhaustedAt, c.ExpiredAt)
	if err != nil {
		return classify("update credit", err)
	}
	return nil
}

func (u *pgUnit) AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.Phone != u.phone {
		return Transaction{}, Errorf(KindInvalidState, "unit for %s cannot append transaction for %s", u.phone, tx.Phone)
	}
	if !tx.Type.Valid() {
		return Transaction{}, Errorf(KindInvalidState, "unknown transaction type %q", tx.Type)
	}
	if err := u.tx.QueryRow(ctx, `SELECT nextval('wallet_transactions_id_seq')`).Scan(&tx.ID); err != nil {
		return Transaction{}, classify("allocate transaction id", err)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = u.now
	}
	tx.Code = TransactionCode(tx.ID, tx.CreatedAt)
	_, err := u.tx.Exec(ctx, `INSERT INTO wallet_transactions (`+transactionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		tx.ID, tx.Code, tx.Phone, string(tx.Type), tx.Amount, tx.RealBalanceAfter, tx.VirtualBalanceAfter,
		tx.ReferenceType, tx.ReferenceID, tx.CreditID, tx.Description, tx.InternalNote,
		tx.PerformedBy, tx.PerformedRole, tx.IPAddress, tx.UserAgent, tx.RequestID, tx.CreatedAt)
	if err != nil {
		return Transaction{}, classify("append transaction", err)
	}
	return tx, nil
}

func (u *pgUnit) Idempotent(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{Phone: u.phone, Key: key}
	err := u.tx.QueryRow(ctx, `SELECT operation, fingerprint, result, created_at FROM wallet_idempotency
        WHERE phone = $1 AND key = $2`, u.phone, key).Scan(&rec.Operation, &rec.Fingerprint, &rec.Result, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, classify("load idempotency record", err)
	}
	return rec, true, nil
}

func (u *pgUnit) RememberIdempotent(ctx context.Context, rec IdempotencyRecord) error {
	if rec.Key == "" {
		return Errorf(KindInvalidState, "idempotency record without key")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = u.now
	}
	_, err := u.tx.Exec(ctx, `INSERT INTO wallet_idempotency (phone, key, operation, fingerprint, result, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, u.phone, rec.Key, rec.Operation, rec.Fingerprint, rec.Result, rec.CreatedAt)
	return classifyIdempotency(err)
}

// classifyIdempotency turns a duplicate key into a conflict so the retried
// unit replays the record the winner stored.
func classifyIdempotency(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Wrap(KindConcurrencyConflict, "idempotency key stored concurrently", err)
	}
	return classify("store idempotency record", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.Phone, &w.RealBalance, &w.VirtualBalance, &w.IsFrozen, &w.FrozenReason, &w.FrozenAt, &w.FrozenBy,
		&w.TotalDeposited, &w.TotalWithdrawn, &w.TotalVirtualIssued, &w.TotalVirtualUsed, &w.TotalVirtualExpired,
		&w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func scanCredit(row rowScanner) (VirtualCredit, error) {
	var c VirtualCredit
	var status string
	err := row.Scan(&c.ID, &c.Phone, &c.OriginalAmount, &c.RemainingAmount, &c.ExpiresAt, &c.SourceType, &c.SourceRef,
		&c.SourceNote, &status, &c.IssuedBy, &c.IssuedAt, &c.ExhaustedAt, &c.ExpiredAt)
	c.Status = CreditStatus(status)
	return c, err
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var tx Transaction
	var typ string
	err := row.Scan(&tx.ID, &tx.Code, &tx.Phone, &typ, &tx.Amount, &tx.RealBalanceAfter, &tx.VirtualBalanceAfter,
		&tx.ReferenceType, &tx.ReferenceID, &tx.CreditID, &tx.Description, &tx.InternalNote,
		&tx.PerformedBy, &tx.PerformedRole, &tx.IPAddress, &tx.UserAgent, &tx.RequestID, &tx.CreatedAt)
	tx.Type = TransactionType(typ)
	return tx, err
}

func collectCredits(rows pgx.Rows) ([]VirtualCredit, error) {
	defer rows.Close()
	out := make([]VirtualCredit, 0)
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, classify("scan credit", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read credits", err)
	}
	return out, nil
}

// classify maps driver failures onto ledger kinds. Lock and serialization
// failures become ConcurrencyConflict so the engine can retry them; check
// violations mean a balance invariant was about to break.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return Wrap(KindConcurrencyConflict, op, err)
		case "23514":
			return Wrap(KindInvalidState, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
