/*
Package postgres provides a PostgreSQL-backed implementation of savings.Store.

PURPOSE:
  Production driver. Unlike SQLite, PostgreSQL gives real row locks, so
  operations on different accounts run in parallel and only operations on
  the same account queue behind each other.

LOCKING:
  LockAccount issues SELECT ... FOR UPDATE on the account row. The lock is
  held until the transaction ends. lock_timeout bounds the wait: a
  request stuck behind a long transaction fails with a TransientError
  instead of hanging.

ERRORS:
  23505 unique_violation          -> savings.ErrDuplicate
  40001 serialization_failure     -> *savings.TransientError
  40P01 deadlock_detected         -> *savings.TransientError
  55P03 lock_not_available        -> *savings.TransientError
  context deadline / cancellation -> *savings.TransientError

TYPES ON DISK:
  Money:      NUMERIC(18,2), read back as ::text to stay exact
  Timestamps: TIMESTAMPTZ

SEE ALSO:
  - savings/store.go: Interface definitions
  - store/sqlite: Single-writer variant used for local runs
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/savings-ledger/savings"
)

// Store implements savings.Store and savings.Outbox on a pgx pool.
type Store struct {
	queries
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New connects to databaseURL, verifies the connection and migrates the
// schema.
func New(ctx context.Context, databaseURL string, lockTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewFromPool(pool, lockTimeout, logger)
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool. The schema is assumed to exist.
func NewFromPool(pool *pgxpool.Pool, lockTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		queries:     queries{conn: pool},
		pool:        pool,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		pilgrim_id TEXT NOT NULL,
		account_number TEXT NOT NULL UNIQUE,
		bank TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_pilgrim
		ON accounts(pilgrim_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		paid_at TIMESTAMPTZ NOT NULL,
		method TEXT NOT NULL,
		proof_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		verified_by TEXT NOT NULL DEFAULT '',
		verified_at TIMESTAMPTZ,
		verification_note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_account ON deposits(account_id, paid_at);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		issued_at TIMESTAMPTZ NOT NULL,
		total_amount NUMERIC(18,2) NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		registration_id TEXT,
		invoice_id TEXT REFERENCES invoices(id),
		amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		allocated_at TIMESTAMPTZ NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		created_by TEXT NOT NULL,
		posted_by TEXT NOT NULL DEFAULT '',
		posted_at TIMESTAMPTZ,
		reversed_by TEXT NOT NULL DEFAULT '',
		reversed_at TIMESTAMPTZ,
		reversal_note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_account ON allocations(account_id, allocated_at);
	CREATE INDEX IF NOT EXISTS idx_allocations_invoice ON allocations(invoice_id) WHERE invoice_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS invoice_sequences (
		day DATE PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(created_at) WHERE sent_at IS NULL;
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx savings.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return mapError("set lock timeout", err)
		}
	}

	if err := fn(&txStore{queries: queries{conn: tx}, tx: tx}); err != nil {
		if savings.IsRetryable(err) {
			s.logger.Warn("transaction aborted", "error", err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	committed = true
	return nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE outbox, allocations, invoices, invoice_sequences, deposits, accounts`)
	return err
}

type txStore struct {
	queries
	tx pgx.Tx
}

func (ts *txStore) LockAccount(ctx context.Context, id savings.AccountID) (*savings.Account, error) {
	row := ts.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, rowError(err, "account", string(id))
	}
	return a, nil
}

func (ts *txStore) InsertAccount(ctx context.Context, a savings.Account) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO accounts (id, pilgrim_id, account_number, bank, opened_at, status,
			created_by, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.PilgrimID, a.AccountNumber, a.Bank, a.OpenedAt, a.Status,
		a.CreatedBy, a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	if err != nil {
		return mapError("insert account", err)
	}
	return nil
}

func (ts *txStore) UpdateAccount(ctx context.Context, a savings.Account) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE accounts SET status = $1, updated_at = $2, deleted_at = $3 WHERE id = $4`,
		a.Status, a.UpdatedAt, a.DeletedAt, a.ID)
	if err != nil {
		return mapError("update account", err)
	}
	return requireRow(tag, "account", string(a.ID))
}

func (ts *txStore) InsertDeposit(ctx context.Context, d savings.Deposit) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO deposits (id, account_id, amount, paid_at, method, proof_ref, status,
			verified_by, verified_at, verification_note, created_by, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.AccountID, d.Amount.String(), d.PaidAt, d.Method, d.ProofRef, d.Status,
		d.VerifiedBy, d.VerifiedAt, d.VerificationNote, d.CreatedBy, d.CreatedAt)
	if err != nil {
		return mapError("insert deposit", err)
	}
	return nil
}

func (ts *txStore) UpdateDepositVerification(ctx context.Context, d savings.Deposit) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE deposits SET status = $1, verified_by = $2, verified_at = $3, verification_note = $4
		WHERE id = $5
	`, d.Status, d.VerifiedBy, d.VerifiedAt, d.VerificationNote, d.ID)
	if err != nil {
		return mapError("update deposit", err)
	}
	return requireRow(tag, "deposit", string(d.ID))
}

func (ts *txStore) InsertAllocation(ctx context.Context, a savings.Allocation) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO allocations (id, account_id, registration_id, invoice_id, amount, allocated_at,
			note, status, created_by, posted_by, posted_at, reversed_by, reversed_at, reversal_note,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.AccountID, textPtr(a.RegistrationID), textPtr(a.InvoiceID), a.Amount.String(), a.AllocatedAt,
		a.Note, a.Status, a.CreatedBy, a.PostedBy, a.PostedAt, a.ReversedBy, a.ReversedAt, a.ReversalNote,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapError("insert allocation", err)
	}
	return nil
}

func (ts *txStore) UpdateAllocation(ctx context.Context, a savings.Allocation) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE allocations SET registration_id = $1, invoice_id = $2, amount = $3::numeric,
			allocated_at = $4, note = $5, status = $6, posted_by = $7, posted_at = $8,
			reversed_by = $9, reversed_at = $10, reversal_note = $11, updated_at = $12
		WHERE id = $13
	`, textPtr(a.RegistrationID), textPtr(a.InvoiceID), a.Amount.String(), a.AllocatedAt, a.Note, a.Status,
		a.PostedBy, a.PostedAt, a.ReversedBy, a.ReversedAt, a.ReversalNote, a.UpdatedAt, a.ID)
	if err != nil {
		return mapError("update allocation", err)
	}
	return requireRow(tag, "allocation", string(a.ID))
}

func (ts *txStore) DeleteAllocation(ctx context.Context, id savings.AllocationID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM allocations WHERE id = $1`, id)
	if err != nil {
		return mapError("delete allocation", err)
	}
	return requireRow(tag, "allocation", string(id))
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv savings.Invoice) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO invoices (id, number, issued_at, total_amount, status, note,
			created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
	`, inv.ID, inv.Number, inv.IssuedAt, inv.TotalAmount.String(), inv.Status, inv.Note,
		inv.CreatedAt, inv.UpdatedAt, inv.DeletedAt)
	if err != nil {
		return mapError("insert invoice", err)
	}
	return nil
}

func (ts *txStore) AddInvoiceAmount(ctx context.Context, id savings.InvoiceID, delta savings.Money, at time.Time) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE invoices SET total_amount = total_amount + $1::numeric, updated_at = $2 WHERE id = $3`,
		delta.String(), at, id)
	if err != nil {
		return mapError("update invoice total", err)
	}
	return requireRow(tag, "invoice", string(id))
}

func (ts *txStore) SetInvoiceStatus(ctx context.Context, id savings.InvoiceID, status savings.InvoiceStatus, at time.Time) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE invoices SET status = $1, updated_at = $2 WHERE id = $3`, status, at, id)
	if err != nil {
		return mapError("update invoice status", err)
	}
	return requireRow(tag, "invoice", string(id))
}

func (ts *txStore) NextInvoiceSequence(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO invoice_sequences (day, seq) VALUES ($1::date, 1)
		ON CONFLICT (day) DO UPDATE SET seq = invoice_sequences.seq + 1
		RETURNING seq
	`, day.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return 0, mapError("next invoice sequence", err)
	}
	return seq, nil
}

func (ts *txStore) EnqueueEvent(ctx context.Context, rec savings.OutboxRecord) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO outbox (id, event_type, partition_key, payload, created_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.EventType, rec.PartitionKey, rec.Payload, rec.CreatedAt, rec.Attempts, rec.LastError)
	if err != nil {
		return mapError("enqueue event", err)
	}
	return nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]savings.OutboxRecord, error) {
	query := `
		SELECT id, event_type, partition_key, payload, created_at, sent_at, attempts, last_error
		FROM outbox WHERE sent_at IS NULL
		ORDER BY created_at ASC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query outbox", err)
	}
	defer rows.Close()

	var out []savings.OutboxRecord
	for rows.Next() {
		var rec savings.OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.PartitionKey, &rec.Payload,
			&rec.CreatedAt, &rec.SentAt, &rec.Attempts, &rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET sent_at = $1, attempts = attempts + 1 WHERE id = $2`, at, id)
	if err != nil {
		return mapError("mark event sent", err)
	}
	return requireRow(tag, "outbox record", id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2`, reason, id)
	if err != nil {
		return mapError("mark event failed", err)
	}
	return requireRow(tag, "outbox record", id)
}

// =============================================================================
// READS
// =============================================================================

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	conn querier
}

const accountColumns = `id, pilgrim_id, account_number, bank, opened_at, status,
	created_by, created_at, updated_at, deleted_at`

func (q queries) GetAccount(ctx context.Context, id savings.AccountID) (*savings.Account, error) {
	a, err := scanAccount(q.conn.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, rowError(err, "account", string(id))
	}
	return a, nil
}

func (q queries) GetAccountByPilgrim(ctx context.Context, id savings.PilgrimID) (*savings.Account, error) {
	a, err := scanAccount(q.conn.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE pilgrim_id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, rowError(err, "account", "pilgrim:"+string(id))
	}
	return a, nil
}

func (q queries) ListAccounts(ctx context.Context) ([]savings.Account, error) {
	rows, err := q.conn.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE deleted_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, mapError("query accounts", err)
	}
	return collect(rows, scanAccount)
}

func scanAccount(row pgx.Row) (*savings.Account, error) {
	var (
		a                                      savings.Account
		id, pilgrimID, bank, status, createdBy string
	)
	err := row.Scan(&id, &pilgrimID, &a.AccountNumber, &bank, &a.OpenedAt, &status,
		&createdBy, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	a.ID = savings.AccountID(id)
	a.PilgrimID = savings.PilgrimID(pilgrimID)
	a.Bank = savings.Bank(bank)
	a.Status = savings.AccountStatus(status)
	a.CreatedBy = savings.Actor(createdBy)
	return &a, nil
}

const depositColumns = `id, account_id, amount::text, paid_at, method, proof_ref, status,
	verified_by, verified_at, verification_note, created_by, created_at`

func (q queries) GetDeposit(ctx context.Context, id savings.DepositID) (*savings.Deposit, error) {
	d, err := scanDeposit(q.conn.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id))
	if err != nil {
		return nil, rowError(err, "deposit", string(id))
	}
	return d, nil
}

func (q queries) ListDeposits(ctx context.Context, id savings.AccountID) ([]savings.Deposit, error) {
	rows, err := q.conn.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE account_id = $1 ORDER BY paid_at ASC, created_at ASC`, id)
	if err != nil {
		return nil, mapError("query deposits", err)
	}
	return collect(rows, scanDeposit)
}

func scanDeposit(row pgx.Row) (*savings.Deposit, error) {
	var (
		d                                                 savings.Deposit
		id, accountID, amount, method, status, verifiedBy string
		createdBy                                         string
	)
	err := row.Scan(&id, &accountID, &amount, &d.PaidAt, &method, &d.ProofRef, &status,
		&verifiedBy, &d.VerifiedAt, &d.VerificationNote, &createdBy, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if d.Amount, err = savings.ParseMoney(amount); err != nil {
		return nil, fmt.Errorf("deposit %s: %w", id, err)
	}
	d.ID = savings.DepositID(id)
	d.AccountID = savings.AccountID(accountID)
	d.Method = savings.PaymentMethod(method)
	d.Status = savings.DepositStatus(status)
	d.VerifiedBy = savings.Actor(verifiedBy)
	d.CreatedBy = savings.Actor(createdBy)
	return &d, nil
}

const allocationColumns = `id, account_id, registration_id, invoice_id, amount::text, allocated_at,
	note, status, created_by, posted_by, posted_at, reversed_by, reversed_at, reversal_note,
	created_at, updated_at`

func (q queries) GetAllocation(ctx context.Context, id savings.AllocationID) (*savings.Allocation, error) {
	a, err := scanAllocation(q.conn.QueryRow(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, id))
	if err != nil {
		return nil, rowError(err, "allocation", string(id))
	}
	return a, nil
}

func (q queries) ListAllocations(ctx context.Context, id savings.AccountID) ([]savings.Allocation, error) {
	rows, err := q.conn.Query(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE account_id = $1 ORDER BY allocated_at ASC, created_at ASC`, id)
	if err != nil {
		return nil, mapError("query allocations", err)
	}
	return collect(rows, scanAllocation)
}

func (q queries) ListAllocationsByInvoice(ctx context.Context, id savings.InvoiceID) ([]savings.Allocation, error) {
	rows, err := q.conn.Query(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE invoice_id = $1 ORDER BY allocated_at ASC, created_at ASC`, id)
	if err != nil {
		return nil, mapError("query allocations", err)
	}
	return collect(rows, scanAllocation)
}

func scanAllocation(row pgx.Row) (*savings.Allocation, error) {
	var (
		a                                                         savings.Allocation
		id, accountID, amount, status, createdBy, postedBy, revBy string
		registrationID, invoiceID                                 *string
	)
	err := row.Scan(&id, &accountID, &registrationID, &invoiceID, &amount, &a.AllocatedAt,
		&a.Note, &status, &createdBy, &postedBy, &a.PostedAt, &revBy, &a.ReversedAt, &a.ReversalNote,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.Amount, err = savings.ParseMoney(amount); err != nil {
		return nil, fmt.Errorf("allocation %s: %w", id, err)
	}
	a.ID = savings.AllocationID(id)
	a.AccountID = savings.AccountID(accountID)
	a.Status = savings.AllocationStatus(status)
	a.CreatedBy = savings.Actor(createdBy)
	a.PostedBy = savings.Actor(postedBy)
	a.ReversedBy = savings.Actor(revBy)
	if registrationID != nil {
		v := savings.RegistrationID(*registrationID)
		a.RegistrationID = &v
	}
	if invoiceID != nil {
		v := savings.InvoiceID(*invoiceID)
		a.InvoiceID = &v
	}
	return &a, nil
}

func (q queries) GetInvoice(ctx context.Context, id savings.InvoiceID) (*savings.Invoice, error) {
	var (
		inv                  savings.Invoice
		invID, total, status string
	)
	err := q.conn.QueryRow(ctx, `
		SELECT id, number, issued_at, total_amount::text, status, note, created_at, updated_at, deleted_at
		FROM invoices WHERE id = $1
	`, id).Scan(&invID, &inv.Number, &inv.IssuedAt, &total, &status, &inv.Note,
		&inv.CreatedAt, &inv.UpdatedAt, &inv.DeletedAt)
	if err != nil {
		return nil, rowError(err, "invoice", string(id))
	}
	if inv.TotalAmount, err = savings.ParseMoney(total); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id, err)
	}
	inv.ID = savings.InvoiceID(invID)
	inv.Status = savings.InvoiceStatus(status)
	return &inv, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("read rows", err)
	}
	return out, nil
}

func rowError(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &savings.NotFoundError{Kind: kind, ID: id}
	}
	return mapError("get "+kind, err)
}

func requireRow(tag pgconn.CommandTag, kind, id string) error {
	if tag.RowsAffected() == 0 {
		return &savings.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// mapError classifies PostgreSQL errors into the ledger's error kinds.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: %s", savings.ErrDuplicate, op, pgErr.ConstraintName)
		case "40001", "40P01", "55P03":
			return &savings.TransientError{Op: op, Err: err}
		}
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &savings.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func textPtr[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
