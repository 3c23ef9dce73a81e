/*
Package sqlite provides a SQLite-backed implementation of savings.Store.

PURPOSE:
  Persists accounts, deposits, allocations, invoices and the event outbox
  in a single SQLite file. This is the default driver for local runs and
  the demo server; store/postgres is the production driver.

INTERFACES IMPLEMENTED:
  savings.Store:  Reads + WithTx
  savings.Tx:     Writes and LockAccount inside WithTx
  savings.Outbox: Relay bookkeeping

KEY TABLES:
  accounts:          One savings account per pilgrim (soft delete)
  deposits:          Money paid in, verified by an admin
  allocations:       Funds earmarked for a package (draft/posted/reversed)
  invoices:          Totals kept equal to the posted allocations they hold
  invoice_sequences: Per-day counter behind INV-YYYYMMDD-NNNN
  outbox:            Events written with the change that caused them

LOCKING:
  SQLite has no row locks. Every transaction is opened with
  _txlock=immediate, so BEGIN takes the database write lock and holds it
  to COMMIT. That is stronger than the per-account lock the ledger asks
  for: LockAccount is therefore a plain read. Within one process writers
  are additionally queued on s.mu so they wait on a mutex instead of
  spinning on SQLITE_BUSY; busy_timeout covers other processes.

  Reads outside a transaction take no lock. In WAL mode they see the last
  committed state.

TYPES ON DISK:
  Money:      TEXT, exact decimal string ("4000000.00")
  Timestamps: TEXT, fixed-width UTC so lexical order is time order

ERRORS:
  UNIQUE violations  -> savings.ErrDuplicate
  SQLITE_BUSY/LOCKED -> *savings.TransientError

USAGE:
  store, err := sqlite.New("./data/savings.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := savings.NewService(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - savings/store.go: Interface definitions
  - savings/store/memory.go: In-memory implementation for testing
  - store/postgres: Row-level locking variant
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/savings-ledger/savings"
)

// timeLayout is fixed width so ORDER BY on the text column sorts by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements savings.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{conn: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		pilgrim_id TEXT NOT NULL,
		account_number TEXT NOT NULL UNIQUE,
		bank TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- One live account per pilgrim; archived accounts do not count
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_pilgrim
		ON accounts(pilgrim_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		method TEXT NOT NULL,
		proof_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		verified_by TEXT NOT NULL DEFAULT '',
		verified_at TEXT,
		verification_note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance calculation (hot path)
	CREATE INDEX IF NOT EXISTS idx_deposits_account
		ON deposits(account_id, paid_at);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		issued_at TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		registration_id TEXT,
		invoice_id TEXT REFERENCES invoices(id),
		amount TEXT NOT NULL,
		allocated_at TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		created_by TEXT NOT NULL,
		posted_by TEXT NOT NULL DEFAULT '',
		posted_at TEXT,
		reversed_by TEXT NOT NULL DEFAULT '',
		reversed_at TEXT,
		reversal_note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Balance calculation (hot path)
	CREATE INDEX IF NOT EXISTS idx_allocations_account
		ON allocations(account_id, allocated_at);
	CREATE INDEX IF NOT EXISTS idx_allocations_invoice
		ON allocations(invoice_id) WHERE invoice_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS invoice_sequences (
		day TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox(created_at) WHERE sent_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx savings.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{conn: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"outbox", "allocations", "invoices", "invoice_sequences", "deposits", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type txStore struct {
	queries
	tx *sql.Tx
}

// LockAccount is a read: the immediate transaction already owns the
// database write lock.
func (ts *txStore) LockAccount(ctx context.Context, id savings.AccountID) (*savings.Account, error) {
	return ts.GetAccount(ctx, id)
}

func (ts *txStore) InsertAccount(ctx context.Context, a savings.Account) error {
	query := `
		INSERT INTO accounts (id, pilgrim_id, account_number, bank, opened_at, status,
			created_by, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		a.ID, a.PilgrimID, a.AccountNumber, a.Bank, formatTime(a.OpenedAt), a.Status,
		a.CreatedBy, formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatNullTime(a.DeletedAt),
	)
	if err != nil {
		return mapError("insert account", err)
	}
	return nil
}

func (ts *txStore) UpdateAccount(ctx context.Context, a savings.Account) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ?, deleted_at = ? WHERE id = ?`,
		a.Status, formatTime(a.UpdatedAt), formatNullTime(a.DeletedAt), a.ID,
	)
	if err != nil {
		return mapError("update account", err)
	}
	return requireRow(res, "account", string(a.ID))
}

func (ts *txStore) InsertDeposit(ctx context.Context, d savings.Deposit) error {
	query := `
		INSERT INTO deposits (id, account_id, amount, paid_at, method, proof_ref, status,
			verified_by, verified_at, verification_note, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		d.ID, d.AccountID, d.Amount.String(), formatTime(d.PaidAt), d.Method, d.ProofRef, d.Status,
		d.VerifiedBy, formatNullTime(d.VerifiedAt), d.VerificationNote, d.CreatedBy, formatTime(d.CreatedAt),
	)
	if err != nil {
		return mapError("insert deposit", err)
	}
	return nil
}

func (ts *txStore) UpdateDepositVerification(ctx context.Context, d savings.Deposit) error {
	query := `
		UPDATE deposits SET status = ?, verified_by = ?, verified_at = ?, verification_note = ?
		WHERE id = ?
	`
	res, err := ts.tx.ExecContext(ctx, query,
		d.Status, d.VerifiedBy, formatNullTime(d.VerifiedAt), d.VerificationNote, d.ID,
	)
	if err != nil {
		return mapError("update deposit", err)
	}
	return requireRow(res, "deposit", string(d.ID))
}

func (ts *txStore) InsertAllocation(ctx context.Context, a savings.Allocation) error {
	query := `
		INSERT INTO allocations (id, account_id, registration_id, invoice_id, amount, allocated_at,
			note, status, created_by, posted_by, posted_at, reversed_by, reversed_at, reversal_note,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		a.ID, a.AccountID, nullID(a.RegistrationID), nullID(a.InvoiceID), a.Amount.String(),
		formatTime(a.AllocatedAt), a.Note, a.Status, a.CreatedBy,
		a.PostedBy, formatNullTime(a.PostedAt), a.ReversedBy, formatNullTime(a.ReversedAt), a.ReversalNote,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return mapError("insert allocation", err)
	}
	return nil
}

func (ts *txStore) UpdateAllocation(ctx context.Context, a savings.Allocation) error {
	query := `
		UPDATE allocations SET registration_id = ?, invoice_id = ?, amount = ?, allocated_at = ?,
			note = ?, status = ?, posted_by = ?, posted_at = ?, reversed_by = ?, reversed_at = ?,
			reversal_note = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := ts.tx.ExecContext(ctx, query,
		nullID(a.RegistrationID), nullID(a.InvoiceID), a.Amount.String(), formatTime(a.AllocatedAt),
		a.Note, a.Status, a.PostedBy, formatNullTime(a.PostedAt), a.ReversedBy, formatNullTime(a.ReversedAt),
		a.ReversalNote, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return mapError("update allocation", err)
	}
	return requireRow(res, "allocation", string(a.ID))
}

func (ts *txStore) DeleteAllocation(ctx context.Context, id savings.AllocationID) error {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM allocations WHERE id = ?`, id)
	if err != nil {
		return mapError("delete allocation", err)
	}
	return requireRow(res, "allocation", string(id))
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv savings.Invoice) error {
	query := `
		INSERT INTO invoices (id, number, issued_at, total_amount, status, note,
			created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		inv.ID, inv.Number, formatTime(inv.IssuedAt), inv.TotalAmount.String(), inv.Status, inv.Note,
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt), formatNullTime(inv.DeletedAt),
	)
	if err != nil {
		return mapError("insert invoice", err)
	}
	return nil
}

// AddInvoiceAmount does the arithmetic in Go: SQLite would add the TEXT
// columns as floats.
func (ts *txStore) AddInvoiceAmount(ctx context.Context, id savings.InvoiceID, delta savings.Money, at time.Time) error {
	inv, err := ts.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx,
		`UPDATE invoices SET total_amount = ?, updated_at = ? WHERE id = ?`,
		inv.TotalAmount.Add(delta).String(), formatTime(at), id,
	)
	if err != nil {
		return mapError("update invoice total", err)
	}
	return nil
}

func (ts *txStore) SetInvoiceStatus(ctx context.Context, id savings.InvoiceID, status savings.InvoiceStatus, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(at), id,
	)
	if err != nil {
		return mapError("update invoice status", err)
	}
	return requireRow(res, "invoice", string(id))
}

func (ts *txStore) NextInvoiceSequence(ctx context.Context, day time.Time) (int, error) {
	query := `
		INSERT INTO invoice_sequences (day, seq) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`
	var seq int
	if err := ts.tx.QueryRowContext(ctx, query, day.Format("2006-01-02")).Scan(&seq); err != nil {
		return 0, mapError("next invoice sequence", err)
	}
	return seq, nil
}

func (ts *txStore) EnqueueEvent(ctx context.Context, rec savings.OutboxRecord) error {
	query := `
		INSERT INTO outbox (id, event_type, partition_key, payload, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		rec.ID, rec.EventType, rec.PartitionKey, rec.Payload, formatTime(rec.CreatedAt),
		rec.Attempts, rec.LastError,
	)
	if err != nil {
		return mapError("enqueue event", err)
	}
	return nil
}

// =============================================================================
// OUTBOX (savings.Outbox interface)
// =============================================================================

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]savings.OutboxRecord, error) {
	query := `
		SELECT id, event_type, partition_key, payload, created_at, sent_at, attempts, last_error
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY created_at ASC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query outbox", err)
	}
	defer rows.Close()

	var out []savings.OutboxRecord
	for rows.Next() {
		var (
			rec       savings.OutboxRecord
			createdAt string
			sentAt    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.PartitionKey, &rec.Payload,
			&createdAt, &sentAt, &rec.Attempts, &rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.SentAt = parseNullTime(sentAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET sent_at = ?, attempts = attempts + 1 WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return mapError("mark event sent", err)
	}
	return requireRow(res, "outbox record", id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		reason, id,
	)
	if err != nil {
		return mapError("mark event failed", err)
	}
	return requireRow(res, "outbox record", id)
}

// =============================================================================
// READS (savings.Reader interface)
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the read side, shared by Store and txStore.
type queries struct {
	conn dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, pilgrim_id, account_number, bank, opened_at, status,
	created_by, created_at, updated_at, deleted_at`

func (q queries) GetAccount(ctx context.Context, id savings.AccountID) (*savings.Account, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	v, err := scanAccount(row)
	if err != nil {
		return nil, rowError(err, "account", string(id))
	}
	return v, nil
}

func (q queries) GetAccountByPilgrim(ctx context.Context, id savings.PilgrimID) (*savings.Account, error) {
	row := q.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE pilgrim_id = ? AND deleted_at IS NULL`, id)
	v, err := scanAccount(row)
	if err != nil {
		return nil, rowError(err, "account", "pilgrim:"+string(id))
	}
	return v, nil
}

func (q queries) ListAccounts(ctx context.Context) ([]savings.Account, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE deleted_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, mapError("query accounts", err)
	}
	defer rows.Close()

	var out []savings.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (*savings.Account, error) {
	var (
		a                              savings.Account
		openedAt, createdAt, updatedAt string
		deletedAt                      sql.NullString
	)
	err := row.Scan(&a.ID, &a.PilgrimID, &a.AccountNumber, &a.Bank, &openedAt, &a.Status,
		&a.CreatedBy, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	a.OpenedAt = parseTime(openedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.DeletedAt = parseNullTime(deletedAt)
	return &a, nil
}

const depositColumns = `id, account_id, amount, paid_at, method, proof_ref, status,
	verified_by, verified_at, verification_note, created_by, created_at`

func (q queries) GetDeposit(ctx context.Context, id savings.DepositID) (*savings.Deposit, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = ?`, id)
	v, err := scanDeposit(row)
	if err != nil {
		return nil, rowError(err, "deposit", string(id))
	}
	return v, nil
}

func (q queries) ListDeposits(ctx context.Context, id savings.AccountID) ([]savings.Deposit, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE account_id = ? ORDER BY paid_at ASC, created_at ASC`, id)
	if err != nil {
		return nil, mapError("query deposits", err)
	}
	defer rows.Close()

	var out []savings.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeposit(row scanner) (*savings.Deposit, error) {
	var (
		d                         savings.Deposit
		amount, paidAt, createdAt string
		verifiedAt                sql.NullString
	)
	err := row.Scan(&d.ID, &d.AccountID, &amount, &paidAt, &d.Method, &d.ProofRef, &d.Status,
		&d.VerifiedBy, &verifiedAt, &d.VerificationNote, &d.CreatedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	if d.Amount, err = savings.ParseMoney(amount); err != nil {
		return nil, fmt.Errorf("deposit %s: %w", d.ID, err)
	}
	d.PaidAt = parseTime(paidAt)
	d.CreatedAt = parseTime(createdAt)
	d.VerifiedAt = parseNullTime(verifiedAt)
	return &d, nil
}

const allocationColumns = `id, account_id, registration_id, invoice_id, amount, allocated_at,
	note, status, created_by, posted_by, posted_at, reversed_by, reversed_at, reversal_note,
	created_at, updated_at`

func (q queries) GetAllocation(ctx context.Context, id savings.AllocationID) (*savings.Allocation, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	v, err := scanAllocation(row)
	if err != nil {
		return nil, rowError(err, "allocation", string(id))
	}
	return v, nil
}

func (q queries) ListAllocations(ctx context.Context, id savings.AccountID) ([]savings.Allocation, error) {
	return q.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE account_id = ? ORDER BY allocated_at ASC, created_at ASC`, id)
}

func (q queries) ListAllocationsByInvoice(ctx context.Context, id savings.InvoiceID) ([]savings.Allocation, error) {
	return q.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE invoice_id = ? ORDER BY allocated_at ASC, created_at ASC`, id)
}

func (q queries) queryAllocations(ctx context.Context, query string, args ...any) ([]savings.Allocation, error) {
	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query allocations", err)
	}
	defer rows.Close()

	var out []savings.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAllocation(row scanner) (*savings.Allocation, error) {
	var (
		a                                         savings.Allocation
		amount, allocatedAt, createdAt, updatedAt string
		registrationID, invoiceID                 sql.NullString
		postedAt, reversedAt                      sql.NullString
	)
	err := row.Scan(&a.ID, &a.AccountID, &registrationID, &invoiceID, &amount, &allocatedAt,
		&a.Note, &a.Status, &a.CreatedBy, &a.PostedBy, &postedAt, &a.ReversedBy, &reversedAt,
		&a.ReversalNote, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if a.Amount, err = savings.ParseMoney(amount); err != nil {
		return nil, fmt.Errorf("allocation %s: %w", a.ID, err)
	}
	if registrationID.Valid {
		id := savings.RegistrationID(registrationID.String)
		a.RegistrationID = &id
	}
	if invoiceID.Valid {
		id := savings.InvoiceID(invoiceID.String)
		a.InvoiceID = &id
	}
	a.AllocatedAt = parseTime(allocatedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.PostedAt = parseNullTime(postedAt)
	a.ReversedAt = parseNullTime(reversedAt)
	return &a, nil
}

func (q queries) GetInvoice(ctx context.Context, id savings.InvoiceID) (*savings.Invoice, error) {
	query := `
		SELECT id, number, issued_at, total_amount, status, note, created_at, updated_at, deleted_at
		FROM invoices WHERE id = ?
	`
	var (
		inv                             savings.Invoice
		issuedAt, total, createdAt, upd string
		deletedAt                       sql.NullString
	)
	err := q.conn.QueryRowContext(ctx, query, id).Scan(&inv.ID, &inv.Number, &issuedAt, &total,
		&inv.Status, &inv.Note, &createdAt, &upd, &deletedAt)
	if err != nil {
		return nil, rowError(err, "invoice", string(id))
	}
	if inv.TotalAmount, err = savings.ParseMoney(total); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id, err)
	}
	inv.IssuedAt = parseTime(issuedAt)
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(upd)
	inv.DeletedAt = parseNullTime(deletedAt)
	return &inv, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// rowError turns sql.ErrNoRows into a NotFoundError for the given kind.
func rowError(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &savings.NotFoundError{Kind: kind, ID: id}
	}
	return mapError("get "+kind, err)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &savings.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// mapError classifies driver errors into the ledger's error kinds.
func mapError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return &savings.TransientError{Op: op, Err: err}
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s: %v", savings.ErrDuplicate, op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &savings.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullID[T ~string](id *T) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}
