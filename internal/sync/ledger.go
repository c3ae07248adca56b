package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Ledger is the durable store of sync records. It is the single source of
// truth for sync state; every mutation runs inside a transaction. The
// database uses one connection (sole-writer), so transactions from the
// watcher, reconciler, and worker are serialized.
//
// Code running inside withTx must only use the *ledgerTx it is given. A
// plain l.db query from inside a transaction would wait forever for the
// single connection.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// ErrClaimConflict is returned by ClaimBatch when the number of rows flipped
// to syncing differs from the number selected. The claim is rolled back.
var ErrClaimConflict = errors.New("sync: ledger claim conflict")

// ErrRecordNotFound is returned by point lookups for unknown IDs.
var ErrRecordNotFound = errors.New("sync: ledger record not found")

const recordsTable = "sync_records"

var recordColumns = []string{
	"id", "relative_dir_path", "original_filename", "temp_filename",
	"status", "source_last_modified", "last_updated",
}

// OpenLedger opens the SQLite database at dbPath, runs migrations, and
// returns a ready-to-use ledger. WAL mode with synchronous=FULL keeps
// committed status changes durable across crashes.
func OpenLedger(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("ledger initialized", slog.String("db_path", dbPath))

	return &Ledger{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// ledgerTx scopes record operations to one database transaction. now is
// fixed at transaction start so every row written in it shares last_updated.
type ledgerTx struct {
	tx  *sql.Tx
	now int64
}

// withTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (l *Ledger) withTx(ctx context.Context, fn func(*ledgerTx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&ledgerTx{tx: tx, now: l.nowFunc().UnixNano()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing ledger transaction: %w", err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Transaction-scoped operations
// ---------------------------------------------------------------------------

func (t *ledgerTx) getByKey(ctx context.Context, key Key) (*Record, error) {
	query, args, err := sq.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"relative_dir_path": key.Dir, "original_filename": key.Name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sync: building lookup for %s: %w", key, err)
	}

	rec, err := scanRecord(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: looking up %s: %w", key, err)
	}

	return rec, nil
}

func (t *ledgerTx) getByID(ctx context.Context, id int64) (*Record, error) {
	query, args, err := sq.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sync: building lookup for record %d: %w", id, err)
	}

	rec, err := scanRecord(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sync: looking up record %d: %w", id, err)
	}

	return rec, nil
}

func (t *ledgerTx) tempNameInUse(ctx context.Context, name string) (bool, error) {
	var n int

	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_records WHERE temp_filename = ? COLLATE NOCASE`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sync: checking temp name %q: %w", name, err)
	}

	return n > 0, nil
}

// insert adds rec and fills in its ID and LastUpdated.
func (t *ledgerTx) insert(ctx context.Context, rec *Record) error {
	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO sync_records
			(relative_dir_path, original_filename, temp_filename, status,
			 source_last_modified, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Dir, rec.OriginalFilename, rec.TempFilename, string(rec.Status),
		rec.SourceLastModified, t.now)
	if err != nil {
		return fmt.Errorf("sync: inserting record %s: %w", rec.Key(), err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("sync: last insert ID for %s: %w", rec.Key(), err)
	}

	rec.ID = id
	rec.LastUpdated = t.now

	return nil
}

// restage marks a record pending_sync with a new source modification time.
func (t *ledgerTx) restage(ctx context.Context, id, mtime int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE sync_records SET status = ?, source_last_modified = ?, last_updated = ?
		 WHERE id = ?`, string(StatusPendingSync), mtime, t.now, id)
	if err != nil {
		return fmt.Errorf("sync: restaging record %d: %w", id, err)
	}

	return nil
}

// transition moves a record to status `to` only if it is currently in one of
// `from`. Returns whether a row changed.
func (t *ledgerTx) transition(ctx context.Context, id int64, from []Status, to Status) (bool, error) {
	query, args, err := sq.Update(recordsTable).
		Set("status", string(to)).
		Set("last_updated", t.now).
		Where(sq.Eq{"id": id, "status": statusStrings(from)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("sync: building transition for record %d: %w", id, err)
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("sync: transitioning record %d to %s: %w", id, to, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sync: rows affected for record %d: %w", id, err)
	}

	return n == 1, nil
}

func (t *ledgerTx) deleteRecord(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sync: deleting record %d: %w", id, err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Standalone operations (each its own transaction or a plain read)
// ---------------------------------------------------------------------------

// Get returns the record with the given ID.
func (l *Ledger) Get(ctx context.Context, id int64) (*Record, error) {
	var rec *Record

	err := l.withTx(ctx, func(tx *ledgerTx) error {
		var err error
		rec, err = tx.getByID(ctx, id)

		return err
	})

	return rec, err
}

// GetByKey returns the record for key, or nil if none exists.
func (l *Ledger) GetByKey(ctx context.Context, key Key) (*Record, error) {
	var rec *Record

	err := l.withTx(ctx, func(tx *ledgerTx) error {
		var err error
		rec, err = tx.getByKey(ctx, key)

		return err
	})

	return rec, err
}

// LoadAll reads every record, ordered by id.
func (l *Ledger) LoadAll(ctx context.Context) ([]Record, error) {
	query, args, err := sq.Select(recordColumns...).From(recordsTable).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("sync: building load-all query: %w", err)
	}

	return l.queryRecords(ctx, "load all", query, args...)
}

// ListByStatus returns one page (1-based) of records in any of statuses.
func (l *Ledger) ListByStatus(ctx context.Context, statuses []Status, page, size int) (RecordPage, error) {
	if page < 1 {
		page = 1
	}

	if size < 1 {
		size = 1
	}

	result := RecordPage{Page: page, Size: size}
	filter := sq.Eq{"status": statusStrings(statuses)}

	countQuery, countArgs, err := sq.Select("COUNT(*)").From(recordsTable).Where(filter).ToSql()
	if err != nil {
		return result, fmt.Errorf("sync: building count query: %w", err)
	}

	if err := l.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("sync: counting records: %w", err)
	}

	query, args, err := sq.Select(recordColumns...).From(recordsTable).
		Where(filter).
		OrderBy("id").
		Limit(uint64(size)).
		Offset(uint64((page - 1) * size)).
		ToSql()
	if err != nil {
		return result, fmt.Errorf("sync: building page query: %w", err)
	}

	records, err := l.queryRecords(ctx, "list by status", query, args...)
	if err != nil {
		return result, err
	}

	result.Records = records

	return result, nil
}

// CountByStatus returns the number of records in each status. Statuses with
// no records are present with a zero count.
func (l *Ledger) CountByStatus(ctx context.Context) (StatusCounts, error) {
	query, args, err := sq.Select("status", "COUNT(*)").From(recordsTable).GroupBy("status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("sync: building status count query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: counting by status: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}

	for rows.Next() {
		var (
			raw string
			n   int
		)

		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("sync: scanning status count: %w", err)
		}

		st, err := ParseStatus(raw)
		if err != nil {
			return nil, err
		}

		counts[st] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating status counts: %w", err)
	}

	return counts, nil
}

// ClaimBatch selects up to limit pending_sync records and flips them to
// syncing in one transaction. If the number of rows updated differs from the
// number selected, the whole claim is rolled back with ErrClaimConflict.
func (l *Ledger) ClaimBatch(ctx context.Context, limit int) ([]Record, error) {
	var claimed []Record

	err := l.withTx(ctx, func(tx *ledgerTx) error {
		query, args, err := sq.Select(recordColumns...).From(recordsTable).
			Where(sq.Eq{"status": string(StatusPendingSync)}).
			OrderBy("id").
			Limit(uint64(limit)).
			ToSql()
		if err != nil {
			return fmt.Errorf("sync: building claim select: %w", err)
		}

		records, err := queryRecordsTx(ctx, tx.tx, "claim select", query, args...)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			return nil
		}

		ids := make([]int64, len(records))
		for i := range records {
			ids[i] = records[i].ID
		}

		update, updateArgs, err := sq.Update(recordsTable).
			Set("status", string(StatusSyncing)).
			Set("last_updated", tx.now).
			Where(sq.Eq{"id": ids, "status": string(StatusPendingSync)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("sync: building claim update: %w", err)
		}

		result, err := tx.tx.ExecContext(ctx, update, updateArgs...)
		if err != nil {
			return fmt.Errorf("sync: claiming batch: %w", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sync: claim rows affected: %w", err)
		}

		if int(n) != len(records) {
			return fmt.Errorf("%w: selected %d, updated %d", ErrClaimConflict, len(records), n)
		}

		for i := range records {
			records[i].Status = StatusSyncing
			records[i].LastUpdated = tx.now
		}

		claimed = records

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// ReclaimSyncing returns records left in syncing by an interrupted worker
// run to pending_sync. Returns the number of reclaimed records.
func (l *Ledger) ReclaimSyncing(ctx context.Context) (int, error) {
	result, err := l.db.ExecContext(ctx,
		`UPDATE sync_records SET status = ?, last_updated = ? WHERE status = ?`,
		string(StatusPendingSync), l.nowFunc().UnixNano(), string(StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("sync: reclaiming syncing records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: reclaim rows affected: %w", err)
	}

	if n > 0 {
		l.logger.Warn("ledger: reclaimed records left in syncing", slog.Int64("count", n))
	}

	return int(n), nil
}

// MarkPendingDeletion transitions every listed record that is not already
// pending_deletion in a single transaction. Returns the number changed.
func (l *Ledger) MarkPendingDeletion(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var changed int64

	err := l.withTx(ctx, func(tx *ledgerTx) error {
		query, args, err := sq.Update(recordsTable).
			Set("status", string(StatusPendingDeletion)).
			Set("last_updated", tx.now).
			Where(sq.Eq{"id": ids}).
			Where(sq.NotEq{"status": string(StatusPendingDeletion)}).
			ToSql()
		if err != nil {
			return fmt.Errorf("sync: building pending-deletion update: %w", err)
		}

		result, err := tx.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sync: marking pending deletion: %w", err)
		}

		changed, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sync: pending-deletion rows affected: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(changed), nil
}

// SetStatus transitions one record in its own transaction, honoring the
// state machine. Returns false without error if the record is gone or the
// transition is not allowed from its current status.
func (l *Ledger) SetStatus(ctx context.Context, id int64, to Status) (bool, error) {
	var changed bool

	err := l.withTx(ctx, func(tx *ledgerTx) error {
		rec, err := tx.getByID(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if !CanTransition(rec.Status, to) {
			return nil
		}

		changed, err = tx.transition(ctx, id, []Status{rec.Status}, to)

		return err
	})

	return changed, err
}

// RecordCopyFailure marks key error_copying in its own transaction. A key
// with no record gets one, with source_last_modified 0 so the next
// reconciliation retries it.
func (l *Ledger) RecordCopyFailure(ctx context.Context, key Key) error {
	return l.withTx(ctx, func(tx *ledgerTx) error {
		rec, err := tx.getByKey(ctx, key)
		if err != nil {
			return err
		}

		if rec == nil {
			name, err := tx.allocateTempName(ctx, key.Name)
			if err != nil {
				return err
			}

			return tx.insert(ctx, &Record{
				Dir:              key.Dir,
				OriginalFilename: key.Name,
				TempFilename:     name,
				Status:           StatusErrorCopying,
			})
		}

		if !CanTransition(rec.Status, StatusErrorCopying) {
			return nil
		}

		_, err = tx.transition(ctx, rec.ID, []Status{rec.Status}, StatusErrorCopying)

		return err
	})
}

// ---------------------------------------------------------------------------
// Scanning helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r      Record
		status string
	)

	if err := row.Scan(&r.ID, &r.Dir, &r.OriginalFilename, &r.TempFilename,
		&status, &r.SourceLastModified, &r.LastUpdated); err != nil {
		return nil, err
	}

	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	r.Status = st

	return &r, nil
}

func (l *Ledger) queryRecords(ctx context.Context, desc, query string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger %s: %w", desc, err)
	}
	defer rows.Close()

	return collectRecords(rows, desc)
}

func queryRecordsTx(ctx context.Context, tx *sql.Tx, desc, query string, args ...any) ([]Record, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger %s: %w", desc, err)
	}
	defer rows.Close()

	return collectRecords(rows, desc)
}

func collectRecords(rows *sql.Rows, desc string) ([]Record, error) {
	var result []Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scanning %s row: %w", desc, err)
		}

		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating %s rows: %w", desc, err)
	}

	return result, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}

	return out
}
