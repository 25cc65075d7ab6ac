package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/me/taskbroker/pkg/model"

	_ "modernc.org/sqlite"
)

// dialect selects the few SQL differences between SQLite and Postgres.
type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "pgx"
)

func (d dialect) blobType() string {
	if d == dialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

func (d dialect) realType() string {
	if d == dialectPostgres {
		return "DOUBLE PRECISION"
	}
	return "REAL"
}

// rebind rewrites ? placeholders into $n for Postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, _ := time.Parse(timeFormat, *s)
	return &t
}

// SQLStore implements Store on database/sql. It serves both SQLite and
// Postgres; the schema and statements are shared.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	seq     sequencer
	logger  *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Each connection to ":memory:" is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: dialectSQLite,
		logger:  logger.With("component", "store", "driver", "sqlite"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db, s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// --- Work items ---

const itemColumns = `id, band, task_type, owner_id, state, payload, attempt_count,
	max_attempts, claim_token, claimed_by, seq, cancel_requested, provider,
	result, last_error, failure_kind, enqueued_at, claimed_at, deadline_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*model.WorkItem, error) {
	var it model.WorkItem
	var band, taskType, state, failureKind, enqueuedAt string
	var cancelRequested int
	var claimedAt, deadlineAt, completedAt *string
	if err := row.Scan(
		&it.ID, &band, &taskType, &it.OwnerID, &state, &it.Payload, &it.AttemptCount,
		&it.MaxAttempts, &it.ClaimToken, &it.ClaimedBy, &it.Seq, &cancelRequested, &it.Provider,
		&it.Result, &it.LastError, &failureKind, &enqueuedAt, &claimedAt, &deadlineAt, &completedAt,
	); err != nil {
		return nil, err
	}
	it.Band = model.Band(band)
	it.TaskType = model.TaskType(taskType)
	it.State = model.WorkState(state)
	it.FailureKind = model.FailureKind(failureKind)
	it.CancelRequested = cancelRequested != 0
	it.EnqueuedAt, _ = time.Parse(timeFormat, enqueuedAt)
	it.ClaimedAt = parseTimePtr(claimedAt)
	it.DeadlineAt = parseTimePtr(deadlineAt)
	it.CompletedAt = parseTimePtr(completedAt)
	return &it, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) Enqueue(ctx context.Context, item *model.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("enqueue: item id required")
	}
	item.State = model.WorkStateQueued
	item.Seq = s.seq.next()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	s.logger.Debug("sql", "op", "insert", "table", "work_items", "id", item.ID, "seq", item.Seq)

	_, err := s.exec(ctx,
		`INSERT INTO work_items (id, queue, band, task_type, owner_id, state, payload,
		 attempt_count, max_attempts, claim_token, claimed_by, seq, cancel_requested,
		 provider, result, last_error, failure_kind, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, 0, '', NULL, '', '', ?)`,
		item.ID, string(item.Queue()), string(item.Band), string(item.TaskType), item.OwnerID,
		string(item.State), item.Payload, item.AttemptCount, item.MaxAttempts, item.ClaimToken,
		item.Seq, fmtTime(item.EnqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLStore) GetItem(ctx context.Context, id string) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "select", "table", "work_items", "id", id)
	it, err := scanItem(s.queryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (s *SQLStore) ListItems(ctx context.Context, opts model.ListOptions) ([]*model.WorkItem, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "list", "table", "work_items", "limit", opts.Limit, "offset", opts.Offset)

	var where []string
	var args []any
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, opts.OwnerID)
	}
	if opts.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, string(opts.Queue))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM work_items"+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx,
		"SELECT "+itemColumns+" FROM work_items"+whereSQL+" ORDER BY enqueued_at DESC, id LIMIT ? OFFSET ?",
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*model.WorkItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

// writeItem stores the mutable columns of it, guarded by the state and
// claim token observed when it was read. It reports whether the guard held.
func (s *SQLStore) writeItem(ctx context.Context, it *model.WorkItem, prevState model.WorkState, prevToken int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE work_items SET state = ?, attempt_count = ?, claim_token = ?, claimed_by = ?,
		 seq = ?, cancel_requested = ?, provider = ?, result = ?, last_error = ?, failure_kind = ?,
		 claimed_at = ?, deadline_at = ?, completed_at = ?
		 WHERE id = ? AND state = ? AND claim_token = ?`,
		string(it.State), it.AttemptCount, it.ClaimToken, it.ClaimedBy,
		it.Seq, boolInt(it.CancelRequested), it.Provider, it.Result, it.LastError, string(it.FailureKind),
		fmtTimePtr(it.ClaimedAt), fmtTimePtr(it.DeadlineAt), fmtTimePtr(it.CompletedAt),
		it.ID, string(prevState), prevToken,
	)
	if err != nil {
		return false, fmt.Errorf("update work item %s: %w", it.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// claimBatch bounds how many queue heads one Claim call races for.
const claimBatch = 8

// Claim atomically moves the oldest QUEUED item of queue to CLAIMED.
// Returns nil if the queue is empty. Competing claimers race on a
// compare-and-swap of (state, claim_token); losers move to the next head.
func (s *SQLStore) Claim(ctx context.Context, queue model.QueueName, workerID string, lease time.Duration) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "claim", "queue", queue, "worker_id", workerID)

	for {
		rows, err := s.query(ctx,
			`SELECT `+itemColumns+` FROM work_items WHERE queue = ? AND state = 'QUEUED'
			 ORDER BY seq LIMIT ?`, string(queue), claimBatch)
		if err != nil {
			return nil, err
		}
		var candidates []*model.WorkItem
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			candidates = append(candidates, it)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, it := range candidates {
			claimed, err := s.tryClaim(ctx, it, workerID, lease)
			if err != nil {
				return nil, err
			}
			if claimed {
				return it, nil
			}
		}
		// Every head was taken by someone else; look again.
	}
}

func (s *SQLStore) tryClaim(ctx context.Context, it *model.WorkItem, workerID string, lease time.Duration) (bool, error) {
	prevToken := it.ClaimToken
	now := time.Now().UTC()
	deadline := now.Add(lease)
	it.State = model.WorkStateClaimed
	it.ClaimToken++
	it.ClaimedBy = workerID
	it.ClaimedAt = &now
	it.DeadlineAt = &deadline
	return s.writeItem(ctx, it, model.WorkStateQueued, prevToken)
}

func (s *SQLStore) ClaimByID(ctx context.Context, id, workerID string, lease time.Duration) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "claim_by_id", "id", id, "worker_id", workerID)
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if it.State != model.WorkStateQueued {
		return nil, nil
	}
	claimed, err := s.tryClaim(ctx, it, workerID, lease)
	if err != nil || !claimed {
		return nil, err
	}
	return it, nil
}

func (s *SQLStore) Begin(ctx context.Context, id string, token int64) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "begin", "id", id, "token", token)
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if it.State != model.WorkStateClaimed || it.ClaimToken != token {
		return nil, model.ErrStaleCompletion
	}
	it.State = model.WorkStateProcessing
	ok, err := s.writeItem(ctx, it, model.WorkStateClaimed, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrStaleCompletion
	}
	return it, nil
}

func (s *SQLStore) Finish(ctx context.Context, id string, token int64, tr Transition) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "finish", "id", id, "token", token, "state", tr.To)
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if err := checkFence(it, token, tr.To); err != nil {
		return nil, err
	}
	prev := it.State
	tr.apply(it, time.Now().UTC(), s.seq.next())
	ok, err := s.writeItem(ctx, it, prev, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrStaleCompletion
	}
	return it, nil
}

func (s *SQLStore) Requeue(ctx context.Context, id string, from model.WorkState) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "requeue", "id", id, "from", from)
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	invalid := &model.InvalidTransitionError{Entity: "WorkItem", ID: id, From: it.State.String(), To: model.WorkStateQueued.String()}
	if it.State != from || !from.CanTransitionTo(model.WorkStateQueued) {
		return nil, invalid
	}
	resetForRequeue(it, from, s.seq.next())
	ok, err := s.writeItem(ctx, it, from, it.ClaimToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalid
	}
	return it, nil
}

func (s *SQLStore) Cancel(ctx context.Context, id string) (*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "cancel", "id", id)
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	prev := it.State
	if err := applyCancel(it, time.Now().UTC()); err != nil {
		return nil, err
	}
	ok, err := s.writeItem(ctx, it, prev, it.ClaimToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The item moved underneath us; retry against its new state.
		return s.Cancel(ctx, id)
	}
	return it, nil
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time) ([]*model.WorkItem, error) {
	s.logger.Debug("sql", "op", "list_expired")
	rows, err := s.query(ctx,
		`SELECT `+itemColumns+` FROM work_items
		 WHERE state IN ('CLAIMED', 'PROCESSING') AND deadline_at < ? ORDER BY seq`,
		fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*model.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLStore) CountByState(ctx context.Context, queue model.QueueName) (map[model.WorkState]int, error) {
	q := `SELECT state, COUNT(*) FROM work_items`
	var args []any
	if queue != "" {
		q += ` WHERE queue = ?`
		args = append(args, string(queue))
	}
	rows, err := s.query(ctx, q+` GROUP BY state`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[model.WorkState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[model.WorkState(state)] = n
	}
	return counts, rows.Err()
}

// --- Attempts ---

func (s *SQLStore) AppendAttempt(ctx context.Context, a model.Attempt) error {
	s.logger.Debug("sql", "op", "insert", "table", "attempts", "item_id", a.ItemID, "number", a.Number)
	providers, err := json.Marshal(a.Providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO attempts (item_id, number, claim_token, providers, outcome, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ItemID, a.Number, a.ClaimToken, string(providers), string(a.Outcome), a.Error,
		fmtTime(a.StartedAt), fmtTime(a.EndedAt),
	)
	return err
}

func (s *SQLStore) ListAttempts(ctx context.Context, itemID string) ([]model.Attempt, error) {
	rows, err := s.query(ctx,
		`SELECT item_id, number, claim_token, providers, outcome, error, started_at, ended_at
		 FROM attempts WHERE item_id = ? ORDER BY started_at, number`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var providers, outcome, startedAt, endedAt string
		if err := rows.Scan(&a.ItemID, &a.Number, &a.ClaimToken, &providers, &outcome, &a.Error, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(providers), &a.Providers)
		a.Outcome = model.AttemptOutcome(outcome)
		a.StartedAt, _ = time.Parse(timeFormat, startedAt)
		a.EndedAt, _ = time.Parse(timeFormat, endedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Cost ledger ---

func (s *SQLStore) AppendCost(ctx context.Context, rec model.CostRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "cost_records", "id", rec.ID, "amount", rec.Amount)
	_, err := s.exec(ctx,
		`INSERT INTO cost_records (id, provider, owner_id, item_id, task_type, amount, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Provider, rec.OwnerID, rec.ItemID, string(rec.TaskType), rec.Amount, fmtTime(rec.Timestamp),
	)
	return err
}

func (s *SQLStore) ListCosts(ctx context.Context, since time.Time) ([]model.CostRecord, error) {
	rows, err := s.query(ctx,
		`SELECT id, provider, owner_id, item_id, task_type, amount, ts
		 FROM cost_records WHERE ts >= ? ORDER BY ts`, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CostRecord
	for rows.Next() {
		var rec model.CostRecord
		var taskType, ts string
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.OwnerID, &rec.ItemID, &taskType, &rec.Amount, &ts); err != nil {
			return nil, err
		}
		rec.TaskType = model.TaskType(taskType)
		rec.Timestamp, _ = time.Parse(timeFormat, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}
