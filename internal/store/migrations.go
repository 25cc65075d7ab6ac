package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema returns the DDL for all broker tables in the given dialect.
// Each statement uses IF NOT EXISTS for idempotency.
func schema(d dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS work_items (
			id               TEXT PRIMARY KEY,
			queue            TEXT NOT NULL,
			band             TEXT NOT NULL,
			task_type        TEXT NOT NULL,
			owner_id         TEXT NOT NULL,
			state            TEXT NOT NULL DEFAULT 'QUEUED',
			payload          %[1]s,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL DEFAULT 3,
			claim_token      BIGINT NOT NULL DEFAULT 0,
			claimed_by       TEXT NOT NULL DEFAULT '',
			seq              BIGINT NOT NULL,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			provider         TEXT NOT NULL DEFAULT '',
			result           %[1]s,
			last_error       TEXT NOT NULL DEFAULT '',
			failure_kind     TEXT NOT NULL DEFAULT '',
			enqueued_at      TEXT NOT NULL,
			claimed_at       TEXT,
			deadline_at      TEXT,
			completed_at     TEXT
		)`, d.blobType()),

		`CREATE TABLE IF NOT EXISTS attempts (
			item_id     TEXT NOT NULL,
			number      INTEGER NOT NULL,
			claim_token BIGINT NOT NULL,
			providers   TEXT NOT NULL DEFAULT '[]',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			ended_at    TEXT NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cost_records (
			id        TEXT PRIMARY KEY,
			provider  TEXT NOT NULL,
			owner_id  TEXT NOT NULL,
			item_id   TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL,
			amount    %s NOT NULL,
			ts        TEXT NOT NULL
		)`, d.realType()),

		`CREATE INDEX IF NOT EXISTS idx_work_items_queue_state_seq ON work_items(queue, state, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_state_deadline ON work_items(state, deadline_at)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_owner ON work_items(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_item_id ON attempts(item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_records_ts ON cost_records(ts)`,
	}
}

// alterStatements add columns introduced after the first release.
// Each entry is checked for existence first so it can run repeatedly.
var alterStatements = []struct {
	table  string
	column string
	ddl    string
}{
	{"work_items", "failure_kind", `ALTER TABLE work_items ADD COLUMN failure_kind TEXT NOT NULL DEFAULT ''`},
	{"work_items", "cancel_requested", `ALTER TABLE work_items ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0`},
}

// migrate executes all schema statements followed by column additions.
func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	for _, stmt := range schema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	for _, a := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, d, a.table, a.column, a.ddl); err != nil {
			return fmt.Errorf("migrate alter %s.%s: %w", a.table, a.column, err)
		}
	}
	return nil
}

// addColumnIfNotExists runs alterSQL unless table already has column.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, d dialect, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, d, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, d dialect, table, column string) (bool, error) {
	if d == dialectPostgres {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			table, column).Scan(&n)
		return n > 0, err
	}

	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
