// Package blockstore is the SQLite-backed persistence layer for block
// attempt outcomes (C2): one row per target, updated in place across
// attempts, queried in batches so the processing manager never issues an
// N+1 lookup per target.
package blockstore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"xblock/internal/model"
)

// DB wraps the outcome history database.
type DB struct{ sql *sql.DB }

// Open opens (creating if absent) the outcome database at path, in
// WAL/NORMAL mode so a concurrent reader (e.g. the stats reporter) never
// blocks the single writer.
func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS outcomes (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  handle TEXT NOT NULL DEFAULT '',
	  user_id TEXT NOT NULL DEFAULT '',
	  display_name TEXT NOT NULL DEFAULT '',
	  status TEXT NOT NULL,
	  user_state TEXT NOT NULL DEFAULT '',
	  error_kind TEXT NOT NULL DEFAULT '',
	  error_message TEXT NOT NULL DEFAULT '',
	  http_status INTEGER NOT NULL DEFAULT 0,
	  attempts INTEGER NOT NULL DEFAULT 0,
	  first_seen INTEGER NOT NULL,
	  last_updated INTEGER NOT NULL,
	  session_id TEXT NOT NULL DEFAULT '',
	  skip_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_user_id ON outcomes(user_id) WHERE user_id <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_handle ON outcomes(handle) WHERE user_id = '' AND handle <> '';
	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status);
	`)
	return err
}

// RecordOutcome upserts one attempt result, keyed on numeric id when known
// else handle. The attempt counter is owned by the store, not the caller:
// o.Attempts is ignored, a new row starts at 1, and every call against an
// existing row increments it by exactly one (never regressing), so each
// RecordOutcome call counts as one attempt.
func (d *DB) RecordOutcome(ctx context.Context, o model.Outcome, now time.Time) error {
	var existingID int64
	var existingAttempts int
	err := d.sql.QueryRowContext(ctx, `SELECT id, attempts FROM outcomes WHERE (user_id <> '' AND user_id = ?) OR (handle <> '' AND handle = ?) LIMIT 1`, o.UserID, o.Handle).Scan(&existingID, &existingAttempts)
	switch {
	case err == sql.ErrNoRows:
		_, err = d.sql.ExecContext(ctx, `
			INSERT INTO outcomes(handle, user_id, display_name, status, user_state, error_kind, error_message, http_status, attempts, first_seen, last_updated, session_id, skip_reason)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			o.Handle, o.UserID, o.DisplayName, string(o.Status), string(o.UserState), string(o.ErrorKind), o.ErrorMessage, o.HTTPStatus, 1, now.Unix(), now.Unix(), o.SessionID, o.SkipReason)
		return err
	case err != nil:
		return err
	}
	attempts := existingAttempts + 1
	_, err = d.sql.ExecContext(ctx, `
		UPDATE outcomes SET handle=?, user_id=COALESCE(NULLIF(?, ''), user_id), display_name=?, status=?, user_state=?, error_kind=?, error_message=?, http_status=?, attempts=?, last_updated=?, session_id=?, skip_reason=?
		WHERE id=?`,
		o.Handle, o.UserID, o.DisplayName, string(o.Status), string(o.UserState), string(o.ErrorKind), o.ErrorMessage, o.HTTPStatus, attempts, now.Unix(), o.SessionID, o.SkipReason, existingID)
	return err
}

func scanOutcome(rows *sql.Rows) (model.Outcome, error) {
	var o model.Outcome
	var firstSeen, lastUpdated int64
	err := rows.Scan(&o.Handle, &o.UserID, &o.DisplayName, &o.Status, &o.UserState, &o.ErrorKind, &o.ErrorMessage, &o.HTTPStatus, &o.Attempts, &firstSeen, &lastUpdated, &o.SessionID, &o.SkipReason)
	if err != nil {
		return o, err
	}
	o.FirstSeen = time.Unix(firstSeen, 0).UTC()
	o.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return o, nil
}

const outcomeColumns = `handle, user_id, display_name, status, user_state, error_kind, error_message, http_status, attempts, first_seen, last_updated, session_id, skip_reason`

// GetPermanentFailures returns, in one query, the permanent-failure rows
// for the given keys — avoiding an N+1 lookup per target during the
// manager's prefilter pass. The map is keyed by the requested key (numeric
// id or handle) each row matched.
func (d *DB) GetPermanentFailures(ctx context.Context, keys []string) (map[string]model.Outcome, error) {
	return d.batchByKeys(ctx, keys, "failed", true)
}

// GetSuccessful returns, in one query, the already-successful rows for the
// given keys.
func (d *DB) GetSuccessful(ctx context.Context, keys []string) (map[string]model.Outcome, error) {
	return d.batchByKeys(ctx, keys, "success", false)
}

func (d *DB) batchByKeys(ctx context.Context, keys []string, status string, permanentOnly bool) (map[string]model.Outcome, error) {
	out := make(map[string]model.Outcome, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(keys)*2+1)
	args = append(args, status)
	for _, k := range keys {
		args = append(args, k, k)
	}
	q := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE status = ? AND (` + expandPairs(len(keys)) + `)`
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	requested := make(map[string]bool, len(keys))
	for _, k := range keys {
		requested[k] = true
	}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		if permanentOnly && o.ErrorKind != model.ErrorPermanent && o.UserState == "" {
			continue
		}
		// Key the result by whichever requested key the row matched, so a
		// caller that asked by handle finds a row that has since gained an id.
		for _, k := range []string{o.UserID, o.Handle} {
			if k != "" && requested[k] {
				out[k] = o
			}
		}
	}
	return out, rows.Err()
}

// expandPairs builds "(user_id = ? OR handle = ?) OR (user_id = ? OR ...)"
// for n keys.
func expandPairs(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += " OR "
		}
		s += "(user_id = ? OR handle = ?)"
	}
	return s
}

// ListRetryCandidates returns outcomes eligible for another attempt: status
// failed, error_kind not permanent, and attempts below ceiling.
func (d *DB) ListRetryCandidates(ctx context.Context, ceiling int) ([]model.Outcome, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+outcomeColumns+` FROM outcomes
		WHERE status = 'failed' AND error_kind != 'permanent' AND attempts < ?
		ORDER BY last_updated ASC`, ceiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ResetAttempts zeroes the attempt counter for the given keys, leaving
// status and error fields intact, so a fresh retry pass starts clean
// without discarding the failure history.
func (d *DB) ResetAttempts(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := d.sql.ExecContext(ctx, `UPDATE outcomes SET attempts = 0 WHERE user_id = ? OR handle = ?`, k, k); err != nil {
			return err
		}
	}
	return nil
}

// ClearErrorMessages blanks error_message (keeping error_kind and status)
// for the given keys — a lighter reset than ResetFailed, used when only the
// noisy message text needs clearing before a re-run.
func (d *DB) ClearErrorMessages(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := d.sql.ExecContext(ctx, `UPDATE outcomes SET error_message = '' WHERE user_id = ? OR handle = ?`, k, k); err != nil {
			return err
		}
	}
	return nil
}

// ResetFailed fully clears failure state (status, error_kind, error_message,
// attempts) for the given keys, reverting them to a fresh row as if never
// attempted.
func (d *DB) ResetFailed(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := d.sql.ExecContext(ctx, `
			UPDATE outcomes SET status = '', error_kind = '', error_message = '', attempts = 0
			WHERE (user_id = ? OR handle = ?) AND status = 'failed'`, k, k); err != nil {
			return err
		}
	}
	return nil
}

// Stats is the aggregate summary C7 reports.
type Stats struct {
	Total             int
	Succeeded         int
	Failed            int
	Skipped           int
	PermanentFailures int
	RetryEligible     int
	RetryCeilingHit   int
	ByUserState       map[model.UserState]int
	ByErrorKind       map[model.ErrorKind]int
}

// Stats aggregates the outcome table for reporting.
func (d *DB) Stats(ctx context.Context, retryCeiling int) (Stats, error) {
	s := Stats{ByUserState: map[model.UserState]int{}, ByErrorKind: map[model.ErrorKind]int{}}
	rows, err := d.sql.QueryContext(ctx, `SELECT status, user_state, error_kind, attempts FROM outcomes`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, userState, errorKind string
		var attempts int
		if err := rows.Scan(&status, &userState, &errorKind, &attempts); err != nil {
			return s, err
		}
		s.Total++
		switch model.OutcomeStatus(status) {
		case model.StatusSuccess:
			s.Succeeded++
		case model.StatusSkipped:
			s.Skipped++
		case model.StatusFailed:
			s.Failed++
			if errorKind == string(model.ErrorPermanent) {
				s.PermanentFailures++
			} else if attempts >= retryCeiling {
				s.RetryCeilingHit++
			} else {
				s.RetryEligible++
			}
		}
		if userState != "" {
			s.ByUserState[model.UserState(userState)]++
		}
		if errorKind != "" {
			s.ByErrorKind[model.ErrorKind(errorKind)]++
		}
	}
	return s, rows.Err()
}

// ErrorSample is one sampled failure row, used by the error-samples report.
type ErrorSample struct {
	Key     string
	Message string
}

// ErrorSamples returns up to n sample messages per error kind, for the
// per-error-kind histogram with samples.
func (d *DB) ErrorSamples(ctx context.Context, kind model.ErrorKind, n int) ([]ErrorSample, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(user_id, ''), handle), error_message FROM outcomes
		WHERE error_kind = ? AND error_message != '' ORDER BY last_updated DESC LIMIT ?`, string(kind), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ErrorSample
	for rows.Next() {
		var s ErrorSample
		if err := rows.Scan(&s.Key, &s.Message); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
