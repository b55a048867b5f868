package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolResultRecord is one tool-call outcome recorded within a batch.
type ToolResultRecord struct {
	ToolCallID string
	Content    string
	IsError    bool
	CreatedAt  time.Time
}

// ToolJournal records completed tool-call results within a batch, sharing
// the stream journal's storage engine and connection (one *sql.DB, two
// tables).
type ToolJournal struct {
	db *sql.DB
}

// OpenToolJournal attaches a ToolJournal to an already-open *sql.DB — the
// one returned by OpenStreamJournal — and ensures its tables exist.
func OpenToolJournal(db *sql.DB) (*ToolJournal, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_journal_batches (
			batch_id TEXT PRIMARY KEY,
			step_id  INTEGER NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return nil, fmt.Errorf("journal: creating tool_journal_batches table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_journal_results (
			batch_id     TEXT    NOT NULL,
			tool_call_id TEXT    NOT NULL,
			content      TEXT    NOT NULL,
			is_error     INTEGER NOT NULL,
			created_at   TEXT    NOT NULL,
			PRIMARY KEY (batch_id, tool_call_id)
		);
	`); err != nil {
		return nil, fmt.Errorf("journal: creating tool_journal_results table: %w", err)
	}
	return &ToolJournal{db: db}, nil
}

// BeginBatch reserves a new batch id tied to stepID.
func (j *ToolJournal) BeginBatch(stepID uint64) (string, error) {
	batchID := uuid.NewString()
	_, err := j.db.Exec(
		`INSERT INTO tool_journal_batches (batch_id, step_id, completed, created_at) VALUES (?, ?, 0, ?)`,
		batchID, stepID, FormatISO8601Millis(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("journal: beginning tool batch for step %d: %w", stepID, err)
	}
	return batchID, nil
}

// RecordResult appends one tool result to an open batch.
func (j *ToolJournal) RecordResult(batchID string, result ToolResultRecord) error {
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	isError := 0
	if result.IsError {
		isError = 1
	}
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO tool_journal_results (batch_id, tool_call_id, content, is_error, created_at) VALUES (?, ?, ?, ?, ?)`,
		batchID, result.ToolCallID, result.Content, isError, FormatISO8601Millis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("journal: recording result for batch %s: %w", batchID, err)
	}
	return nil
}

// CompleteBatch marks batchID as completed. Per the invariant in base spec
// §4.4, the caller is responsible for having recorded a result for every
// planned tool-call id before calling this — a completed batch's results
// must be a permutation of the planned ids.
func (j *ToolJournal) CompleteBatch(batchID string) error {
	res, err := j.db.Exec(`UPDATE tool_journal_batches SET completed = 1 WHERE batch_id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("journal: completing batch %s: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: checking rows affected for batch %s: %w", batchID, err)
	}
	if n == 0 {
		return fmt.Errorf("journal: batch %s not found", batchID)
	}
	return nil
}

// DiscardBatch deletes an in-progress batch and its recorded results —
// used when the surrounding stream step itself is discarded.
func (j *ToolJournal) DiscardBatch(batchID string) error {
	if _, err := j.db.Exec(`DELETE FROM tool_journal_results WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("journal: discarding results for batch %s: %w", batchID, err)
	}
	if _, err := j.db.Exec(`DELETE FROM tool_journal_batches WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("journal: discarding batch %s: %w", batchID, err)
	}
	return nil
}

// RecoveredBatch is a batch that was begun but never completed or
// discarded, found on startup.
type RecoveredBatch struct {
	StepID  uint64
	BatchID string
	Results []ToolResultRecord
}

// RecoverPendingBatch returns the oldest batch that was begun but not
// completed, or nil if none exists.
func (j *ToolJournal) RecoverPendingBatch() (*RecoveredBatch, error) {
	row := j.db.QueryRow(`
		SELECT batch_id, step_id FROM tool_journal_batches
		WHERE completed = 0
		ORDER BY created_at ASC
		LIMIT 1
	`)
	var batchID string
	var stepID uint64
	if err := row.Scan(&batchID, &stepID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: querying pending batch: %w", err)
	}

	rows, err := j.db.Query(`
		SELECT tool_call_id, content, is_error, created_at FROM tool_journal_results
		WHERE batch_id = ?
		ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("journal: loading results for pending batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var results []ToolResultRecord
	for rows.Next() {
		var r ToolResultRecord
		var isError int
		var createdAt string
		if err := rows.Scan(&r.ToolCallID, &r.Content, &isError, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scanning pending result row: %w", err)
		}
		r.IsError = isError != 0
		if t, perr := ParseISO8601(createdAt); perr == nil {
			r.CreatedAt = t
		}
		results = append(results, r)
	}
	return &RecoveredBatch{StepID: stepID, BatchID: batchID, Results: results}, nil
}
