// Package journal implements the stream and tool journals: append-only
// SQLite-backed ledgers that let the agent reconstruct partial LLM output
// and completed tool-call results after an abnormal exit.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// EntryKind identifies the variant of a stream journal row. Stored as TEXT
// rather than an integer so the ledger stays human-readable with a plain
// sqlite3 CLI during incident response.
type EntryKind string

const (
	KindBegin         EntryKind = "begin"
	KindTextDelta     EntryKind = "text_delta"
	KindThinkingDelta EntryKind = "thinking_delta"
	KindToolCallDelta EntryKind = "tool_call_delta"
	KindSignature     EntryKind = "signature"
	KindDone          EntryKind = "done"
	KindError         EntryKind = "error"
)

// beginPayload/toolCallDeltaPayload/errorPayload are the JSON shapes
// written into stream_journal.payload for the kinds that carry structured
// data; the rest store their delta as the payload verbatim (UTF-8 text).
type beginPayload struct {
	Model string `json:"model"`
}

type toolCallDeltaPayload struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	ArgsChunk string  `json:"args_chunk"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// openStepState tracks the in-memory bookkeeping for a step that has been
// begun but not yet sealed or discarded.
type openStepState struct {
	seq          uint64
	firstWritten bool
	pendingSince int
}

// flushEveryN bounds how many buffered (non-first) writes accumulate in an
// open transaction before being committed, per the "periodic cadence"
// contract in base spec §4.3.
const flushEveryN = 8

// StreamJournal is a single-writer append-only ledger of assistant stream
// events, backed by one modernc.org/sqlite connection in WAL mode.
type StreamJournal struct {
	mu         sync.Mutex
	db         *sql.DB
	nextStepID uint64
	open       map[uint64]*openStepState
	tx         map[uint64]*sql.Tx
}

// OpenStreamJournal opens (creating if necessary) the stream journal at
// path, applying the secure-permissions preamble before every open.
func OpenStreamJournal(path string) (*StreamJournal, error) {
	db, err := openSecureDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_journal (
			step_id INTEGER NOT NULL,
			seq     INTEGER NOT NULL,
			kind    TEXT    NOT NULL,
			payload BLOB    NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (step_id, seq)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating stream_journal table: %w", err)
	}

	j := &StreamJournal{db: db, open: make(map[uint64]*openStepState), tx: make(map[uint64]*sql.Tx)}
	row := db.QueryRow(`SELECT COALESCE(MAX(step_id), 0) FROM stream_journal`)
	var maxStep uint64
	if err := row.Scan(&maxStep); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: reading max step_id: %w", err)
	}
	j.nextStepID = maxStep + 1
	return j, nil
}

// Close releases the underlying database handle.
func (j *StreamJournal) Close() error {
	return j.db.Close()
}

// DB returns the underlying connection so a ToolJournal can share it —
// both ledgers live in the same SQLite file.
func (j *StreamJournal) DB() *sql.DB {
	return j.db
}

// StreamHandle identifies an open (not yet sealed or discarded) stream
// session.
type StreamHandle struct {
	StepID uint64
}

// BeginSession reserves a new step id and durably writes Begin(model)
// before returning, per base spec §4.3's first-write-synchronous contract.
func (j *StreamJournal) BeginSession(model string) (*StreamHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stepID := j.nextStepID
	j.nextStepID++
	j.open[stepID] = &openStepState{}

	payload, err := json.Marshal(beginPayload{Model: model})
	if err != nil {
		return nil, fmt.Errorf("journal: marshaling begin payload: %w", err)
	}
	if err := j.writeSync(stepID, KindBegin, payload); err != nil {
		delete(j.open, stepID)
		return nil, err
	}
	return &StreamHandle{StepID: stepID}, nil
}

// AppendText appends a TextDelta entry.
func (j *StreamJournal) AppendText(h *StreamHandle, text string) error {
	return j.appendDelta(h, KindTextDelta, []byte(text))
}

// AppendThinking appends a ThinkingDelta entry.
func (j *StreamJournal) AppendThinking(h *StreamHandle, text string) error {
	return j.appendDelta(h, KindThinkingDelta, []byte(text))
}

// AppendToolCallDelta appends a ToolCallDelta entry. name is nil for
// continuation chunks of a tool call whose name was already sent.
func (j *StreamJournal) AppendToolCallDelta(h *StreamHandle, id string, name *string, argsChunk string) error {
	payload, err := json.Marshal(toolCallDeltaPayload{ID: id, Name: name, ArgsChunk: argsChunk})
	if err != nil {
		return fmt.Errorf("journal: marshaling tool call delta: %w", err)
	}
	return j.appendDelta(h, KindToolCallDelta, payload)
}

// AppendSignature appends an opaque provider-signed replay token.
func (j *StreamJournal) AppendSignature(h *StreamHandle, opaque string) error {
	return j.appendDelta(h, KindSignature, []byte(opaque))
}

func (j *StreamJournal) appendDelta(h *StreamHandle, kind EntryKind, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	state, ok := j.open[h.StepID]
	if !ok {
		return fmt.Errorf("journal: step %d is not open", h.StepID)
	}
	if !state.firstWritten {
		if err := j.writeSync(h.StepID, kind, payload); err != nil {
			return err
		}
		return nil
	}
	return j.writeBuffered(h.StepID, kind, payload)
}

// Seal writes the terminal entry (Done, or Error with msg) and flushes any
// buffered writes for the step.
func (j *StreamJournal) Seal(h *StreamHandle, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.open[h.StepID]; !ok {
		return fmt.Errorf("journal: step %d is not open", h.StepID)
	}

	kind := KindDone
	var payload []byte
	if errMsg != "" {
		kind = KindError
		p, err := json.Marshal(errorPayload{Message: errMsg})
		if err != nil {
			return fmt.Errorf("journal: marshaling error payload: %w", err)
		}
		payload = p
	}
	if err := j.appendLocked(h.StepID, kind, payload); err != nil {
		return err
	}
	if err := j.commitOpenTx(h.StepID); err != nil {
		return err
	}
	delete(j.open, h.StepID)
	return nil
}

// Discard marks the step as discarded — logically an Error entry with
// reason "cancelled" — used on user-cancel.
func (j *StreamJournal) Discard(h *StreamHandle) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.open[h.StepID]; !ok {
		return fmt.Errorf("journal: step %d is not open", h.StepID)
	}
	payload, err := json.Marshal(errorPayload{Message: "cancelled"})
	if err != nil {
		return fmt.Errorf("journal: marshaling discard payload: %w", err)
	}
	if err := j.appendLocked(h.StepID, KindError, payload); err != nil {
		return err
	}
	if err := j.commitOpenTx(h.StepID); err != nil {
		return err
	}
	delete(j.open, h.StepID)
	return nil
}

// writeSync performs a single, immediately-durable insert outside of any
// buffered transaction: PRAGMA synchronous=FULL for this one statement,
// restored to NORMAL afterward. This is the "first write" guarantee from
// base spec §4.3 — if the process dies right after the model starts
// replying, at least this chunk survives.
func (j *StreamJournal) writeSync(stepID uint64, kind EntryKind, payload []byte) error {
	state := j.open[stepID]
	state.seq++
	seq := state.seq

	if _, err := j.db.Exec(`PRAGMA synchronous=FULL;`); err != nil {
		return fmt.Errorf("journal: setting synchronous=FULL: %w", err)
	}
	_, err := j.db.Exec(
		`INSERT INTO stream_journal (step_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		stepID, seq, string(kind), payload, FormatISO8601Millis(time.Now()),
	)
	if _, rerr := j.db.Exec(`PRAGMA synchronous=NORMAL;`); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return fmt.Errorf("journal: synchronous insert for step %d: %w", stepID, err)
	}
	state.firstWritten = true
	return nil
}

// writeBuffered appends kind/payload inside the step's open transaction,
// creating one if needed, and commits every flushEveryN writes.
func (j *StreamJournal) writeBuffered(stepID uint64, kind EntryKind, payload []byte) error {
	if err := j.appendLocked(stepID, kind, payload); err != nil {
		return err
	}
	state := j.open[stepID]
	state.pendingSince++
	if state.pendingSince >= flushEveryN {
		if err := j.commitOpenTx(stepID); err != nil {
			return err
		}
	}
	return nil
}

func (j *StreamJournal) appendLocked(stepID uint64, kind EntryKind, payload []byte) error {
	state := j.open[stepID]
	state.seq++
	seq := state.seq

	tx := j.tx[stepID]
	if tx == nil {
		var err error
		tx, err = j.db.Begin()
		if err != nil {
			return fmt.Errorf("journal: opening buffered transaction for step %d: %w", stepID, err)
		}
		j.tx[stepID] = tx
	}
	_, err := tx.Exec(
		`INSERT INTO stream_journal (step_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		stepID, seq, string(kind), payload, FormatISO8601Millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("journal: buffered insert for step %d: %w", stepID, err)
	}
	return nil
}

func (j *StreamJournal) commitOpenTx(stepID uint64) error {
	tx, ok := j.tx[stepID]
	if !ok {
		return nil
	}
	delete(j.tx, stepID)
	if state, ok := j.open[stepID]; ok {
		state.pendingSince = 0
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: committing buffered writes for step %d: %w", stepID, err)
	}
	return nil
}

// RecoveredStreamKind distinguishes the terminal state recover() found for
// the most recent not-yet-reified step.
type RecoveredStreamKind int

const (
	RecoveredIncomplete RecoveredStreamKind = iota
	RecoveredComplete
	RecoveredErrored
)

// RecoveredStream is the result of scanning the journal on open for a step
// whose terminal entry is missing, is Error, or is Done but not yet
// reified into history.
type RecoveredStream struct {
	Kind                RecoveredStreamKind
	StepID              uint64
	Model               string
	PartialText         string
	PartialThinking     string
	PartialToolCalls    []RecoveredToolCallDelta
	Error               string
}

// RecoveredToolCallDelta is one reconstructed in-flight tool call: all
// ToolCallDelta rows for the same id concatenated in seq order.
type RecoveredToolCallDelta struct {
	ID        string
	Name      string
	ArgsChunk string
}

// Recover scans for the highest step id whose terminal entry is missing,
// is Error (reported as RecoveredErrored), or is Done but reified is false
// for it, and replays that step's deltas in ascending seq order. reified reports,
// for a given step id, whether a Done step has already been folded into
// history (callers pass a lookup over their own persisted state); a nil
// reified always treats Done steps as not yet reified.
func (j *StreamJournal) Recover(reified func(stepID uint64) bool) (*RecoveredStream, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`SELECT DISTINCT step_id FROM stream_journal ORDER BY step_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("journal: listing steps: %w", err)
	}
	var stepIDs []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("journal: scanning step id: %w", err)
		}
		stepIDs = append(stepIDs, id)
	}
	rows.Close()

	for _, stepID := range stepIDs {
		entries, err := j.loadStep(stepID)
		if err != nil {
			return nil, err
		}
		terminalKind, terminalMsg, hasTerminal := lastTerminal(entries)
		if hasTerminal && terminalKind == KindDone {
			if reified == nil || !reified(stepID) {
				return buildRecovered(stepID, entries, RecoveredComplete, "")
			}
			continue
		}
		if hasTerminal && terminalKind == KindError {
			return buildRecovered(stepID, entries, RecoveredErrored, terminalMsg)
		}
		if !hasTerminal {
			return buildRecovered(stepID, entries, RecoveredIncomplete, "")
		}
	}
	return nil, nil
}

type journalRow struct {
	seq     uint64
	kind    EntryKind
	payload []byte
}

func (j *StreamJournal) loadStep(stepID uint64) ([]journalRow, error) {
	rows, err := j.db.Query(`SELECT seq, kind, payload FROM stream_journal WHERE step_id = ? ORDER BY seq ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("journal: loading step %d: %w", stepID, err)
	}
	defer rows.Close()

	var out []journalRow
	for rows.Next() {
		var r journalRow
		var kind string
		if err := rows.Scan(&r.seq, &kind, &r.payload); err != nil {
			return nil, fmt.Errorf("journal: scanning row for step %d: %w", stepID, err)
		}
		r.kind = EntryKind(kind)
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].seq < out[k].seq })
	return out, nil
}

func lastTerminal(entries []journalRow) (kind EntryKind, msg string, ok bool) {
	for _, e := range entries {
		if e.kind == KindDone {
			return KindDone, "", true
		}
		if e.kind == KindError {
			var p errorPayload
			_ = json.Unmarshal(e.payload, &p)
			return KindError, p.Message, true
		}
	}
	return "", "", false
}

func buildRecovered(stepID uint64, entries []journalRow, kind RecoveredStreamKind, errMsg string) (*RecoveredStream, error) {
	r := &RecoveredStream{Kind: kind, StepID: stepID, Error: errMsg}
	toolCalls := make(map[string]*RecoveredToolCallDelta)
	var toolOrder []string

	for _, e := range entries {
		switch e.kind {
		case KindBegin:
			var p beginPayload
			if err := json.Unmarshal(e.payload, &p); err != nil {
				return nil, fmt.Errorf("journal: decoding begin payload for step %d: %w", stepID, err)
			}
			r.Model = p.Model
		case KindTextDelta:
			r.PartialText += string(e.payload)
		case KindThinkingDelta:
			r.PartialThinking += string(e.payload)
		case KindToolCallDelta:
			var p toolCallDeltaPayload
			if err := json.Unmarshal(e.payload, &p); err != nil {
				return nil, fmt.Errorf("journal: decoding tool call delta for step %d: %w", stepID, err)
			}
			tc, ok := toolCalls[p.ID]
			if !ok {
				tc = &RecoveredToolCallDelta{ID: p.ID}
				toolCalls[p.ID] = tc
				toolOrder = append(toolOrder, p.ID)
			}
			if p.Name != nil {
				tc.Name = *p.Name
			}
			tc.ArgsChunk += p.ArgsChunk
		case KindSignature, KindDone, KindError:
			// no contribution to partial reconstruction beyond the terminal
			// classification already determined by the caller.
		}
	}

	for _, id := range toolOrder {
		r.PartialToolCalls = append(r.PartialToolCalls, *toolCalls[id])
	}
	return r, nil
}
