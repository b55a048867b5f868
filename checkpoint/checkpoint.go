// Package checkpoint implements turn- and tool-edit-scoped rewind points.
// A checkpoint records where the conversation stood and, when one or more
// files were about to be touched, hands off to the vfs blob store so those
// files' prior contents can be restored later. Rewinding requires a proof
// object obtained from the store first — there is no path from a bare
// checkpoint id straight to a restore.
package checkpoint

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/forgerun/cosmos-agent/engine/vfs"
)

// ID identifies a checkpoint.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses a checkpoint id from its string form.
func ParseID(raw string) (ID, bool) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ID(n), true
}

// Kind records why a checkpoint was taken, for UX like "/undo".
type Kind int

const (
	// KindTurn is an automatic checkpoint taken at the start of each user turn.
	KindTurn Kind = iota
	// KindToolEdit is an automatic checkpoint taken before tool-driven workspace edits.
	KindToolEdit
)

func (k Kind) Label() string {
	switch k {
	case KindTurn:
		return "turn"
	case KindToolEdit:
		return "tool"
	default:
		return "unknown"
	}
}

// RewindScope controls what a rewind affects.
type RewindScope int

const (
	ScopeConversation RewindScope = iota
	ScopeCode
	ScopeBoth
)

// ParseRewindScope parses a user-supplied scope string. A nil or empty raw
// value (or the literal "both") defaults to ScopeBoth.
func ParseRewindScope(raw *string) (RewindScope, bool) {
	if raw == nil || *raw == "" || *raw == "both" {
		return ScopeBoth, true
	}
	switch *raw {
	case "code":
		return ScopeCode, true
	case "conversation", "chat":
		return ScopeConversation, true
	default:
		return 0, false
	}
}

func (s RewindScope) IncludesConversation() bool {
	return s == ScopeConversation || s == ScopeBoth
}

func (s RewindScope) IncludesCode() bool {
	return s == ScopeCode || s == ScopeBoth
}

// Summary is a compact, user-facing view of a checkpoint.
type Summary struct {
	ID         ID
	CreatedAt  time.Time
	Kind       Kind
	HasCode    bool
	FileCount  int
	TotalBytes int64
}

// FormatLine renders a summary as a single line for a /checkpoints listing.
func (s Summary) FormatLine() string {
	code := "chat"
	if s.HasCode {
		code = "code+chat"
	}
	return fmt.Sprintf("#%s  %s  %s  %s  files:%d  %s",
		s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Kind.Label(), code, s.FileCount, formatBytes(s.TotalBytes))
}

func formatBytes(n int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// checkpoint is the store's internal record. Actual file bytes live in the
// vfs blob store, keyed by this checkpoint's id used as a vfs interaction
// id — the store itself only tracks whether that interaction holds a usable
// code snapshot.
type checkpoint struct {
	id               ID
	createdAt        time.Time
	kind             Kind
	conversationLen  int
	hasCode          bool
	fileCount        int
	totalBytes       int64
}

func (c checkpoint) summary() Summary {
	return Summary{ID: c.id, CreatedAt: c.createdAt, Kind: c.kind, HasCode: c.hasCode, FileCount: c.fileCount, TotalBytes: c.totalBytes}
}

// PreparedRewind is proof that a checkpoint id exists in the store.
type PreparedRewind struct{ id ID }

// PreparedCodeRewind is proof that a checkpoint exists *and* holds a code
// snapshot — the only thing that lets a caller actually restore files.
type PreparedCodeRewind struct{ id ID }

// CreatedCheckpoint reports the outcome of creating a checkpoint.
type CreatedCheckpoint struct {
	Kind       Kind
	ID         ID
	HasCode    bool
	FileCount  int
	TotalBytes int64
	Warning    string // empty if none
}

// maxCheckpoints bounds the ring of retained checkpoints; the oldest are
// dropped once the count overflows.
const maxCheckpoints = 50

// Store is an in-memory index over checkpoints, backed by a vfs.Snapshotter
// for the actual file content each code-bearing checkpoint snapshotted.
type Store struct {
	nextID      uint64
	checkpoints []checkpoint
	blobs       *vfs.Snapshotter
	capacity    int
}

// NewStore constructs an empty checkpoint store over the given blob store,
// with the ring capacity defaulted to maxCheckpoints.
func NewStore(blobs *vfs.Snapshotter) *Store {
	return &Store{blobs: blobs, capacity: maxCheckpoints}
}

// SetCapacity overrides the ring's retention bound. A non-positive value
// is ignored and the default (maxCheckpoints) is kept.
func (s *Store) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	s.capacity = capacity
	if overflow := len(s.checkpoints) - s.capacity; overflow > 0 {
		s.checkpoints = s.checkpoints[overflow:]
	}
}

func (s *Store) IsEmpty() bool { return len(s.checkpoints) == 0 }

func (s *Store) LatestID() (ID, bool) {
	if len(s.checkpoints) == 0 {
		return 0, false
	}
	return s.checkpoints[len(s.checkpoints)-1].id, true
}

func (s *Store) LatestIDOfKind(kind Kind) (ID, bool) {
	for i := len(s.checkpoints) - 1; i >= 0; i-- {
		if s.checkpoints[i].kind == kind {
			return s.checkpoints[i].id, true
		}
	}
	return 0, false
}

func (s *Store) Summaries() []Summary {
	out := make([]Summary, len(s.checkpoints))
	for i, c := range s.checkpoints {
		out[i] = c.summary()
	}
	return out
}

func (s *Store) find(id ID) (checkpoint, bool) {
	for _, c := range s.checkpoints {
		if c.id == id {
			return c, true
		}
	}
	return checkpoint{}, false
}

// Prepare obtains a rewind proof for a checkpoint id, if it exists.
func (s *Store) Prepare(id ID) (PreparedRewind, bool) {
	if _, ok := s.find(id); !ok {
		return PreparedRewind{}, false
	}
	return PreparedRewind{id: id}, true
}

func (s *Store) PrepareLatest() (PreparedRewind, bool) {
	id, ok := s.LatestID()
	if !ok {
		return PreparedRewind{}, false
	}
	return s.Prepare(id)
}

func (s *Store) PrepareLatestOfKind(kind Kind) (PreparedRewind, bool) {
	id, ok := s.LatestIDOfKind(kind)
	if !ok {
		return PreparedRewind{}, false
	}
	return s.Prepare(id)
}

// PrepareCode upgrades a rewind proof to a code-rewind proof, failing if the
// checkpoint never captured a usable code snapshot.
func (s *Store) PrepareCode(proof PreparedRewind) (PreparedCodeRewind, bool) {
	cp, ok := s.find(proof.id)
	if !ok || !cp.hasCode {
		return PreparedCodeRewind{}, false
	}
	return PreparedCodeRewind{id: proof.id}, true
}

// Summary resolves a rewind proof back to its checkpoint's summary.
func (s *Store) Summary(proof PreparedRewind) Summary {
	cp, ok := s.find(proof.id)
	if !ok {
		panic("checkpoint: proof for vanished checkpoint")
	}
	return cp.summary()
}

// ConversationLen returns the history length recorded at checkpoint time.
func (s *Store) ConversationLen(proof PreparedRewind) int {
	cp, ok := s.find(proof.id)
	if !ok {
		panic("checkpoint: proof for vanished checkpoint")
	}
	return cp.conversationLen
}

// CreateForFiles creates a checkpoint for the given conversation length and
// candidate edit targets. Files are snapshotted into the vfs blob store
// under this checkpoint's id as the snapshot interaction. If every file
// snapshots cleanly the checkpoint supports a later code rewind; if any
// file fails (unreadable, or too large for the blob store to hold) the
// checkpoint is created conversation-only and a warning is returned — a
// partial code snapshot is useless for rewind and would be misleading to
// keep around.
func (s *Store) CreateForFiles(kind Kind, conversationLen int, files []string) CreatedCheckpoint {
	id := ID(s.nextID)
	s.nextID++

	createdAt := time.Now()
	unique := uniqueSorted(files)

	var fileCount int
	var totalBytes int64
	var warning string
	hasCode := len(unique) > 0

	if hasCode {
		idStr := id.String()
		s.blobs.SetSnapshotContext(idStr, "")
		for _, path := range unique {
			size, statErr := fileSize(path)
			rec, err := s.blobs.Snapshot(path, "checkpoint", "checkpoint")
			switch {
			case err != nil:
				warning = fmt.Sprintf("checkpoint %s created without code snapshot (failed to read %s: %v)", id, path, err)
			case rec.TooLarge:
				warning = fmt.Sprintf("checkpoint %s created without code snapshot (%s exceeds the snapshot size limit)", id, path)
			case statErr == nil:
				totalBytes += size
			}
			if warning != "" {
				fileCount = 0
				totalBytes = 0
				hasCode = false
				break
			}
			fileCount++
		}
	}

	s.checkpoints = append(s.checkpoints, checkpoint{
		id:              id,
		createdAt:       createdAt,
		kind:            kind,
		conversationLen: conversationLen,
		hasCode:         hasCode,
		fileCount:       fileCount,
		totalBytes:      totalBytes,
	})

	if overflow := len(s.checkpoints) - s.capacity; overflow > 0 {
		s.checkpoints = s.checkpoints[overflow:]
	}

	return CreatedCheckpoint{Kind: kind, ID: id, HasCode: hasCode, FileCount: fileCount, TotalBytes: totalBytes, Warning: warning}
}

// PruneAfter drops checkpoints taken after id — used when a conversation
// rewind discards a timeline those later checkpoints pointed into.
func (s *Store) PruneAfter(id ID) {
	for i, c := range s.checkpoints {
		if c.id == id {
			s.checkpoints = s.checkpoints[:i+1]
			return
		}
	}
}

// RestoreReport summarizes a workspace restore.
type RestoreReport struct {
	RestoredFiles int
	RemovedFiles  int
}

// RestoreWorkspace restores every file captured by a code-bearing
// checkpoint to its pre-checkpoint state, deleting files that did not
// exist yet when the checkpoint was taken.
func (s *Store) RestoreWorkspace(proof PreparedCodeRewind) (RestoreReport, error) {
	paths, err := s.blobs.RestoreInteraction(proof.id.String())
	if err != nil {
		return RestoreReport{}, fmt.Errorf("checkpoint: restoring workspace for %s: %w", proof.id, err)
	}
	var report RestoreReport
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			report.RestoredFiles++
		} else {
			report.RemovedFiles++
		}
	}
	return report, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func uniqueSorted(files []string) []string {
	seen := make(map[string]struct{}, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
