package core

import (
	"context"
	gocontext "github.com/forgerun/cosmos-agent/context"
	"github.com/forgerun/cosmos-agent/checkpoint"
	"github.com/forgerun/cosmos-agent/core/provider"
	"github.com/forgerun/cosmos-agent/engine/manifest"
	"github.com/forgerun/cosmos-agent/engine/policy"
	"github.com/forgerun/cosmos-agent/journal"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// compactionPreserveRecent is the number of most recent history entries
	// preserved, uncompacted, on every compaction.
	compactionPreserveRecent = 4

	// compactionTargetRatio is the target summary length as a percentage of original.
	compactionTargetRatio = 0.25 // 25% of original

	// compactionMinReduction is the minimum reduction percentage required for compaction to be worthwhile.
	compactionMinReduction = 20.0 // Must reduce by at least 20%

	// toolBatchCapacity bounds how many tool calls from a single batch run
	// concurrently, per SPEC_FULL.md's ToolLoop.Executing capacity budget.
	toolBatchCapacity = 4

	// compactionPromptTemplate is the prompt sent to the LLM for summarization.
	compactionPromptTemplate = `You are tasked with summarizing a coding conversation to reduce token usage while preserving all critical information.

**Guidelines:**
- Preserve all technical decisions, code snippets, file paths, and function names
- Maintain chronological order of key developments
- Omit pleasantries, redundant explanations, and off-topic tangents
- Use concise technical language
- Target length: ~25%% of original

**Conversation to Summarize:**
%s

**Instructions:**
Provide a dense, technical summary that captures:
1. Main objectives and problems addressed
2. Key decisions made (with brief rationale)
3. Code changes and their locations
4. Current state and next steps

Write the summary in markdown format. Be extremely concise.`
)

// ToolExecutor runs a tool and returns its result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (string, error)
}

// snapshotContext is the subset of *vfs.Snapshotter's API loop.go needs,
// kept narrow so this package does not import engine/vfs directly.
type snapshotContext interface {
	SetSnapshotContext(interactionID, toolCallID string)
}

// FileChangeRecord is one destructive file operation a tool performed,
// surfaced to the UI changelog view.
type FileChangeRecord struct {
	Path       string
	Operation  string
	WasNewFile bool
	Timestamp  time.Time
}

// Session manages a single LLM conversation loop
type Session struct {
	provider provider.Provider
	tracker  *Tracker
	notifier Notifier // UI update channel
	executor ToolExecutor
	tools    []provider.ToolDefinition

	model     string
	systemMsg string
	maxTokens int

	id           string // UUID v4, generated at creation
	createdAt    time.Time
	auditLogger  *policy.AuditLogger      // nil if audit disabled
	evaluator    *policy.Evaluator        // nil in stub/test mode
	blacklist    *policy.CommandBlacklist // nil disables the unconditional-deny command check
	approvalTier policy.ApprovalPolicy    // zero value is policy.PolicyDefault

	mu          sync.Mutex
	history     *gocontext.FullHistory
	registry    *gocontext.ModelRegistry
	counter     gocontext.TokenCounter
	state       OperationState
	userMsgChan chan string
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup // Tracks in-flight operations (loop, message processing)

	cachedModelInfo *provider.ModelInfo
	modelInfoOnce   sync.Once

	warned50 bool // Track if 50% context warning already sent (reset after compaction)

	streamJournal     *journal.StreamJournal // nil if journaling disabled
	toolJournal       *journal.ToolJournal   // nil if journaling disabled
	checkpoints       *checkpoint.Store      // nil if checkpointing disabled
	snapshotUpdater   snapshotContext        // nil if file snapshotting disabled
	pathResolver      checkpoint.PathResolver
	permissionTimeout time.Duration
	sessionsDir       string

	changelog []FileChangeRecord
}

// Notifier interface for UI updates. The Send method accepts any event type;
// the adapter in app/adapter.go translates core events into framework-specific messages.
type Notifier interface {
	Send(msg any)
}

// NewSession creates a new conversation session
func NewSession(
	sessionID string,
	prov provider.Provider,
	tracker *Tracker,
	notifier Notifier,
	model string,
	systemMsg string,
	maxTokens int,
	executor ToolExecutor,
	tools []provider.ToolDefinition,
	auditLogger *policy.AuditLogger,
	evaluator *policy.Evaluator,
) *Session {
	return &Session{
		provider:     prov,
		tracker:      tracker,
		notifier:     notifier,
		model:        model,
		systemMsg:    systemMsg,
		maxTokens:    maxTokens,
		executor:     executor,
		tools:        tools,
		id:           sessionID,
		createdAt:    time.Now().UTC(),
		auditLogger:  auditLogger,
		evaluator:    evaluator,
		history:      gocontext.NewFullHistory(nil),
		registry:     gocontext.NewModelRegistry(),
		counter:      gocontext.DefaultTokenCounter{},
		state:        StateIdle{},
		userMsgChan:  make(chan string, 16), // Buffered for responsiveness
		stopChan:     make(chan struct{}),
		pathResolver: defaultPathResolver,
	}
}

func defaultPathResolver(raw string) (string, error) {
	return filepath.Abs(raw)
}

// SetJournals wires the stream and tool journals. Passing either as nil
// disables crash-recovery journaling for that concern.
func (s *Session) SetJournals(stream *journal.StreamJournal, tool *journal.ToolJournal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamJournal = stream
	s.toolJournal = tool
}

// SetCheckpoints wires the checkpoint store used for turn- and
// tool-edit-scoped rewind points.
func (s *Session) SetCheckpoints(store *checkpoint.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = store
}

// SetSnapshotContextUpdater wires the vfs snapshotter whose interaction
// context is updated before each tool call executes, so any destructive
// file write the tool performs is attributed to the right interaction/tool
// call id in the snapshot manifest.
func (s *Session) SetSnapshotContextUpdater(updater snapshotContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotUpdater = updater
}

// SetPermissionTimeout bounds how long a tool call may wait on an approval
// decision before the request is treated as denied. A value <= 0 leaves the
// bound to the tool descriptor's timeout, or defaultPermissionTimeout when
// the descriptor has none.
func (s *Session) SetPermissionTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionTimeout = d
}

// SetBlacklist wires the unconditional-deny command check consulted before
// any tool dispatch whose input carries a shell command. Passing nil
// disables the check.
func (s *Session) SetBlacklist(b *policy.CommandBlacklist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist = b
}

// SetApprovalPolicy sets the tier used to escalate an otherwise-allowed tool
// call to a prompt based on its risk classification.
func (s *Session) SetApprovalPolicy(p policy.ApprovalPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvalTier = p
}

// SetSessionsDir records where saved session files live, for slash-command
// completions that list or resume a past session.
func (s *Session) SetSessionsDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsDir = dir
}

// SessionsDir returns the directory set via SetSessionsDir, or "" if unset.
func (s *Session) SessionsDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsDir
}

// RecordFileChange appends one destructive file operation to the session's
// changelog, called from the vfs snapshot closure each time a tool writes or
// deletes a file.
func (s *Session) RecordFileChange(path, operation string, wasNewFile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changelog = append(s.changelog, FileChangeRecord{
		Path:       path,
		Operation:  operation,
		WasNewFile: wasNewFile,
		Timestamp:  time.Now(),
	})
}

// Changelog returns a copy of the session's recorded file changes.
func (s *Session) Changelog() []FileChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileChangeRecord, len(s.changelog))
	copy(out, s.changelog)
	return out
}

// SubmitMessage queues a user message for processing
func (s *Session) SubmitMessage(text string) {
	select {
	case s.userMsgChan <- text:
	case <-s.stopChan:
		// Session stopped, drop message
	}
}

// Start begins the background conversation loop
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully terminates the session. It is safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait() // Wait for loop and in-flight message processing to complete
		if s.auditLogger != nil {
			if err := s.auditLogger.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "cosmos: audit log close failed: %v\n", err)
			}
		}
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current operation state.
func (s *Session) State() OperationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state OperationState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notifier.Send(StateChangeEvent{State: state})
}

// loop is the main goroutine that processes user messages
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case userText := <-s.userMsgChan:
			s.wg.Add(1)
			if err := s.processUserMessage(ctx, userText); err != nil {
				// Send error to UI
				s.notifier.Send(ErrorEvent{Error: err.Error()})
			}
			s.wg.Done()
		}
	}
}

// pendingToolCall accumulates streaming fragments for a single tool call.
type pendingToolCall struct {
	id        string
	name      string
	inputJSON strings.Builder
}

// processUserMessage handles one user prompt through a multi-turn LLM loop.
// It continues looping as long as the model requests tool use, and exits
// when the model produces a final text response (end_turn).
func (s *Session) processUserMessage(ctx context.Context, text string) error {
	// Check for commands before adding to history
	if text == "/compact" {
		return s.handleCompactCommand(ctx)
	}

	// A turn-scoped checkpoint captures where the conversation stood before
	// this message is appended, so "/undo" can roll back to just before it.
	s.createCheckpoint(checkpoint.KindTurn, nil)

	content, err := gocontext.NewNonEmptyString(text)
	if err != nil {
		return fmt.Errorf("empty message")
	}
	s.mu.Lock()
	s.history.Push(gocontext.UserMessage{Content: content, Ts: time.Now()}, s.counter.Count(gocontext.UserMessage{Content: content}))
	s.mu.Unlock()

	var autoCompactPending bool

	for {
		s.setState(StateStreaming{Model: s.model})

		s.mu.Lock()
		summary := s.history.CompactionSummary()
		apiEntries := s.history.APIEntries()
		req := provider.Request{
			Model:     s.model,
			System:    s.systemMsg,
			Messages:  ToProviderMessages(summary, apiEntries),
			Tools:     s.tools,
			MaxTokens: s.maxTokens,
		}
		s.mu.Unlock()

		var streamHandle *journal.StreamHandle
		if s.streamJournal != nil {
			streamHandle, err = s.streamJournal.BeginSession(s.model)
			if err != nil {
				return fmt.Errorf("journal: beginning stream session: %w", err)
			}
		}

		// Send to provider
		iter, err := s.provider.Send(ctx, req)
		if err != nil {
			if streamHandle != nil {
				_ = s.streamJournal.Discard(streamHandle)
			}
			return fmt.Errorf("provider send failed: %w", err)
		}

		// Stream response — accumulate text and tool calls
		var fullText strings.Builder
		var toolCalls []provider.ToolCall
		var pending *pendingToolCall
		var usage *provider.Usage
		var stopReason string

		for {
			chunk, err := iter.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				iter.Close()
				if streamHandle != nil {
					_ = s.streamJournal.Seal(streamHandle, err.Error())
				}
				return fmt.Errorf("stream error: %w", err)
			}

			switch chunk.Event {
			case provider.EventTextDelta:
				fullText.WriteString(chunk.Text)
				s.notifier.Send(TokenEvent{Text: chunk.Text})
				if streamHandle != nil {
					_ = s.streamJournal.AppendText(streamHandle, chunk.Text)
				}

			case provider.EventToolStart:
				pending = &pendingToolCall{
					id:   chunk.ToolCallID,
					name: chunk.ToolName,
				}
				if streamHandle != nil {
					name := chunk.ToolName
					_ = s.streamJournal.AppendToolCallDelta(streamHandle, chunk.ToolCallID, &name, "")
				}

			case provider.EventToolDelta:
				if pending != nil {
					pending.inputJSON.WriteString(chunk.InputDelta)
					if streamHandle != nil {
						_ = s.streamJournal.AppendToolCallDelta(streamHandle, pending.id, nil, chunk.InputDelta)
					}
				}

			case provider.EventToolEnd:
				if pending != nil {
					var input map[string]any
					if raw := pending.inputJSON.String(); raw != "" {
						if err := json.Unmarshal([]byte(raw), &input); err != nil {
							input = map[string]any{"_raw": raw}
						}
					}
					toolCalls = append(toolCalls, provider.ToolCall{
						ID:    pending.id,
						Name:  pending.name,
						Input: input,
					})
					pending = nil
				}

			case provider.EventMessageStop:
				usage = chunk.Usage
				stopReason = chunk.StopReason
			}
		}
		iter.Close()
		if streamHandle != nil {
			_ = s.streamJournal.Seal(streamHandle, "")
		}

		// Record token usage
		if usage != nil {
			modelInfo, err := s.getModelInfo(ctx)
			if err == nil && modelInfo != nil {
				s.tracker.Record(*modelInfo, *usage, SourcePrompt)

				limits := s.registry.Get(s.model).Limits
				pct := 0.0
				if limits.ContextWindow > 0 {
					pct = float64(usage.InputTokens+usage.OutputTokens) / float64(limits.ContextWindow) * 100.0
				}

				s.notifier.Send(ContextUpdateEvent{
					Percentage: pct,
					ModelID:    s.model,
				})

				if pct >= 90.0 {
					autoCompactPending = true
					s.notifier.Send(ContextAutoCompactEvent{
						Percentage: pct,
						ModelID:    s.model,
					})
				} else if pct >= 50.0 {
					s.mu.Lock()
					shouldWarn := !s.warned50
					if shouldWarn {
						s.warned50 = true
					}
					s.mu.Unlock()
					if shouldWarn {
						s.notifier.Send(ContextWarningEvent{
							Percentage: pct,
							Threshold:  50.0,
							ModelID:    s.model,
						})
					}
				}
			}
		}

		// Check if this is a tool-use turn
		if stopReason == "tool_use" && len(toolCalls) > 0 {
			assistantText := fullText.String()
			s.mu.Lock()
			if assistantText != "" {
				ac, cerr := gocontext.NewNonEmptyString(assistantText)
				if cerr == nil {
					am := gocontext.AssistantMessage{Content: ac, Ts: time.Now(), Model: s.model}
					s.history.Push(am, s.counter.Count(am))
				}
			}
			for _, tc := range toolCalls {
				tu := gocontext.ToolUseMessage{ID: tc.ID, Name: tc.Name, Arguments: tc.Input, Ts: time.Now()}
				s.history.Push(tu, s.counter.Count(tu))
			}
			s.mu.Unlock()

			s.checkpointBeforeEdits(toolCalls)

			toolResults := s.dispatchToolBatch(ctx, toolCalls)

			s.mu.Lock()
			for _, tr := range toolResults {
				trm := gocontext.ToolResultMessage{
					ToolCallID: tr.ToolUseID,
					Content:    tr.Content,
					IsError:    tr.IsError,
					Ts:         time.Now(),
				}
				s.history.Push(trm, s.counter.Count(trm))
			}
			s.mu.Unlock()

			s.notifier.Send(CompletionEvent{})
			continue
		}

		// Final text response — append and break out of tool loop
		respText := fullText.String()
		if respText == "" {
			respText = "(No response)"
		}
		s.mu.Lock()
		ac, cerr := gocontext.NewNonEmptyString(respText)
		if cerr == nil {
			am := gocontext.AssistantMessage{Content: ac, Ts: time.Now(), Model: s.model}
			s.history.Push(am, s.counter.Count(am))
		}
		s.mu.Unlock()

		s.notifier.Send(CompletionEvent{})
		break
	}

	s.setState(StateIdle{})

	// Deferred auto-compaction (runs after tool loop is fully complete)
	if autoCompactPending {
		if err := s.performCompaction(ctx, "automatic"); err != nil {
			s.notifier.Send(ErrorEvent{Error: "auto-compaction failed: " + err.Error()})
		} else {
			modelInfo, err := s.getModelInfo(ctx)
			if err == nil && modelInfo != nil && modelInfo.ContextWindow > 0 {
				s.mu.Lock()
				newPct := float64(s.history.APITokens()) / float64(modelInfo.ContextWindow) * 100.0
				s.mu.Unlock()
				s.notifier.Send(ContextUpdateEvent{
					Percentage: newPct,
					ModelID:    s.model,
				})
			}
		}
	}

	return nil
}

// dispatchToolBatch executes toolCalls, bounded to toolBatchCapacity
// concurrent executions, and returns their results in the same order the
// calls were issued in — order matters because the caller appends results to
// history positionally.
func (s *Session) dispatchToolBatch(ctx context.Context, toolCalls []provider.ToolCall) []provider.ToolResult {
	s.setState(StateToolLoop{Phase: PhaseExecuting, BatchSize: len(toolCalls)})

	var batchID string
	if s.toolJournal != nil {
		var err error
		batchID, err = s.toolJournal.BeginBatch(0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cosmos: tool journal: beginning batch: %v\n", err)
			batchID = ""
		}
	}

	results := make([]provider.ToolResult, len(toolCalls))
	sem := make(chan struct{}, toolBatchCapacity)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tc provider.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.runOneTool(ctx, tc, batchID)
		}(i, tc)
	}
	wg.Wait()

	if batchID != "" {
		if err := s.toolJournal.CompleteBatch(batchID); err != nil {
			fmt.Fprintf(os.Stderr, "cosmos: tool journal: completing batch: %v\n", err)
		}
	}

	return results
}

// runOneTool executes a single tool call: homoglyph-scans its input,
// notifies the UI, runs it through the sandboxed executor, records the
// result to the tool journal and audit log, and notifies the UI of the
// outcome.
func (s *Session) runOneTool(ctx context.Context, tc provider.ToolCall, batchID string) provider.ToolResult {
	s.scanForHomoglyphs(tc)

	inputJSON, _ := json.Marshal(tc.Input)
	s.notifier.Send(ToolUseEvent{
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Input:      string(inputJSON),
	})

	s.mu.Lock()
	updater := s.snapshotUpdater
	s.mu.Unlock()
	if updater != nil {
		updater.SetSnapshotContext(s.id, tc.ID)
	}

	var tr provider.ToolResult
	if blocked, handled := s.checkBlacklist(tc); handled {
		tr = blocked
	} else if blocked, handled := s.gateToolPermission(ctx, tc); handled {
		tr = blocked
	} else if s.executor == nil {
		tr = provider.ToolResult{
			ToolUseID: tc.ID,
			Content:   "no tool executor configured",
			IsError:   true,
		}
	} else {
		result, execErr := s.executor.Execute(ctx, tc.Name, tc.Input)
		tr = provider.ToolResult{ToolUseID: tc.ID, Content: result}
		if execErr != nil {
			tr.Content = execErr.Error()
			tr.IsError = true
		}
	}

	s.notifier.Send(ToolResultEvent{
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Result:     tr.Content,
		IsError:    tr.IsError,
	})
	s.notifier.Send(ToolExecutionEvent{
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Input:      string(inputJSON),
		Output:     tr.Content,
		IsError:    tr.IsError,
	})

	if batchID != "" {
		if err := s.toolJournal.RecordResult(batchID, journal.ToolResultRecord{
			ToolCallID: tc.ID,
			Content:    tr.Content,
			IsError:    tr.IsError,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "cosmos: tool journal: recording result: %v\n", err)
		}
	}

	if s.auditLogger != nil {
		if err := s.auditLogger.Log(policy.AuditEntry{
			Agent:      "stub", // Will be agent name once loader is implemented
			Tool:       tc.Name,
			Permission: "stub", // Will be actual permission once policy integration is complete
			Decision:   decisionFromError(tr.IsError),
			Source:     "manifest",
			Arguments:  tc.Input,
			ToolCallID: tc.ID,
			Error:      errorString(tr),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "cosmos: audit log failed: %v\n", err)
		}
	}

	return tr
}

// defaultPermissionTimeout bounds how long runOneTool waits on a user's
// approval decision before treating it as a denial.
const defaultPermissionTimeout = 2 * time.Minute

// toolPermissionRules narrows s.executor to the optional interface a
// manifest-backed executor (engine/runtime.V8Executor) implements, so this
// package can evaluate permissions without importing engine/runtime.
func (s *Session) toolPermissionRules(name string) (agentName string, rules []manifest.PermissionRule, ok bool) {
	pr, isPR := s.executor.(interface {
		ToolPermissionRules(string) (string, []manifest.PermissionRule, bool)
	})
	if !isPR {
		return "", nil, false
	}
	return pr.ToolPermissionRules(name)
}

// checkBlacklist rejects a tool call outright when its input carries a shell
// command matching an unconditional-deny pattern, before the policy
// evaluator or the executor ever sees it. No-op (handled=false) when no
// blacklist was wired via SetBlacklist or the call carries no command.
func (s *Session) checkBlacklist(tc provider.ToolCall) (provider.ToolResult, bool) {
	s.mu.Lock()
	bl := s.blacklist
	s.mu.Unlock()
	if bl == nil {
		return provider.ToolResult{}, false
	}
	command, ok := extractCommand(tc.Input)
	if !ok {
		return provider.ToolResult{}, false
	}
	if err := bl.Validate(command); err != nil {
		return provider.ToolResult{
			ToolUseID: tc.ID,
			Content:   fmt.Sprintf("Command blocked: %v", err),
			IsError:   true,
		}, true
	}
	return provider.ToolResult{}, false
}

// extractCommand pulls the shell command a tool call would run, if any, from
// its input, under either the "command" or "cmd" field name.
func extractCommand(input map[string]any) (string, bool) {
	if hasStringField(input, "command") {
		return input["command"].(string), true
	}
	if hasStringField(input, "cmd") {
		return input["cmd"].(string), true
	}
	return "", false
}

// toolDescriptor narrows s.executor to the optional interface a
// manifest-backed executor (engine/runtime.V8Executor) implements, to
// retrieve a tool's risk/approval/schema metadata without this package
// importing engine/runtime.
func (s *Session) toolDescriptor(name string) (manifest.ToolDescriptor, bool) {
	d, isD := s.executor.(interface {
		ToolDescriptor(string) (manifest.ToolDescriptor, bool)
	})
	if !isD {
		return manifest.ToolDescriptor{}, false
	}
	return d.ToolDescriptor(name)
}

// permissionKeyFor derives a permission string ("resource:action[:target]")
// for a tool call from the shape of its input, the same argument-shape
// convention checkpoint.CollectEditTargets uses to find edit targets: a
// "content" or "patch" field marks a write, a bare "path" a read, "command"
// a shell invocation, "url" a network call.
func permissionKeyFor(input map[string]any) string {
	resource, action := "tool", "invoke"
	switch {
	case hasStringField(input, "content"), hasStringField(input, "patch"):
		resource, action = "fs", "write"
	case hasStringField(input, "path"):
		resource, action = "fs", "read"
	case hasStringField(input, "command"), hasStringField(input, "cmd"):
		resource, action = "shell", "exec"
	case hasStringField(input, "url"):
		resource, action = "net", "http"
	}

	key := resource + ":" + action
	if target, ok := input["path"].(string); ok && target != "" {
		return key + ":" + target
	}
	if target, ok := input["url"].(string); ok && target != "" {
		return key + ":" + target
	}
	return key
}

func hasStringField(input map[string]any, field string) bool {
	v, ok := input[field].(string)
	return ok && v != ""
}

// evaluateToolPermission resolves a tool call's permission decision. A tool
// whose executor cannot supply manifest rules (no ToolPermissionRules, e.g.
// a stub executor in tests) always prompts rather than defaulting to deny —
// unknown tools get a user decision, not a silent block.
func (s *Session) evaluateToolPermission(tc provider.ToolCall) policy.Decision {
	key := permissionKeyFor(tc.Input)
	parsed, err := manifest.ParsePermissionKey(key)
	if err != nil {
		return policy.Decision{Effect: policy.EffectPromptAlways}
	}

	agentName, rules, ok := s.toolPermissionRules(tc.Name)
	if !ok {
		return policy.Decision{Effect: policy.EffectPromptAlways}
	}
	decision := s.evaluator.Evaluate(agentName, parsed, rules)

	s.mu.Lock()
	tier := s.approvalTier
	s.mu.Unlock()
	if descriptor, ok := s.toolDescriptor(tc.Name); ok {
		decision.Effect = policy.ApplyTier(tier, decision.Effect, descriptor.RiskLevel, descriptor.ApprovalRequired)
	}
	return decision
}

// gateToolPermission consults the policy evaluator (if wired) before a tool
// call executes. It returns handled=true with the ToolResult to use in place
// of execution when the call is denied, times out, or the context is
// cancelled while awaiting a decision; handled=false means execution should
// proceed normally.
func (s *Session) gateToolPermission(ctx context.Context, tc provider.ToolCall) (provider.ToolResult, bool) {
	if s.evaluator == nil {
		return provider.ToolResult{}, false
	}

	decision := s.evaluateToolPermission(tc)
	permKey := permissionKeyFor(tc.Input)

	switch decision.Effect {
	case policy.EffectAllow:
		return provider.ToolResult{}, false
	case policy.EffectDeny:
		return provider.ToolResult{
			ToolUseID: tc.ID,
			Content:   fmt.Sprintf("Permission denied: %s", permKey),
			IsError:   true,
		}, true
	}

	agentName, _, _ := s.toolPermissionRules(tc.Name)

	s.mu.Lock()
	timeout := s.permissionTimeout
	s.mu.Unlock()

	description := fmt.Sprintf("%s wants to %s", tc.Name, permKey)
	if descriptor, ok := s.toolDescriptor(tc.Name); ok {
		description = descriptor.ApprovalSummary(tc.Input)
		if timeout <= 0 && descriptor.Timeout > 0 {
			timeout = descriptor.Timeout
		}
	}
	if timeout <= 0 {
		timeout = defaultPermissionTimeout
	}

	respChan := make(chan PermissionResponse, 1)
	s.notifier.Send(PermissionRequestEvent{
		ToolCallID:   tc.ID,
		ToolName:     tc.Name,
		AgentName:    agentName,
		Permission:   permKey,
		Description:  description,
		Timeout:      timeout,
		DefaultAllow: false,
		ResponseChan: respChan,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if !resp.Allowed {
			return provider.ToolResult{
				ToolUseID: tc.ID,
				Content:   fmt.Sprintf("Permission denied: %s", permKey),
				IsError:   true,
			}, true
		}
		if resp.Remember && decision.MatchedRule != nil {
			agentName, _, _ := s.toolPermissionRules(tc.Name)
			_ = s.evaluator.RecordOnceDecision(agentName, decision.MatchedRule.Key.Raw, true)
		}
		return provider.ToolResult{}, false
	case <-timer.C:
		s.notifier.Send(PermissionTimeoutEvent{ToolCallID: tc.ID, ToolName: tc.Name, Allowed: false})
		return provider.ToolResult{
			ToolUseID: tc.ID,
			Content:   fmt.Sprintf("Permission request timed out: %s", permKey),
			IsError:   true,
		}, true
	case <-ctx.Done():
		return provider.ToolResult{
			ToolUseID: tc.ID,
			Content:   fmt.Sprintf("Permission request cancelled: %s", permKey),
			IsError:   true,
		}, true
	}
}

// scanForHomoglyphs checks every string argument of a tool call for mixed
// Latin/Cyrillic/Greek/Armenian/Cherokee script content — a common
// prompt-injection/impersonation technique — and notifies the UI of any hit
// so it can be flagged before (or alongside) approval.
func (s *Session) scanForHomoglyphs(tc provider.ToolCall) {
	for field, value := range tc.Input {
		str, ok := value.(string)
		if !ok {
			continue
		}
		detection := policy.DetectMixedScript(str, field)
		if detection.Kind != policy.ScriptSuspicious {
			continue
		}
		s.notifier.Send(HomoglyphWarningEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			FieldName:  detection.Warning.FieldName,
			Snippet:    detection.Warning.Snippet,
			Scripts:    detection.Warning.Scripts,
		})
	}
}

// createCheckpoint takes a checkpoint of kind for the current history
// length, snapshotting files if any are given. No-op if checkpointing was
// never wired via SetCheckpoints.
func (s *Session) createCheckpoint(kind checkpoint.Kind, files []string) {
	s.mu.Lock()
	store := s.checkpoints
	historyLen := 0
	if s.history != nil {
		historyLen = s.history.Len()
	}
	s.mu.Unlock()
	if store == nil {
		return
	}
	created := store.CreateForFiles(kind, historyLen, files)
	s.notifier.Send(CheckpointCreatedEvent{
		ID:      created.ID.String(),
		HasCode: created.HasCode,
		Warning: created.Warning,
	})
}

// checkpointBeforeEdits collects the file targets a tool batch is about to
// write and snapshots them before any call executes, so the batch can be
// rewound as a unit if it goes wrong.
func (s *Session) checkpointBeforeEdits(toolCalls []provider.ToolCall) {
	s.mu.Lock()
	resolver := s.pathResolver
	s.mu.Unlock()

	targets, err := checkpoint.CollectEditTargets(toolCalls, resolver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: checkpoint: resolving edit targets: %v\n", err)
		return
	}
	if len(targets) == 0 {
		return
	}
	s.createCheckpoint(checkpoint.KindToolEdit, targets)
}

// stripRegionalPrefix removes a Bedrock regional prefix (e.g. "us.", "eu.", "ap.")
// from a model ID, returning the base model ID.
func stripRegionalPrefix(modelID string) string {
	prefixes := []string{"us.", "eu.", "ap."}
	for _, p := range prefixes {
		if after, found := strings.CutPrefix(modelID, p); found {
			return after
		}
	}
	return modelID
}

// getModelInfo retrieves model info for pricing, caching the result after the
// first successful lookup to avoid repeated ListModels API calls.
// Returns nil if not found (non-fatal).
func (s *Session) getModelInfo(ctx context.Context) (*provider.ModelInfo, error) {
	var fetchErr error
	s.modelInfoOnce.Do(func() {
		models, err := s.provider.ListModels(ctx)
		if err != nil {
			fetchErr = err
			return
		}

		baseModel := stripRegionalPrefix(s.model)
		for _, m := range models {
			if m.ID == s.model || m.ID == baseModel {
				info := m
				s.cachedModelInfo = &info
				return
			}
		}
	})
	if fetchErr != nil {
		// Reset Once so next call retries on transient errors
		s.modelInfoOnce = sync.Once{}
		return nil, fetchErr
	}
	return s.cachedModelInfo, nil
}

// handleCompactCommand processes the /compact user command.
func (s *Session) handleCompactCommand(ctx context.Context) error {
	return s.performCompaction(ctx, "manual")
}

// performCompaction executes the actual compaction logic (shared by manual and auto).
// It summarizes conversation history, replaces it with a condensed version, and adjusts token counts.
func (s *Session) performCompaction(ctx context.Context, mode string) error {
	s.setState(StateDistilling{Mode: mode})
	defer s.setState(StateIdle{})

	s.mu.Lock()
	messages, oldTokens := gocontext.PrepareCompaction(s.history)
	minHistory := compactionPreserveRecent + 2
	if len(messages) < minHistory {
		s.mu.Unlock()
		err := fmt.Errorf("conversation too short to compact (need at least %d messages, have %d)", minHistory, len(messages))
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}
	s.mu.Unlock()

	s.notifier.Send(CompactionStartEvent{Mode: mode})

	s.notifier.Send(CompactionProgressEvent{Stage: "generating_summary"})
	summaryText, err := s.generateSummary(ctx, messages)
	if err != nil {
		errMsg := fmt.Sprintf("failed to generate summary: %v", err)
		s.notifier.Send(CompactionFailedEvent{Error: errMsg})
		return fmt.Errorf("failed to generate summary: %w", err)
	}

	s.notifier.Send(CompactionProgressEvent{Stage: "estimating_tokens"})
	summaryMsg := gocontext.AssistantMessage{Content: mustNonEmpty(summaryText), Model: s.model}
	newTokenCount := s.counter.Count(summaryMsg)
	s.mu.Lock()
	for _, e := range s.history.RecentEntries(compactionPreserveRecent) {
		newTokenCount += e.TokenCount
	}
	s.mu.Unlock()

	if newTokenCount >= oldTokens {
		err := fmt.Errorf("summary would increase token count (%d → %d)", oldTokens, newTokenCount)
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}
	reductionPct := 100.0 * float64(oldTokens-newTokenCount) / float64(oldTokens)
	if reductionPct < compactionMinReduction {
		err := fmt.Errorf("insufficient reduction (%.0f%%), compaction not worthwhile", reductionPct)
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}

	s.mu.Lock()
	err = gocontext.CompleteCompaction(s.history, summaryText, newTokenCount, s.model, nil)
	if err == nil {
		s.warned50 = false
	}
	s.mu.Unlock()
	if err != nil {
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}

	s.notifier.Send(CompactionCompleteEvent{
		OldTokens: int(oldTokens),
		NewTokens: int(newTokenCount),
	})
	return nil
}

func mustNonEmpty(s string) gocontext.NonEmptyString {
	n, err := gocontext.NewNonEmptyString(s)
	if err != nil {
		n, _ = gocontext.NewNonEmptyString("(empty summary)")
	}
	return n
}

// generateSummary sends conversation history to LLM for summarization.
// Returns the summary text or an error.
func (s *Session) generateSummary(ctx context.Context, messages []gocontext.HistoryEntry) (string, error) {
	preserveCount := compactionPreserveRecent
	if len(messages) <= preserveCount {
		preserveCount = 0
	}
	toSummarize := messages[:len(messages)-preserveCount]

	var conversationText strings.Builder
	for _, e := range toSummarize {
		switch m := e.Msg.(type) {
		case gocontext.UserMessage:
			conversationText.WriteString(fmt.Sprintf("\n## User\n%s\n", m.Content.String()))
		case gocontext.AssistantMessage:
			conversationText.WriteString(fmt.Sprintf("\n## Assistant\n%s\n", m.Content.String()))
		case gocontext.ToolUseMessage:
			argsJSON, _ := json.Marshal(m.Arguments)
			conversationText.WriteString(fmt.Sprintf("\n[Tool: %s]\nInput: %s\n", m.Name, argsJSON))
		case gocontext.ToolResultMessage:
			conversationText.WriteString(fmt.Sprintf("\n[Tool Result]\n%s\n", m.Content))
		}
	}

	var toSummarizeTokens uint32
	for _, e := range toSummarize {
		toSummarizeTokens += e.TokenCount
	}
	targetTokens := int(float64(toSummarizeTokens) * compactionTargetRatio * 1.5) // 1.5x target for safety

	summaryPrompt := fmt.Sprintf(compactionPromptTemplate, conversationText.String())

	req := provider.Request{
		Model:  s.model,
		System: "You are a technical summarizer for a coding assistant.",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: summaryPrompt},
		},
		MaxTokens: targetTokens,
	}

	iter, err := s.provider.Send(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to request summary: %w", err)
	}
	defer iter.Close()

	var summary strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("summary stream error: %w", err)
		}
		if chunk.Event == provider.EventTextDelta {
			summary.WriteString(chunk.Text)
		}
	}

	return summary.String(), nil
}

// decisionFromError converts tool execution error status to audit decision.
func decisionFromError(isError bool) string {
	if isError {
		return "denied"
	}
	return "allowed"
}

// errorString extracts error message from tool result.
func errorString(tr provider.ToolResult) string {
	if tr.IsError {
		return tr.Content
	}
	return ""
}
