package lsp

import (
	"context"
	"fmt"
	"os"
	"sort"
)

// eventChannelCapacity bounds the buffered channel running servers publish
// events onto; PollEvents drains it at whatever pace the caller chooses.
const eventChannelCapacity = 256

// buildExtensionMap resolves each configured file extension to exactly one
// server name. Servers are visited in sorted-name order so a collision
// always resolves to the same winner regardless of map iteration order;
// the loser is logged and skipped.
func buildExtensionMap(cfg Config) map[string]string {
	extensionMap := make(map[string]string)
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		server := cfg.Servers[name]
		for _, ext := range server.FileExtensions {
			if existing, ok := extensionMap[ext]; ok {
				fmt.Fprintf(os.Stderr, "lsp: multiple servers configured for extension %q: %q and %q; using %q\n",
					ext, existing, name, existing)
				continue
			}
			extensionMap[ext] = name
		}
	}
	return extensionMap
}

// Supervisor is the facade the rest of the agent uses to talk to language
// servers: file-change routing by extension, diagnostics aggregation, and
// lifecycle. Construction is initialization — New spawns every configured
// server before returning, so there is no separate started flag to check.
type Supervisor struct {
	servers  map[string]*runningServer
	diags    *diagnosticsStore
	eventRx  chan Event
	eventTx  chan Event
	extMap   map[string]string
}

// New constructs a Supervisor and starts every configured server.
// A server that fails to start is logged and skipped — one bad server
// config should not prevent the rest of the subsystem from working.
func New(ctx context.Context, cfg Config, workspaceRoot string) *Supervisor {
	eventTx := make(chan Event, eventChannelCapacity)
	extMap := buildExtensionMap(cfg)
	servers := make(map[string]*runningServer, len(cfg.Servers))

	for name, serverCfg := range cfg.Servers {
		fmt.Fprintf(os.Stderr, "lsp: starting server %q (%s)...\n", name, serverCfg.Command)
		rs, err := startServer(ctx, name, serverCfg, workspaceRoot, eventTx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lsp: failed to start server %q: %v\n", name, err)
			continue
		}
		fmt.Fprintf(os.Stderr, "lsp: server %q started\n", name)
		servers[name] = rs
	}

	return &Supervisor{
		servers: servers,
		diags:   newDiagnosticsStore(),
		eventRx: eventTx,
		eventTx: eventTx,
		extMap:  extMap,
	}
}

// OnFileChanged routes a file-changed notification to the server configured
// for its extension, if any. Files with no extension, or an extension no
// configured server handles, are silently skipped. A server that was live
// at last poll but has since died reports its own channel error — that is
// an honest I/O failure, not a structural inconsistency to paper over.
func (s *Supervisor) OnFileChanged(path, text string) {
	ext := extensionOf(path)
	if ext == "" {
		return
	}
	serverName, ok := s.extMap[ext]
	if !ok {
		return
	}
	server, ok := s.servers[serverName]
	if !ok {
		return
	}
	if err := server.notifyFileChanged(path, text); err != nil {
		fmt.Fprintf(os.Stderr, "lsp: notifying server %q about %s: %v\n", serverName, path, err)
	}
}

// PollEvents drains up to budget pending events without blocking, returning
// how many it processed. Diagnostics accumulate in the store; a server that
// reports itself stopped is removed from the running-servers map — removal
// IS the state transition for death.
func (s *Supervisor) PollEvents(budget int) int {
	count := 0
	for count < budget {
		select {
		case event := <-s.eventRx:
			s.handleEvent(event)
			count++
		default:
			return count
		}
	}
	return count
}

func (s *Supervisor) handleEvent(event Event) {
	switch e := event.(type) {
	case StoppedEvent:
		if e.Reason.Failed {
			fmt.Fprintf(os.Stderr, "lsp: server %q failed: %s\n", e.Server, e.Reason.Message)
		} else {
			fmt.Fprintf(os.Stderr, "lsp: server %q exited\n", e.Server)
		}
		delete(s.servers, e.Server)
	case DiagnosticsEvent:
		s.diags.update(e.Path, e.Items)
	}
}

// Snapshot returns an immutable view of all known diagnostics.
func (s *Supervisor) Snapshot() Snapshot {
	return s.diags.snapshot()
}

// ErrorsForFiles returns only error-severity diagnostics for the given
// paths. Only this package's tests call it; no tool-execution path reads it.
func (s *Supervisor) ErrorsForFiles(paths []string) []struct {
	Path  string
	Items []Diagnostic
} {
	return s.diags.errorsForFiles(paths)
}

// HasRunningServers reports whether at least one server is alive.
// State-as-location: a running server is, definitionally, in the map.
func (s *Supervisor) HasRunningServers() bool {
	return len(s.servers) > 0
}

// Shutdown gracefully stops every running server.
func (s *Supervisor) Shutdown() {
	servers := s.servers
	s.servers = make(map[string]*runningServer)
	for name, server := range servers {
		fmt.Fprintf(os.Stderr, "lsp: shutting down server %q...\n", name)
		server.shutdown()
	}
}

// eventSender exposes the event channel's send side for tests, which need
// to inject synthetic events without spawning a real subprocess.
func (s *Supervisor) eventSender() chan<- Event {
	return s.eventTx
}

// newForTest builds a Supervisor with no running servers, for tests that
// drive behavior purely through the event channel.
func newForTest(cfg Config) *Supervisor {
	eventTx := make(chan Event, eventChannelCapacity)
	return &Supervisor{
		servers: make(map[string]*runningServer),
		diags:   newDiagnosticsStore(),
		eventRx: eventTx,
		eventTx: eventTx,
		extMap:  buildExtensionMap(cfg),
	}
}
