package lsp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// runningServer owns one language server subprocess: its pipes, its
// document-version bookkeeping, and the read loop that turns incoming
// frames into Events on the supervisor's shared channel.
type runningServer struct {
	name       string
	languageID string
	cmd        *exec.Cmd
	cli        *client

	docsMu sync.Mutex
	docs   map[string]int // uri -> last-sent version

	stopped atomic.Bool
	done    chan struct{}
}

// client is the write half plus the shared next-request-id counter; it is
// the thing notifyFileChanged and shutdown actually write through.
type client struct {
	writeMu sync.Mutex
	fw      *FrameWriter
	nextID  atomic.Uint64
}

func (c *client) request(method string, params any) error {
	id := c.nextID.Add(1)
	req, err := newRequest(id, method, params)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fw.WriteFrame(req)
}

func (c *client) notify(method string, params any) error {
	notif, err := newNotification(method, params)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fw.WriteFrame(notif)
}

// startServer launches the subprocess configured by cfg, performs the
// initialize/initialized handshake synchronously, and starts a background
// read loop that feeds events onto eventTx. A failure at any point here
// leaves nothing running and is reported to the caller — logged and
// skipped, per how the supervisor spawns each configured server.
func startServer(ctx context.Context, name string, cfg ServerConfig, workspaceRoot string, eventTx chan<- Event) (*runningServer, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = workspaceRoot
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lsp: stdin pipe for %q: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("lsp: stdout pipe for %q: %w", name, err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lsp: starting %q (%s): %w", name, cfg.Command, err)
	}

	cli := &client{fw: NewFrameWriter(stdin)}
	fr := NewFrameReader(stdout)

	rootURI, err := pathToFileURI(workspaceRoot)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("lsp: workspace root URI for %q: %w", name, err)
	}
	if err := cli.request("initialize", initializeParams(rootURI)); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("lsp: sending initialize to %q: %w", name, err)
	}
	var initReply jsonrpcEnvelope
	if err := fr.ReadFrame(&initReply); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("lsp: awaiting initialize response from %q: %w", name, err)
	}
	if err := cli.notify("initialized", map[string]any{}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("lsp: sending initialized to %q: %w", name, err)
	}

	s := &runningServer{
		name:       name,
		languageID: cfg.LanguageID,
		cmd:        cmd,
		cli:        cli,
		docs:       make(map[string]int),
		done:       make(chan struct{}),
	}
	go s.readLoop(fr, eventTx)
	return s, nil
}

// readLoop drains frames until the server's stdout closes or sends a
// malformed frame, at which point the server is declared stopped and
// removed from the caller's running-servers map (state-as-location).
func (s *runningServer) readLoop(fr *FrameReader, eventTx chan<- Event) {
	defer close(s.done)
	for {
		var env jsonrpcEnvelope
		if err := fr.ReadFrame(&env); err != nil {
			reason := StopReason{Failed: err != io.EOF, Message: errString(err)}
			s.stopped.Store(true)
			eventTx <- StoppedEvent{Server: s.name, Reason: reason}
			return
		}
		if env.Method != "textDocument/publishDiagnostics" {
			continue // responses to requests we don't track, or notifications we don't act on
		}
		var params publishDiagnosticsParams
		if err := unmarshalParams(env.Params, &params); err != nil {
			continue
		}
		path, err := fileURIToPath(params.URI)
		if err != nil {
			continue
		}
		items := make([]Diagnostic, len(params.Diagnostics))
		for i, d := range params.Diagnostics {
			items[i] = d.toDiagnostic()
		}
		eventTx <- DiagnosticsEvent{Path: path, Items: items}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// notifyFileChanged tells the server about a file's current contents,
// sending textDocument/didOpen on first sight of a URI and
// textDocument/didChange (full-document sync) thereafter.
func (s *runningServer) notifyFileChanged(path, text string) error {
	uri, err := pathToFileURI(path)
	if err != nil {
		return err
	}

	s.docsMu.Lock()
	version, seen := s.docs[uri]
	version++
	s.docs[uri] = version
	s.docsMu.Unlock()

	if !seen {
		return s.cli.notify("textDocument/didOpen", didOpenParams(uri, s.languageID, version, text))
	}
	return s.cli.notify("textDocument/didChange", didChangeParams(uri, version, text))
}

// shutdown performs the LSP shutdown/exit handshake and tears down the
// subprocess. Errors sending the handshake are not fatal — the process is
// killed regardless, since a server that won't respond to shutdown still
// needs to go away.
func (s *runningServer) shutdown() {
	_ = s.cli.request("shutdown", nil)
	_ = s.cli.notify("exit", nil)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	_ = s.cmd.Wait()
}
