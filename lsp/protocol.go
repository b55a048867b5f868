package lsp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("lsp: empty params")
	}
	return json.Unmarshal(raw, v)
}

func newRequest(id uint64, method string, params any) (jsonrpcRequest, error) {
	if params == nil {
		return jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return jsonrpcRequest{}, fmt.Errorf("lsp: marshaling %s params: %w", method, err)
	}
	return jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

func newNotification(method string, params any) (jsonrpcNotification, error) {
	if params == nil {
		return jsonrpcNotification{JSONRPC: "2.0", Method: method}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return jsonrpcNotification{}, fmt.Errorf("lsp: marshaling %s params: %w", method, err)
	}
	return jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// jsonrpcEnvelope is the shape used to sniff an incoming frame: responses
// carry an id, notifications carry a method and no id.
type jsonrpcEnvelope struct {
	ID     *json.RawMessage `json:"id"`
	Method string           `json:"method"`
	Result json.RawMessage  `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params json.RawMessage `json:"params"`
}

func initializeParams(rootURI string) map[string]any {
	return map[string]any{
		"processId": os.Getpid(),
		"rootUri":   rootURI,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"synchronization": map[string]any{
					"dynamicRegistration": false,
					"willSave":            false,
					"willSaveWaitUntil":   false,
					"didSave":             false,
				},
				"publishDiagnostics": map[string]any{
					"relatedInformation": false,
				},
			},
		},
		"workspaceFolders": []map[string]any{
			{"uri": rootURI, "name": "workspace"},
		},
	}
}

func didOpenParams(uri, languageID string, version int, text string) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"uri":        uri,
			"languageId": languageID,
			"version":    version,
			"text":       text,
		},
	}
}

func didChangeParams(uri string, version int, text string) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"uri":     uri,
			"version": version,
		},
		"contentChanges": []map[string]any{
			{"text": text},
		},
	}
}

type publishDiagnosticsParams struct {
	URI         string           `json:"uri"`
	Diagnostics []wireDiagnostic `json:"diagnostics"`
}

type wireDiagnostic struct {
	Range    wireRange `json:"range"`
	Severity *int      `json:"severity"`
	Source   *string   `json:"source"`
	Message  string    `json:"message"`
}

type wireRange struct {
	Start wirePosition `json:"start"`
}

type wirePosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// toDiagnostic resolves the wire format's optional fields to the concrete
// Diagnostic type. A missing severity defaults to Warning (the LSP spec
// treats severity as optional); a missing source becomes "unknown".
func (d wireDiagnostic) toDiagnostic() Diagnostic {
	sev := SeverityWarning
	if d.Severity != nil {
		if s, ok := SeverityFromLSP(*d.Severity); ok {
			sev = s
		}
	}
	source := "unknown"
	if d.Source != nil {
		source = *d.Source
	}
	return Diagnostic{
		Severity: sev,
		Message:  d.Message,
		Line:     d.Range.Start.Line,
		Col:      d.Range.Start.Character,
		Source:   source,
	}
}

// pathToFileURI converts a filesystem path to a file:// URI, handling
// Windows drive letters (C:\foo\bar.rs -> file:///C:/foo/bar.rs).
func pathToFileURI(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("lsp: resolving absolute path for %q: %w", p, err)
	}
	slashed := filepath.ToSlash(abs)
	if runtime.GOOS == "windows" && len(slashed) > 1 && slashed[1] == ':' {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String(), nil
}

// fileURIToPath converts a file:// URI back to a filesystem path. Returns
// an error for malformed URIs or any non-file scheme.
func fileURIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("lsp: parsing URI %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("lsp: not a file:// URI: %q", uri)
	}
	p := u.Path
	if runtime.GOOS == "windows" {
		p = strings.TrimPrefix(p, "/")
	}
	return filepath.FromSlash(p), nil
}
