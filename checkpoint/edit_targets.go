package checkpoint

import (
	"sort"
	"strings"

	"github.com/forgerun/cosmos-agent/core/provider"
)

// PathResolver canonicalizes a tool-supplied path against the active
// sandbox before it is used for snapshotting. Injected rather than
// hard-wired to engine/runtime so this package stays independent of the
// V8 sandbox's internals.
type PathResolver func(rawPath string) (string, error)

// CollectEditTargets scans a pending batch of tool calls for the files it
// is about to write, so they can be checkpointed first. Two argument
// conventions are recognized, matching how cosmos's manifest-defined tools
// pass file targets: a "path" argument naming a single file, and a "patch"
// argument carrying a unified diff naming one or more files.
func CollectEditTargets(calls []provider.ToolCall, resolve PathResolver) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	add := func(raw string) error {
		resolved, err := resolve(raw)
		if err != nil {
			return err
		}
		if _, ok := seen[resolved]; ok {
			return nil
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
		return nil
	}

	for _, call := range calls {
		if patch, ok := call.Input["patch"].(string); ok {
			for _, p := range patchFilePaths(patch) {
				if err := add(p); err != nil {
					return nil, err
				}
			}
			continue
		}
		if path, ok := call.Input["path"].(string); ok {
			if err := add(path); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(out)
	return out, nil
}

// patchFilePaths extracts file paths named by a unified diff's "--- a/" and
// "+++ b/" headers, in first-seen order with duplicates removed. "/dev/null"
// (the conventional marker for file creation/deletion) is skipped.
func patchFilePaths(patch string) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, line := range strings.Split(patch, "\n") {
		var path string
		switch {
		case strings.HasPrefix(line, "--- a/"):
			path = strings.TrimPrefix(line, "--- a/")
		case strings.HasPrefix(line, "+++ b/"):
			path = strings.TrimPrefix(line, "+++ b/")
		default:
			continue
		}
		path = strings.TrimRight(path, "\r")
		if path == "" || path == "/dev/null" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	return paths
}
