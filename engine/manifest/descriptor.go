package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Risk levels a FunctionDef's RiskLevel field may hold.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

func validRiskLevel(level string) bool {
	switch level {
	case "", RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// ToolDescriptor summarizes a registered tool's dispatch-time metadata: the
// description and parameter schema the manifest already carries, plus a
// risk/approval classification derived from it. core/loop.go consults this
// (through the executor's optional ToolDescriptor method, the same
// narrow-interface pattern ToolPermissionRules uses) to decide whether a
// call must be surfaced for approval regardless of what the policy
// evaluator's manifest rules alone would allow.
type ToolDescriptor struct {
	Name             string
	Description      string
	Schema           map[string]ParamDef
	SideEffecting    bool
	RiskLevel        string
	ApprovalRequired bool
	Timeout          time.Duration
}

// NewToolDescriptor builds a ToolDescriptor from a function's manifest
// definition. ApprovalRequired is true when the function is marked
// side-effecting, carries medium/high risk, or belongs to a manifest
// holding any non-deny fs:write/docker permission (the same write-agent
// test used to decide isolate-leak handling on timeout).
func NewToolDescriptor(m Manifest, fn FunctionDef, timeout time.Duration) ToolDescriptor {
	risk := fn.RiskLevel
	if risk == "" {
		risk = RiskLow
	}
	approval := fn.SideEffecting || risk == RiskMedium || risk == RiskHigh || HasWritePermissions(m)
	return ToolDescriptor{
		Name:             fn.Name,
		Description:      fn.Description,
		Schema:           fn.Params,
		SideEffecting:    fn.SideEffecting,
		RiskLevel:        risk,
		ApprovalRequired: approval,
		Timeout:          timeout,
	}
}

// ApprovalSummary renders a one-line human-readable description of what a
// specific invocation (with its concrete arguments) will do, for display
// alongside an approval prompt.
func (d ToolDescriptor) ApprovalSummary(input map[string]any) string {
	risk := d.RiskLevel
	if risk == "" {
		risk = RiskLow
	}
	args := summarizeArgs(input)
	if d.Description != "" {
		return fmt.Sprintf("%s (%s risk): %s — %s", d.Name, risk, d.Description, args)
	}
	return fmt.Sprintf("%s (%s risk): %s", d.Name, risk, args)
}

func summarizeArgs(input map[string]any) string {
	if len(input) == 0 {
		return "no arguments"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "arguments unavailable"
	}
	const maxLen = 160
	runes := []rune(string(data))
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return string(runes)
}

// HasWritePermissions reports whether m declares any non-deny fs:write or
// docker permission — the signal used both for isolate-leak handling on
// timeout and for descriptor-level approval classification.
func HasWritePermissions(m Manifest) bool {
	for key, mode := range m.Permissions {
		if mode == PermissionDeny {
			continue
		}
		if strings.HasPrefix(key, "fs:write") || strings.HasPrefix(key, "docker:") {
			return true
		}
	}
	return false
}
