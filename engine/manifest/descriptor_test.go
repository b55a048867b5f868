package manifest

import (
	"strings"
	"testing"
	"time"
)

func TestNewToolDescriptor_DefaultsRiskToLow(t *testing.T) {
	m := Manifest{}
	fn := FunctionDef{Name: "read_file"}
	d := NewToolDescriptor(m, fn, 30*time.Second)

	if d.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %q, want %q", d.RiskLevel, RiskLow)
	}
	if d.ApprovalRequired {
		t.Error("expected ApprovalRequired = false for a low-risk, non-side-effecting, no-write-permission tool")
	}
}

func TestNewToolDescriptor_SideEffectingRequiresApproval(t *testing.T) {
	m := Manifest{}
	fn := FunctionDef{Name: "delete_file", SideEffecting: true}
	d := NewToolDescriptor(m, fn, 30*time.Second)

	if !d.ApprovalRequired {
		t.Error("expected ApprovalRequired = true for a side-effecting tool")
	}
}

func TestNewToolDescriptor_HighRiskRequiresApproval(t *testing.T) {
	m := Manifest{}
	fn := FunctionDef{Name: "run_command", RiskLevel: RiskHigh}
	d := NewToolDescriptor(m, fn, 30*time.Second)

	if !d.ApprovalRequired {
		t.Error("expected ApprovalRequired = true for a high-risk tool")
	}
}

func TestNewToolDescriptor_WritePermissionRequiresApproval(t *testing.T) {
	m := Manifest{Permissions: map[string]PermissionMode{
		"fs:write:./**": PermissionAllow,
	}}
	fn := FunctionDef{Name: "write_file"}
	d := NewToolDescriptor(m, fn, 30*time.Second)

	if !d.ApprovalRequired {
		t.Error("expected ApprovalRequired = true when the manifest grants a write permission")
	}
}

func TestHasWritePermissions_IgnoresDeniedPermissions(t *testing.T) {
	m := Manifest{Permissions: map[string]PermissionMode{
		"fs:write:./**": PermissionDeny,
	}}
	if HasWritePermissions(m) {
		t.Error("expected HasWritePermissions = false when the only write permission is denied")
	}
}

func TestHasWritePermissions_DetectsDockerPermission(t *testing.T) {
	m := Manifest{Permissions: map[string]PermissionMode{
		"docker:exec": PermissionAllow,
	}}
	if !HasWritePermissions(m) {
		t.Error("expected HasWritePermissions = true for a granted docker permission")
	}
}

func TestApprovalSummary_IncludesRiskAndDescription(t *testing.T) {
	d := ToolDescriptor{Name: "write_file", Description: "writes a file", RiskLevel: RiskHigh}
	summary := d.ApprovalSummary(map[string]any{"path": "./a.txt"})

	if !strings.Contains(summary, "write_file") {
		t.Errorf("summary %q missing tool name", summary)
	}
	if !strings.Contains(summary, "high risk") {
		t.Errorf("summary %q missing risk level", summary)
	}
	if !strings.Contains(summary, "writes a file") {
		t.Errorf("summary %q missing description", summary)
	}
	if !strings.Contains(summary, "path") {
		t.Errorf("summary %q missing argument preview", summary)
	}
}

func TestApprovalSummary_NoArguments(t *testing.T) {
	d := ToolDescriptor{Name: "list_files", RiskLevel: RiskLow}
	summary := d.ApprovalSummary(nil)

	if !strings.Contains(summary, "no arguments") {
		t.Errorf("summary %q should mention no arguments", summary)
	}
}

func TestApprovalSummary_TruncatesLongArguments(t *testing.T) {
	d := ToolDescriptor{Name: "write_file", RiskLevel: RiskLow}
	longVal := strings.Repeat("x", 500)
	summary := d.ApprovalSummary(map[string]any{"content": longVal})

	if !strings.HasSuffix(summary, "...") {
		t.Errorf("expected truncated summary to end with \"...\", got %q", summary)
	}
}
