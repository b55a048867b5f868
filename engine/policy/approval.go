package policy

import (
	"fmt"

	"github.com/forgerun/cosmos-agent/engine/manifest"
)

// ApprovalPolicy is the project-wide knob for how aggressively the
// evaluator's manifest-derived Effect gets second-guessed by a tool's risk
// classification. It sits above Evaluate: Evaluate answers "what does the
// manifest/policy file say", ApplyTier answers "how much do we trust that
// answer given this specific function's risk".
type ApprovalPolicy int

const (
	// PolicyDefault escalates EffectAllow to EffectPromptOnce for
	// side-effecting or medium/high-risk functions, leaving explicit
	// manifest denies and prompts untouched.
	PolicyDefault ApprovalPolicy = iota

	// PolicyPermissive never escalates; the manifest's own Effect always
	// wins. Intended for trusted, fully-scripted agent runs.
	PolicyPermissive

	// PolicyStrict escalates EffectAllow for a high-risk or
	// approval-required (e.g. side-effecting) function all the way to
	// EffectPromptAlways, and escalates medium-risk allows to
	// EffectPromptOnce. Existing prompts and denies are left unchanged.
	PolicyStrict
)

func (p ApprovalPolicy) String() string {
	switch p {
	case PolicyPermissive:
		return "permissive"
	case PolicyDefault:
		return "default"
	case PolicyStrict:
		return "strict"
	default:
		return fmt.Sprintf("ApprovalPolicy(%d)", int(p))
	}
}

// ParseApprovalPolicy parses the config/CLI string form of an
// ApprovalPolicy. Empty string is treated as PolicyDefault.
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch s {
	case "", "default":
		return PolicyDefault, nil
	case "permissive":
		return PolicyPermissive, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return PolicyDefault, fmt.Errorf("policy: unknown approval policy %q (want permissive|default|strict)", s)
	}
}

// ApplyTier adjusts effect according to tier, riskLevel ("low"/"medium"/
// "high") and approvalRequired (a tool descriptor's side-effecting or
// write-permission classification). It only ever escalates an Allow toward
// a prompt — it never downgrades an explicit Deny or an already-prompting
// effect, so manifest-level denies always win regardless of tier.
func ApplyTier(tier ApprovalPolicy, effect Effect, riskLevel string, approvalRequired bool) Effect {
	if effect != EffectAllow {
		return effect
	}

	switch tier {
	case PolicyPermissive:
		return effect

	case PolicyStrict:
		if approvalRequired || riskLevel == manifest.RiskHigh {
			return EffectPromptAlways
		}
		if riskLevel == manifest.RiskMedium {
			return EffectPromptOnce
		}
		return effect

	default: // PolicyDefault
		if approvalRequired || riskLevel == manifest.RiskHigh || riskLevel == manifest.RiskMedium {
			return EffectPromptOnce
		}
		return effect
	}
}
