package provenance

import (
	"fmt"
	"log/slog"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Action is a policy's verdict at a tool-call site.
type Action string

// Policy actions. The first non-allow decision in registration order wins.
const (
	ActionAllow   Action = "allow"
	ActionLog     Action = "log"
	ActionBlock   Action = "block"
	ActionApprove Action = "approve"
)

// Decision is the outcome of evaluating one policy.
type Decision struct {
	Action Action
	Policy string
	Reason string
}

// Allowed reports whether the call may proceed without interruption.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow || d.Action == ActionLog
}

// CallSite is everything a policy may inspect about an imminent tool call.
type CallSite struct {
	ToolName string
	Metadata models.ToolMetadata
	Args     map[string]any

	// Provenance resolves the taint of an argument value, nil if untagged.
	Provenance func(v any) *Metadata
}

// recipients extracts the recipient-typed argument values for the configured
// key names.
func (c CallSite) recipients(keys []string) []string {
	var out []string
	for _, key := range keys {
		if v, ok := c.Args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// taintedArgs walks the argument map (including nested values) and yields
// every value carrying provenance metadata.
func (c CallSite) taintedArgs() []*Metadata {
	var out []*Metadata
	var walk func(v any)
	walk = func(v any) {
		if md := c.Provenance(v); md != nil {
			out = append(out, md)
		}
		switch t := v.(type) {
		case map[string]any:
			for _, nested := range t {
				walk(nested)
			}
		case []any:
			for _, nested := range t {
				walk(nested)
			}
		}
	}
	for _, v := range c.Args {
		walk(v)
	}
	return out
}

// Policy decides whether a tool call proceeds, is blocked, or requires
// client approval.
type Policy interface {
	Name() string
	Evaluate(site CallSite) Decision
}

// DefaultRecipientKeys are the argument names treated as recipients when a
// policy is not configured otherwise.
var DefaultRecipientKeys = []string{"to", "recipient", "email", "target", "destination"}

// PreventDataExfiltration blocks a call when any argument carries
// restricted-reader metadata that does not admit every recipient of the call.
type PreventDataExfiltration struct {
	RecipientKeys []string
}

// Name implements Policy.
func (p PreventDataExfiltration) Name() string { return "prevent_data_exfiltration" }

// Evaluate implements Policy.
func (p PreventDataExfiltration) Evaluate(site CallSite) Decision {
	keys := p.RecipientKeys
	if keys == nil {
		keys = DefaultRecipientKeys
	}
	recipients := site.recipients(keys)
	for _, md := range site.taintedArgs() {
		if md.Readers.Public {
			continue
		}
		if len(recipients) == 0 {
			// Restricted data flowing into a call with no recipient
			// parameter stays server-side; nothing to exfiltrate to.
			continue
		}
		for _, recipient := range recipients {
			if !md.Readers.Admits(recipient, site.ToolName) {
				return Decision{
					Action: ActionBlock,
					Policy: p.Name(),
					Reason: fmt.Sprintf("restricted value (source %s) does not admit recipient %q", md.Source.Kind, recipient),
				}
			}
		}
	}
	return Decision{Action: ActionAllow, Policy: p.Name()}
}

// RequireUserOrigin blocks destructive operations unless every argument
// traces back to user or system origin.
type RequireUserOrigin struct {
	Operations map[string]bool
}

// Name implements Policy.
func (p RequireUserOrigin) Name() string { return "require_user_origin" }

// Evaluate implements Policy.
func (p RequireUserOrigin) Evaluate(site CallSite) Decision {
	if !p.Operations[site.ToolName] {
		return Decision{Action: ActionAllow, Policy: p.Name()}
	}
	for _, md := range site.taintedArgs() {
		if md.Source.Kind == SourceUser || md.Source.Kind == SourceSystem {
			continue
		}
		return Decision{
			Action: ActionBlock,
			Policy: p.Name(),
			Reason: fmt.Sprintf("argument with %s origin passed to protected operation %s", md.Source.Kind, site.ToolName),
		}
	}
	return Decision{Action: ActionAllow, Policy: p.Name()}
}

// BlockLLMRecipients blocks a call whose recipient-typed parameter carries
// LLM-origin taint: a model must not choose where data goes.
type BlockLLMRecipients struct {
	RecipientKeys []string
}

// Name implements Policy.
func (p BlockLLMRecipients) Name() string { return "block_llm_recipients" }

// Evaluate implements Policy.
func (p BlockLLMRecipients) Evaluate(site CallSite) Decision {
	keys := p.RecipientKeys
	if keys == nil {
		keys = DefaultRecipientKeys
	}
	for _, key := range keys {
		v, ok := site.Args[key]
		if !ok {
			continue
		}
		if md := site.Provenance(v); md != nil && md.Source.Kind == SourceLLM {
			return Decision{
				Action: ActionBlock,
				Policy: p.Name(),
				Reason: fmt.Sprintf("recipient parameter %q has llm-origin taint", key),
			}
		}
	}
	return Decision{Action: ActionAllow, Policy: p.Name()}
}

// AuditSensitiveAccess logs calls to sensitive tools without blocking them.
type AuditSensitiveAccess struct{}

// Name implements Policy.
func (p AuditSensitiveAccess) Name() string { return "audit_sensitive_access" }

// Evaluate implements Policy.
func (p AuditSensitiveAccess) Evaluate(site CallSite) Decision {
	if site.Metadata.Sensitivity != models.SensitivitySensitive {
		return Decision{Action: ActionAllow, Policy: p.Name()}
	}
	slog.Info("Sensitive tool access",
		"tool", site.ToolName,
		"operation_type", site.Metadata.OperationType,
		"tainted_args", len(site.taintedArgs()))
	return Decision{Action: ActionLog, Policy: p.Name()}
}

// RequireApproval pauses with an approval request for tools whose descriptor
// demands it.
type RequireApproval struct{}

// Name implements Policy.
func (p RequireApproval) Name() string { return "require_approval" }

// Evaluate implements Policy.
func (p RequireApproval) Evaluate(site CallSite) Decision {
	if !site.Metadata.RequiresApproval {
		return Decision{Action: ActionAllow, Policy: p.Name()}
	}
	return Decision{
		Action: ActionApprove,
		Policy: p.Name(),
		Reason: fmt.Sprintf("tool %s requires approval", site.ToolName),
	}
}

// DefaultPolicies returns the built-in policy chain in its standard order.
func DefaultPolicies(destructiveOps []string) []Policy {
	ops := make(map[string]bool, len(destructiveOps))
	for _, op := range destructiveOps {
		ops[op] = true
	}
	return []Policy{
		PreventDataExfiltration{},
		RequireUserOrigin{Operations: ops},
		BlockLLMRecipients{},
		AuditSensitiveAccess{},
		RequireApproval{},
	}
}
