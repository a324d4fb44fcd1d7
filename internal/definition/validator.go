package definition

import (
	"fmt"

	"github.com/pitabwire/hoa/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks base definitions structurally and referentially. It runs
// once at startup; afterwards base data is trusted.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including workflow key uniqueness across
// files.
func (v *Validator) Validate(defs []model.BaseDefinition) []VError {
	var errs []VError

	seen := make(map[string]string, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateWorkflow(prefix, def)...)

		if def.WorkflowKey == "" {
			continue
		}
		if other, dup := seen[def.WorkflowKey]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".workflow_key",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("workflow %q is already defined in %s", def.WorkflowKey, other),
			})
			continue
		}
		seen[def.WorkflowKey] = sourceName(def, prefix)
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, def model.BaseDefinition) []VError {
	var errs []VError

	if def.WorkflowKey == "" {
		errs = append(errs, VError{Path: prefix + ".workflow_key", Code: "REQUIRED", Message: "workflow_key is required"})
	}
	if def.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	if len(def.Statuses) == 0 {
		errs = append(errs, VError{Path: prefix + ".statuses", Code: "REQUIRED", Message: "at least one status is required"})
	}

	statusKeys := make(map[string]bool, len(def.Statuses))
	for i, s := range def.Statuses {
		sp := fmt.Sprintf("%s.statuses[%d]", prefix, i)
		if s.Key == "" {
			errs = append(errs, VError{Path: sp + ".key", Code: "REQUIRED", Message: "key is required"})
			continue
		}
		if s.Label == "" {
			errs = append(errs, VError{Path: sp + ".label", Code: "REQUIRED", Message: "label is required"})
		}
		if statusKeys[s.Key] {
			errs = append(errs, VError{Path: sp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("status %q is declared twice", s.Key)})
		}
		statusKeys[s.Key] = true
	}

	pairs := make(map[model.TransitionKey]bool, len(def.Transitions))
	for i, t := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if t.From == "" || t.To == "" {
			errs = append(errs, VError{Path: tp, Code: "REQUIRED", Message: "from and to are required"})
			continue
		}
		key := t.IdentityKey()
		if pairs[key] {
			errs = append(errs, VError{Path: tp, Code: "DUPLICATE", Message: fmt.Sprintf("transition %s is declared twice", key)})
		}
		pairs[key] = true

		if !statusKeys[t.From] {
			errs = append(errs, VError{Path: tp + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not declared", t.From)})
		}
		if !statusKeys[t.To] {
			errs = append(errs, VError{Path: tp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not declared", t.To)})
		}
	}

	rules := make(map[model.NotificationKey]bool, len(def.Notifications))
	for i, n := range def.Notifications {
		np := fmt.Sprintf("%s.notifications[%d]", prefix, i)
		errs = append(errs, v.validateRule(np, n, statusKeys)...)

		key := n.IdentityKey()
		if rules[key] {
			errs = append(errs, VError{Path: np, Code: "DUPLICATE", Message: fmt.Sprintf("notification rule %s is declared twice", key)})
		}
		rules[key] = true
	}

	return errs
}

func (v *Validator) validateRule(prefix string, n model.NotificationRule, statusKeys map[string]bool) []VError {
	var errs []VError

	switch n.Event {
	case model.EventTransition, model.EventStatusEntered:
	case "":
		errs = append(errs, VError{Path: prefix + ".event", Code: "REQUIRED", Message: "event is required"})
	default:
		errs = append(errs, VError{Path: prefix + ".event", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid event %q", n.Event)})
	}

	refs := []struct{ field, status string }{
		{"trigger.from", n.Trigger.From},
		{"trigger.to", n.Trigger.To},
		{"trigger.status", n.Trigger.Status},
	}
	for _, ref := range refs {
		if ref.status != "" && !statusKeys[ref.status] {
			errs = append(errs, VError{Path: prefix + "." + ref.field, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not declared", ref.status)})
		}
	}

	if len(n.Channels) == 0 {
		errs = append(errs, VError{Path: prefix + ".channels", Code: "REQUIRED", Message: "at least one channel is required"})
	}
	if len(n.Recipients) == 0 {
		errs = append(errs, VError{Path: prefix + ".recipients", Code: "REQUIRED", Message: "at least one recipient is required"})
	}
	for i, r := range n.Recipients {
		rp := fmt.Sprintf("%s.recipients[%d]", prefix, i)
		if !r.Type.Valid() {
			errs = append(errs, VError{Path: rp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid recipient type %q", r.Type)})
		}
		if r.Value == "" {
			errs = append(errs, VError{Path: rp + ".value", Code: "REQUIRED", Message: "value is required"})
		}
	}

	return errs
}

func sourceName(def model.BaseDefinition, fallback string) string {
	if def.SourceFile != "" {
		return def.SourceFile
	}
	return fallback
}
