package validation

import (
	"fmt"
	"strings"

	"github.com/pitabwire/hoa/model"
)

// ParseRecipients parses the comma-separated "type:value" form used by the
// add-entry forms, e.g. "role:SYSADMIN, email:ops@example.com". Types are
// case-insensitive and blank segments are ignored. Every malformed entry is
// reported with its own reason.
func ParseRecipients(text string) ([]model.Recipient, error) {
	var (
		out     []model.Recipient
		details []model.FieldError
	)
	for _, raw := range strings.Split(text, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		typ, value, found := strings.Cut(entry, ":")
		typ = strings.ToLower(strings.TrimSpace(typ))
		value = strings.TrimSpace(value)

		var reason, code string
		switch {
		case !found:
			reason, code = fmt.Sprintf("recipient %q must use the form type:value", entry), model.CodeInvalid
		case typ == "":
			reason, code = fmt.Sprintf("recipient %q is missing a type before \":\"", entry), model.CodeRequired
		case value == "":
			reason, code = fmt.Sprintf("recipient %q is missing a value after %q", entry, typ+":"), model.CodeRequired
		case !model.RecipientType(typ).Valid():
			reason, code = fmt.Sprintf("recipient %q has unknown type %q (expected role, user, or email)", entry, typ), model.CodeInvalidEnum
		default:
			out = append(out, model.Recipient{Type: model.RecipientType(typ), Value: value})
			continue
		}
		details = append(details, model.FieldError{Field: "recipients", Code: code, Message: reason})
	}

	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}
	return out, nil
}

// FormatRecipients renders recipients in the form accepted by ParseRecipients.
func FormatRecipients(recipients []model.Recipient) string {
	parts := make([]string, len(recipients))
	for i, r := range recipients {
		parts[i] = string(r.Type) + ":" + r.Value
	}
	return strings.Join(parts, ", ")
}

// ParseChannels splits a comma-separated channel list, dropping blanks and
// repeated names while keeping first-seen order.
func ParseChannels(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(text, ",") {
		ch := strings.TrimSpace(raw)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
