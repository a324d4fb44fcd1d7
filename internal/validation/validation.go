// Package validation checks override documents before they are persisted
// and parses the compact textual forms used by the add-entry forms.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/pitabwire/hoa/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Identity keys and recipient values must carry more than whitespace.
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateDocument checks every rule over the whole document and reports all
// violations at once. It returns nil or a VALIDATION_ERROR envelope.
func ValidateDocument(doc model.OverrideDocument) error {
	var details []model.FieldError

	for i, s := range doc.Statuses {
		details = append(details, CheckStatus(fmt.Sprintf("statuses[%d]", i), s)...)
	}
	for i, t := range doc.Transitions {
		details = append(details, CheckTransition(fmt.Sprintf("transitions[%d]", i), t)...)
	}
	for i, n := range doc.Notifications {
		details = append(details, CheckNotification(fmt.Sprintf("notifications[%d]", i), n)...)
	}
	details = append(details, DuplicateKeys(doc)...)

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// CheckStatus validates a single status override. path prefixes the field
// names in the returned errors.
func CheckStatus(path string, o model.StatusOverride) []model.FieldError {
	details := structErrors(path, o)
	if o.Label == nil || strings.TrimSpace(*o.Label) == "" {
		details = append(details, model.FieldError{
			Field:   path + ".label",
			Code:    model.CodeRequired,
			Message: "label is required",
		})
	}
	return details
}

// CheckTransition validates a single transition override.
func CheckTransition(path string, o model.TransitionOverride) []model.FieldError {
	return structErrors(path, o)
}

// CheckNotification validates a single notification override.
func CheckNotification(path string, o model.NotificationOverride) []model.FieldError {
	return structErrors(path, o)
}

// DuplicateKeys reports override entries whose identity key repeats an
// earlier entry of the same category.
func DuplicateKeys(doc model.OverrideDocument) []model.FieldError {
	var details []model.FieldError

	seenStatus := make(map[string]int, len(doc.Statuses))
	for i, s := range doc.Statuses {
		if s.Key == "" {
			continue
		}
		if first, dup := seenStatus[s.Key]; dup {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("statuses[%d].key", i),
				Code:    model.CodeDuplicate,
				Message: fmt.Sprintf("status key %q is already used by statuses[%d]", s.Key, first),
			})
			continue
		}
		seenStatus[s.Key] = i
	}

	seenTransition := make(map[model.TransitionKey]int, len(doc.Transitions))
	for i, t := range doc.Transitions {
		if t.From == "" || t.To == "" {
			continue
		}
		key := t.IdentityKey()
		if first, dup := seenTransition[key]; dup {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("transitions[%d]", i),
				Code:    model.CodeDuplicate,
				Message: fmt.Sprintf("transition %s is already defined by transitions[%d]", key, first),
			})
			continue
		}
		seenTransition[key] = i
	}

	seenNotification := make(map[model.NotificationKey]int, len(doc.Notifications))
	for i, n := range doc.Notifications {
		key := n.IdentityKey()
		if first, dup := seenNotification[key]; dup {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("notifications[%d]", i),
				Code:    model.CodeDuplicate,
				Message: fmt.Sprintf("notification rule %s duplicates notifications[%d]", key, first),
			})
			continue
		}
		seenNotification[key] = i
	}

	return details
}

func structErrors(path string, v any) []model.FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []model.FieldError{{Field: path, Code: model.CodeInvalid, Message: err.Error()}}
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldError(path, fe))
	}
	return details
}

// fieldError converts a validator error into a FieldError. The namespace is
// "<Type>.<json path>"; the root type name is replaced by path.
func fieldError(path string, fe validator.FieldError) model.FieldError {
	field := path
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		field = path + "." + rest
	}

	switch fe.Tag() {
	case "required", "notblank":
		return model.FieldError{Field: field, Code: model.CodeRequired, Message: fe.Field() + " is required"}
	case "min":
		return model.FieldError{Field: field, Code: model.CodeRequired, Message: minMessage(fe.Field())}
	case "oneof":
		return model.FieldError{
			Field: field,
			Code:  model.CodeInvalidEnum,
			Message: fmt.Sprintf("%s %q must be one of %s",
				fe.Field(), fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", ")),
		}
	default:
		return model.FieldError{Field: field, Code: model.CodeInvalid, Message: fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())}
	}
}

func minMessage(field string) string {
	switch field {
	case "channels":
		return "at least one channel is required"
	case "recipients":
		return "at least one recipient is required"
	default:
		return field + " must not be empty"
	}
}
