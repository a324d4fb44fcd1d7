package draft

import (
	"fmt"

	"github.com/pitabwire/hoa/internal/validation"
	"github.com/pitabwire/hoa/model"
)

// StatusFields are the mergeable fields of a status override. Nil fields
// are left unchanged.
type StatusFields struct {
	Label    *string
	Category *string
	Enabled  *bool
}

// TransitionFields are the mergeable fields of a transition override.
type TransitionFields struct {
	Label   *string
	Enabled *bool
}

// NotificationFields are the mergeable fields of a notification override.
// Nil Channels or Recipients are left unchanged; a non-nil slice replaces
// the list.
type NotificationFields struct {
	Event       *model.NotificationEvent
	Trigger     *model.Trigger
	TemplateKey *string
	Channels    []string
	Recipients  []model.Recipient
	Enabled     *bool
}

// edit is one journaled mutation. apply must leave doc untouched when it
// returns an error so that a failed replay does not corrupt the draft.
type edit struct {
	desc  string
	apply func(doc *model.OverrideDocument, base model.BaseDefinition) error
}

func (f StatusFields) mergeInto(o *model.StatusOverride) {
	if f.Label != nil {
		o.Label = model.Ptr(*f.Label)
	}
	if f.Category != nil {
		o.Category = model.Ptr(*f.Category)
	}
	if f.Enabled != nil {
		o.Enabled = model.Ptr(*f.Enabled)
	}
}

func (f TransitionFields) mergeInto(o *model.TransitionOverride) {
	if f.Label != nil {
		o.Label = model.Ptr(*f.Label)
	}
	if f.Enabled != nil {
		o.Enabled = model.Ptr(*f.Enabled)
	}
}

func (f NotificationFields) mergeInto(o *model.NotificationOverride) {
	if f.Event != nil {
		o.Event = *f.Event
	}
	if f.Trigger != nil {
		o.Trigger = *f.Trigger
	}
	if f.TemplateKey != nil {
		o.TemplateKey = *f.TemplateKey
	}
	if f.Channels != nil {
		o.Channels = append([]string{}, f.Channels...)
	}
	if f.Recipients != nil {
		o.Recipients = append([]model.Recipient{}, f.Recipients...)
	}
	if f.Enabled != nil {
		o.Enabled = model.Ptr(*f.Enabled)
	}
}

// Overrides created for a base entry start from the base's current values.

func statusFromBase(b model.StatusDef) model.StatusOverride {
	o := model.StatusOverride{Key: b.Key, Label: model.Ptr(b.Label)}
	if b.Category != "" {
		o.Category = model.Ptr(b.Category)
	}
	return o
}

func transitionFromBase(b model.TransitionDef) model.TransitionOverride {
	o := model.TransitionOverride{From: b.From, To: b.To}
	if b.Label != "" {
		o.Label = model.Ptr(b.Label)
	}
	return o
}

func notificationFromBase(b model.NotificationRule) model.NotificationOverride {
	return model.NotificationOverride{
		Event:       b.Event,
		Trigger:     b.Trigger,
		TemplateKey: b.TemplateKey,
		Channels:    append([]string{}, b.Channels...),
		Recipients:  append([]model.Recipient{}, b.Recipients...),
	}
}

func findIndex[T any, K comparable](entries []T, key K, identity func(T) K) int {
	for i, e := range entries {
		if identity(e) == key {
			return i
		}
	}
	return -1
}

func setStatus(key string, f StatusFields) edit {
	return edit{
		desc: fmt.Sprintf("set status %q", key),
		apply: func(doc *model.OverrideDocument, base model.BaseDefinition) error {
			if key == "" {
				return model.NewValidationError([]model.FieldError{{Field: "key", Code: model.CodeRequired, Message: "status key is required"}})
			}
			if i := findIndex(doc.Statuses, key, model.StatusOverride.IdentityKey); i >= 0 {
				f.mergeInto(&doc.Statuses[i])
				return nil
			}
			o := model.StatusOverride{Key: key}
			if i := findIndex(base.Statuses, key, model.StatusDef.IdentityKey); i >= 0 {
				o = statusFromBase(base.Statuses[i])
			}
			f.mergeInto(&o)
			doc.Statuses = append(doc.Statuses, o)
			return nil
		},
	}
}

func setTransition(from, to string, f TransitionFields) edit {
	key := model.TransitionKey{From: from, To: to}
	return edit{
		desc: "set transition " + key.String(),
		apply: func(doc *model.OverrideDocument, base model.BaseDefinition) error {
			if from == "" || to == "" {
				return model.NewValidationError([]model.FieldError{{Field: "transition", Code: model.CodeRequired, Message: "transition from and to are required"}})
			}
			if i := findIndex(doc.Transitions, key, model.TransitionOverride.IdentityKey); i >= 0 {
				f.mergeInto(&doc.Transitions[i])
				return nil
			}
			o := model.TransitionOverride{From: from, To: to}
			if i := findIndex(base.Transitions, key, model.TransitionDef.IdentityKey); i >= 0 {
				o = transitionFromBase(base.Transitions[i])
			}
			f.mergeInto(&o)
			doc.Transitions = append(doc.Transitions, o)
			return nil
		},
	}
}

// setNotification addresses draft notifications by position; index equal to
// the list length appends.
func setNotification(index int, f NotificationFields) edit {
	return edit{
		desc: fmt.Sprintf("set notifications[%d]", index),
		apply: func(doc *model.OverrideDocument, _ model.BaseDefinition) error {
			switch {
			case index >= 0 && index < len(doc.Notifications):
				f.mergeInto(&doc.Notifications[index])
			case index == len(doc.Notifications):
				var o model.NotificationOverride
				f.mergeInto(&o)
				doc.Notifications = append(doc.Notifications, o)
			default:
				return model.NewBadRequestError(fmt.Sprintf(
					"notification index %d out of range (draft has %d)", index, len(doc.Notifications)))
			}
			return nil
		},
	}
}

// currentlyEnabled reports the enabled state of ref as the draft would
// resolve it.
func currentlyEnabled(doc model.OverrideDocument, base model.BaseDefinition, ref model.EntryRef) (bool, error) {
	switch ref.Category {
	case model.CategoryStatus:
		if i := findIndex(doc.Statuses, ref.Status, model.StatusOverride.IdentityKey); i >= 0 {
			return doc.Statuses[i].IsEnabled(), nil
		}
		if findIndex(base.Statuses, ref.Status, model.StatusDef.IdentityKey) >= 0 {
			return true, nil
		}
	case model.CategoryTransition:
		if i := findIndex(doc.Transitions, ref.Transition, model.TransitionOverride.IdentityKey); i >= 0 {
			return doc.Transitions[i].IsEnabled(), nil
		}
		if findIndex(base.Transitions, ref.Transition, model.TransitionDef.IdentityKey) >= 0 {
			return true, nil
		}
	case model.CategoryNotification:
		if i := findIndex(doc.Notifications, ref.Notification, model.NotificationOverride.IdentityKey); i >= 0 {
			return doc.Notifications[i].IsEnabled(), nil
		}
		if findIndex(base.Notifications, ref.Notification, model.NotificationRule.IdentityKey) >= 0 {
			return true, nil
		}
	default:
		return false, model.NewBadRequestError(ref.String())
	}
	return false, model.NewNotFoundError(ref.String() + " not found")
}

// setEnabled records an absolute enabled value so replaying it is
// idempotent.
func setEnabled(ref model.EntryRef, enabled bool) edit {
	return edit{
		desc: fmt.Sprintf("set %s enabled=%t", ref, enabled),
		apply: func(doc *model.OverrideDocument, base model.BaseDefinition) error {
			switch ref.Category {
			case model.CategoryStatus:
				if i := findIndex(doc.Statuses, ref.Status, model.StatusOverride.IdentityKey); i >= 0 {
					doc.Statuses[i].Enabled = model.Ptr(enabled)
					return nil
				}
				if i := findIndex(base.Statuses, ref.Status, model.StatusDef.IdentityKey); i >= 0 {
					o := statusFromBase(base.Statuses[i])
					o.Enabled = model.Ptr(enabled)
					doc.Statuses = append(doc.Statuses, o)
					return nil
				}
			case model.CategoryTransition:
				if i := findIndex(doc.Transitions, ref.Transition, model.TransitionOverride.IdentityKey); i >= 0 {
					doc.Transitions[i].Enabled = model.Ptr(enabled)
					return nil
				}
				if i := findIndex(base.Transitions, ref.Transition, model.TransitionDef.IdentityKey); i >= 0 {
					o := transitionFromBase(base.Transitions[i])
					o.Enabled = model.Ptr(enabled)
					doc.Transitions = append(doc.Transitions, o)
					return nil
				}
			case model.CategoryNotification:
				if i := findIndex(doc.Notifications, ref.Notification, model.NotificationOverride.IdentityKey); i >= 0 {
					doc.Notifications[i].Enabled = model.Ptr(enabled)
					return nil
				}
				if i := findIndex(base.Notifications, ref.Notification, model.NotificationRule.IdentityKey); i >= 0 {
					o := notificationFromBase(base.Notifications[i])
					o.Enabled = model.Ptr(enabled)
					doc.Notifications = append(doc.Notifications, o)
					return nil
				}
			default:
				return model.NewBadRequestError(ref.String())
			}
			return model.NewNotFoundError(ref.String() + " not found")
		},
	}
}

func collision(ref model.EntryRef) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   string(ref.Category),
		Code:    model.CodeDuplicate,
		Message: ref.String() + " already exists",
	}})
}

func addStatus(o model.StatusOverride) edit {
	return edit{
		desc: fmt.Sprintf("add status %q", o.Key),
		apply: func(doc *model.OverrideDocument, base model.BaseDefinition) error {
			if details := validation.CheckStatus("status", o); len(details) > 0 {
				return model.NewValidationError(details)
			}
			if findIndex(base.Statuses, o.Key, model.StatusDef.IdentityKey) >= 0 ||
				findIndex(doc.Statuses, o.Key, model.StatusOverride.IdentityKey) >= 0 {
				return collision(model.StatusRef(o.Key))
			}
			doc.Statuses = append(doc.Statuses, o)
			return nil
		},
	}
}

func addTransition(o model.TransitionOverride) edit {
	key := o.IdentityKey()
	return edit{
		desc: "add transition " + key.String(),
		apply: func(doc *model.OverrideDocument, base model.BaseDefinition) error {
			if details := validation.CheckTransition("transition", o); len(details) > 0 {
				return model.NewValidationError(details)
			}
			if findIndex(base.Transitions, key, model.TransitionDef.IdentityKey) >= 0 ||
				findIndex(doc.Transitions, key, model.TransitionOverride.IdentityKey) >= 0 {
				return collision(model.TransitionRef(o.From, o.To))
			}
			doc.Transitions = append(doc.Transitions, o)
			return nil
		},
	}
}

func addNotification(o model.NotificationOverride) edit {
	key := o.IdentityKey()
	return edit{
		desc: "add notification " + key.String(),
		apply: func(doc *model.OverrideDocument, base model.BaseDefinition) error {
			if details := validation.CheckNotification("notification", o); len(details) > 0 {
				return model.NewValidationError(details)
			}
			if findIndex(base.Notifications, key, model.NotificationRule.IdentityKey) >= 0 ||
				findIndex(doc.Notifications, key, model.NotificationOverride.IdentityKey) >= 0 {
				return collision(model.NotificationRef(key))
			}
			o.Channels = append([]string{}, o.Channels...)
			o.Recipients = append([]model.Recipient{}, o.Recipients...)
			doc.Notifications = append(doc.Notifications, o)
			return nil
		},
	}
}
