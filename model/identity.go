package model

import (
	"encoding/json"
	"fmt"
)

// TransitionKey identifies a transition by its ordered endpoint pair.
type TransitionKey struct {
	From string
	To   string
}

func (k TransitionKey) String() string {
	return k.From + "->" + k.To
}

// NotificationKey is the content-derived identity of a notification rule.
// Rules have no surrogate id, so the event kind, every trigger field and
// the template key together identify one.
type NotificationKey struct {
	Event       NotificationEvent
	From        string
	To          string
	Status      string
	TemplateKey string
}

// String returns a stable serialization of the key. Field names are sorted
// by encoding/json when marshalling a map, so the output does not depend on
// struct field order.
func (k NotificationKey) String() string {
	b, _ := json.Marshal(map[string]string{
		"event":        string(k.Event),
		"from":         k.From,
		"status":       k.Status,
		"template_key": k.TemplateKey,
		"to":           k.To,
	})
	return string(b)
}

// IdentityKey returns the status identity.
func (s StatusDef) IdentityKey() string { return s.Key }

// IdentityKey returns the transition identity.
func (t TransitionDef) IdentityKey() TransitionKey {
	return TransitionKey{From: t.From, To: t.To}
}

// IdentityKey returns the rule identity.
func (r NotificationRule) IdentityKey() NotificationKey {
	return notificationKey(r.Event, r.Trigger, r.TemplateKey)
}

// IdentityKey returns the status identity.
func (o StatusOverride) IdentityKey() string { return o.Key }

// IdentityKey returns the transition identity.
func (o TransitionOverride) IdentityKey() TransitionKey {
	return TransitionKey{From: o.From, To: o.To}
}

// IdentityKey returns the rule identity.
func (o NotificationOverride) IdentityKey() NotificationKey {
	return notificationKey(o.Event, o.Trigger, o.TemplateKey)
}

func notificationKey(event NotificationEvent, t Trigger, templateKey string) NotificationKey {
	return NotificationKey{
		Event:       event,
		From:        t.From,
		To:          t.To,
		Status:      t.Status,
		TemplateKey: templateKey,
	}
}

// Category names one of the three independently resolved entry lists.
type Category string

// Entry categories.
const (
	CategoryStatus       Category = "status"
	CategoryTransition   Category = "transition"
	CategoryNotification Category = "notification"
)

// EntryRef points at a single entry of a workflow by identity key.
type EntryRef struct {
	Category     Category
	Status       string
	Transition   TransitionKey
	Notification NotificationKey
}

// StatusRef refers to the status with the given key.
func StatusRef(key string) EntryRef {
	return EntryRef{Category: CategoryStatus, Status: key}
}

// TransitionRef refers to the from→to transition.
func TransitionRef(from, to string) EntryRef {
	return EntryRef{Category: CategoryTransition, Transition: TransitionKey{From: from, To: to}}
}

// NotificationRef refers to the notification rule with the given identity.
func NotificationRef(key NotificationKey) EntryRef {
	return EntryRef{Category: CategoryNotification, Notification: key}
}

func (r EntryRef) String() string {
	switch r.Category {
	case CategoryStatus:
		return fmt.Sprintf("status %q", r.Status)
	case CategoryTransition:
		return fmt.Sprintf("transition %s", r.Transition)
	case CategoryNotification:
		return fmt.Sprintf("notification %s", r.Notification)
	default:
		return fmt.Sprintf("unknown entry category %q", r.Category)
	}
}
