package model

import "time"

// NotificationEvent is the kind of workflow event a notification rule fires on.
type NotificationEvent string

// Notification event kinds.
const (
	EventTransition    NotificationEvent = "transition"
	EventStatusEntered NotificationEvent = "status_entered"
)

// RecipientType names how a recipient value is interpreted by the delivery
// collaborator.
type RecipientType string

// Recipient types.
const (
	RecipientRole  RecipientType = "role"
	RecipientUser  RecipientType = "user"
	RecipientEmail RecipientType = "email"
)

// Valid reports whether t is one of the known recipient types.
func (t RecipientType) Valid() bool {
	switch t {
	case RecipientRole, RecipientUser, RecipientEmail:
		return true
	}
	return false
}

// StatusDef is a named state a business object can occupy.
type StatusDef struct {
	Key      string `yaml:"key"      json:"key"`
	Label    string `yaml:"label"    json:"label"`
	Category string `yaml:"category" json:"category,omitempty"`
}

// TransitionDef is a legal directed edge between two statuses.
type TransitionDef struct {
	From  string `yaml:"from"  json:"from"`
	To    string `yaml:"to"    json:"to"`
	Label string `yaml:"label" json:"label,omitempty"`
}

// Trigger is the condition under which a notification rule fires. An empty
// field is unset and matches any value.
type Trigger struct {
	From   string `yaml:"from"   json:"from,omitempty"`
	To     string `yaml:"to"     json:"to,omitempty"`
	Status string `yaml:"status" json:"status,omitempty"`
}

// Recipient names who a notification is addressed to.
type Recipient struct {
	Type  RecipientType `yaml:"type"  json:"type"  validate:"required,oneof=role user email"`
	Value string        `yaml:"value" json:"value" validate:"notblank"`
}

// NotificationRule fires a notification on a workflow event.
type NotificationRule struct {
	Event       NotificationEvent `yaml:"event"        json:"event"`
	Trigger     Trigger           `yaml:"trigger"      json:"trigger"`
	Channels    []string          `yaml:"channels"     json:"channels"`
	Recipients  []Recipient       `yaml:"recipients"   json:"recipients"`
	TemplateKey string            `yaml:"template_key" json:"template_key,omitempty"`
}

// BaseDefinition is the authoritative, read-only shape of one workflow.
type BaseDefinition struct {
	WorkflowKey   string             `yaml:"workflow_key"  json:"workflow_key"`
	Title         string             `yaml:"title"         json:"title"`
	Statuses      []StatusDef        `yaml:"statuses"      json:"statuses"`
	Transitions   []TransitionDef    `yaml:"transitions"   json:"transitions"`
	Notifications []NotificationRule `yaml:"notifications" json:"notifications"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// StatusOverride modifies or adds a status. Nil pointer fields are absent
// and fall back to the base entry during resolution.
type StatusOverride struct {
	Key      string  `yaml:"key"      json:"key"                validate:"notblank"`
	Label    *string `yaml:"label"    json:"label,omitempty"`
	Category *string `yaml:"category" json:"category,omitempty"`
	Enabled  *bool   `yaml:"enabled"  json:"enabled,omitempty"`
}

// TransitionOverride modifies or adds a transition.
type TransitionOverride struct {
	From    string  `yaml:"from"    json:"from"              validate:"notblank"`
	To      string  `yaml:"to"      json:"to"                validate:"notblank"`
	Label   *string `yaml:"label"   json:"label,omitempty"`
	Enabled *bool   `yaml:"enabled" json:"enabled,omitempty"`
}

// NotificationOverride modifies or adds a notification rule. Event, Trigger
// and TemplateKey form its identity; a nil Channels or Recipients slice is
// absent and falls back to the base rule.
type NotificationOverride struct {
	Event       NotificationEvent `yaml:"event"        json:"event"                  validate:"required,oneof=transition status_entered"`
	Trigger     Trigger           `yaml:"trigger"      json:"trigger"`
	TemplateKey string            `yaml:"template_key" json:"template_key,omitempty"`
	Channels    []string          `yaml:"channels"     json:"channels"               validate:"min=1,dive,notblank"`
	Recipients  []Recipient       `yaml:"recipients"   json:"recipients"             validate:"min=1,dive"`
	Enabled     *bool             `yaml:"enabled"      json:"enabled,omitempty"`
}

// OverrideDocument is the full override set for one workflow. It is read and
// replaced as a unit.
type OverrideDocument struct {
	WorkflowKey   string                 `yaml:"workflow_key"  json:"workflow_key"`
	Version       int64                  `yaml:"version"       json:"version"`
	Statuses      []StatusOverride       `yaml:"statuses"      json:"statuses"      validate:"dive"`
	Transitions   []TransitionOverride   `yaml:"transitions"   json:"transitions"   validate:"dive"`
	Notifications []NotificationOverride `yaml:"notifications" json:"notifications" validate:"dive"`
	UpdatedAt     *time.Time             `yaml:"updated_at"    json:"updated_at,omitempty"`
}

// EmptyOverrides returns the document used for a workflow that has never
// been edited.
func EmptyOverrides(workflowKey string) OverrideDocument {
	return OverrideDocument{
		WorkflowKey:   workflowKey,
		Statuses:      []StatusOverride{},
		Transitions:   []TransitionOverride{},
		Notifications: []NotificationOverride{},
	}
}

// Clone returns a deep copy of the document.
func (d OverrideDocument) Clone() OverrideDocument {
	out := OverrideDocument{
		WorkflowKey:   d.WorkflowKey,
		Version:       d.Version,
		Statuses:      make([]StatusOverride, len(d.Statuses)),
		Transitions:   make([]TransitionOverride, len(d.Transitions)),
		Notifications: make([]NotificationOverride, len(d.Notifications)),
	}
	if d.UpdatedAt != nil {
		t := *d.UpdatedAt
		out.UpdatedAt = &t
	}
	for i, s := range d.Statuses {
		out.Statuses[i] = StatusOverride{
			Key:      s.Key,
			Label:    cloneString(s.Label),
			Category: cloneString(s.Category),
			Enabled:  cloneBool(s.Enabled),
		}
	}
	for i, tr := range d.Transitions {
		out.Transitions[i] = TransitionOverride{
			From:    tr.From,
			To:      tr.To,
			Label:   cloneString(tr.Label),
			Enabled: cloneBool(tr.Enabled),
		}
	}
	for i, n := range d.Notifications {
		out.Notifications[i] = NotificationOverride{
			Event:       n.Event,
			Trigger:     n.Trigger,
			TemplateKey: n.TemplateKey,
			Channels:    cloneStrings(n.Channels),
			Recipients:  cloneRecipients(n.Recipients),
			Enabled:     cloneBool(n.Enabled),
		}
	}
	return out
}

// IsEnabled returns the override's enabled flag, defaulting to true.
func (o StatusOverride) IsEnabled() bool { return boolOr(o.Enabled, true) }

// IsEnabled returns the override's enabled flag, defaulting to true.
func (o TransitionOverride) IsEnabled() bool { return boolOr(o.Enabled, true) }

// IsEnabled returns the override's enabled flag, defaulting to true.
func (o NotificationOverride) IsEnabled() bool { return boolOr(o.Enabled, true) }

// Origin records where an annotated entry came from.
type Origin string

// Entry origins.
const (
	OriginBase     Origin = "base"
	OriginOverride Origin = "override"
)

// Annotated is a resolved entry tagged with its provenance.
type Annotated[T any] struct {
	Entry       T      `json:"entry"`
	Origin      Origin `json:"origin"`
	HasOverride bool   `json:"has_override"`
	Enabled     bool   `json:"enabled"`
}

// AnnotatedConfiguration is the administrative view of a resolved workflow.
type AnnotatedConfiguration struct {
	WorkflowKey   string                        `json:"workflow_key"`
	Title         string                        `json:"title"`
	Statuses      []Annotated[StatusDef]        `json:"statuses"`
	Transitions   []Annotated[TransitionDef]    `json:"transitions"`
	Notifications []Annotated[NotificationRule] `json:"notifications"`
}

// EffectiveConfiguration is the in-force shape of a workflow. Disabled
// entries are excluded.
type EffectiveConfiguration struct {
	WorkflowKey   string             `json:"workflow_key"`
	Statuses      []StatusDef        `json:"statuses"`
	Transitions   []TransitionDef    `json:"transitions"`
	Notifications []NotificationRule `json:"notifications"`
}

// Effective filters the annotated lists to enabled entries and strips the
// provenance bookkeeping.
func (c AnnotatedConfiguration) Effective() EffectiveConfiguration {
	return EffectiveConfiguration{
		WorkflowKey:   c.WorkflowKey,
		Statuses:      enabledEntries(c.Statuses),
		Transitions:   enabledEntries(c.Transitions),
		Notifications: enabledEntries(c.Notifications),
	}
}

// Clone returns a deep copy of c.
func (c EffectiveConfiguration) Clone() EffectiveConfiguration {
	out := EffectiveConfiguration{
		WorkflowKey:   c.WorkflowKey,
		Statuses:      append([]StatusDef(nil), c.Statuses...),
		Transitions:   append([]TransitionDef(nil), c.Transitions...),
		Notifications: make([]NotificationRule, len(c.Notifications)),
	}
	for i, n := range c.Notifications {
		n.Channels = cloneStrings(n.Channels)
		n.Recipients = cloneRecipients(n.Recipients)
		out.Notifications[i] = n
	}
	if out.Statuses == nil {
		out.Statuses = []StatusDef{}
	}
	if out.Transitions == nil {
		out.Transitions = []TransitionDef{}
	}
	return out
}

// HasStatus reports whether key is an effective status.
func (c EffectiveConfiguration) HasStatus(key string) bool {
	for _, s := range c.Statuses {
		if s.Key == key {
			return true
		}
	}
	return false
}

// HasTransition reports whether from→to is an effective transition. It does
// not check that the endpoints are effective statuses.
func (c EffectiveConfiguration) HasTransition(from, to string) bool {
	for _, t := range c.Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// WorkflowView is the admin representation of one workflow: raw base, raw
// overrides, and the configurations computed from them.
type WorkflowView struct {
	WorkflowKey string                 `json:"workflow_key"`
	Title       string                 `json:"title"`
	Base        BaseDefinition         `json:"base"`
	Overrides   OverrideDocument       `json:"overrides"`
	Effective   EffectiveConfiguration `json:"effective"`
	Annotated   AnnotatedConfiguration `json:"annotated"`
}

func enabledEntries[T any](entries []Annotated[T]) []T {
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if e.Enabled {
			out = append(out, e.Entry)
		}
	}
	return out
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRecipients(in []Recipient) []Recipient {
	if in == nil {
		return nil
	}
	out := make([]Recipient, len(in))
	copy(out, in)
	return out
}

// Ptr returns a pointer to v. Handy for building override fields.
func Ptr[T any](v T) *T {
	return &v
}
