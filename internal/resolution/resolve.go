// Package resolution merges a base workflow definition with its override
// document into the annotated and effective configurations.
package resolution

import (
	"github.com/pitabwire/hoa/internal/validation"
	"github.com/pitabwire/hoa/model"
)

// Resolve combines base and overrides into the annotated configuration.
// Statuses, transitions and notification rules are each merged by the same
// algorithm keyed on their identity key:
//
//   - a base entry with a matching override takes the override's present
//     fields and its enabled flag;
//   - a base entry without one is kept verbatim and enabled;
//   - overrides matching no base entry are appended after the base entries
//     in their own source order.
//
// Resolve is pure. Duplicate override keys are a precondition violation
// (see CheckPreconditions); when present, the last override wins.
func Resolve(base model.BaseDefinition, overrides model.OverrideDocument) model.AnnotatedConfiguration {
	return model.AnnotatedConfiguration{
		WorkflowKey:   base.WorkflowKey,
		Title:         base.Title,
		Statuses:      statuses.resolve(base.Statuses, overrides.Statuses),
		Transitions:   transitions.resolve(base.Transitions, overrides.Transitions),
		Notifications: notifications.resolve(base.Notifications, overrides.Notifications),
	}
}

// Effective is shorthand for Resolve(base, overrides).Effective().
func Effective(base model.BaseDefinition, overrides model.OverrideDocument) model.EffectiveConfiguration {
	return Resolve(base, overrides).Effective()
}

// View assembles the admin view of one workflow. Server and draft previews
// both build it here so they agree on ordering and merge results.
func View(base model.BaseDefinition, overrides model.OverrideDocument) model.WorkflowView {
	annotated := Resolve(base, overrides)
	return model.WorkflowView{
		WorkflowKey: base.WorkflowKey,
		Title:       base.Title,
		Base:        base,
		Overrides:   overrides,
		Effective:   annotated.Effective(),
		Annotated:   annotated,
	}
}

// CheckPreconditions reports duplicate identity keys inside the override
// lists. Validation rejects such documents before they are stored, so a
// non-nil result here points at data written around the validator.
func CheckPreconditions(doc model.OverrideDocument) error {
	if dups := validation.DuplicateKeys(doc); len(dups) > 0 {
		return model.NewPreconditionViolation(dups)
	}
	return nil
}

// category describes how one entry list is merged. B is the base entry
// type, O the override type and K the identity key.
type category[B any, O any, K comparable] struct {
	baseKey     func(B) K
	overrideKey func(O) K
	// merge lays the override's present fields over the base entry.
	merge func(B, O) B
	// materialize turns an override with no base counterpart into an entry.
	materialize func(O) B
	enabled     func(O) bool
}

func (c category[B, O, K]) resolve(base []B, overrides []O) []model.Annotated[B] {
	index := make(map[K]O, len(overrides))
	for _, o := range overrides {
		index[c.overrideKey(o)] = o
	}

	var zero O
	out := make([]model.Annotated[B], 0, len(base)+len(overrides))
	inBase := make(map[K]bool, len(base))

	for _, b := range base {
		k := c.baseKey(b)
		inBase[k] = true

		o, ok := index[k]
		if !ok {
			out = append(out, model.Annotated[B]{
				Entry:   c.merge(b, zero),
				Origin:  model.OriginBase,
				Enabled: true,
			})
			continue
		}
		out = append(out, model.Annotated[B]{
			Entry:       c.merge(b, o),
			Origin:      model.OriginBase,
			HasOverride: true,
			Enabled:     c.enabled(o),
		})
	}

	emitted := make(map[K]bool)
	for _, o := range overrides {
		k := c.overrideKey(o)
		if inBase[k] || emitted[k] {
			continue
		}
		emitted[k] = true
		last := index[k]
		out = append(out, model.Annotated[B]{
			Entry:       c.materialize(last),
			Origin:      model.OriginOverride,
			HasOverride: true,
			Enabled:     c.enabled(last),
		})
	}
	return out
}

var statuses = category[model.StatusDef, model.StatusOverride, string]{
	baseKey:     model.StatusDef.IdentityKey,
	overrideKey: model.StatusOverride.IdentityKey,
	merge: func(b model.StatusDef, o model.StatusOverride) model.StatusDef {
		b.Label = stringOr(o.Label, b.Label)
		b.Category = stringOr(o.Category, b.Category)
		return b
	},
	materialize: func(o model.StatusOverride) model.StatusDef {
		return model.StatusDef{
			Key:      o.Key,
			Label:    stringOr(o.Label, ""),
			Category: stringOr(o.Category, ""),
		}
	},
	enabled: model.StatusOverride.IsEnabled,
}

var transitions = category[model.TransitionDef, model.TransitionOverride, model.TransitionKey]{
	baseKey:     model.TransitionDef.IdentityKey,
	overrideKey: model.TransitionOverride.IdentityKey,
	merge: func(b model.TransitionDef, o model.TransitionOverride) model.TransitionDef {
		b.Label = stringOr(o.Label, b.Label)
		return b
	},
	materialize: func(o model.TransitionOverride) model.TransitionDef {
		return model.TransitionDef{From: o.From, To: o.To, Label: stringOr(o.Label, "")}
	},
	enabled: model.TransitionOverride.IsEnabled,
}

var notifications = category[model.NotificationRule, model.NotificationOverride, model.NotificationKey]{
	baseKey:     model.NotificationRule.IdentityKey,
	overrideKey: model.NotificationOverride.IdentityKey,
	merge: func(b model.NotificationRule, o model.NotificationOverride) model.NotificationRule {
		channels, recipients := b.Channels, b.Recipients
		if o.Channels != nil {
			channels = o.Channels
		}
		if o.Recipients != nil {
			recipients = o.Recipients
		}
		b.Channels = clone(channels)
		b.Recipients = clone(recipients)
		return b
	},
	materialize: func(o model.NotificationOverride) model.NotificationRule {
		return model.NotificationRule{
			Event:       o.Event,
			Trigger:     o.Trigger,
			Channels:    clone(o.Channels),
			Recipients:  clone(o.Recipients),
			TemplateKey: o.TemplateKey,
		}
	},
	enabled: model.NotificationOverride.IsEnabled,
}

// clone copies s so resolved entries never alias the inputs. nil stays nil.
func clone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func stringOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
