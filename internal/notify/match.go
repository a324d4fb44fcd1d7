// Package notify decides which notification rules fire for a workflow event.
// Delivery, including resolving role recipients to people, happens elsewhere.
package notify

import "github.com/pitabwire/hoa/model"

// Match returns the rules whose trigger matches event, in rule order. rules
// must be an effective set: disabled rules are expected to be filtered out
// already. Recipients are returned as declared on the rule.
func Match(event model.WorkflowEvent, rules []model.NotificationRule) []model.MatchedRule {
	out := make([]model.MatchedRule, 0)
	for _, r := range rules {
		if !Matches(event, r) {
			continue
		}
		out = append(out, model.MatchedRule{
			Rule:       r,
			Recipients: append([]model.Recipient(nil), r.Recipients...),
		})
	}
	return out
}

// MatchConfiguration matches event against the notification rules of an
// effective configuration.
func MatchConfiguration(event model.WorkflowEvent, cfg model.EffectiveConfiguration) []model.MatchedRule {
	return Match(event, cfg.Notifications)
}

// Matches reports whether a single rule fires for event. An unset trigger
// field matches any value. Trigger fields that do not apply to the event
// kind are ignored.
func Matches(event model.WorkflowEvent, rule model.NotificationRule) bool {
	if rule.Event != event.Kind {
		return false
	}
	switch event.Kind {
	case model.EventTransition:
		return wildcard(rule.Trigger.From, event.From) && wildcard(rule.Trigger.To, event.To)
	case model.EventStatusEntered:
		return wildcard(rule.Trigger.Status, event.Status)
	default:
		return false
	}
}

func wildcard(want, got string) bool {
	return want == "" || want == got
}
