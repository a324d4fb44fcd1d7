package model

// WorkflowEvent is something that happened to a business object which may
// trigger notification rules. Exactly one of the From/To pair or Status is
// meaningful, depending on Kind.
type WorkflowEvent struct {
	Kind   NotificationEvent `json:"kind"`
	From   string            `json:"from,omitempty"`
	To     string            `json:"to,omitempty"`
	Status string            `json:"status,omitempty"`
}

// TransitionEvent builds the event recorded after a from→to transition.
func TransitionEvent(from, to string) WorkflowEvent {
	return WorkflowEvent{Kind: EventTransition, From: from, To: to}
}

// StatusEnteredEvent builds the event recorded when a status is entered.
func StatusEnteredEvent(status string) WorkflowEvent {
	return WorkflowEvent{Kind: EventStatusEntered, Status: status}
}

// MatchedRule is a notification rule whose trigger matched an event, paired
// with the recipients the delivery collaborator should resolve.
type MatchedRule struct {
	Rule       NotificationRule `json:"rule"`
	Recipients []Recipient      `json:"recipients"`
}
