// Package draft holds client-side working copies of override documents.
// A Session is an explicit Clean/Dirty/Saving state machine over one
// workflow's draft; a Manager keeps at most one session per workflow key.
package draft

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/resolution"
	"github.com/pitabwire/hoa/internal/validation"
	"github.com/pitabwire/hoa/model"
)

// State is the lifecycle state of a Session.
type State int

const (
	// Clean means the draft equals the last loaded or saved document.
	Clean State = iota
	// Dirty means the draft has local edits.
	Dirty
	// Saving means a save is in flight.
	Saving
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Remote is the authoritative side of a session. admin.Service satisfies it
// in-process and HTTPRemote over the admin REST API.
type Remote interface {
	Get(ctx context.Context, workflowKey string) (model.WorkflowView, error)
	PutOverrides(ctx context.Context, workflowKey string, doc model.OverrideDocument) (model.WorkflowView, error)
}

// Option configures sessions.
type Option func(*options)

type options struct {
	optimistic bool
	logger     *zap.Logger
}

// WithOptimisticConcurrency makes Save send the version the draft was based
// on, so the repository rejects the save with CONFLICT if another
// administrator saved in between. Without it the last save wins.
func WithOptimisticConcurrency() Option {
	return func(o *options) { o.optimistic = true }
}

// WithLogger sets the logger used for replay diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Session is an in-progress edit of one workflow's override document. It is
// safe for concurrent use; edits are accepted while a save is in flight.
type Session struct {
	key    string
	remote Remote
	opts   options

	mu       sync.Mutex
	state    State
	base     model.BaseDefinition
	baseline model.OverrideDocument
	doc      model.OverrideDocument
	// journal holds the edits applied on top of baseline.
	journal []edit
	// pending holds the edits made while the current save is in flight.
	pending   []edit
	lastErr   error
	conflicts []error
}

func newSession(remote Remote, view model.WorkflowView, opts options) *Session {
	s := &Session{key: view.WorkflowKey, remote: remote, opts: opts}
	s.reseed(view)
	return s
}

// reseed replaces base, baseline and draft from an authoritative view.
func (s *Session) reseed(view model.WorkflowView) {
	s.base = view.Base
	s.baseline = seedDocument(view.WorkflowKey, view.Overrides)
	s.doc = s.baseline.Clone()
}

func seedDocument(workflowKey string, doc model.OverrideDocument) model.OverrideDocument {
	out := doc.Clone()
	if out.WorkflowKey == "" {
		out.WorkflowKey = workflowKey
	}
	return out
}

// WorkflowKey returns the key of the workflow being edited.
func (s *Session) WorkflowKey() string { return s.key }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty reports whether the draft holds edits not yet accepted by the remote.
func (s *Session) Dirty() bool {
	return s.State() != Clean
}

// LastError returns the error of the last failed save, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Conflicts returns the edits dropped by the last save or rebase because
// they no longer applied to the authoritative document.
func (s *Session) Conflicts() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.conflicts...)
}

// Document returns a copy of the draft document.
func (s *Session) Document() model.OverrideDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// View previews the draft resolved against the base definition.
func (s *Session) View() model.WorkflowView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolution.View(s.base, s.doc.Clone())
}

func (s *Session) mutate(e edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.apply(&s.doc, s.base); err != nil {
		return err
	}
	s.journal = append(s.journal, e)
	if s.state == Saving {
		s.pending = append(s.pending, e)
	} else {
		s.state = Dirty
	}
	return nil
}

// SetStatusOverride updates the status override with key, or appends one.
// A new override of a base status starts from the base's values.
func (s *Session) SetStatusOverride(key string, fields StatusFields) error {
	return s.mutate(setStatus(key, fields))
}

// SetTransitionOverride updates the from->to override, or appends one.
func (s *Session) SetTransitionOverride(from, to string, fields TransitionFields) error {
	return s.mutate(setTransition(from, to, fields))
}

// SetNotificationOverride updates the draft notification at index, or
// appends a new one when index equals the number of draft notifications.
func (s *Session) SetNotificationOverride(index int, fields NotificationFields) error {
	return s.mutate(setNotification(index, fields))
}

// ToggleEnabled flips the enabled flag of the referenced entry, keeping all
// other fields. Toggling a base entry without an override creates one from
// the base's current values.
func (s *Session) ToggleEnabled(ref model.EntryRef) error {
	s.mu.Lock()
	enabled, err := currentlyEnabled(s.doc, s.base, ref)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.mutate(setEnabled(ref, !enabled))
}

// AddStatus appends a new status. It fails if key is already used by the
// base definition or the draft.
func (s *Session) AddStatus(key, label, category string) error {
	o := model.StatusOverride{Key: key, Label: model.Ptr(label)}
	if category != "" {
		o.Category = model.Ptr(category)
	}
	return s.mutate(addStatus(o))
}

// AddTransition appends a new transition.
func (s *Session) AddTransition(from, to, label string) error {
	o := model.TransitionOverride{From: from, To: to}
	if label != "" {
		o.Label = model.Ptr(label)
	}
	return s.mutate(addTransition(o))
}

// AddNotification appends a new notification rule.
func (s *Session) AddNotification(o model.NotificationOverride) error {
	return s.mutate(addNotification(o))
}

// AddNotificationText appends a notification rule whose channels and
// recipients are given in their comma-separated text forms, for example
// "email, sms" and "role:BOARD, email:ops@example.com".
func (s *Session) AddNotificationText(event model.NotificationEvent, trigger model.Trigger, templateKey, channels, recipients string) error {
	parsed, err := validation.ParseRecipients(recipients)
	if err != nil {
		return err
	}
	return s.AddNotification(model.NotificationOverride{
		Event:       event,
		Trigger:     trigger,
		TemplateKey: templateKey,
		Channels:    validation.ParseChannels(channels),
		Recipients:  parsed,
	})
}

// Save validates the whole draft and replaces the remote document with it.
//
// On success the draft and baseline become the remote's authoritative
// document; edits made while the save was in flight are replayed on top and
// leave the session Dirty, otherwise it is Clean. On failure the draft is
// kept and the session is Dirty. A second Save while one is in flight fails
// with SAVE_IN_PROGRESS.
func (s *Session) Save(ctx context.Context) (model.WorkflowView, error) {
	s.mu.Lock()
	if s.state == Saving {
		s.mu.Unlock()
		return model.WorkflowView{}, model.NewSaveInProgressError(s.key)
	}
	doc := s.doc.Clone()
	if err := validation.ValidateDocument(doc); err != nil {
		s.lastErr = err
		s.mu.Unlock()
		return model.WorkflowView{}, err
	}
	doc.Version = 0
	if s.opts.optimistic {
		doc.Version = s.baseline.Version
	}
	s.state = Saving
	s.pending = nil
	s.mu.Unlock()

	view, err := s.remote.PutOverrides(ctx, s.key, doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil

	if err != nil {
		s.state = Dirty
		s.lastErr = err
		return model.WorkflowView{}, err
	}

	s.reseed(view)
	s.journal, s.conflicts = s.replay(pending)
	s.lastErr = nil
	s.state = Clean
	if len(s.journal) > 0 {
		s.state = Dirty
	}
	return view, nil
}

// Rebase reloads the authoritative document and re-applies the local edit
// journal on top of it. It is the recovery path after a CONFLICT. Edits that
// no longer apply are dropped and returned.
func (s *Session) Rebase(ctx context.Context) ([]error, error) {
	view, err := s.reload(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Saving {
		return nil, model.NewSaveInProgressError(s.key)
	}
	journal := s.journal
	s.reseed(view)
	s.journal, s.conflicts = s.replay(journal)
	s.lastErr = nil
	s.state = Clean
	if len(s.journal) > 0 {
		s.state = Dirty
	}
	return append([]error(nil), s.conflicts...), nil
}

// Reset reloads the authoritative document and discards all local edits.
func (s *Session) Reset(ctx context.Context) error {
	view, err := s.reload(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Saving {
		return model.NewSaveInProgressError(s.key)
	}
	s.reseed(view)
	s.journal, s.conflicts, s.lastErr = nil, nil, nil
	s.state = Clean
	return nil
}

func (s *Session) reload(ctx context.Context) (model.WorkflowView, error) {
	if s.State() == Saving {
		return model.WorkflowView{}, model.NewSaveInProgressError(s.key)
	}
	return s.remote.Get(ctx, s.key)
}

// replay applies edits to the current draft and returns the edits that
// applied and the errors of those that did not. Caller holds s.mu.
func (s *Session) replay(edits []edit) ([]edit, []error) {
	var (
		applied   []edit
		conflicts []error
	)
	for _, e := range edits {
		if err := e.apply(&s.doc, s.base); err != nil {
			conflicts = append(conflicts, fmt.Errorf("%s: %w", e.desc, err))
			continue
		}
		applied = append(applied, e)
	}
	if len(conflicts) > 0 && s.opts.logger != nil {
		s.opts.logger.Warn("draft edits no longer apply",
			zap.String("workflow_key", s.key),
			zap.Error(errors.Join(conflicts...)),
		)
	}
	return applied, conflicts
}
