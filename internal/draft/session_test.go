package draft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/hoa/internal/admin"
	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/overrides"
	"github.com/pitabwire/hoa/model"
)

func testBase() model.BaseDefinition {
	return model.BaseDefinition{
		WorkflowKey: "violations",
		Title:       "Violations",
		Statuses: []model.StatusDef{
			{Key: "OPEN", Label: "Open", Category: "active"},
			{Key: "CLOSED", Label: "Closed", Category: "terminal"},
		},
		Transitions: []model.TransitionDef{{From: "OPEN", To: "CLOSED", Label: "Close"}},
		Notifications: []model.NotificationRule{{
			Event:       model.EventTransition,
			Trigger:     model.Trigger{From: "OPEN", To: "CLOSED"},
			Channels:    []string{"email"},
			Recipients:  []model.Recipient{{Type: model.RecipientRole, Value: "BOARD"}},
			TemplateKey: "violation_closed",
		}},
	}
}

// newBackend returns an in-process admin service backed by memory.
func newBackend(t *testing.T) (*admin.Service, *overrides.MemoryRepository) {
	t.Helper()
	repo := overrides.NewMemoryRepository()
	registry := definition.NewRegistry([]model.BaseDefinition{testBase()})
	return admin.NewService(registry, repo, nil, nil, nil), repo
}

func loadSession(t *testing.T, remote Remote, opts ...Option) *Session {
	t.Helper()
	s, err := NewManager(remote, opts...).Load(context.Background(), "violations")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s
}

// gatedRemote blocks PutOverrides until released so tests can act while a
// save is in flight.
type gatedRemote struct {
	Remote
	entered chan struct{}
	release chan struct{}
}

func newGatedRemote(inner Remote) *gatedRemote {
	return &gatedRemote{Remote: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRemote) PutOverrides(ctx context.Context, key string, doc model.OverrideDocument) (model.WorkflowView, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Remote.PutOverrides(ctx, key, doc)
}

type failingRemote struct {
	Remote
	err   error
	calls int
}

func (f *failingRemote) PutOverrides(context.Context, string, model.OverrideDocument) (model.WorkflowView, error) {
	f.calls++
	return model.WorkflowView{}, f.err
}

func statusKeys(view model.WorkflowView) []string {
	var keys []string
	for _, s := range view.Effective.Statuses {
		keys = append(keys, s.Key)
	}
	return keys
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{Clean: "clean", Dirty: "dirty", Saving: "saving", State(9): "State(9)"} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestSession_editAndSave(t *testing.T) {
	backend, repo := newBackend(t)
	s := loadSession(t, backend)

	if s.State() != Clean {
		t.Fatalf("fresh session state = %v, want clean", s.State())
	}

	if err := s.SetStatusOverride("OPEN", StatusFields{Label: model.Ptr("Reported")}); err != nil {
		t.Fatalf("SetStatusOverride() error = %v", err)
	}
	if !s.Dirty() {
		t.Fatal("session should be dirty after an edit")
	}

	doc := s.Document()
	if len(doc.Statuses) != 1 || *doc.Statuses[0].Label != "Reported" {
		t.Fatalf("draft statuses = %+v", doc.Statuses)
	}
	if doc.Statuses[0].Category == nil || *doc.Statuses[0].Category != "active" {
		t.Errorf("override of a base status should start from the base category, got %v", doc.Statuses[0].Category)
	}

	view, err := s.Save(context.Background())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if view.Overrides.Version != 1 {
		t.Errorf("saved version = %d, want 1", view.Overrides.Version)
	}
	if s.State() != Clean {
		t.Errorf("state after save = %v, want clean", s.State())
	}
	if stored, _ := repo.Get(context.Background(), "violations"); len(stored.Statuses) != 1 {
		t.Errorf("stored statuses = %+v", stored.Statuses)
	}
}

func TestSession_SetStatusOverride_mergesExisting(t *testing.T) {
	backend, _ := newBackend(t)
	s := loadSession(t, backend)

	_ = s.SetStatusOverride("OPEN", StatusFields{Label: model.Ptr("Reported")})
	_ = s.SetStatusOverride("OPEN", StatusFields{Enabled: model.Ptr(false)})

	doc := s.Document()
	if len(doc.Statuses) != 1 {
		t.Fatalf("statuses = %+v, want one merged override", doc.Statuses)
	}
	if *doc.Statuses[0].Label != "Reported" || doc.Statuses[0].IsEnabled() {
		t.Errorf("merged override = %+v", doc.Statuses[0])
	}
}

func TestSession_SetTransitionOverride(t *testing.T) {
	backend, _ := newBackend(t)
	s := loadSession(t, backend)

	if err := s.SetTransitionOverride("OPEN", "CLOSED", TransitionFields{Enabled: model.Ptr(false)}); err != nil {
		t.Fatalf("SetTransitionOverride() error = %v", err)
	}
	doc := s.Document()
	if len(doc.Transitions) != 1 || *doc.Transitions[0].Label != "Close" {
		t.Errorf("transition override should carry the base label: %+v", doc.Transitions)
	}
	if s.View().Effective.HasTransition("OPEN", "CLOSED") {
		t.Error("disabled transition should not be effective in the preview")
	}

	err := s.SetTransitionOverride("", "CLOSED", TransitionFields{})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("blank from error = %v, want VALIDATION_ERROR", err)
	}
}

func TestSession_SetNotificationOverride(t *testing.T) {
	backend, _ := newBackend(t)
	s := loadSession(t, backend)

	event := model.EventStatusEntered
	err := s.SetNotificationOverride(0, NotificationFields{
		Event:      &event,
		Trigger:    &model.Trigger{Status: "CLOSED"},
		Channels:   []string{"sms"},
		Recipients: []model.Recipient{{Type: model.RecipientUser, Value: "u-1"}},
	})
	if err != nil {
		t.Fatalf("append error = %v", err)
	}
	if err := s.SetNotificationOverride(0, NotificationFields{Channels: []string{"sms", "email"}}); err != nil {
		t.Fatalf("update error = %v", err)
	}

	doc := s.Document()
	if len(doc.Notifications) != 1 || len(doc.Notifications[0].Channels) != 2 {
		t.Fatalf("notifications = %+v", doc.Notifications)
	}

	err = s.SetNotificationOverride(5, NotificationFields{})
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("out of range error = %v, want BAD_REQUEST", err)
	}
}

func TestSession_ToggleEnabled(t *testing.T) {
	backend, _ := newBackend(t)
	s := loadSession(t, backend)

	if err := s.ToggleEnabled(model.StatusRef("CLOSED")); err != nil {
		t.Fatalf("ToggleEnabled() error = %v", err)
	}
	doc := s.Document()
	if len(doc.Statuses) != 1 {
		t.Fatalf("statuses = %+v", doc.Statuses)
	}
	if got := doc.Statuses[0]; got.IsEnabled() || got.Label == nil || *got.Label != "Closed" {
		t.Errorf("toggled override = %+v, want disabled with base label", got)
	}
	keys := statusKeys(s.View())
	if len(keys) != 1 || keys[0] != "OPEN" {
		t.Errorf("preview statuses = %v, want [OPEN]", keys)
	}

	_ = s.ToggleEnabled(model.StatusRef("CLOSED"))
	if !s.Document().Statuses[0].IsEnabled() {
		t.Error("second toggle should re-enable")
	}

	rule := testBase().Notifications[0]
	if err := s.ToggleEnabled(model.NotificationRef(rule.IdentityKey())); err != nil {
		t.Fatalf("toggle notification error = %v", err)
	}
	if n := s.Document().Notifications; len(n) != 1 || n[0].IsEnabled() || len(n[0].Recipients) != 1 {
		t.Errorf("notification override = %+v", n)
	}

	tests := []struct {
		name string
		ref  model.EntryRef
		code string
	}{
		{"unknown status", model.StatusRef("ESCALATED"), model.ErrNotFound},
		{"unknown transition", model.TransitionRef("CLOSED", "OPEN"), model.ErrNotFound},
		{"unknown category", model.EntryRef{Category: "page"}, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.ToggleEnabled(tt.ref); !model.IsCode(err, tt.code) {
				t.Errorf("ToggleEnabled(%s) error = %v, want %s", tt.ref, err, tt.code)
			}
		})
	}
}

func TestSession_AddEntries(t *testing.T) {
	backend, _ := newBackend(t)
	s := loadSession(t, backend)

	if err := s.AddStatus("ARCHIVED", "Archived", "terminal"); err != nil {
		t.Fatalf("AddStatus() error = %v", err)
	}
	if err := s.AddTransition("CLOSED", "ARCHIVED", "Archive"); err != nil {
		t.Fatalf("AddTransition() error = %v", err)
	}
	err := s.AddNotificationText(model.EventStatusEntered, model.Trigger{Status: "ARCHIVED"}, "archived",
		"email, sms", "role:BOARD, email:ops@example.com")
	if err != nil {
		t.Fatalf("AddNotificationText() error = %v", err)
	}

	view := s.View()
	if keys := statusKeys(view); len(keys) != 3 || keys[2] != "ARCHIVED" {
		t.Errorf("statuses = %v", keys)
	}
	if !view.Effective.HasTransition("CLOSED", "ARCHIVED") {
		t.Error("added transition should be effective")
	}
	n := s.Document().Notifications
	if len(n) != 1 || len(n[0].Channels) != 2 || len(n[0].Recipients) != 2 {
		t.Fatalf("notifications = %+v", n)
	}
	if n[0].Recipients[1] != (model.Recipient{Type: model.RecipientEmail, Value: "ops@example.com"}) {
		t.Errorf("second recipient = %+v", n[0].Recipients[1])
	}
}

func TestSession_AddEntries_rejected(t *testing.T) {
	tests := []struct {
		name  string
		add   func(*Session) error
		field string
		code  string
	}{
		{"status collides with base", func(s *Session) error { return s.AddStatus("CLOSED", "Done", "") }, "status", model.CodeDuplicate},
		{"status without label", func(s *Session) error { return s.AddStatus("ARCHIVED", "", "") }, "status.label", model.CodeRequired},
		{"transition collides with base", func(s *Session) error { return s.AddTransition("OPEN", "CLOSED", "") }, "transition", model.CodeDuplicate},
		{"notification collides with base", func(s *Session) error {
			rule := testBase().Notifications[0]
			return s.AddNotification(model.NotificationOverride{
				Event: rule.Event, Trigger: rule.Trigger, TemplateKey: rule.TemplateKey,
				Channels: []string{"sms"}, Recipients: rule.Recipients,
			})
		}, "notification", model.CodeDuplicate},
		{"recipient missing value", func(s *Session) error {
			return s.AddNotificationText(model.EventTransition, model.Trigger{To: "CLOSED"}, "", "email", "role:, email:ops@example.com")
		}, "recipients", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, repo := newBackend(t)
			s := loadSession(t, backend)

			err := tt.add(s)
			ee, ok := model.AsEnvelope(err)
			if !ok || ee.Code != model.ErrValidationError {
				t.Fatalf("error = %v, want VALIDATION_ERROR", err)
			}
			found := false
			for _, d := range ee.Details {
				if d.Field == tt.field && (tt.code == "" || d.Code == tt.code) {
					found = true
				}
			}
			if !found {
				t.Errorf("details = %+v, want field %q code %q", ee.Details, tt.field, tt.code)
			}

			if s.State() != Clean {
				t.Errorf("rejected edit changed state to %v", s.State())
			}
			if stored, _ := repo.Get(context.Background(), "violations"); stored.Version != 0 {
				t.Errorf("rejected edit reached the repository: %+v", stored)
			}
		})
	}
}

func TestSession_Save_invalidDraftNotSent(t *testing.T) {
	backend, _ := newBackend(t)
	remote := &failingRemote{Remote: backend}
	s := loadSession(t, remote)

	// An appended notification with only an event fails whole-document
	// validation.
	event := model.EventTransition
	_ = s.SetNotificationOverride(0, NotificationFields{Event: &event})

	_, err := s.Save(context.Background())
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Save() error = %v, want VALIDATION_ERROR", err)
	}
	if remote.calls != 0 {
		t.Error("invalid draft must not be sent")
	}
	if s.State() != Dirty || s.LastError() == nil {
		t.Errorf("state = %v, last error = %v", s.State(), s.LastError())
	}
}

func TestSession_Save_failureKeepsDraft(t *testing.T) {
	backend, _ := newBackend(t)
	remote := &failingRemote{Remote: backend, err: model.NewTransportError("connection refused")}
	s := loadSession(t, remote)

	_ = s.AddStatus("ARCHIVED", "Archived", "")
	_, err := s.Save(context.Background())
	if !model.IsCode(err, model.ErrTransportError) {
		t.Fatalf("Save() error = %v, want TRANSPORT_ERROR", err)
	}
	if s.State() != Dirty {
		t.Errorf("state = %v, want dirty", s.State())
	}
	if !model.IsCode(s.LastError(), model.ErrTransportError) {
		t.Errorf("LastError() = %v", s.LastError())
	}
	if doc := s.Document(); len(doc.Statuses) != 1 {
		t.Errorf("draft lost after failed save: %+v", doc.Statuses)
	}
}

func TestSession_Save_whileSaving(t *testing.T) {
	backend, repo := newBackend(t)
	gate := newGatedRemote(backend)
	s := loadSession(t, gate)

	_ = s.AddStatus("ARCHIVED", "Archived", "")

	done := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background())
		done <- err
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("save never reached the remote")
	}

	if s.State() != Saving {
		t.Errorf("state during save = %v, want saving", s.State())
	}
	if _, err := s.Save(context.Background()); !model.IsCode(err, model.ErrSaveInProgress) {
		t.Errorf("second Save() error = %v, want SAVE_IN_PROGRESS", err)
	}
	if err := s.AddStatus("ESCALATED", "Escalated", ""); err != nil {
		t.Fatalf("edit during save error = %v", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if s.State() != Dirty {
		t.Errorf("state after save with in-flight edits = %v, want dirty", s.State())
	}
	stored, _ := repo.Get(context.Background(), "violations")
	if len(stored.Statuses) != 1 || stored.Statuses[0].Key != "ARCHIVED" {
		t.Errorf("stored statuses = %+v, want only ARCHIVED", stored.Statuses)
	}
	doc := s.Document()
	if len(doc.Statuses) != 2 || doc.Statuses[1].Key != "ESCALATED" || doc.Version != 1 {
		t.Errorf("draft after save = %+v, want saved doc plus ESCALATED at version 1", doc)
	}
}

func TestSession_Save_reportsPendingEditsThatNoLongerApply(t *testing.T) {
	repo := overrides.NewMemoryRepository()
	before := admin.NewService(definition.NewRegistry([]model.BaseDefinition{testBase()}), repo, nil, nil, nil)

	// The server is redeployed with ESCALATED in the base while the save is
	// in flight.
	redeployed := testBase()
	redeployed.Statuses = append(redeployed.Statuses, model.StatusDef{Key: "ESCALATED", Label: "Escalated", Category: "active"})
	after := admin.NewService(definition.NewRegistry([]model.BaseDefinition{redeployed}), repo, nil, nil, nil)

	view, err := before.Get(context.Background(), "violations")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	gate := newGatedRemote(after)
	s := newSession(gate, view, options{})

	_ = s.AddStatus("ARCHIVED", "Archived", "")
	done := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background())
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("save never reached the remote")
	}

	if err := s.AddStatus("ESCALATED", "Escalated locally", ""); err != nil {
		t.Fatalf("edit during save error = %v", err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	conflicts := s.Conflicts()
	if len(conflicts) != 1 || !model.IsCode(conflicts[0], model.ErrValidationError) {
		t.Fatalf("Conflicts() = %v, want the dropped ESCALATED edit", conflicts)
	}
	if s.State() != Clean {
		t.Errorf("state = %v, want clean when no pending edit survived", s.State())
	}
	if doc := s.Document(); len(doc.Statuses) != 1 || doc.Statuses[0].Key != "ARCHIVED" {
		t.Errorf("draft statuses = %+v, want only the saved ARCHIVED", doc.Statuses)
	}

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if len(s.Conflicts()) != 0 {
		t.Error("Reset() should clear reported conflicts")
	}
}

func TestSession_optimisticConflictAndRebase(t *testing.T) {
	backend, repo := newBackend(t)
	// Version 0 means last-write-wins, so start from a saved document.
	if _, err := repo.Replace(context.Background(), model.EmptyOverrides("violations")); err != nil {
		t.Fatalf("seed error = %v", err)
	}
	alice := loadSession(t, backend, WithOptimisticConcurrency())
	bob := loadSession(t, backend, WithOptimisticConcurrency())

	_ = alice.AddStatus("ARCHIVED", "Archived", "")
	if _, err := alice.Save(context.Background()); err != nil {
		t.Fatalf("alice Save() error = %v", err)
	}

	_ = bob.ToggleEnabled(model.TransitionRef("OPEN", "CLOSED"))
	_, err := bob.Save(context.Background())
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("bob Save() error = %v, want CONFLICT", err)
	}

	conflicts, err := bob.Rebase(context.Background())
	if err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %v", conflicts)
	}
	if bob.State() != Dirty {
		t.Errorf("state after rebase = %v, want dirty", bob.State())
	}

	if _, err := bob.Save(context.Background()); err != nil {
		t.Fatalf("bob Save() after rebase error = %v", err)
	}
	stored, _ := repo.Get(context.Background(), "violations")
	if stored.Version != 3 || len(stored.Statuses) != 1 || len(stored.Transitions) != 1 {
		t.Errorf("stored = %+v, want both edits at version 3", stored)
	}
}

func TestSession_Rebase_reportsEditsThatNoLongerApply(t *testing.T) {
	backend, _ := newBackend(t)
	alice := loadSession(t, backend)
	bob := loadSession(t, backend)

	_ = bob.AddStatus("ARCHIVED", "Archived by bob", "")

	_ = alice.AddStatus("ARCHIVED", "Archived", "")
	if _, err := alice.Save(context.Background()); err != nil {
		t.Fatalf("alice Save() error = %v", err)
	}

	conflicts, err := bob.Rebase(context.Background())
	if err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	if len(conflicts) != 1 || !model.IsCode(conflicts[0], model.ErrValidationError) {
		t.Fatalf("conflicts = %v, want one duplicate status", conflicts)
	}
	if bob.State() != Clean {
		t.Errorf("state = %v, want clean when nothing replayed", bob.State())
	}
	if label := *bob.Document().Statuses[0].Label; label != "Archived" {
		t.Errorf("label = %q, want the saved one", label)
	}
}

func TestSession_Reset(t *testing.T) {
	backend, _ := newBackend(t)
	s := loadSession(t, backend)

	_ = s.AddStatus("ARCHIVED", "Archived", "")
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if s.State() != Clean || len(s.Document().Statuses) != 0 {
		t.Errorf("state = %v, doc = %+v", s.State(), s.Document())
	}
}

func TestSession_Reset_remoteError(t *testing.T) {
	s := newSession(errRemote{}, model.WorkflowView{WorkflowKey: "violations", Base: testBase()}, options{})
	_ = s.AddStatus("ARCHIVED", "Archived", "")

	if err := s.Reset(context.Background()); err == nil {
		t.Fatal("Reset() should surface remote errors")
	}
	if s.State() != Dirty {
		t.Errorf("failed reset changed state to %v", s.State())
	}
}

type errRemote struct{}

func (errRemote) Get(context.Context, string) (model.WorkflowView, error) {
	return model.WorkflowView{}, errors.New("offline")
}

func (errRemote) PutOverrides(context.Context, string, model.OverrideDocument) (model.WorkflowView, error) {
	return model.WorkflowView{}, errors.New("offline")
}
