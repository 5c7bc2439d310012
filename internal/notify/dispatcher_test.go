package notify

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"forge/internal/events"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(d); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) Send(url, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("connection refused")
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func addService(t *testing.T, d *sql.DB, svc NotificationService) int64 {
	t.Helper()
	if svc.ConfigJSON == "" {
		svc.ConfigJSON = `{"shoutrrr_url":"discord://token@channel"}`
	}
	id, err := CreateService(d, &svc)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func startDispatcher(t *testing.T, d *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	t.Helper()
	disp := NewDispatcher(d, bus, sender)
	disp.Start()
	t.Cleanup(disp.Stop)
	return disp
}

func waitForMessages(t *testing.T, f *fakeSender, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.messages(); len(msgs) >= want {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %v", want, f.messages())
	return nil
}

func TestDispatcherNotifiesOnBuildFailure(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{}
	addService(t, d, NotificationService{Name: "ops", ServiceType: "discord", Enabled: true, NotifyOnFailure: true})
	startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 7, State: "failed"})

	msgs := waitForMessages(t, sender, 1)
	if msgs[0] != "[rockets] build 7 failed" {
		t.Errorf("message = %q", msgs[0])
	}

	history, err := RecentHistory(d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != "sent" || history[0].PluginSlug != "rockets" {
		t.Errorf("history = %+v", history)
	}
}

func TestDispatcherRespectsFlags(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{}
	// Failure-only service: uploaded builds stay quiet.
	addService(t, d, NotificationService{Name: "ops", ServiceType: "slack", Enabled: true, NotifyOnFailure: true})
	startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "uploaded"})
	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 2, State: "failed"})

	msgs := waitForMessages(t, sender, 1)
	if len(msgs) != 1 || msgs[0] != "[rockets] build 2 failed" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestDispatcherIgnoresIntermediateStates(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{}
	addService(t, d, NotificationService{Name: "ops", ServiceType: "slack", Enabled: true,
		NotifyOnFailure: true, NotifyOnSuccess: true})
	disp := startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "queued"})
	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "running"})
	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "uploading"})
	disp.Stop()

	if msgs := sender.messages(); len(msgs) != 0 {
		t.Errorf("unexpected messages: %v", msgs)
	}
}

func TestDispatcherNotifiesOnRelease(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{}
	addService(t, d, NotificationService{Name: "ops", ServiceType: "discord", Enabled: true, NotifyOnRelease: true})
	startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.VersionReleased, PluginSlug: "rockets", Message: "1.2.0"})

	msgs := waitForMessages(t, sender, 1)
	if msgs[0] != "[rockets] version 1.2.0 released" {
		t.Errorf("message = %q", msgs[0])
	}
}

func TestDispatcherEnforcesCooldown(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{}
	id := addService(t, d, NotificationService{Name: "ops", ServiceType: "slack", Enabled: true, NotifyOnFailure: true})
	if err := UpsertEventRule(d, &EventRule{ServiceID: id, EventType: string(events.BuildChanged), Enabled: true, Cooldown: 3600}); err != nil {
		t.Fatal(err)
	}
	disp := startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "failed"})
	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 2, State: "failed"})
	disp.Stop()

	if msgs := sender.messages(); len(msgs) != 1 {
		t.Errorf("cooldown not enforced, messages = %v", msgs)
	}
}

func TestDispatcherRecordsSendFailures(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{fail: true}
	addService(t, d, NotificationService{Name: "ops", ServiceType: "slack", Enabled: true, NotifyOnFailure: true})
	disp := startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "failed"})
	disp.Stop()

	history, err := RecentHistory(d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != "failed" || history[0].ErrorMessage == "" {
		t.Errorf("history = %+v", history)
	}
}

func TestDispatcherSkipsDisabledServices(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	sender := &fakeSender{}
	addService(t, d, NotificationService{Name: "off", ServiceType: "slack", Enabled: false, NotifyOnFailure: true})
	disp := startDispatcher(t, d, bus, sender)

	bus.Publish(events.Event{Type: events.BuildChanged, PluginSlug: "rockets", BuildID: 1, State: "failed"})
	disp.Stop()

	if msgs := sender.messages(); len(msgs) != 0 {
		t.Errorf("disabled service received messages: %v", msgs)
	}
}
