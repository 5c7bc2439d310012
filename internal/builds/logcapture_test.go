package builds

import (
	"fmt"
	"testing"
	"time"

	"forge/internal/events"
)

func TestLogCaptureBatchesAndPreservesOrder(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()
	capture := NewLogCapture(d, bus)

	const n = 250
	for i := 0; i < n; i++ {
		capture.Append("rockets", 1, fmt.Sprintf("line %d", i))
	}
	capture.Close()

	select {
	case <-capture.done:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not drain")
	}

	store := NewStore(d)
	lines, err := store.Logs(FullBuildID{PluginSlug: "rockets", BuildID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != n {
		t.Fatalf("got %d lines, want %d", len(lines), n)
	}
	for i, l := range lines {
		if l != fmt.Sprintf("line %d", i) {
			t.Fatalf("line %d = %q", i, l)
		}
	}
}

func TestLogCaptureKeepsStreamsSeparate(t *testing.T) {
	d := setupTestDB(t)
	capture := NewLogCapture(d, events.NewBus())

	capture.Append("rockets", 1, "for build one")
	capture.Append("rockets", 2, "for build two")
	capture.Close()
	<-capture.done

	store := NewStore(d)
	one, _ := store.Logs(FullBuildID{PluginSlug: "rockets", BuildID: 1})
	two, _ := store.Logs(FullBuildID{PluginSlug: "rockets", BuildID: 2})
	if len(one) != 1 || one[0] != "for build one" {
		t.Errorf("build 1 logs = %v", one)
	}
	if len(two) != 1 || two[0] != "for build two" {
		t.Errorf("build 2 logs = %v", two)
	}
}

func TestLogCapturePublishesPerBuildBatchEvents(t *testing.T) {
	d := setupTestDB(t)
	bus := events.NewBus()

	got := make(chan events.Event, 16)
	bus.Subscribe(func(e events.Event) { got <- e }, events.BuildLogUpdated)

	capture := NewLogCapture(d, bus)
	capture.Append("rockets", 1, "a")
	capture.Append("rockets", 1, "b")
	capture.Close()
	<-capture.done

	// Both lines land in one batch at most, so at most one event per build;
	// at least one must arrive.
	select {
	case e := <-got:
		if e.PluginSlug != "rockets" || e.BuildID != 1 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no BuildLogUpdated event")
	}
}

func TestLogCaptureAppendAfterCloseIsDropped(t *testing.T) {
	d := setupTestDB(t)
	capture := NewLogCapture(d, events.NewBus())
	capture.Close()
	<-capture.done

	// Must not panic or block.
	capture.Append("rockets", 1, "late line")
}
