package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/config"
	"kiln/internal/contextpool"
	"kiln/internal/eventbus"
	"kiln/internal/retention"
	"kiln/internal/runner"
	"kiln/internal/status"
	"kiln/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHarness wires a full Engine against a temp home directory and
// an in-memory SQLite store, mirroring the end-to-end scenarios in
// spec.md §8.
type testHarness struct {
	t      *testing.T
	home   string
	engine *Engine
	bus    eventbus.Bus
	store  *store.SQLiteStore
	events <-chan eventbus.Event
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	home := t.TempDir()
	for _, d := range []string{"cfg/contexts", "cfg/jobs"} {
		if err := os.MkdirAll(filepath.Join(home, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	settings := config.DefaultSettings(home)
	settings.Normalize()

	registry := contextpool.New()
	loader := config.New(settings, registry, testLogger())
	bus := eventbus.New()
	logs := eventbus.NewLogBus()
	sup := runner.New(logs, testLogger())
	pruner := retention.New(settings.Home, testLogger())
	statusAgg := status.New(st, settings.Title, "test")

	eng := New(settings, st, registry, loader, bus, logs, sup, pruner, statusAgg, testLogger())

	ch, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)

	h := &testHarness{t: t, home: home, engine: eng, bus: bus, store: st, events: ch}
	t.Cleanup(eng.Stop)
	return h
}

func (h *testHarness) writeContext(name, body string) {
	h.t.Helper()
	path := filepath.Join(h.home, "cfg", "contexts", name+".conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		h.t.Fatalf("write context %s: %v", name, err)
	}
}

func (h *testHarness) writeJobScript(name, body string) {
	h.t.Helper()
	path := filepath.Join(h.home, "cfg", "jobs", name+".run")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		h.t.Fatalf("write run script %s: %v", name, err)
	}
}

func (h *testHarness) start() {
	h.t.Helper()
	loaded, err := h.engine.loader.Load()
	if err != nil {
		h.t.Fatalf("load config: %v", err)
	}
	if err := h.engine.Start(context.Background(), loaded); err != nil {
		h.t.Fatalf("start engine: %v", err)
	}
}

func (h *testHarness) reloadConfig() {
	h.t.Helper()
	loaded, err := h.engine.loader.Load()
	if err != nil {
		h.t.Fatalf("reload config: %v", err)
	}
	h.engine.Reload(loaded)
}

// waitForEvent drains h.events, discarding non-matching events, until
// one of type typ arrives. The subscription is created once in
// newHarness so no event published between test steps can be missed.
func (h *testHarness) waitForEvent(typ string, timeout time.Duration) eventbus.Event {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for event %q", typ)
		}
	}
}

func TestBasicRunQueuedStartedCompleted(t *testing.T) {
	h := newHarness(t)
	h.writeContext("default", "EXECUTORS=1\n")
	h.writeJobScript("alpha", "exit 0\n")
	h.start()

	run, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "alpha"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if run == nil {
		t.Fatal("expected run, got nil")
	}
	if run.Build != 1 {
		t.Fatalf("build = %d, want 1", run.Build)
	}

	ev := h.waitForEvent("job_completed", 5*time.Second)
	data := ev.Data.(completedEventData)
	if data.Result != "SUCCESS" {
		t.Fatalf("result = %s, want SUCCESS", data.Result)
	}

	rec, err := h.store.GetBuild(context.Background(), "alpha", 1)
	if err != nil || rec == nil {
		t.Fatalf("get build: %v %v", rec, err)
	}
	if rec.QueuedAt == 0 || rec.StartedAt == 0 || rec.CompletedAt == 0 {
		t.Fatalf("expected all timestamps set, got %+v", rec)
	}

	link, err := os.Readlink(filepath.Join(h.home, "archive", "alpha", "latest"))
	if err != nil {
		t.Fatalf("readlink latest: %v", err)
	}
	if link != "1" {
		t.Fatalf("latest -> %q, want %q", link, "1")
	}
}

func TestCapacitySaturationQueuesSecondRun(t *testing.T) {
	h := newHarness(t)
	h.writeContext("default", "EXECUTORS=1\n")
	h.writeJobScript("alpha", "sleep 0.3\nexit 0\n")
	h.start()

	if _, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "alpha"}); err != nil {
		t.Fatalf("queue 1: %v", err)
	}
	h.waitForEvent("job_started", 5*time.Second)

	if _, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "alpha"}); err != nil {
		t.Fatalf("queue 2: %v", err)
	}

	if got := len(h.engine.Active()); got != 1 {
		t.Fatalf("active runs = %d, want 1", got)
	}
	if got := len(h.engine.Queued()); got != 1 {
		t.Fatalf("queued runs = %d, want 1", got)
	}

	h.waitForEvent("job_completed", 5*time.Second)
	h.waitForEvent("job_started", 5*time.Second)
	h.waitForEvent("job_completed", 5*time.Second)

	if got := len(h.engine.Active()); got != 0 {
		t.Fatalf("active runs after both complete = %d, want 0", got)
	}
}

func TestHeadOfLineBypass(t *testing.T) {
	h := newHarness(t)
	h.writeContext("ctx1", "EXECUTORS=1\nJOBS=alpha,occupy\n")
	h.writeContext("ctx2", "EXECUTORS=1\nJOBS=beta\n")
	h.writeJobScript("occupy", "sleep 2\nexit 0\n")
	h.writeJobScript("alpha", "exit 0\n")
	h.writeJobScript("beta", "exit 0\n")
	h.start()

	if _, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "occupy"}); err != nil {
		t.Fatalf("queue occupy: %v", err)
	}
	h.waitForEvent("job_started", 5*time.Second)

	if _, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "alpha"}); err != nil {
		t.Fatalf("queue alpha: %v", err)
	}
	if _, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "beta"}); err != nil {
		t.Fatalf("queue beta: %v", err)
	}

	active := h.engine.Active()
	queued := h.engine.Queued()

	foundBetaActive := false
	for _, r := range active {
		if r.Name == "beta" {
			foundBetaActive = true
		}
		if r.Name == "alpha" {
			t.Fatalf("alpha should not have started while ctx1 is busy")
		}
	}
	if !foundBetaActive {
		t.Fatalf("expected beta to have started despite alpha queued ahead of it, active=%v", active)
	}

	foundAlphaQueued := false
	for _, r := range queued {
		if r.Name == "alpha" {
			foundAlphaQueued = true
		}
	}
	if !foundAlphaQueued {
		t.Fatalf("expected alpha to remain queued, queued=%v", queued)
	}
}

func TestAbortMarksRunAborted(t *testing.T) {
	h := newHarness(t)
	h.writeContext("default", "EXECUTORS=1\n")
	h.writeJobScript("alpha", "sleep 5\nexit 0\n")
	h.start()

	run, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "alpha"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	h.waitForEvent("job_started", 5*time.Second)

	if !h.engine.Abort(run.Name, run.Build) {
		t.Fatalf("expected abort to find the active run")
	}

	ev := h.waitForEvent("job_completed", 5*time.Second)
	data := ev.Data.(completedEventData)
	if data.Result != "ABORTED" {
		t.Fatalf("result = %s, want ABORTED", data.Result)
	}
}

func TestQueueNonExistentJobReturnsNil(t *testing.T) {
	h := newHarness(t)
	h.writeContext("default", "EXECUTORS=1\n")
	h.start()

	run, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "does-not-exist"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil run for missing job, got %+v", run)
	}
}

func TestReloadUnblocksQueuedJobAfterCapacityIncrease(t *testing.T) {
	h := newHarness(t)
	h.writeJobScript("alpha", "exit 0\n")
	h.start()

	// Zero capacity on "default" keeps alpha queued until the reload
	// below raises it to 1.
	h.writeContext("default", "EXECUTORS=0\n")
	h.reloadConfig()

	run, err := h.engine.QueueJob(context.Background(), QueueRequest{Name: "alpha"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if run == nil {
		t.Fatal("expected run")
	}
	if got := len(h.engine.Queued()); got != 1 {
		t.Fatalf("queued = %d, want 1 (no capacity yet)", got)
	}

	h.writeContext("default", "EXECUTORS=1\n")
	h.reloadConfig()

	h.waitForEvent("job_completed", 5*time.Second)
	if got := len(h.engine.Queued()); got != 0 {
		t.Fatalf("queued after reload = %d, want 0", got)
	}
}
