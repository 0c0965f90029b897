// Package engine is the job lifecycle engine (§2, §5): the single
// event-loop goroutine that owns the queue, the active-run set, the
// context registry and every in-memory table the scheduler mutates.
// All state transitions run on this goroutine; callers reach it only
// through the methods in this package, each of which hands a closure
// to the loop and waits for it to run.
package engine

import (
	"context"
	"log/slog"
	"time"

	"kiln/internal/config"
	"kiln/internal/contextpool"
	"kiln/internal/eventbus"
	"kiln/internal/retention"
	"kiln/internal/runner"
	"kiln/internal/status"
	"kiln/internal/store"
	"kiln/pkg/model"
)

// Engine is the job lifecycle engine described in §2-§5.
type Engine struct {
	settings config.Settings
	store    store.Store
	registry *contextpool.Registry
	loader   *config.Loader
	bus      eventbus.Bus
	logs     *eventbus.LogBus
	runner   *runner.Supervisor
	pruner   *retention.Pruner
	status   *status.Aggregator
	log      *slog.Logger

	cmds   chan func()
	stopCh chan struct{}
	doneCh chan struct{}

	buildNums map[string]int
	queued    []*model.Run
	active    []*model.Run

	jobs   map[string]*model.JobConfig
	groups model.Groups
}

// New builds an Engine. Call Start before any other method.
func New(settings config.Settings, st store.Store, registry *contextpool.Registry, loader *config.Loader, bus eventbus.Bus, logs *eventbus.LogBus, sup *runner.Supervisor, pruner *retention.Pruner, statusAgg *status.Aggregator, log *slog.Logger) *Engine {
	return &Engine{
		settings:  settings,
		store:     st,
		registry:  registry,
		loader:    loader,
		bus:       bus,
		logs:      logs,
		runner:    sup,
		pruner:    pruner,
		status:    statusAgg,
		log:       log.With("component", "engine"),
		cmds:      make(chan func(), 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		buildNums: map[string]int{},
		jobs:      map[string]*model.JobConfig{},
		groups:    model.DefaultGroups(),
	}
}

// Start seeds buildNums from the persistence gateway for every known
// job and launches the event-loop goroutine. ctx cancellation is not
// used to stop the loop; call Stop for that (mirrors the teacher
// scheduler's explicit stopCh/doneCh shutdown rather than relying on
// context cancellation for an in-process actor).
func (e *Engine) Start(ctx context.Context, loaded *config.Loaded) error {
	e.applyLoaded(loaded)
	names := make(map[string]bool, len(e.jobs))
	for name := range e.jobs {
		names[name] = true
	}
	known, err := e.loader.ListKnownJobs()
	if err != nil {
		return err
	}
	for _, name := range known {
		names[name] = true
	}
	for name := range names {
		n, err := e.store.MaxBuildNumber(ctx, name)
		if err != nil {
			return err
		}
		e.buildNums[name] = n
	}

	go e.run()
	return nil
}

// Stop drains no further work, closes the loop, and waits for it to
// exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.stopCh:
			return
		}
	}
}

// do submits fn to the event loop and blocks until it has run. Every
// external-facing method on Engine is built from this, so the bodies
// of queue.go/completion.go/api.go execute exclusively on the loop
// goroutine and never observe interleaving among themselves (§5).
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// post enqueues fn without waiting — used by the supervisor's
// completion callback, which runs on its own goroutine per run.
func (e *Engine) post(fn func()) {
	e.cmds <- fn
}

// Reload is the callback config.Loader.Watch invokes after each
// re-entrant Load() (§4.2): apply the new tables, then re-run dispatch
// since a reconfiguration can unblock queued work.
func (e *Engine) Reload(loaded *config.Loaded) {
	e.do(func() {
		e.applyLoaded(loaded)
		e.assignNewJobs()
	})
}

func (e *Engine) applyLoaded(loaded *config.Loaded) {
	e.jobs = loaded.Jobs
	e.groups = loaded.Groups
}

func (e *Engine) emit(typ string, data any) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func jobContexts(jc *model.JobConfig) []string {
	if jc == nil || len(jc.Contexts) == 0 {
		return []string{model.DefaultContextName}
	}
	return jc.Contexts
}
