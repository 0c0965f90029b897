package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"kiln/internal/badge"
	"kiln/internal/status"
	"kiln/pkg/model"
)

// Abort signals the active run's child process. Returns false if no
// active run matches (name, build); aborting a queued-only run is not
// supported by the core (§4.4, §6).
func (e *Engine) Abort(name string, build int) bool {
	var found bool
	e.do(func() {
		r := e.findActive(name, build)
		if r == nil {
			return
		}
		found = true
		r.Abort()
	})
	return found
}

// SetParam sets a parameter on an active run. Returns false if no
// active run matches (name, build) (§6).
func (e *Engine) SetParam(name string, build int, key, value string) bool {
	var found bool
	e.do(func() {
		r := e.findActive(name, build)
		if r == nil {
			return
		}
		if r.Params == nil {
			r.Params = map[string]string{}
		}
		r.Params[key] = value
		found = true
	})
	return found
}

func (e *Engine) findActive(name string, build int) *model.Run {
	for _, r := range e.active {
		if r.Name == name && r.Build == build {
			return r
		}
	}
	return nil
}

// HandleLogRequest returns the log text for (name, build): the live
// buffer if the run is still active, the persisted blob otherwise
// (§6). ok is false if the run is neither active nor completed (no
// persisted record, or one that has not completed yet).
func (e *Engine) HandleLogRequest(ctx context.Context, name string, build int) (text string, complete bool, ok bool, err error) {
	var r *model.Run
	e.do(func() { r = e.findActive(name, build) })
	if r != nil {
		t, c := r.Log.Snapshot()
		return t, c, true, nil
	}

	rec, err := e.store.GetBuild(ctx, name, build)
	if err != nil {
		return "", false, false, err
	}
	if rec == nil || rec.CompletedAt == 0 {
		return "", false, false, nil
	}
	return string(rec.Output), true, true, nil
}

// GetArtefact opens a file under the archive tree by its path
// relative to home/archive (§6). Callers are responsible for closing
// the returned reader.
func (e *Engine) GetArtefact(relPath string) (io.ReadCloser, error) {
	clean := filepath.Clean("/" + relPath)
	full := filepath.Join(e.settings.Home, "archive", clean)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// HandleBadgeRequest renders the status badge SVG for a job, or
// returns ok=false if the job has no completed build (§4.8, §6).
func (e *Engine) HandleBadgeRequest(ctx context.Context, name string) (svg []byte, ok bool, err error) {
	result, err := e.store.LastResult(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if result == model.ResultUnknown {
		return nil, false, nil
	}
	return badge.Render(name, result), true, nil
}

// GetStatus dispatches to the status aggregator for the requested
// scope (§4.6, §6).
func (e *Engine) GetStatus(ctx context.Context, scope status.Scope) (json.RawMessage, error) {
	switch scope.Type {
	case status.ScopeRun:
		build := scope.Num
		if build == 0 {
			e.do(func() { build = e.buildNums[scope.Job] })
		}
		doc, err := e.status.Run(ctx, e, scope.Job, build, func() []model.ArtifactView {
			return e.liveArtifacts(scope.Job, build)
		}, func(a model.Artifact) string {
			return e.artifactURL(a.Name, a.Build, a.Filename)
		})
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("run not found: %s/%d", scope.Job, build)
		}
		return json.Marshal(doc)
	case status.ScopeJob:
		doc, err := e.status.Job(ctx, e, scope.Job, scope)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case status.ScopeAll:
		doc, err := e.status.All(ctx, e)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case status.ScopeHome:
		doc, err := e.status.Home(ctx, e)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	default:
		return nil, fmt.Errorf("unknown status scope: %s", scope.Type)
	}
}

// liveArtifacts lists the archive tree for a still-running build,
// used by RUN-scope status while the run hasn't completed (§4.6).
func (e *Engine) liveArtifacts(name string, build int) []model.ArtifactView {
	dir := filepath.Join(e.settings.Home, "archive", name, strconv.Itoa(build))
	artifacts := walkArtifacts(name, build, dir, e.log)
	views := make([]model.ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, model.ArtifactView{
			URL:      e.artifactURL(a.Name, a.Build, a.Filename),
			Filename: a.Filename,
			Size:     a.FileSize,
		})
	}
	return views
}

// ListKnownJobs exposes the configuration loader's job discovery
// (§6 supplement, laminar.cpp's listKnownJobs).
func (e *Engine) ListKnownJobs() ([]string, error) {
	return e.loader.ListKnownJobs()
}

// --- status.QueueView implementation -------------------------------
//
// Each of these hops onto the event loop via do(), so they are called
// from outside the loop (the HTTP-facing goroutine running GetStatus);
// the status aggregator never touches e.queued/e.active/e.jobs
// directly from any other goroutine.

// Queued returns the current queue snapshot, oldest first.
func (e *Engine) Queued() []*model.Run {
	var out []*model.Run
	e.do(func() { out = append(out, e.queued...) })
	return out
}

// Active returns the current active-run snapshot.
func (e *Engine) Active() []*model.Run {
	var out []*model.Run
	e.do(func() { out = append(out, e.active...) })
	return out
}

// BuildNum returns the highest build number ever allocated for name.
func (e *Engine) BuildNum(name string) int {
	var n int
	e.do(func() { n = e.buildNums[name] })
	return n
}

// ExecutorTotals sums capacity and in-use executors across every
// live context.
func (e *Engine) ExecutorTotals() (total, busy int) {
	e.do(func() {
		for _, c := range e.registry.All() {
			total += c.NumExecutors
			busy += c.BusyExecutors
		}
	})
	return
}

// Description returns a job's configured description, or "" if
// unknown.
func (e *Engine) Description(job string) string {
	var desc string
	e.do(func() {
		if jc, ok := e.jobs[job]; ok {
			desc = jc.Description
		}
	})
	return desc
}

// Groups returns the current dashboard group set.
func (e *Engine) Groups() model.Groups {
	var g model.Groups
	e.do(func() { g = e.groups })
	return g
}

var _ status.QueueView = (*Engine)(nil)
