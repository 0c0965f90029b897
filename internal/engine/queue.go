package engine

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"kiln/internal/globmatch"
	"kiln/pkg/model"
)

// QueueRequest is the input to QueueJob; Reason, ParentName and
// ParentBuild are optional (§3 "Run").
type QueueRequest struct {
	Name         string
	Params       map[string]string
	FrontOfQueue bool
	Reason       string
	ParentName   string
	ParentBuild  int
}

type queuedEventData struct {
	Name       string `json:"name"`
	Number     int    `json:"number"`
	QueueIndex int    `json:"queueIndex"`
}

// QueueJob validates the job has a run script, allocates a build
// number, appends the run to the queue, persists the builds row, and
// dispatches (§4.3). Returns nil if cfg/jobs/<name>.run is missing.
func (e *Engine) QueueJob(ctx context.Context, req QueueRequest) (*model.Run, error) {
	var run *model.Run
	var queueErr error

	e.do(func() {
		if !e.loader.HasRunScript(req.Name) {
			return
		}

		e.buildNums[req.Name]++
		build := e.buildNums[req.Name]

		r := model.NewRun(req.Name, build, req.Params, req.Reason)
		r.GUID = uuid.New().String()
		r.ParentName = req.ParentName
		r.ParentBuild = req.ParentBuild

		if req.FrontOfQueue {
			e.queued = append([]*model.Run{r}, e.queued...)
		} else {
			e.queued = append(e.queued, r)
		}

		rec := &model.BuildRecord{
			Name: r.Name, Number: r.Build, GUID: r.GUID,
			QueuedAt: r.QueuedAt.Unix(), Reason: r.Reason,
			ParentJob: r.ParentName, ParentBuild: r.ParentBuild,
		}
		if err := e.store.InsertQueued(ctx, rec); err != nil {
			queueErr = err
			return
		}

		queueIndex := 0
		if !req.FrontOfQueue {
			queueIndex = len(e.queued) - 1
		}
		e.emit("job_queued", queuedEventData{Name: r.Name, Number: r.Build, QueueIndex: queueIndex})

		run = r
		e.assignNewJobs()
	})

	return run, queueErr
}

// assignNewJobs walks the queue head-to-tail, attempting to place each
// run. A blocked head never prevents a later, differently-matched
// entry from starting (§4.3 "not strictly FIFO").
func (e *Engine) assignNewJobs() {
	remaining := e.queued[:0:0]
	for i, r := range e.queued {
		if e.tryStartRun(r, i) {
			continue
		}
		remaining = append(remaining, r)
	}
	e.queued = remaining
}

// canQueue reports whether ctx is eligible to run r, per §4.3.
func (e *Engine) canQueue(ctx *model.Context, r *model.Run) bool {
	if !ctx.HasCapacity() {
		return false
	}
	if globmatch.AnyMatch(ctx.JobPatterns, r.Name) {
		return true
	}
	return globmatch.AnyMatch(jobContexts(e.jobs[r.Name]), ctx.Name)
}

type startedEventData struct {
	Name   string `json:"name"`
	Number int    `json:"number"`
	ETC    int64  `json:"etc,omitempty"`
}

// tryStartRun attempts to place r into an eligible context and, on
// success, launches its child process (§4.4). queueIndex is unused by
// the core beyond documenting which call site triggered placement;
// kept as a parameter to mirror the dispatcher's scan position.
func (e *Engine) tryStartRun(r *model.Run, queueIndex int) bool {
	var target *model.Context
	for _, c := range e.registry.All() {
		if e.canQueue(c, r) {
			target = c
			break
		}
	}
	if target == nil {
		return false
	}

	ctx := context.Background()
	lastResult, err := e.store.LastResult(ctx, r.Name)
	if err != nil {
		e.log.Warn("last result lookup failed", "name", r.Name, "err", err)
		lastResult = model.ResultUnknown
	}
	r.LastResult = lastResult
	r.Context = target
	r.Timeout = parseTimeout(r.Params)

	workDir := filepath.Join(e.settings.Home, "run", r.Name, strconv.Itoa(r.Build))
	scriptPath := e.loader.RunScriptPath(r.Name)

	if err := e.runner.Launch(r, scriptPath, workDir, func(result model.Result, output []byte) {
		e.post(func() { e.handleRunFinished(r, result, output) })
	}); err != nil {
		e.log.Error("launch failed", "name", r.Name, "build", r.Build, "err", err)
		e.post(func() { e.handleRunFinished(r, model.ResultFailed, []byte(err.Error())) })
		return true
	}

	r.StartedAt = time.Now()
	r.Context = target
	target.Acquire()
	e.active = append(e.active, r)

	if err := e.store.MarkStarted(ctx, r.Name, r.Build, target.Name, r.StartedAt.Unix()); err != nil {
		e.log.Error("mark started failed", "name", r.Name, "build", r.Build, "err", err)
	}

	ev := startedEventData{Name: r.Name, Number: r.Build}
	if dur, err := e.store.LastRunDuration(ctx, r.Name); err == nil && dur > 0 {
		ev.ETC = r.StartedAt.Unix() + int64(dur)
	}
	e.emit("job_started", ev)

	return true
}

func parseTimeout(params map[string]string) time.Duration {
	raw, ok := params["TIMEOUT"]
	if !ok {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
