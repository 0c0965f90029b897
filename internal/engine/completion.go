package engine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"kiln/pkg/model"
)

type completedEventData struct {
	Name      string                `json:"name"`
	Number    int                   `json:"number"`
	Result    string                `json:"result"`
	Artifacts []model.ArtifactView `json:"artifacts"`
}

// handleRunFinished is the supervisor's completion callback, posted
// onto the event loop from the run's own pump goroutine (§4.5). It
// releases the executor, persists the terminal record together with
// any artifacts found on disk, emits job_completed and the final log
// chunk, removes the run from the active set, prunes old run
// directories, refreshes the latest symlink, and re-dispatches.
func (e *Engine) handleRunFinished(r *model.Run, result model.Result, output []byte) {
	r.Result = result
	r.CompletedAt = time.Now()

	if r.Context != nil {
		r.Context.Release()
	}
	e.removeActive(r)

	ctx := context.Background()
	archiveDir := filepath.Join(e.settings.Home, "archive", r.Name, strconv.Itoa(r.Build))
	artifacts := walkArtifacts(r.Name, r.Build, archiveDir, e.log)

	rec := &model.BuildRecord{
		Name: r.Name, Number: r.Build, CompletedAt: r.CompletedAt.Unix(),
		Result: string(r.Result), Output: output, OutputLen: int64(len(output)),
	}
	if err := e.store.Complete(ctx, rec, artifacts); err != nil {
		e.log.Error("complete build failed", "name", r.Name, "build", r.Build, "err", err)
	}

	views := make([]model.ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, model.ArtifactView{
			URL:      e.artifactURL(r.Name, r.Build, a.Filename),
			Filename: a.Filename,
			Size:     a.FileSize,
		})
	}
	e.emit("job_completed", completedEventData{Name: r.Name, Number: r.Build, Result: string(r.Result), Artifacts: views})
	e.logs.Publish(r.Name, r.Build, nil, true)

	e.pruneAfterCompletion(r)
	e.pruner.RefreshLatest(r.Name, r.Build)

	e.assignNewJobs()
}

func (e *Engine) removeActive(r *model.Run) {
	for i, a := range e.active {
		if a == r {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

// pruneAfterCompletion computes oldestActive only after r has left the
// active set (§9 "retention race") and delegates to the pruner.
func (e *Engine) pruneAfterCompletion(r *model.Run) {
	oldestActive := e.buildNums[r.Name]
	for _, a := range e.active {
		if a.Name != r.Name {
			continue
		}
		if a.Build-1 < oldestActive {
			oldestActive = a.Build - 1
		}
	}
	e.pruner.Prune(r.Name, oldestActive, e.settings.KeepRunDirs)
}

func (e *Engine) artifactURL(name string, build int, filename string) string {
	return e.settings.ArchiveURL + name + "/" + strconv.Itoa(build) + "/" + filename
}

// walkArtifacts lists every regular file under archiveDir, used both
// to populate the job_completed payload and to bulk-insert artifact
// rows (§4.5 step 2-3). A missing or empty archive directory yields no
// artifacts, matching invariant 7 (§3).
func walkArtifacts(name string, build int, archiveDir string, log *slog.Logger) []model.Artifact {
	var out []model.Artifact
	err := filepath.WalkDir(archiveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(archiveDir, path)
		if err != nil {
			return err
		}
		out = append(out, model.Artifact{Name: name, Build: build, Filename: rel, FileSize: info.Size()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Warn("walk archive directory failed", "dir", archiveDir, "err", err)
	}
	return out
}
