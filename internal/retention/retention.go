// Package retention implements the run-directory pruning policy
// (§4.5 step 6): once a run finishes, working directories older than
// the configured retention window are removed, counting down from the
// oldest active build and stopping at the first directory that no
// longer exists.
package retention

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Pruner removes old run directories under home/run/<name>/<build>
// and maintains the archive/<name>/latest symlink.
type Pruner struct {
	runDir     string
	archiveDir string
	log        *slog.Logger
}

// New returns a Pruner rooted at home/run and home/archive.
func New(home string, log *slog.Logger) *Pruner {
	return &Pruner{
		runDir:     filepath.Join(home, "run"),
		archiveDir: filepath.Join(home, "archive"),
		log:        log.With("component", "retention"),
	}
}

// Prune removes run/<name>/i for i counting down from
// oldestActive-keep, oldestActive-keep-1, ... down to 1, stopping at
// the first i whose directory does not exist. Individual removal
// failures are logged and ignored (§7 "transient I/O").
//
// oldestActive must be computed by the caller after the just-finished
// run has left the active set (§9 "retention race"): if any other
// active run shares this job name, oldestActive is that run's build
// number minus 1; otherwise it is buildNums[name], the highest build
// number ever allocated for the job.
func (p *Pruner) Prune(name string, oldestActive, keep int) {
	for i := oldestActive - keep; i >= 1; i-- {
		dir := filepath.Join(p.runDir, name, strconv.Itoa(i))
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warn("prune run directory failed", "dir", dir, "err", err)
		}
	}
}

// RefreshLatest points archive/<name>/latest at build (§4.5 step 7).
// Failure is logged and ignored; a stale or missing symlink never
// blocks run completion.
func (p *Pruner) RefreshLatest(name string, build int) {
	link := filepath.Join(p.archiveDir, name, "latest")
	target := strconv.Itoa(build)

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		p.log.Warn("refresh latest symlink failed", "name", name, "build", build, "err", err)
		return
	}
	_ = os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		p.log.Warn("refresh latest symlink failed", "name", name, "build", build, "err", err)
	}
}
