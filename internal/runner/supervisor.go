// Package runner is the supervisor (§4.4): launches a job's .run
// script as a child process, pumps its combined stdout+stderr into
// the run's log buffer and the live log bus, arms an optional
// timeout, and reports the terminal result back to the caller once
// the child has been reaped.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"kiln/internal/eventbus"
	"kiln/pkg/model"
)

const readChunkSize = 4096

// Supervisor launches run scripts. It holds no per-run state of its
// own; everything it learns about a run it reports back through the
// onFinished callback so the caller (internal/engine) can fold the
// result into its own single-threaded state on the actor channel.
type Supervisor struct {
	logs *eventbus.LogBus
	log  *slog.Logger
}

// New returns a Supervisor publishing log chunks to logs.
func New(logs *eventbus.LogBus, log *slog.Logger) *Supervisor {
	return &Supervisor{logs: logs, log: log.With("component", "runner")}
}

// Launch starts run's script in workDir and returns immediately after
// the child has started (PID known). onFinished is called exactly
// once from a background goroutine once the child has exited and been
// reaped, carrying the terminal result and the full captured output.
func (s *Supervisor) Launch(run *model.Run, scriptPath, workDir string, onFinished func(model.Result, []byte)) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	aborted := new(atomic.Bool)
	run.SetAbortFunc(func() {
		aborted.Store(true)
		cancel()
	})

	cmd := exec.CommandContext(ctx, scriptPath)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), runEnv(run)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", scriptPath, err)
	}
	run.PID = cmd.Process.Pid

	var timer *time.Timer
	if run.Timeout > 0 {
		timer = time.AfterFunc(run.Timeout, func() {
			aborted.Store(true)
			cancel()
		})
	}

	go s.pump(run, stdout, cmd, timer, cancel, aborted, onFinished)
	return nil
}

func (s *Supervisor) pump(run *model.Run, stdout io.Reader, cmd *exec.Cmd, timer *time.Timer, cancel context.CancelFunc, aborted *atomic.Bool, onFinished func(model.Result, []byte)) {
	defer cancel()

	var output []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			output = append(output, chunk...)
			run.Log.Append(chunk)
			s.logs.Publish(run.Name, run.Build, chunk, false)
		}
		if err != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	run.Log.MarkComplete()
	s.logs.Publish(run.Name, run.Build, nil, true)

	result := resultFromWait(aborted.Load(), waitErr)
	s.log.Debug("run finished", "name", run.Name, "build", run.Build, "result", result)
	onFinished(result, output)
}

func resultFromWait(aborted bool, waitErr error) model.Result {
	if aborted {
		return model.ResultAborted
	}
	if waitErr == nil {
		return model.ResultSuccess
	}
	return model.ResultFailed
}

// runEnv exposes the run's identity and parameters to the script as
// environment variables, the convention every teacher-pack CI-style
// executor follows for passing invocation context to a child process.
func runEnv(run *model.Run) []string {
	env := []string{
		"JOB=" + run.Name,
		"RUN=" + strconv.Itoa(run.Build),
		"RESULT=" + string(run.Result),
		"LAST_RESULT=" + string(run.LastResult),
	}
	if run.ParentName != "" {
		env = append(env, "JOB_PARENT="+run.ParentName, "RUN_PARENT="+strconv.Itoa(run.ParentBuild))
	}
	for k, v := range run.Params {
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}
