package build

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/runtime"
)

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified. Locked cache mounts used by a run
// step are held for the duration of the command.
func (b *builder) executeOperation(ctx context.Context, ctr Container, step recipe.Step, state *stepState, stages *stageSet) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := ctr.Mkdir(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		return b.executeRun(ctx, ctr, step, resolved)

	case step.Copy != "":
		return b.executeCopy(ctx, ctr, step.Copy, resolved.workdir, stages)
	}

	return nil
}

// Runs a shell command in the container.
func (b *builder) executeRun(ctx context.Context, ctr Container, step recipe.Step, resolved *stepState) error {
	unlock := func() {}
	if len(step.Mounts) > 0 && b.svc.Mounts != nil {
		var err error
		unlock, err = b.svc.Mounts.Lock(ctx, step.Mounts)
		if err != nil {
			return err
		}
	}
	defer unlock()

	slog.Info("run", "command", firstLine(step.Run))
	slog.Debug("run", "command", step.Run, "shell", resolved.shell, "workdir", resolved.workdir)

	stdout, stderr := newOutputLog("stdout"), newOutputLog("stderr")
	result, err := ctr.Exec(ctx, runtime.Command{
		Args:    []string{resolved.shell, "-c", step.Run},
		Env:     resolved.environ(),
		Workdir: resolved.workdir,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return err
	}

	if result.ExitCode != 0 {
		return errs.Wrapf(ErrRun, "exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	return nil
}

// Returns the first line of a command for progress output.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// Logs process output one line at a time at debug level.
type outputLog struct {
	mu     sync.Mutex
	stream string
	buf    []byte
}

func newOutputLog(stream string) *outputLog {
	return &outputLog{stream: stream}
}

func (o *outputLog) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf = append(o.buf, p...)
	for {
		i := bytes.IndexByte(o.buf, '\n')
		if i < 0 {
			break
		}
		o.emit(o.buf[:i])
		o.buf = o.buf[i+1:]
	}
	return len(p), nil
}

// Logs a trailing partial line.
func (o *outputLog) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.buf) > 0 {
		o.emit(o.buf)
		o.buf = nil
	}
}

func (o *outputLog) emit(line []byte) {
	if l := strings.TrimRight(string(line), "\r"); l != "" {
		slog.Debug("run output", "stream", o.stream, "line", l)
	}
}
