package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/dustin/go-humanize"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Amount of output kept for error reporting.
const tailSize = 8 << 10

// Sequence counter for exec process identifiers.
var execSeq atomic.Uint64

func nextExecID() string {
	return fmt.Sprintf("exec-%d", execSeq.Add(1))
}

// A process to run inside a container.
//
// Env and Workdir override the container's own values for this process
// only. Output written to Stdout and Stderr is also kept, up to the last
// few kilobytes, in the result.
type Command struct {
	Args    []string
	Env     []string
	Workdir string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Outcome of a process run with [Container.Exec].
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Tail of the standard output.
	Stderr   string // Tail of the standard error.
}

// Runs a command inside the container and waits for it to exit.
//
// A non-zero exit code is reported in the result, not as an error.
func (c *Container) Exec(ctx context.Context, cmd Command) (*ExecResult, error) {
	if len(cmd.Args) == 0 {
		return nil, errs.Wrapf(ErrRuntime, "exec without arguments")
	}

	pspec, err := c.processSpec(ctx, cmd)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	stdout, stderr := newTail(tailSize), newTail(tailSize)
	code, err := c.execProcess(ctx, pspec, cmd.Stdin, tee(stdout, cmd.Stdout), tee(stderr, cmd.Stderr))
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Builds the OCI process spec for a command.
//
// The base values come from the container's spec, which carries the image
// config, and the command's env and workdir are laid over them.
func (c *Container) processSpec(ctx context.Context, cmd Command) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = cmd.Args

	if len(cmd.Env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, cmd.Env)
	}
	if cmd.Workdir != "" {
		pspec.Cwd = cmd.Workdir
	}

	return &pspec, nil
}

// Merges override env vars on top of a base env slice.
//
// Keys keep the position of their first occurrence, so the result is stable
// for identical inputs. Malformed entries are dropped.
func mergeEnv(base, overrides []string) []string {
	index := make(map[string]int, len(base)+len(overrides))
	result := make([]string, 0, len(base)+len(overrides))

	for _, entry := range append(append([]string{}, base...), overrides...) {
		k, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if i, seen := index[k]; seen {
			result[i] = entry
			continue
		}
		index[k] = len(result)
		result = append(result, entry)
	}

	return result
}

// Starts a process in the container's idle task and waits for it.
func (c *Container) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	task, err := c.loadTask(ctx)
	if err != nil {
		return 0, err
	}

	var pipe *stdinPipe
	if stdin != nil {
		pipe = newStdinPipe(stdin)
		stdin = pipe
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}

	code, err := awaitProcess(ctx, process, pipe)
	if pipe != nil {
		slog.Debug("exec input", "container", c.id, "command", pspec.Args[0], "size", humanize.IBytes(uint64(pipe.Len())))
	}
	return code, err
}

func (c *Container) loadTask(ctx context.Context) (containerd.Task, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	return task, nil
}

// Waits for an exec process to exit and returns the exit code.
//
// When the process has input, its stdin is closed once the pipe is drained
// so that it receives EOF. The process is always deleted before returning.
func awaitProcess(ctx context.Context, process containerd.Process, stdin *stdinPipe) (int, error) {
	statusC, err := process.Wait(ctx)
	if err != nil {
		process.Delete(ctx)
		return 0, errs.Wrap(ErrRuntime, err)
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(ctx)
		return 0, errs.Wrap(ErrRuntime, err)
	}

	exited := make(chan struct{})
	if stdin != nil {
		go func() {
			select {
			case <-stdin.done:
				process.CloseIO(ctx, containerd.WithStdinCloser)
			case <-exited:
			}
		}()
	}

	exitStatus := <-statusC
	close(exited)
	process.Delete(ctx)

	code, _, err := exitStatus.Result()
	if err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}

	return int(code), nil
}

// Keeps the last bytes written to it.
type tail struct {
	mu   sync.Mutex
	max  int
	buf  []byte
	lost bool
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.lost = true
	}
	return len(p), nil
}

// Returns the kept output, marked when earlier output was dropped.
func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lost {
		return "..." + string(t.buf)
	}
	return string(t.buf)
}

// Returns a writer feeding t and, when set, w.
func tee(t *tail, w io.Writer) io.Writer {
	if w == nil {
		return t
	}
	return io.MultiWriter(t, w)
}
