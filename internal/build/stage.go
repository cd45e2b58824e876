package build

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/runtime"
)

// Tracks stage completion within one platform build.
//
// A stage's container is published once all of its steps have run. Waiting
// on a stage blocks until then or until the build is cancelled.
type stageSet struct {
	mu         sync.Mutex
	done       map[string]chan struct{}
	named      map[string]Container
	containers []Container
}

func newStageSet(plans []*stagePlan) *stageSet {
	s := &stageSet{
		done:       make(map[string]chan struct{}),
		named:      make(map[string]Container),
		containers: make([]Container, len(plans)),
	}
	for _, sp := range plans {
		if sp.stage.Name != "" {
			s.done[sp.stage.Name] = make(chan struct{})
		}
	}
	return s
}

// Publishes a finished stage.
func (s *stageSet) finish(sp *stagePlan, ctr Container) {
	s.mu.Lock()
	s.containers[sp.index] = ctr
	if sp.stage.Name != "" {
		s.named[sp.stage.Name] = ctr
	}
	s.mu.Unlock()

	if ch, ok := s.done[sp.stage.Name]; ok {
		close(ch)
	}
}

// Blocks until the named stage has finished and returns its container.
func (s *stageSet) wait(ctx context.Context, name string) (Container, error) {
	ch, ok := s.done[name]
	if !ok {
		return nil, errs.Wrapf(ErrStage, "unknown stage %q", name)
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, errs.Wrapf(ErrStage, "waiting for %q: %w", name, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.named[name], nil
}

// Returns the container of a finished stage by index.
func (s *stageSet) byIndex(index int) Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[index]
}

// Builds a single stage of a recipe for a specific platform.
//
// The container starts from the image of the longest cached prefix of the
// stage's operations, or from the base when nothing is cached. Modifiers of
// skipped steps are replayed so the remaining steps see the same state as in
// an uncached build. Each executed operation is committed to the cache.
func (b *builder) buildStage(ctx context.Context, sp *stagePlan, base *runtime.Base, platform string, stages *stageSet) error {
	started := time.Now()
	slog.Info(fmt.Sprintf("building stage %s", sp.label), "platform", platform)

	lease, err := b.acquireMounts(sp)
	if err != nil {
		return err
	}
	b.track(nil, lease)

	image, skip := b.lookup(ctx, sp, base)
	if skip > 0 {
		slog.Info(fmt.Sprintf("stage %s: using cache for %d of %d steps", sp.label, skip, sp.ops), "platform", platform)
	}

	id := b.containerID(sp.stage.Name, sp.index, platform)
	ctr, err := b.svc.Runtime.StartContainer(ctx, image, id, platform, lease.Mounts)
	if err != nil {
		return errs.Wrap(runtime.ErrRuntime, err)
	}
	b.track(ctr, nil)

	state := newStepState()
	for _, a := range sp.actions {
		if a.op == 0 {
			state.apply(a.step)
			continue
		}
		if a.op <= skip {
			continue
		}

		if err := b.executeOperation(ctx, ctr, a.step, state, stages); err != nil {
			return errs.Wrapf(ErrBuild, "step %d: %w", a.op, err)
		}

		if err := b.commit(ctx, ctr, sp, a, base, platform); err != nil {
			return errs.Wrapf(ErrBuild, "step %d: %w", a.op, err)
		}
	}

	stages.finish(sp, ctr)

	executed := sp.ops - skip
	elapsed := time.Since(started)
	b.svc.Observer.StageCompleted(stageName(sp), skip, executed, elapsed)
	b.record(StageResult{
		Platform: platform,
		Stage:    stageName(sp),
		Key:      sp.final,
		Cached:   skip,
		Executed: executed,
	})

	slog.Info(fmt.Sprintf("stage %s done", sp.label), "platform", platform, "cached", skip, "executed", executed, "elapsed", elapsed.Round(time.Millisecond))
	return nil
}

// Resolves host directories for the stage's cache mounts.
func (b *builder) acquireMounts(sp *stagePlan) (*cache.Lease, error) {
	if len(sp.mounts) == 0 {
		return &cache.Lease{}, nil
	}
	if b.svc.Mounts == nil {
		return nil, errs.Wrapf(ErrBuild, "stage %s uses cache mounts but no mount manager is configured", sp.label)
	}
	return b.svc.Mounts.Acquire(b.id, sp.mounts)
}

// Finds the longest cached prefix of the stage's operations.
//
// Returns the image to start from and the number of operations it covers.
// Index entries whose image no longer exists are dropped. Lookup errors are
// logged and treated as misses.
func (b *builder) lookup(ctx context.Context, sp *stagePlan, base *runtime.Base) (string, int) {
	if b.svc.Index == nil || b.opts.NoCache || sp.ops == 0 {
		return base.Name, 0
	}

	for op := sp.ops; op > 0; op-- {
		key := sp.keyAt(op)

		entry, ok, err := b.svc.Index.Get(key)
		if err != nil {
			slog.Warn("cache lookup failed", "stage", sp.label, "error", err)
			break
		}
		if !ok {
			continue
		}

		exists, err := b.svc.Runtime.ImageExists(ctx, entry.Image)
		if err != nil {
			slog.Warn("cache lookup failed", "stage", sp.label, "error", err)
			break
		}
		if !exists {
			slog.Debug("dropping stale cache entry", "key", key, "image", entry.Image)
			if err := b.svc.Index.Delete(key); err != nil {
				slog.Warn("failed to drop cache entry", "key", key, "error", err)
			}
			continue
		}

		b.svc.Observer.CacheLookup(stageName(sp), true)
		return entry.Image, op
	}

	b.svc.Observer.CacheLookup(stageName(sp), false)
	return base.Name, 0
}

// Commits the container after an operation and records it in the index.
//
// The index is only written once the image exists, so an interrupted build
// never leaves an entry pointing at a partial commit.
func (b *builder) commit(ctx context.Context, ctr Container, sp *stagePlan, a action, base *runtime.Base, platform string) error {
	if b.svc.Index == nil {
		return nil
	}

	tag := cache.Tag(a.key)
	size, err := ctr.Commit(ctx, base, tag, b.opts.Epoch)
	if err != nil {
		return errs.Wrap(runtime.ErrRuntime, err)
	}

	return b.svc.Index.Put(cache.Entry{
		Key:      a.key,
		Image:    tag,
		Stage:    stageName(sp),
		Step:     a.op,
		Platform: platform,
		Size:     size,
		Created:  time.Now().UTC(),
	})
}

// Returns the stage name, or its 1-based index when unnamed.
func stageName(sp *stagePlan) string {
	if sp.stage.Name != "" {
		return sp.stage.Name
	}
	return fmt.Sprintf("%d", sp.index+1)
}
