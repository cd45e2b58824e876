package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/protocol"
)

// Handles a build command.
//
// The recipe arrives with arguments unsubstituted; the request's overrides
// are applied here so that an undeclared override fails before any container
// work. The build is cancelled if the client disconnects.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	opts, err := buildOptions(req)
	if err != nil {
		s.fail(conn, err)
		return
	}

	if err := s.beginBuild(); err != nil {
		s.fail(conn, err)
		return
	}
	s.metrics.BuildStarted()

	result, err := build.Run(ctx, build.Services{
		Runtime:  build.ContainerdRuntime(s.runtime),
		Index:    s.index,
		Mounts:   s.mounts,
		Observer: s.metrics,
	}, opts)

	s.metrics.BuildFinished(err)
	s.endBuild(err == nil)

	if err != nil {
		slog.Error("build failed", "resource", req.Resource, "error", err)
		s.fail(conn, err)
		return
	}

	res := &protocol.BuildResult{Output: result.Output}
	for _, st := range result.Stages {
		res.Stages = append(res.Stages, protocol.StageSummary{
			Platform: st.Platform,
			Stage:    st.Stage,
			Key:      st.Key,
			Cached:   st.Cached,
			Executed: st.Executed,
		})
	}

	s.respond(conn, protocol.CmdOK, res)
}

// Converts a build request into build options.
func buildOptions(req *protocol.BuildRequest) (build.Options, error) {
	if req.Recipe == nil {
		return build.Options{}, errs.Wrapf(build.ErrBuild, "request has no recipe")
	}

	if !filepath.IsAbs(req.Root) || !filepath.IsAbs(req.Output) {
		return build.Options{}, errs.Wrapf(build.ErrBuild, "root and output must be absolute paths")
	}

	rec, err := req.Recipe.Resolve(req.Args)
	if err != nil {
		return build.Options{}, err
	}

	opts := build.Options{
		Recipe:    rec,
		Resource:  req.Resource,
		Name:      req.Name,
		Output:    req.Output,
		Root:      req.Root,
		Platforms: req.Platforms,
		NoCache:   req.NoCache,
	}

	if req.Epoch != nil {
		epoch := time.Unix(*req.Epoch, 0).UTC()
		opts.Epoch = &epoch
	}

	return opts, nil
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds, active := s.builds, s.active
	s.mu.Unlock()

	entries, err := s.index.List()
	if err != nil {
		slog.Warn("failed to read cache index", "error", err)
	}

	status := &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  time.Since(s.startedAt).Truncate(time.Second).String(),
		Builds:  builds,
		Active:  active,
		Cache:   len(entries),
	}
	if s.metricsSrv != nil {
		status.Metrics = s.metricsSrv.Addr
	}

	s.respond(conn, protocol.CmdOK, status)
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

// Handles a cache listing command.
func (s *Server) handleCacheList(conn net.Conn) {
	entries, err := s.index.List()
	if err != nil {
		s.fail(conn, err)
		return
	}

	usage, err := s.mounts.Usage()
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.CacheListResult{Entries: entries, Mounts: usage})
}

// Handles a cache prune command.
//
// Index entries are removed first, then their images. An image that cannot
// be removed is logged and left for the next prune; its entry is already
// gone, so it will not be used again. Pruning is refused while builds run,
// and builds are refused while it runs, since a build may commit or start
// from the entries being removed.
func (s *Server) handleCachePrune(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.CachePruneRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	if err := s.beginPrune(); err != nil {
		s.fail(conn, err)
		return
	}
	defer s.endPrune()

	var cutoff time.Time
	if req.OlderThan > 0 {
		cutoff = time.Now().Add(-req.OlderThan)
	}

	removed, err := s.index.Prune(cutoff)
	if err != nil {
		s.fail(conn, err)
		return
	}

	res := &protocol.CachePruneResult{Entries: len(removed)}
	for _, e := range removed {
		if err := s.runtime.DestroyImage(ctx, e.Image); err != nil {
			slog.Warn("failed to remove cache image", "image", e.Image, "error", err)
			continue
		}
		res.Reclaimed += e.Size
	}

	if req.Mounts {
		if res.Mounts, err = s.mounts.Prune(); err != nil {
			s.fail(conn, err)
			return
		}
	}

	slog.Info("cache pruned", "entries", res.Entries, "mounts", len(res.Mounts))
	s.respond(conn, protocol.CmdOK, res)
}

// Registers a running build unless a cache prune holds the daemon.
func (s *Server) beginBuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pruning {
		return errs.Wrapf(ErrBusy, "cache prune in progress")
	}
	s.active++
	return nil
}

func (s *Server) endBuild(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if ok {
		s.builds++
	}
}

// Claims the daemon for a cache prune. Fails while builds run or another
// prune is in progress.
func (s *Server) beginPrune() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		return errs.Wrapf(ErrBusy, "%d builds running", s.active)
	}
	if s.pruning {
		return errs.Wrapf(ErrBusy, "cache prune in progress")
	}
	s.pruning = true
	return nil
}

func (s *Server) endPrune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruning = false
}
