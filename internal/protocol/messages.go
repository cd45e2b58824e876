package protocol

import (
	"time"

	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/opencontainers/go-digest"
)

// Payload of [CmdBuild].
type BuildRequest struct {
	Recipe    *recipe.Recipe    `json:"recipe"`
	Args      map[string]string `json:"args,omitempty"`      // Build argument overrides, substituted by the daemon.
	Resource  string            `json:"resource"`            // Prefix for container IDs.
	Name      string            `json:"name,omitempty"`      // Image reference recorded in the archive.
	Output    string            `json:"output"`              // Absolute output directory.
	Root      string            `json:"root"`                // Absolute build context root.
	Platforms []string          `json:"platforms,omitempty"` // Target platforms, defaulting to the daemon's.
	NoCache   bool              `json:"no_cache,omitempty"`
	Epoch     *int64            `json:"epoch,omitempty"` // Source date epoch in Unix seconds.
}

// Result of [CmdBuild].
type BuildResult struct {
	Output string         `json:"output"`
	Stages []StageSummary `json:"stages,omitempty"`
}

// Outcome of one stage of a build.
type StageSummary struct {
	Platform string        `json:"platform"`
	Stage    string        `json:"stage"`
	Key      digest.Digest `json:"key"`
	Cached   int           `json:"cached"`
	Executed int           `json:"executed"`
}

// Result of [CmdStatus].
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
	Active  int    `json:"active"`
	Cache   int    `json:"cache_entries"`
	Metrics string `json:"metrics,omitempty"` // Address of the metrics listener, if any.
}

// Result of [CmdCacheList].
type CacheListResult struct {
	Entries []cache.Entry      `json:"entries"`
	Mounts  []cache.MountUsage `json:"mounts"`
}

// Payload of [CmdCachePrune].
type CachePruneRequest struct {
	OlderThan time.Duration `json:"older_than,omitempty"` // Only entries created before now minus this. Zero prunes all.
	Mounts    bool          `json:"mounts,omitempty"`     // Also remove cache mount directories.
}

// Result of [CmdCachePrune].
type CachePruneResult struct {
	Entries   int      `json:"entries"`
	Reclaimed int64    `json:"reclaimed"`
	Mounts    []string `json:"mounts,omitempty"`
}

// Payload of [CmdError].
type ErrorResult struct {
	Message string `json:"message"`
}
