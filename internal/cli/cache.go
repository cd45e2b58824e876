package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/dustin/go-humanize"
)

// Represents the 'kiln cache' command group.
type CacheCmd struct {
	Ls    CacheLsCmd    `cmd:"" help:"List cached layers and cache mounts."`
	Prune CachePruneCmd `cmd:"" help:"Remove cached layers."`
}

// Represents the 'kiln cache ls' command.
type CacheLsCmd struct{}

// Executes the cache ls command.
func (c *CacheLsCmd) Run(ctx context.Context) error {
	res, err := daemon().CacheList(ctx)
	if err != nil {
		return err
	}
	return printCache(os.Stdout, res, time.Now())
}

// Writes cache entries and mount usage as tables.
func printCache(out io.Writer, res *protocol.CacheListResult, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "KEY\tSTAGE\tSTEP\tPLATFORM\tSIZE\tCREATED")
	for _, e := range res.Entries {
		key := e.Key.Encoded()
		if len(key) > 12 {
			key = key[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			key, e.Stage, e.Step, e.Platform,
			humanize.Bytes(uint64(e.Size)),
			humanize.RelTime(e.Created, now, "ago", "from now"),
		)
	}

	if len(res.Mounts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "MOUNT\tSIZE")
		for _, m := range res.Mounts {
			fmt.Fprintf(w, "%s\t%s\n", m.Name, humanize.Bytes(uint64(m.Size)))
		}
	}

	return w.Flush()
}

// Represents the 'kiln cache prune' command.
type CachePruneCmd struct {
	OlderThan time.Duration `placeholder:"DURATION" help:"Only remove layers older than this. Removes all by default."`
	Mounts    bool          `help:"Also remove cache mount directories."`
}

// Executes the cache prune command.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	res, err := daemon().CachePrune(ctx, &protocol.CachePruneRequest{
		OlderThan: c.OlderThan,
		Mounts:    c.Mounts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("removed %d layers, reclaimed %s\n", res.Entries, humanize.Bytes(uint64(res.Reclaimed)))
	if len(res.Mounts) > 0 {
		fmt.Printf("removed %d cache mounts\n", len(res.Mounts))
	}
	return nil
}
