package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cruciblehq/kiln/internal/protocol"
)

// Represents the 'kiln build' command.
type BuildCmd struct {
	ProjectFlags

	Output          string   `short:"o" default:"dist" placeholder:"DIR" help:"Directory for the exported image."`
	Platforms       []string `name:"platform" placeholder:"OS/ARCH" help:"Target platform. May be repeated. Defaults to the daemon's platform."`
	NoCache         bool     `help:"Execute every step, ignoring cached layers. Results are still cached."`
	SourceDateEpoch *int64   `env:"SOURCE_DATE_EPOCH" placeholder:"SECONDS" help:"Pin image timestamps to this Unix time."`
}

// Executes the build command.
//
// The project is checked and its recipe generated locally, so an invalid
// version argument or stale lock fails without contacting the daemon. The
// daemon then runs the build; interrupting the command cancels it.
func (c *BuildCmd) Run(ctx context.Context) error {
	b, err := c.prepare()
	if err != nil {
		return err
	}

	root, err := filepath.Abs(c.Dir)
	if err != nil {
		return err
	}

	output, err := filepath.Abs(c.Output)
	if err != nil {
		return err
	}

	slog.Info("building", "project", b.Project.Name, "image", b.Name, "output", output)

	result, err := daemon().Build(ctx, &protocol.BuildRequest{
		Recipe:    b.Recipe,
		Args:      b.Args,
		Resource:  resourceName(b.Project.Name),
		Name:      b.Name,
		Output:    output,
		Root:      root,
		Platforms: c.Platforms,
		NoCache:   c.NoCache,
		Epoch:     c.SourceDateEpoch,
	})
	if err != nil {
		return err
	}

	for _, st := range result.Stages {
		slog.Info("stage",
			"platform", st.Platform,
			"stage", st.Stage,
			"cached", st.Cached,
			"executed", st.Executed,
		)
	}

	fmt.Println(result.Output)
	return nil
}
