package cli

import (
	"context"
	"os"

	"github.com/cruciblehq/kiln/internal/pipeline"
)

// Represents the 'kiln render' command.
type RenderCmd struct {
	ProjectFlags

	Dockerfile bool `help:"Render an equivalent Dockerfile instead of the recipe."`
}

// Executes the render command.
func (c *RenderCmd) Run(ctx context.Context) error {
	b, err := c.prepare()
	if err != nil {
		return err
	}

	if c.Dockerfile {
		return pipeline.Render(os.Stdout, b.Recipe)
	}
	return b.Recipe.Encode(os.Stdout)
}
