package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/kiln/internal"
)

// Represents the 'kiln version' command.
type VersionCmd struct {
	Short bool `help:"Print only the release version."`
}

// Prints the version of this binary.
//
// The daemon may run a different build; 'kiln status' reports its version.
func (c *VersionCmd) Run(ctx context.Context) error {
	if c.Short {
		fmt.Println(internal.Version())
		return nil
	}
	fmt.Printf("%s %s\n", internal.Name, internal.VersionString())
	return nil
}
