package cli

import (
	"context"
	"fmt"
	"log/slog"
)

// Represents the 'kiln status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	status, err := daemon().Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("version:  %s\n", status.Version)
	fmt.Printf("pid:      %d\n", status.Pid)
	fmt.Printf("uptime:   %s\n", status.Uptime)
	fmt.Printf("builds:   %d (%d running)\n", status.Builds, status.Active)
	fmt.Printf("cache:    %d entries\n", status.Cache)
	if status.Metrics != "" {
		fmt.Printf("metrics:  %s\n", status.Metrics)
	}
	return nil
}

// Represents the 'kiln stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	if err := daemon().Shutdown(ctx); err != nil {
		return err
	}
	slog.Info("daemon stopping")
	return nil
}
