package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/cruciblehq/kiln/internal/health"
)

// Represents the 'kiln probe' command.
type ProbeCmd struct {
	URL         string        `arg:"" help:"Health endpoint to check."`
	Interval    time.Duration `default:"15s" help:"Time between checks."`
	Timeout     time.Duration `default:"5s" help:"Time a single check may take."`
	StartPeriod time.Duration `default:"5s" help:"Grace period during which failures do not count."`
	Retries     int           `default:"3" help:"Consecutive failures before the service is unhealthy."`
	Exit        bool          `help:"Exit with an error once the service is unhealthy."`
}

// Executes the probe command.
//
// Checks run until interrupted. Every status change is logged.
func (c *ProbeCmd) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := health.Probe{
		Interval:    c.Interval,
		Timeout:     c.Timeout,
		StartPeriod: c.StartPeriod,
		Retries:     c.Retries,
	}

	unhealthy := false
	err := health.Watch(ctx, health.NewHTTPChecker(c.URL), p, func(t health.Transition) {
		attrs := []any{"from", t.From, "to", t.To, "failures", t.Failures}
		if t.Err != nil {
			attrs = append(attrs, "error", t.Err)
		}

		if t.To == health.StatusUnhealthy {
			slog.Warn("service unhealthy", attrs...)
			if c.Exit {
				unhealthy = true
				cancel()
			}
			return
		}
		slog.Info("service "+string(t.To), attrs...)
	})
	if err != nil {
		return err
	}

	if unhealthy {
		return health.ErrUnhealthy
	}
	return nil
}
