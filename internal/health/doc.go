// Package health evaluates liveness probes the way a container orchestrator
// does.
//
// A [Probe] carries the image healthcheck parameters. A [Monitor] consumes
// check results and derives the container status: failures during the
// start period are not counted, any success marks the container healthy
// and resets the failure streak, and Retries consecutive counted failures
// mark it unhealthy. [Watch] drives a [Checker] at the probe interval and
// reports every status change.
//
// Example usage:
//
//	p := health.FromHealthcheck(img.Healthcheck)
//	checker := health.NewHTTPChecker("http://localhost:8008/health")
//
//	err := health.Watch(ctx, checker, p, func(t health.Transition) {
//	    slog.Info("health changed", "from", t.From, "to", t.To)
//	})
package health
