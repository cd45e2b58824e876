// Package metrics exposes daemon build metrics in the Prometheus format.
//
// A [Collector] owns its own registry. It implements the build observer so
// that cache lookups and stage durations are recorded as builds run, and it
// counts finished builds by result. [Collector.Handler] serves the registry
// for scraping.
//
// Example usage:
//
//	m := metrics.New()
//	result, err := build.Run(ctx, build.Services{Runtime: build.ContainerdRuntime(rt), Observer: m}, opts)
//	m.BuildFinished(err)
//
//	http.Handle("/metrics", m.Handler())
package metrics
