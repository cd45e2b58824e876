package health

import (
	"time"

	"github.com/cruciblehq/kiln/internal/recipe"
)

// Defaults applied to unset probe fields, matching the container engine's.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultRetries  = 3
)

// Liveness probe parameters.
type Probe struct {
	Test        []string      // Command in the image healthcheck form, informational for HTTP checks.
	Interval    time.Duration // Time between checks.
	Timeout     time.Duration // Time a single check may take.
	StartPeriod time.Duration // Grace period after start during which failures do not count.
	Retries     int           // Consecutive counted failures before the service is unhealthy.
}

// Creates a [Probe] from an image healthcheck, applying defaults.
func FromHealthcheck(hc *recipe.Healthcheck) Probe {
	var p Probe
	if hc != nil {
		p = Probe{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			StartPeriod: hc.StartPeriod,
			Retries:     hc.Retries,
		}
	}
	return p.withDefaults()
}

func (p Probe) withDefaults() Probe {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Retries <= 0 {
		p.Retries = DefaultRetries
	}
	if p.StartPeriod < 0 {
		p.StartPeriod = 0
	}
	return p
}
