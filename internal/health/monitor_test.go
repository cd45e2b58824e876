package health

import (
	"errors"
	"testing"
	"time"

	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/google/go-cmp/cmp"
)

var errDown = errors.New("down")

func TestMonitor(t *testing.T) {
	probe := Probe{Interval: 15 * time.Second, Timeout: 5 * time.Second, StartPeriod: 5 * time.Second, Retries: 3}

	type result struct {
		at  time.Duration // Offset from start.
		err error
	}

	tests := []struct {
		name     string
		results  []result
		want     Status
		failures int
	}{
		{
			name:    "failures within start period do not count",
			results: []result{{1 * time.Second, errDown}, {2 * time.Second, errDown}, {3 * time.Second, errDown}, {4 * time.Second, errDown}},
			want:    StatusStarting,
		},
		{
			name:     "three failures after start period",
			results:  []result{{6 * time.Second, errDown}, {21 * time.Second, errDown}, {36 * time.Second, errDown}},
			want:     StatusUnhealthy,
			failures: 3,
		},
		{
			name:     "two failures are not enough",
			results:  []result{{6 * time.Second, errDown}, {21 * time.Second, errDown}},
			want:     StatusStarting,
			failures: 2,
		},
		{
			name:    "success within start period",
			results: []result{{1 * time.Second, nil}},
			want:    StatusHealthy,
		},
		{
			name:     "success resets the streak",
			results:  []result{{6 * time.Second, errDown}, {21 * time.Second, errDown}, {36 * time.Second, nil}, {51 * time.Second, errDown}, {66 * time.Second, errDown}},
			want:     StatusHealthy,
			failures: 2,
		},
		{
			name:    "recovers after unhealthy",
			results: []result{{6 * time.Second, errDown}, {21 * time.Second, errDown}, {36 * time.Second, errDown}, {51 * time.Second, nil}},
			want:    StatusHealthy,
		},
	}

	start := time.Unix(1700000000, 0)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(probe, start)
			for _, r := range tt.results {
				m.Record(start.Add(r.at), r.err)
			}
			if got := m.Status(); got != tt.want {
				t.Fatalf("Status() = %s, want %s", got, tt.want)
			}
			if got := m.Failures(); got != tt.failures {
				t.Fatalf("Failures() = %d, want %d", got, tt.failures)
			}
		})
	}
}

func TestMonitorTransitions(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := NewMonitor(Probe{Retries: 2}, start)

	var got []Status
	for i, err := range []error{nil, nil, errDown, errDown, errDown, nil} {
		if tr, changed := m.Record(start.Add(time.Duration(i)*time.Second), err); changed {
			got = append(got, tr.To)
		}
	}

	want := []Status{StatusHealthy, StatusUnhealthy, StatusHealthy}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestFromHealthcheck(t *testing.T) {
	got := FromHealthcheck(&recipe.Healthcheck{
		Test:     []string{"CMD-SHELL", "true"},
		Interval: 15 * time.Second,
	})
	want := Probe{
		Test:     []string{"CMD-SHELL", "true"},
		Interval: 15 * time.Second,
		Timeout:  DefaultTimeout,
		Retries:  DefaultRetries,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("probe mismatch (-want +got):\n%s", diff)
	}

	if p := FromHealthcheck(nil); p.Interval != DefaultInterval {
		t.Fatalf("Interval = %s, want %s", p.Interval, DefaultInterval)
	}
}
