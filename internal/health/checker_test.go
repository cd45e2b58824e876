package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusFound, true},
		{http.StatusNotFound, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewHTTPChecker(srv.URL + "/health").Check(context.Background())
			if tt.ok && err != nil {
				t.Fatalf("Check: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrCheckFailed) {
				t.Fatalf("err = %v, want ErrCheckFailed", err)
			}
		})
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := NewHTTPChecker(srv.URL).Check(ctx); !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("err = %v, want ErrCheckFailed", err)
	}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Check(ctx context.Context) error { return f(ctx) }

func TestWatchReportsUnhealthy(t *testing.T) {
	var calls atomic.Int32
	checker := checkerFunc(func(context.Context) error {
		if calls.Add(1) == 1 {
			return nil
		}
		return errDown
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Status
	err := Watch(ctx, checker, Probe{Interval: time.Millisecond, Retries: 3}, func(tr Transition) {
		got = append(got, tr.To)
		if tr.To == StatusUnhealthy {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if len(got) != 2 || got[0] != StatusHealthy || got[1] != StatusUnhealthy {
		t.Fatalf("transitions = %v, want [healthy unhealthy]", got)
	}
	if n := calls.Load(); n < 4 {
		t.Fatalf("checks = %d, want at least 4", n)
	}
}
