package build

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Captures debug records from the default logger for the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	saved := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	})))
	t.Cleanup(func() { slog.SetDefault(saved) })
	return &buf
}

func TestOutputLog(t *testing.T) {
	buf := captureLog(t)

	o := newOutputLog("stderr")
	for _, chunk := range []string{"Reading package ", "lists...\nDone\r\n", "\n", "partial"} {
		if _, err := o.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	o.Flush()
	o.Flush()

	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		`msg="run output" stream=stderr line="Reading package lists..."`,
		`msg="run output" stream=stderr line=Done`,
		`msg="run output" stream=stderr line=partial`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}
}
