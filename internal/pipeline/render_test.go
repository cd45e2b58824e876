package pipeline

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/cruciblehq/kiln/internal/recipe"
)

func TestRenderPipeline(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, Generate(Defaults(), testProject())); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"ARG PYTHON_VERSION=3.12\n",
		"ARG POETRY_VERSION=1.8.3\n",
		"FROM docker.io/library/python:${PYTHON_VERSION}-slim-bookworm AS builder\n",
		"FROM docker.io/library/python:${PYTHON_VERSION}-slim-bookworm AS runtime\n",
		"WORKDIR /app\n",
		"RUN --mount=type=cache,id=apt-archives,target=/var/cache/apt,sharing=locked --mount=type=cache,id=apt-lists,target=/var/lib/apt,sharing=locked apt-get update",
		"COPY poetry.lock poetry.lock\n",
		"COPY --from=builder /opt/venv /opt/venv\n",
		"COPY docker/start.py /start.py\n",
		"EXPOSE 8008/tcp 8009/tcp 8448/tcp\n",
		"HEALTHCHECK --interval=15s --timeout=5s --start-period=5s --retries=3 CMD curl -fSs http://localhost:8008/health || exit 1\n",
		`ENTRYPOINT ["/start.py"]` + "\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered Dockerfile missing %q", want)
		}
	}

	if strings.Contains(out, "\nCMD ") {
		t.Errorf("rendered Dockerfile has a default command")
	}
}

func TestRenderStepModifiers(t *testing.T) {
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{{
			From: "alpine",
			Steps: []recipe.Step{
				{Workdir: "/src"},
				{Run: "make", Workdir: "/build", Env: map[string]string{"CC": "gcc -O2"}},
				{Run: "ls"},
			},
		}},
	}

	var buf bytes.Buffer
	if err := Render(&buf, rec); err != nil {
		t.Fatalf("Render: %v", err)
	}

	want := "WORKDIR /src\n" +
		"WORKDIR /build\n" +
		"RUN export CC='gcc -O2' && make\n" +
		"WORKDIR /src\n" +
		"RUN ls\n"
	if !strings.Contains(buf.String(), want) {
		t.Fatalf("rendered:\n%s\nwant to contain:\n%s", buf.String(), want)
	}
}

func TestRenderMultilineRun(t *testing.T) {
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{{
			From:  "alpine",
			Steps: []recipe.Step{{Run: "set -e\n  apk add curl\n\n  curl --version\n"}},
		}},
	}

	var buf bytes.Buffer
	if err := Render(&buf, rec); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), "RUN set -e && apk add curl && curl --version\n") {
		t.Fatalf("rendered:\n%s", buf.String())
	}
}

func TestRenderOutputNotLast(t *testing.T) {
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{
			{Name: "out", From: "alpine"},
			{Name: "tmp", From: "alpine", Transient: true},
		},
	}

	err := Render(&bytes.Buffer{}, rec)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("err = %v, want ErrRender", err)
	}
}

func TestCheckDockerfile(t *testing.T) {
	if err := checkDockerfile([]byte("FROM alpine\nRUN true\n"), 1); err != nil {
		t.Fatalf("checkDockerfile: %v", err)
	}
	if err := checkDockerfile([]byte("FROM alpine\nONBUILD RUN true\n"), 1); err == nil {
		t.Fatalf("unexpected instruction accepted")
	}
	if err := checkDockerfile([]byte("FROM alpine\nFROM alpine\n"), 1); err == nil {
		t.Fatalf("stage count mismatch accepted")
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"3.12":          "3.12",
		"":              `""`,
		"a b":           `"a b"`,
		`say "hi"`:      `"say \"hi\""`,
		"/opt/venv/bin": "/opt/venv/bin",
	}
	for in, want := range tests {
		if got := quote(in); got != want {
			t.Errorf("quote(%q) = %q, want %q", in, got, want)
		}
	}
}
