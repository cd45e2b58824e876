package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// Instructions the renderer emits. Anything else in the parsed output means
// a value leaked across a line boundary.
var instructions = map[string]bool{
	"arg":         true,
	"from":        true,
	"run":         true,
	"copy":        true,
	"env":         true,
	"workdir":     true,
	"shell":       true,
	"expose":      true,
	"label":       true,
	"healthcheck": true,
	"entrypoint":  true,
	"cmd":         true,
	"user":        true,
}

// Writes a Dockerfile equivalent to the recipe.
//
// Build arguments are declared globally with their defaults and again in
// every stage. Cache mounts become RUN --mount=type=cache flags. Modifiers
// attached to a single operation are applied around it and then restored.
// The exported stage must be the last one, since that is what a Dockerfile
// build produces. The output is parsed back before it is written.
func Render(w io.Writer, rec *recipe.Recipe) error {
	stage, i := rec.Output()
	if stage == nil || i != len(rec.Stages)-1 {
		return errs.Wrapf(ErrRender, "the exported stage must be the last stage")
	}

	var buf bytes.Buffer
	r := &renderer{buf: &buf, args: rec.Args}

	r.line("# syntax=docker/dockerfile:1")
	for _, a := range rec.Args {
		if a.Default == "" {
			r.line("ARG %s", a.Name)
		} else {
			r.line("ARG %s=%s", a.Name, quote(a.Default))
		}
	}

	for _, s := range rec.Stages {
		if err := r.stage(s); err != nil {
			return errs.Wrap(ErrRender, err)
		}
	}
	r.image(rec.Image)

	if err := checkDockerfile(buf.Bytes(), len(rec.Stages)); err != nil {
		return errs.Wrap(ErrRender, err)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// Tracks the modifiers in effect while rendering a stage.
type renderer struct {
	buf     *bytes.Buffer
	args    []recipe.Arg
	shell   string
	workdir string
}

func (r *renderer) line(format string, a ...any) {
	fmt.Fprintf(r.buf, format+"\n", a...)
}

func (r *renderer) stage(s recipe.Stage) error {
	r.shell, r.workdir = "", ""

	r.line("")
	if s.Name != "" {
		r.line("FROM %s AS %s", s.From, s.Name)
	} else {
		r.line("FROM %s", s.From)
	}
	for _, a := range r.args {
		r.line("ARG %s", a.Name)
	}

	return r.steps(s.Steps)
}

func (r *renderer) steps(steps []recipe.Step) error {
	for _, s := range steps {
		switch {
		case len(s.Steps) > 0:
			r.modifiers(s)
			if err := r.steps(s.Steps); err != nil {
				return err
			}
		case s.IsOperation():
			if err := r.operation(s); err != nil {
				return err
			}
		default:
			r.modifiers(s)
		}
	}
	return nil
}

// Emits persistent modifiers.
func (r *renderer) modifiers(s recipe.Step) {
	if s.Shell != "" {
		r.line("SHELL %s", jsonArray(s.Shell, "-c"))
		r.shell = s.Shell
	}
	if s.Workdir != "" {
		r.line("WORKDIR %s", s.Workdir)
		r.workdir = s.Workdir
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		r.line("ENV %s=%s", k, quote(s.Env[k]))
	}
}

// Emits a RUN or COPY, wrapping it in its own shell and workdir if it has
// them.
func (r *renderer) operation(s recipe.Step) error {
	if s.Shell != "" && s.Shell != r.shell {
		r.line("SHELL %s", jsonArray(s.Shell, "-c"))
		defer r.line("SHELL %s", jsonArray(orDefault(r.shell, "/bin/sh"), "-c"))
	}
	if s.Workdir != "" && s.Workdir != r.workdir {
		r.line("WORKDIR %s", s.Workdir)
		defer r.line("WORKDIR %s", orDefault(r.workdir, "/"))
	}

	if s.Copy != "" {
		fields := strings.Fields(s.Copy)
		if len(fields) != 2 {
			return fmt.Errorf("expected source and destination, got %q", s.Copy)
		}
		if name, p, ok := recipe.ParseStageCopy(fields[0]); ok {
			r.line("COPY --from=%s %s %s", name, p, fields[1])
		} else {
			r.line("COPY %s %s", fields[0], fields[1])
		}
		return nil
	}

	var b strings.Builder
	b.WriteString("RUN ")
	for _, m := range s.Mounts {
		fmt.Fprintf(&b, "--mount=type=cache,id=%s,target=%s,sharing=%s ", m.Key(), m.Target, m.Mode())
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		fmt.Fprintf(&b, "export %s=%s && ", k, shellQuote(s.Env[k]))
	}
	b.WriteString(joinLines(s.Run))
	r.line("%s", b.String())
	return nil
}

// Emits the image config after the exported stage.
func (r *renderer) image(ic recipe.ImageConfig) {
	for _, k := range slices.Sorted(maps.Keys(ic.Env)) {
		r.line("ENV %s=%s", k, quote(ic.Env[k]))
	}
	if ic.Workdir != "" {
		r.line("WORKDIR %s", ic.Workdir)
	}
	if ic.User != "" {
		r.line("USER %s", ic.User)
	}
	if len(ic.Ports) > 0 {
		ports := make([]string, 0, len(ic.Ports))
		for _, p := range ic.Ports {
			if norm, err := recipe.NormalizePort(p); err == nil {
				ports = append(ports, norm)
			}
		}
		r.line("EXPOSE %s", strings.Join(ports, " "))
	}
	for _, k := range slices.Sorted(maps.Keys(ic.Labels)) {
		r.line("LABEL %s=%s", k, quote(ic.Labels[k]))
	}
	if hc := ic.Healthcheck; hc != nil && len(hc.Test) > 0 {
		r.line("%s", healthcheck(hc))
	}
	if len(ic.Entrypoint) > 0 {
		r.line("ENTRYPOINT %s", jsonArray(ic.Entrypoint...))
	}
	if len(ic.Cmd) > 0 {
		r.line("CMD %s", jsonArray(ic.Cmd...))
	}
}

// Formats a HEALTHCHECK instruction.
func healthcheck(hc *recipe.Healthcheck) string {
	if hc.Test[0] == "NONE" {
		return "HEALTHCHECK NONE"
	}

	var b strings.Builder
	b.WriteString("HEALTHCHECK")
	if hc.Interval > 0 {
		fmt.Fprintf(&b, " --interval=%s", hc.Interval)
	}
	if hc.Timeout > 0 {
		fmt.Fprintf(&b, " --timeout=%s", hc.Timeout)
	}
	if hc.StartPeriod > 0 {
		fmt.Fprintf(&b, " --start-period=%s", hc.StartPeriod)
	}
	if hc.Retries > 0 {
		fmt.Fprintf(&b, " --retries=%d", hc.Retries)
	}

	switch hc.Test[0] {
	case "CMD-SHELL":
		b.WriteString(" CMD " + strings.Join(hc.Test[1:], " "))
	case "CMD":
		b.WriteString(" CMD " + jsonArray(hc.Test[1:]...))
	default:
		b.WriteString(" CMD " + jsonArray(hc.Test...))
	}
	return b.String()
}

// Parses the rendered Dockerfile and checks its shape.
func checkDockerfile(data []byte, stages int) error {
	result, err := parser.Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}

	froms := 0
	for _, node := range result.AST.Children {
		if !instructions[node.Value] {
			return fmt.Errorf("line %d: unexpected instruction %q", node.StartLine, node.Value)
		}
		if node.Value == "from" {
			froms++
		}
	}

	if froms != stages {
		return fmt.Errorf("rendered %d stages, want %d", froms, stages)
	}
	return nil
}

// Joins a multi-line command into one shell line.
func joinLines(cmd string) string {
	var parts []string
	for _, l := range strings.Split(cmd, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " && ")
}

// Quotes a value when it is not a plain word.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$") {
		return s
	}
	return strconv.Quote(s)
}

// Quotes a value for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func jsonArray(values ...string) string {
	b, _ := json.Marshal(values)
	return string(b)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
