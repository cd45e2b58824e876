package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/client"
	"github.com/cruciblehq/kiln/internal/logging"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/server"
	"github.com/mattn/go-isatty"
)

// Represents the root command for kiln.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Socket  string     `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`
	Start   StartCmd   `cmd:"" help:"Start the daemon."`
	Build   BuildCmd   `cmd:"" help:"Build the server image of a project."`
	Render  RenderCmd  `cmd:"" help:"Print the generated recipe or an equivalent Dockerfile."`
	Probe   ProbeCmd   `cmd:"" help:"Monitor a running service with the image healthcheck semantics."`
	Status  StatusCmd  `cmd:"" help:"Show daemon status."`
	Stop    StopCmd    `cmd:"" help:"Stop the daemon."`
	Cache   CacheCmd   `cmd:"" help:"Inspect and prune the build cache."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Reproducible two-stage image builds for Python services.\n\nThe daemon executes builds on containerd; the other commands talk to it over a Unix domain socket."),
		kong.UsageOnError(),
		kong.Vars{
			"version":              internal.VersionString(),
			"containerd_address":   server.DefaultContainerdAddress,
			"containerd_namespace": server.DefaultContainerdNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	handler, ok := slog.Default().Handler().(*logging.Handler)
	if !ok {
		return // Not a logging.Handler, nothing to configure
	}

	level := internal.LogLevel()
	switch {
	case RootCmd.Debug:
		level = slog.LevelDebug
	case RootCmd.Quiet:
		level = slog.LevelWarn
	}
	handler.SetLevel(level)

	verbose := RootCmd.Verbose || internal.IsVerbose()

	handler.SetFormatter(logging.NewFormatter(isTerminal(os.Stderr), verbose))
	handler.SetStream(os.Stderr)
	handler.Flush()
}

// Whether the given file is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Returns a client for the daemon socket selected by the global flags.
func daemon() *client.Client {
	socket := RootCmd.Socket
	if socket == "" {
		socket = paths.Socket()
	}
	return client.New(socket)
}
