package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/kiln/internal/server"
)

// Represents the 'kiln start' command.
type StartCmd struct {
	Containerd string `help:"Containerd socket address." default:"${containerd_address}" placeholder:"PATH"`
	Namespace  string `help:"Containerd namespace for images and containers." default:"${containerd_namespace}"`
	Metrics    string `help:"Serve Prometheus metrics on this TCP address." placeholder:"ADDR"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command is received.
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath:          RootCmd.Socket,
		ContainerdAddress:   c.Containerd,
		ContainerdNamespace: c.Namespace,
		MetricsAddress:      c.Metrics,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}

	slog.Info("kiln is running")

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}
