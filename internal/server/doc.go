// Package server implements the kiln daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands from
// the kiln CLI. Each connection carries a single request-response exchange:
// the client sends a newline-delimited JSON envelope, the server dispatches
// the command, and writes the result back before closing the connection. A
// client that disconnects early cancels its request.
//
// Build commands are delegated to the build package, which uses the runtime
// package for container operations against containerd. The daemon owns the
// layer cache index and the cache mount directories, lists and prunes them
// on request, and optionally serves Prometheus metrics over TCP.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    ContainerdAddress:   "/run/containerd/containerd.sock",
//	    ContainerdNamespace: "kiln",
//	    MetricsAddress:      "127.0.0.1:9464",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
