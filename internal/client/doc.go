// Package client talks to the kiln daemon over its Unix socket.
//
// Each call opens a connection, writes one request envelope and waits for
// the response. Cancelling the context closes the connection, which the
// daemon treats as a cancellation of the request.
//
// Example usage:
//
//	c := client.New(paths.Socket())
//
//	status, err := c.Status(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(status.Version)
package client
