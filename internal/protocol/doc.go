// Package protocol defines the messages exchanged between the kiln CLI and
// the daemon.
//
// Every message is a single JSON envelope terminated by a newline. The
// envelope carries the protocol version, a command and an optional payload.
// A connection holds exactly one exchange: the client writes a request, the
// daemon writes either an [CmdOK] or an [CmdError] response and closes the
// connection. Closing the connection early cancels the request.
//
// Example usage:
//
//	data, err := protocol.Encode(protocol.CmdStatus, nil)
//	if err != nil {
//	    return err
//	}
//	conn.Write(append(data, '\n'))
//
//	env, payload, err := protocol.Decode(line)
//	if err != nil {
//	    return err
//	}
//	if env.Command == protocol.CmdOK {
//	    status, err := protocol.DecodePayload[protocol.StatusResult](payload)
//	}
package protocol
