// Package ws serves the terminal protocol over WebSocket connections.
//
// Each connection runs two goroutines:
//   - readPump decodes client frames in arrival order and acts on them
//     (create, input, resize, close)
//   - writePump is the only writer on the socket; it drains the
//     connection's Queue and sends keepalive pings
//
// Session read loops push output frames into the Queue without blocking.
// A connection owns the sessions it created and closes all of them when it
// goes away, whichever side fails first.
package ws
