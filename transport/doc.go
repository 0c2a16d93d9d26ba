// Package transport provides the wire layer of job event streams.
//
// # Overview
//
// A job stream is a websocket carrying JSON frames:
//
//	{ "type": "progress", "device_id": "d-1", "value": 40, "message": "..." }
//
// ParseFrame decodes them into a Frame whose Kind says what the frame
// means for a job: informational, keepalive, a server-side timeout hint,
// completion, or failure. Device and task ids may arrive as strings or
// numbers and are normalised to strings.
//
// # Connections
//
// The Conn and Dialer interfaces hide gorilla/websocket from the channel
// so tests can substitute scripted connections:
//
//	d := transport.NewWebSocketDialer(transport.DefaultConfig(), nil)
//	conn, err := d.Dial(ctx, "wss://backend/stream/job-1")
//	data, err := conn.ReadMessage()
//	code, reason := transport.CloseCode(err)
//
// Close codes 1000 and 1001 end a stream normally. Every other code, and
// every read error without a close frame (reported as 1006), is abnormal.
//
// # Thread Safety
//
// Conn writes are serialized internally. Reads must come from a single
// goroutine.
package transport
