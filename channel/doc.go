// Package channel maintains self-healing event streams to job endpoints.
//
// # Overview
//
// A Channel holds at most one live connection. It is created by a Manager
// from an endpoint token (usually a job id) and delivers Opened, Message,
// Stale, Closed and Failed events to a Handler.
//
//	m, _ := channel.NewManager("wss://backend/stream", channel.DefaultConfig())
//	id, err := m.Open(jobID, func(ev channel.Event) {
//	    if ev.Type == channel.EventMessage {
//	        queue.Push(ev.Payload)
//	    }
//	})
//	defer m.Close(id)
//
// # Reconnection
//
// A closure with any code other than 1000 or 1001 schedules a reconnect
// after min(BaseDelay*2^n, MaxDelay), where n counts consecutive failed
// attempts. When n reaches MaxAttempts the channel emits Failed and stops.
// If more reconnects than RateLimit allows were scheduled within its
// window, the flat RateLimitDelay is used instead. The attempt counter
// resets once a connection stays open for a full ping interval.
//
// # Liveness
//
// A ping frame is written immediately after Open and then every
// PingInterval. A Watchdog checks every CheckInterval whether any frame
// arrived within MessageTimeout; if not, the channel emits Stale, drops the
// connection and follows the reconnect path.
//
// # Cancellation
//
// Close bumps the connection generation, so timers and reads belonging to
// an earlier connection become no-ops. After Close no event except the
// final Closed is delivered and no reconnect is scheduled.
package channel
