// Package ratelimit provides a sliding-window event counter.
//
// The channel uses it to notice reconnect storms: when more than Limit
// reconnects were scheduled within Period, the next delay is forced to a
// flat value instead of following the exponential schedule.
//
//	w := ratelimit.NewWindow(ratelimit.DefaultConfig()) // >3 in 5s
//	if w.Record() {
//	    delay = 5 * time.Second
//	}
//
// Events fall out of the window once they are Period old.
package ratelimit
