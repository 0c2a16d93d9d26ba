// Package heartbeat provides liveness detection for event streams.
//
// # Overview
//
// A stream is alive while messages keep arriving. The Monitor records the
// time of the last inbound message and answers whether the stream has been
// silent for longer than a timeout. The Watchdog polls a Monitor and calls
// back once per stale episode. The PingSender writes a keepalive frame
// immediately and then on a fixed interval so the server has something to
// answer.
//
//	┌──────────────┐  {"type":"ping"}   ┌────────┐
//	│  PingSender  │ ─────────────────> │ server │
//	└──────────────┘                    └────────┘
//	┌──────────────┐  any inbound frame      │
//	│   Monitor    │ <───────────────────────┘
//	└──────────────┘
//	       ^ IsStale(now, 45s)
//	┌──────────────┐
//	│   Watchdog   │ ── onStale(silence)
//	└──────────────┘
//
// # Usage
//
//	mon := heartbeat.NewMonitor(time.Now())
//	dog := heartbeat.NewWatchdog(mon, heartbeat.DefaultConfig(), func(d time.Duration) {
//	    conn.Close()
//	})
//	dog.Start()
//
//	pinger := heartbeat.NewPingSender(func(p heartbeat.Ping) error {
//	    return conn.WriteJSON(p)
//	}, 10*time.Second)
//	pinger.Start(ctx)
//
// Every inbound frame calls mon.RecordActivity(time.Now()).
package heartbeat
