// Package fanout turns one user action into a job per device and tracks
// them as a single operation.
//
// # Submission
//
// Submit creates the operation in the task registry, then creates jobs in
// batches (five at a time by default). A batch runs concurrently and the
// next one starts when it finishes. A device whose job cannot be created
// is marked failed; the rest of the batch continues.
//
// # Event channels
//
// In shared mode one channel, addressed by the first created job, carries
// events for every device. In per-device mode each job gets its own
// channel. Frames are routed by device_id, device_name and task_id. A
// frame with none of these goes to the channel's device, or to the only
// device of a single-device operation. A frame whose identifiers match no
// device is dropped.
//
// # Serial updates
//
// Each operation owns a mailbox goroutine. Channel events, creation
// results and cancellation are queued on it and applied one at a time, so
// channel readers never wait on the registry.
//
// # Subscribers
//
// Every change publishes a JSON Snapshot on the bus subject
// "<prefix>.<operation id>":
//
//	updates, cancel, _ := coord.Subscribe(opID)
//	defer cancel()
//	for snap := range updates {
//	    render(snap)
//	}
//
// The update channel closes after the snapshot that reports a terminal
// aggregate state.
package fanout
