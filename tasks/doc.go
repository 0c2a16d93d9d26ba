// Package tasks tracks fan-out operations and their per-device jobs.
//
// An operation is one user action applied to many devices. Each device has
// a JobRecord whose state only moves forward:
//
//	Pending -> Running -> Completed
//	                   \-> Failed
//
// A Pending job may jump directly to Failed (its submission was rejected)
// or to Completed, in which case Running is recorded on the way. Once a job
// is terminal every later event for it is ignored, so duplicate terminal
// frames are harmless.
//
// # Aggregate State
//
// The operation's aggregate is derived, never set:
//
//   - Cancelled if the operation was cancelled
//   - Running while any job is Pending or Running
//   - Completed if every job completed
//   - Failed if every job failed
//   - PartiallyCompleted otherwise
//
// # Basic Usage
//
//	reg := tasks.NewRegistry()
//	op, err := reg.Create("", "reboot", []string{"dev-1", "dev-2"})
//
//	reg.Assign(op.OperationID, "dev-1", "job-7")
//	tr, _ := reg.Complete(op.OperationID, "dev-1", "")
//	if tr.Settled {
//	    // aggregate just became terminal
//	}
package tasks
