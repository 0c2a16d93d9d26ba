// Package jobs is the client for the backend job executor.
//
// The executor is opaque: CreateJob posts a device job and returns the id
// under which its events are streamed, and StopJob asks for early
// termination. Responses may carry the id as job_id, jobId or task_id, as
// a string or a number.
//
//	c, _ := jobs.NewHTTPClient("https://backend", jobs.WithRateLimit(20, 5))
//	id, err := c.CreateJob(ctx, jobs.Request{
//	    OperationID: opID,
//	    DeviceID:    "dev-1",
//	    Action:      "reboot",
//	})
//
// Non-2xx responses map to structured errors: 5xx to UNAVAILABLE, 429 to
// RATE_LIMITED, other statuses to SUBMISSION_REJECTED with the backend's
// error text.
package jobs
