package tasks

import (
	"errors"
	"time"

	taskerr "github.com/vinayprograms/taskfeed/errors"
)

// Common errors.
var (
	// ErrOperationNotFound indicates the operation id is unknown or released.
	ErrOperationNotFound = taskerr.New(taskerr.ErrCodeNotFound, "operation not found")

	// ErrOperationExists indicates an operation with the same id is tracked.
	ErrOperationExists = taskerr.New(taskerr.ErrCodeConflict, "operation already exists")

	// ErrDeviceNotFound indicates the device is not part of the operation.
	ErrDeviceNotFound = taskerr.New(taskerr.ErrCodeNotFound, "device not part of operation")

	// ErrNoTargets indicates an operation was created without devices.
	ErrNoTargets = taskerr.FromCode(taskerr.ErrCodeNoTargets)

	// ErrRegistryClosed indicates the registry has been closed.
	ErrRegistryClosed = errors.New("registry closed")
)

// JobState is the state of one device job.
type JobState string

const (
	// JobPending means the job has not been created on the backend yet.
	JobPending JobState = "pending"

	// JobRunning means the backend accepted the job.
	JobRunning JobState = "running"

	// JobCompleted means the device finished successfully.
	JobCompleted JobState = "completed"

	// JobFailed means the device failed or its job was rejected.
	JobFailed JobState = "failed"
)

// String returns the string representation of the state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the state is a terminal state.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AggregateState is the composite status of an operation.
type AggregateState string

const (
	AggregateRunning            AggregateState = "running"
	AggregatePartiallyCompleted AggregateState = "partially_completed"
	AggregateCompleted          AggregateState = "completed"
	AggregateFailed             AggregateState = "failed"
	AggregateCancelled          AggregateState = "cancelled"
)

// String returns the string representation of the state.
func (s AggregateState) String() string {
	return string(s)
}

// IsTerminal returns true for every state except Running.
func (s AggregateState) IsTerminal() bool {
	return s != AggregateRunning
}

// JobRecord tracks one device within an operation.
type JobRecord struct {
	DeviceKey   string    `json:"device_key"`
	JobID       string    `json:"job_id,omitempty"`
	State       JobState  `json:"state"`
	LastEventAt time.Time `json:"last_event_at"`
	ErrorDetail string    `json:"error_detail,omitempty"`

	// LastMessage is the latest informational text for the device.
	LastMessage string `json:"last_message,omitempty"`

	// Progress is the latest reported progress value, if any.
	Progress *float64 `json:"progress,omitempty"`

	// Indeterminate is set when the job was failed locally because its
	// event stream was lost; the backend outcome is unknown.
	Indeterminate bool `json:"indeterminate,omitempty"`

	// History lists every state the job has held, in order.
	History []JobState `json:"history"`
}

// Clone creates a deep copy of the record.
func (j *JobRecord) Clone() *JobRecord {
	clone := *j
	if j.Progress != nil {
		p := *j.Progress
		clone.Progress = &p
	}
	clone.History = append([]JobState(nil), j.History...)
	return &clone
}

// OperationRecord tracks one user action fanned out to devices.
type OperationRecord struct {
	OperationID string                `json:"operation_id"`
	Action      string                `json:"action"`
	Jobs        map[string]*JobRecord `json:"jobs"`

	// Devices lists device keys in submission order.
	Devices []string `json:"devices"`

	PrimaryChannelID string   `json:"primary_channel_id,omitempty"`
	ChannelIDs       []string `json:"channel_ids,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Aggregate AggregateState `json:"aggregate_state"`
	Cancelled bool           `json:"cancelled,omitempty"`

	// Error is an operation-level failure such as a lost channel.
	Error string `json:"error,omitempty"`
}

// Clone creates a deep copy of the record.
func (o *OperationRecord) Clone() *OperationRecord {
	clone := *o
	clone.Jobs = make(map[string]*JobRecord, len(o.Jobs))
	for k, j := range o.Jobs {
		clone.Jobs[k] = j.Clone()
	}
	clone.Devices = append([]string(nil), o.Devices...)
	clone.ChannelIDs = append([]string(nil), o.ChannelIDs...)
	return &clone
}

// Counts returns the number of jobs in each state.
func (o *OperationRecord) Counts() map[JobState]int {
	counts := make(map[JobState]int, 4)
	for _, j := range o.Jobs {
		counts[j.State]++
	}
	return counts
}

// Aggregate derives the composite state from per-device states. A
// cancelled operation is Cancelled regardless of its jobs. An empty job
// set is vacuously Completed.
func Aggregate(jobs map[string]*JobRecord, cancelled bool) AggregateState {
	if cancelled {
		return AggregateCancelled
	}
	completed, failed := 0, 0
	for _, j := range jobs {
		switch j.State {
		case JobCompleted:
			completed++
		case JobFailed:
			failed++
		default:
			return AggregateRunning
		}
	}
	switch {
	case failed == 0:
		return AggregateCompleted
	case completed == 0:
		return AggregateFailed
	default:
		return AggregatePartiallyCompleted
	}
}

// Transition describes the effect of one registry mutation.
type Transition struct {
	OperationID string
	DeviceKey   string
	From        JobState
	To          JobState

	// Changed is false when the mutation was a no-op, for example an event
	// on a terminal job.
	Changed bool

	Aggregate AggregateState

	// Settled is true when this mutation moved the aggregate from Running
	// to a terminal state.
	Settled bool
}
