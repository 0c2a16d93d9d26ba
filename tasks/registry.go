package tasks

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	taskerr "github.com/vinayprograms/taskfeed/errors"
)

// Registry holds operation records in memory.
type Registry struct {
	mu      sync.RWMutex
	ops     map[string]*operation
	closed  atomic.Bool
	idGen   func() string
	nowFunc func() time.Time
}

type operation struct {
	rec   *OperationRecord
	byJob map[string]string // job id -> device key
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator sets a custom operation ID generator.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		r.idGen = gen
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		ops:     make(map[string]*operation),
		idGen:   func() string { return uuid.New().String() },
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers an operation with one Pending job per distinct device.
// An empty operationID gets a generated one. Duplicate device keys are
// collapsed, keeping the first occurrence.
func (r *Registry) Create(operationID, action string, devices []string) (*OperationRecord, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	keys := make([]string, 0, len(devices))
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		keys = append(keys, d)
	}
	if len(keys) == 0 {
		return nil, taskerr.FromCode(taskerr.ErrCodeNoTargets, taskerr.WithOperationID(operationID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if operationID == "" {
		operationID = r.idGen()
	}
	if _, exists := r.ops[operationID]; exists {
		return nil, taskerr.Conflict("operation already exists", taskerr.WithOperationID(operationID))
	}

	now := r.nowFunc()
	rec := &OperationRecord{
		OperationID: operationID,
		Action:      action,
		Jobs:        make(map[string]*JobRecord, len(keys)),
		Devices:     keys,
		CreatedAt:   now,
		UpdatedAt:   now,
		Aggregate:   AggregateRunning,
	}
	for _, k := range keys {
		rec.Jobs[k] = &JobRecord{
			DeviceKey:   k,
			State:       JobPending,
			LastEventAt: now,
			History:     []JobState{JobPending},
		}
	}

	r.ops[operationID] = &operation{rec: rec, byJob: make(map[string]string)}
	return rec.Clone(), nil
}

func (r *Registry) lookup(operationID string) (*operation, error) {
	op, ok := r.ops[operationID]
	if !ok {
		return nil, taskerr.NotFound("operation not found", taskerr.WithOperationID(operationID))
	}
	return op, nil
}

func (r *Registry) job(op *operation, device string) (*JobRecord, error) {
	j, ok := op.rec.Jobs[device]
	if !ok {
		return nil, taskerr.NotFound("device not part of operation",
			taskerr.WithOperationID(op.rec.OperationID),
			taskerr.WithMetadata("device", device))
	}
	return j, nil
}

// advance moves j to state, recording every intermediate state, and
// recomputes the aggregate. Caller holds r.mu.
func (r *Registry) advance(op *operation, j *JobRecord, to JobState, mutate func(*JobRecord)) Transition {
	before := op.rec.Aggregate
	t := Transition{
		OperationID: op.rec.OperationID,
		DeviceKey:   j.DeviceKey,
		From:        j.State,
		To:          j.State,
		Aggregate:   before,
	}
	if j.State.IsTerminal() || op.rec.Cancelled && to != JobRunning {
		return t
	}

	now := r.nowFunc()
	if to == JobCompleted && j.State == JobPending {
		j.History = append(j.History, JobRunning)
	}
	if to != j.State {
		j.History = append(j.History, to)
		j.State = to
		t.Changed = true
	}
	if mutate != nil {
		mutate(j)
	}
	j.LastEventAt = now
	op.rec.UpdatedAt = now
	op.rec.Aggregate = Aggregate(op.rec.Jobs, op.rec.Cancelled)

	t.To = j.State
	t.Aggregate = op.rec.Aggregate
	t.Settled = !before.IsTerminal() && op.rec.Aggregate.IsTerminal()
	return t
}

// Assign records the backend job id for a device and moves it to Running.
// The job id is recorded even on a cancelled operation so it can be
// stopped.
func (r *Registry) Assign(operationID, device, jobID string) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return Transition{}, err
	}
	j, err := r.job(op, device)
	if err != nil {
		return Transition{}, err
	}

	if jobID != "" && j.JobID == "" {
		j.JobID = jobID
		op.byJob[jobID] = device
	}
	if j.State != JobPending {
		return Transition{OperationID: operationID, DeviceKey: device, From: j.State, To: j.State, Aggregate: op.rec.Aggregate}, nil
	}
	return r.advance(op, j, JobRunning, nil), nil
}

// Complete moves a device to Completed. No-op on terminal jobs.
func (r *Registry) Complete(operationID, device, message string) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return Transition{}, err
	}
	j, err := r.job(op, device)
	if err != nil {
		return Transition{}, err
	}
	return r.advance(op, j, JobCompleted, func(j *JobRecord) {
		if message != "" {
			j.LastMessage = message
		}
	}), nil
}

// Fail moves a device to Failed with detail. No-op on terminal jobs.
func (r *Registry) Fail(operationID, device, detail string) (Transition, error) {
	return r.fail(operationID, device, detail, false)
}

// FailIndeterminate fails a device whose outcome is unknown because its
// stream was lost.
func (r *Registry) FailIndeterminate(operationID, device, detail string) (Transition, error) {
	return r.fail(operationID, device, detail, true)
}

func (r *Registry) fail(operationID, device, detail string, indeterminate bool) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return Transition{}, err
	}
	j, err := r.job(op, device)
	if err != nil {
		return Transition{}, err
	}
	return r.advance(op, j, JobFailed, func(j *JobRecord) {
		j.ErrorDetail = detail
		j.Indeterminate = indeterminate
	}), nil
}

// Note records an informational event without changing state. progress
// may be nil. No-op on terminal jobs.
func (r *Registry) Note(operationID, device, message string, progress *float64) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return Transition{}, err
	}
	j, err := r.job(op, device)
	if err != nil {
		return Transition{}, err
	}
	return r.advance(op, j, j.State, func(j *JobRecord) {
		if message != "" {
			j.LastMessage = message
		}
		if progress != nil {
			p := *progress
			j.Progress = &p
		}
	}), nil
}

// Cancel marks the operation cancelled. Returns false if it was already
// terminal or cancelled.
func (r *Registry) Cancel(operationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return false, err
	}
	if op.rec.Cancelled || op.rec.Aggregate.IsTerminal() {
		return false, nil
	}
	op.rec.Cancelled = true
	op.rec.Aggregate = AggregateCancelled
	op.rec.UpdatedAt = r.nowFunc()
	return true, nil
}

// SetError records an operation-level error. The first error wins.
func (r *Registry) SetError(operationID, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return err
	}
	if op.rec.Error == "" {
		op.rec.Error = msg
		op.rec.UpdatedAt = r.nowFunc()
	}
	return nil
}

// AddChannel records a channel serving the operation. The first channel
// becomes the primary.
func (r *Registry) AddChannel(operationID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return err
	}
	if op.rec.PrimaryChannelID == "" {
		op.rec.PrimaryChannelID = channelID
	}
	op.rec.ChannelIDs = append(op.rec.ChannelIDs, channelID)
	return nil
}

// DeviceForJob resolves a backend job id to its device key.
func (r *Registry) DeviceForJob(operationID, jobID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[operationID]
	if !ok {
		return "", false
	}
	d, ok := op.byJob[jobID]
	return d, ok
}

// HasDevice reports whether device is part of the operation.
func (r *Registry) HasDevice(operationID, device string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[operationID]
	if !ok {
		return false
	}
	_, ok = op.rec.Jobs[device]
	return ok
}

// Snapshot returns a deep copy of the operation.
func (r *Registry) Snapshot(operationID string) (*OperationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return nil, err
	}
	return op.rec.Clone(), nil
}

// AggregateState returns the composite state of the operation.
func (r *Registry) AggregateState(operationID string) (AggregateState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, err := r.lookup(operationID)
	if err != nil {
		return "", err
	}
	return op.rec.Aggregate, nil
}

// Release forgets the operation.
func (r *Registry) Release(operationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.lookup(operationID); err != nil {
		return err
	}
	delete(r.ops, operationID)
	return nil
}

// List returns copies of all operations, oldest first.
func (r *Registry) List() []*OperationRecord {
	r.mu.RLock()
	out := make([]*OperationRecord, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op.rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OperationID < out[j].OperationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// Close rejects further Create calls.
func (r *Registry) Close() error {
	r.closed.Store(true)
	return nil
}
