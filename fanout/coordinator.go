package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskfeed/bus"
	"github.com/vinayprograms/taskfeed/channel"
	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/jobs"
	"github.com/vinayprograms/taskfeed/logging"
	"github.com/vinayprograms/taskfeed/metrics"
	"github.com/vinayprograms/taskfeed/tasks"
	"github.com/vinayprograms/taskfeed/telemetry"
	"github.com/vinayprograms/taskfeed/transport"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("coordinator closed")

// Channels opens and controls event channels. *channel.Manager implements
// it.
type Channels interface {
	Open(token string, handler channel.Handler) (string, error)
	Remove(id string)
	CheckStale(id string) bool
}

// SubmitRequest describes one user action against a set of devices.
type SubmitRequest struct {
	// OperationID is optional; an empty id gets a UUID.
	OperationID string                 `json:"operation_id,omitempty"`
	Devices     []string               `json:"devices"`
	Action      string                 `json:"action"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// Snapshot is a point-in-time copy of an operation. Seq increases with
// every published snapshot of the same operation.
type Snapshot struct {
	tasks.OperationRecord
	Seq         uint64                 `json:"seq"`
	StateCounts map[tasks.JobState]int `json:"counts"`
}

func newSnapshot(rec *tasks.OperationRecord, seq uint64) Snapshot {
	return Snapshot{OperationRecord: *rec, Seq: seq, StateCounts: rec.Counts()}
}

// Coordinator fans a user action out to per-device jobs and folds their
// events back into one operation record.
type Coordinator struct {
	cfg      Config
	jobs     jobs.Client
	channels Channels
	registry *tasks.Registry
	bus      bus.MessageBus
	logger   *logging.Logger
	metrics  *metrics.Recorder
	tracer   *telemetry.Tracer
	journal  telemetry.Exporter
	now      func() time.Time

	mu     sync.RWMutex
	ops    map[string]*operation
	closed atomic.Bool

	// pending counts running submissions and background stop requests.
	pending sync.WaitGroup
}

// operation is the coordinator's view of one tracked operation. Fields
// below box are owned by the mailbox goroutine.
type operation struct {
	id      string
	action  string
	params  map[string]interface{}
	started time.Time
	logger  *logging.Logger
	seq     atomic.Uint64
	halted  atomic.Bool
	box     *mailbox

	channels   map[string]string // channel id -> device key, "" when shared
	shared     string
	created    int
	streamLost bool
	cancelled  bool
	settled    bool
}

// New creates a coordinator. A nil registry or bus gets an in-memory one.
func New(client jobs.Client, channels Channels, registry *tasks.Registry, mb bus.MessageBus, opts ...Option) (*Coordinator, error) {
	if client == nil {
		return nil, taskerr.InvalidInput("jobs client is required")
	}
	if channels == nil {
		return nil, taskerr.InvalidInput("channel manager is required")
	}

	c := &Coordinator{
		cfg:      DefaultConfig(),
		jobs:     client,
		channels: channels,
		registry: registry,
		bus:      mb,
		now:      time.Now,
		ops:      make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if c.registry == nil {
		c.registry = tasks.NewRegistry(tasks.WithClock(c.now))
	}
	if c.bus == nil {
		c.bus = bus.NewMemoryBus(bus.DefaultConfig())
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	c.logger = c.logger.WithComponent("fanout")
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	if c.journal == nil {
		c.journal = telemetry.NewNoopExporter()
	}
	return c, nil
}

// Registry returns the task registry backing the coordinator.
func (c *Coordinator) Registry() *tasks.Registry {
	return c.registry
}

func (c *Coordinator) subject(operationID string) string {
	return bus.Subject(c.cfg.SubjectPrefix, operationID)
}

func (c *Coordinator) get(operationID string) (*operation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.ops[operationID]
	if !ok {
		return nil, tasks.ErrOperationNotFound
	}
	return op, nil
}

// Submit creates the operation and submits one job per device in batches.
// It returns once every batch was attempted. Only an empty device list
// and a duplicate operation id fail synchronously; per-device creation
// errors are recorded on the job.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (Snapshot, error) {
	if req.OperationID != "" {
		if err := bus.ValidateSubject(c.subject(req.OperationID)); err != nil {
			return Snapshot{}, taskerr.InvalidInput("operation id is not usable as a subject token",
				taskerr.WithOperationID(req.OperationID))
		}
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	rec, err := c.registry.Create(req.OperationID, req.Action, req.Devices)
	if err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	op := &operation{
		id:       rec.OperationID,
		action:   req.Action,
		params:   req.Params,
		started:  c.now(),
		logger:   c.logger.WithOperation(rec.OperationID),
		channels: make(map[string]string),
	}
	op.box = newMailbox(func(err error) {
		op.logger.Error("mailbox_panic", map[string]interface{}{"error": err.Error()})
	})
	c.ops[op.id] = op
	c.pending.Add(1)
	c.mu.Unlock()
	defer c.pending.Done()

	c.metrics.OperationTracked(1)
	op.logger.Info("operation_submitted", map[string]interface{}{
		"action":  req.Action,
		"devices": len(rec.Devices),
	})
	op.box.call(func() { c.publish(op) })

	ctx, span := c.tracer.StartSubmitSpan(ctx, op.id, req.Action)

	var created, rejected atomic.Int64
	devices := rec.Devices
	for start := 0; start < len(devices); start += c.cfg.BatchSize {
		if op.halted.Load() {
			op.logger.Info("submission_halted", map[string]interface{}{
				"remaining": len(devices) - start,
			})
			break
		}
		var g errgroup.Group
		for _, device := range devices[start:min(start+c.cfg.BatchSize, len(devices))] {
			device := device
			g.Go(func() error {
				if c.submitOne(ctx, op, device) {
					created.Add(1)
				} else {
					rejected.Add(1)
				}
				return nil
			})
		}
		g.Wait()
	}

	snap, err := c.Snapshot(op.id)
	if err != nil {
		snap = newSnapshot(rec, 0)
	}
	c.tracer.EndSubmitSpan(span, telemetry.SubmitSpanOptions{
		Devices:   len(devices),
		Created:   int(created.Load()),
		Rejected:  int(rejected.Load()),
		Aggregate: string(snap.Aggregate),
	}, nil)
	return snap, nil
}

// submitOne creates the job for device and hands the result to the
// mailbox. Returns true if the backend accepted the job.
func (c *Coordinator) submitOne(ctx context.Context, op *operation, device string) bool {
	jobCtx, span := c.tracer.StartJobSpan(ctx, device)
	start := c.now()
	jobID, err := c.jobs.CreateJob(jobCtx, jobs.Request{
		OperationID: op.id,
		DeviceID:    device,
		Action:      op.action,
		Params:      op.params,
	})
	elapsed := c.now().Sub(start)

	c.metrics.ObserveSubmit(elapsed)
	op.logger.JobSubmitted(device, jobID, elapsed, err)
	c.tracer.EndJobSpan(span, telemetry.JobSpanOptions{JobID: jobID, Params: op.params}, err)

	if !op.box.call(func() { c.jobCreated(op, device, jobID, err) }) && err == nil {
		// Released while the request was in flight.
		c.stopJob(op, device, jobID)
	}
	return err == nil
}

// jobCreated records a creation result. Runs on the mailbox.
func (c *Coordinator) jobCreated(op *operation, device, jobID string, err error) {
	if err != nil {
		tr, ferr := c.registry.Fail(op.id, device, err.Error())
		if ferr != nil {
			return
		}
		if tr.Settled && op.created == 0 {
			c.registry.SetError(op.id, "no job could be created")
		}
		c.afterTransition(op, tr)
		return
	}

	op.created++
	tr, aerr := c.registry.Assign(op.id, device, jobID)
	if aerr != nil {
		return
	}
	if op.cancelled || op.settled {
		op.logger.Info("late_job_stopped", map[string]interface{}{"device": device, "job_id": jobID})
		c.stopJob(op, device, jobID)
		c.publish(op)
		return
	}
	c.afterTransition(op, tr)

	if c.cfg.Mode == ModePerDevice {
		c.openChannel(op, jobID, device)
		return
	}
	if op.streamLost {
		c.streamLost(op, "", "event stream lost before job was created")
		return
	}
	if op.shared == "" {
		c.openChannel(op, jobID, "")
	}
}

// openChannel opens a channel for token serving device, or every device
// when device is empty. Runs on the mailbox.
func (c *Coordinator) openChannel(op *operation, token, device string) {
	id, err := c.channels.Open(token, c.handler(op, device))
	if err != nil {
		op.logger.Warn("channel_open_failed", map[string]interface{}{
			"token": token,
			"error": err.Error(),
		})
		c.streamLost(op, device, "event stream unavailable: "+err.Error())
		return
	}
	op.channels[id] = device
	if device == "" {
		op.shared = id
	}
	c.registry.AddChannel(op.id, id)
	c.publish(op)
}

// handler forwards channel events to the operation's mailbox. It never
// blocks the channel goroutine.
func (c *Coordinator) handler(op *operation, device string) channel.Handler {
	return func(ev channel.Event) {
		op.box.post(func() { c.onChannelEvent(op, device, ev) })
	}
}

// onChannelEvent runs on the mailbox.
func (c *Coordinator) onChannelEvent(op *operation, device string, ev channel.Event) {
	if _, ok := op.channels[ev.ChannelID]; !ok {
		return
	}

	switch ev.Type {
	case channel.EventMessage:
		frame, err := transport.ParseFrame(ev.Payload)
		if err != nil {
			c.metrics.FrameDropped("malformed")
			op.logger.FrameDropped("malformed", err)
			return
		}
		c.apply(op, device, frame)

	case channel.EventClosed:
		if transport.IsNormalClosure(ev.Code) {
			c.dropChannel(op, ev.ChannelID)
			c.streamLost(op, device, "event stream closed by backend")
		}

	case channel.EventFailed:
		c.dropChannel(op, ev.ChannelID)
		c.streamLost(op, device, taskerr.ChannelFailed(ev.ChannelID, ev.Attempts).Error())
	}
}

// Ingest applies a frame to an operation as if it arrived on one of its
// channels.
func (c *Coordinator) Ingest(operationID string, frame *transport.Frame) error {
	if frame == nil {
		return taskerr.InvalidInput("frame is nil")
	}
	op, err := c.get(operationID)
	if err != nil {
		return err
	}
	f := *frame
	if !op.box.post(func() { c.apply(op, "", &f) }) {
		return tasks.ErrOperationNotFound
	}
	return nil
}

// apply routes one frame to a device and updates the registry. Runs on
// the mailbox.
func (c *Coordinator) apply(op *operation, chDevice string, f *transport.Frame) {
	kind := f.Kind()
	c.metrics.FrameReceived(kind.String())

	switch kind {
	case transport.KindKeepalive:
		if f.Type == transport.EventPingWarning {
			op.logger.Warn("ping_warning", map[string]interface{}{"message": f.Message})
		}
		return
	case transport.KindTimeout:
		for id := range op.channels {
			c.channels.CheckStale(id)
		}
		return
	case transport.KindUnknown:
		c.metrics.FrameDropped("unknown_type")
		op.logger.Debug("unknown_frame", map[string]interface{}{"type": string(f.Type)})
		return
	}

	device, ok := c.route(op, chDevice, f)
	if !ok {
		c.metrics.FrameDropped("unroutable")
		op.logger.Debug("unroutable_frame", map[string]interface{}{
			"type":        string(f.Type),
			"device_id":   string(f.DeviceID),
			"device_name": f.DeviceName,
			"task_id":     string(f.TaskID),
		})
		return
	}

	var tr tasks.Transition
	var err error
	switch kind {
	case transport.KindInfo:
		var progress *float64
		if p, ok := f.Progress(); ok {
			progress = &p
		}
		msg := f.Message
		if msg == "" && f.Type == transport.EventStatus {
			msg = f.ValueString()
		}
		tr, err = c.registry.Note(op.id, device, msg, progress)
	case transport.KindCompleted:
		tr, err = c.registry.Complete(op.id, device, f.Message)
	case transport.KindFailed:
		tr, err = c.registry.Fail(op.id, device, failureDetail(f))
	}
	if err != nil || tr.From.IsTerminal() {
		return
	}
	c.afterTransition(op, tr)
}

// route picks the device a frame belongs to: device_id, device_name,
// task_id, then for frames that name no device at all, the channel's
// device or the sole device of the operation. A frame naming only
// unknown identifiers is not routed.
func (c *Coordinator) route(op *operation, chDevice string, f *transport.Frame) (string, bool) {
	if id := string(f.DeviceID); id != "" && c.registry.HasDevice(op.id, id) {
		return id, true
	}
	if f.DeviceName != "" && c.registry.HasDevice(op.id, f.DeviceName) {
		return f.DeviceName, true
	}
	if f.TaskID != "" {
		if device, ok := c.registry.DeviceForJob(op.id, string(f.TaskID)); ok {
			return device, true
		}
	}
	if f.DeviceID != "" || f.DeviceName != "" || f.TaskID != "" {
		return "", false
	}
	if chDevice != "" {
		return chDevice, true
	}
	rec, err := c.registry.Snapshot(op.id)
	if err == nil && len(rec.Devices) == 1 {
		return rec.Devices[0], true
	}
	return "", false
}

func failureDetail(f *transport.Frame) string {
	if f.Message != "" {
		return f.Message
	}
	if v := f.ValueString(); v != "" {
		return v
	}
	return string(f.Type)
}

// streamLost fails every non-terminal job served by a lost stream. An
// empty device means the shared stream, which serves every device.
func (c *Coordinator) streamLost(op *operation, device, reason string) {
	if device == "" {
		op.streamLost = true
	}
	rec, err := c.registry.Snapshot(op.id)
	if err != nil {
		return
	}

	served := rec.Devices
	if device != "" {
		served = []string{device}
	}
	failed, settled := 0, false
	for _, d := range served {
		if j := rec.Jobs[d]; j == nil || j.State.IsTerminal() {
			continue
		}
		tr, err := c.registry.FailIndeterminate(op.id, d, reason)
		if err != nil || !tr.Changed {
			continue
		}
		failed++
		c.recordTransition(op, tr)
		settled = settled || tr.Settled
	}
	if failed == 0 {
		return
	}

	op.logger.Warn("stream_lost", map[string]interface{}{
		"reason": reason,
		"jobs":   failed,
	})
	c.registry.SetError(op.id, reason)
	c.publish(op)
	if settled {
		c.settle(op)
	}
}

func (c *Coordinator) recordTransition(op *operation, tr tasks.Transition) {
	if !tr.Changed {
		return
	}
	c.metrics.JobTransition(string(tr.To))
	op.logger.JobTransition(tr.DeviceKey, string(tr.From), string(tr.To))
}

func (c *Coordinator) afterTransition(op *operation, tr tasks.Transition) {
	c.recordTransition(op, tr)
	c.publish(op)
	if tr.Settled {
		c.settle(op)
	}
}

// publish sends the current snapshot on the bus. Runs on the mailbox.
func (c *Coordinator) publish(op *operation) {
	rec, err := c.registry.Snapshot(op.id)
	if err != nil {
		return
	}
	data, err := json.Marshal(newSnapshot(rec, op.seq.Add(1)))
	if err != nil {
		op.logger.Error("snapshot_encode_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.bus.Publish(c.subject(op.id), data); err != nil && !errors.Is(err, bus.ErrClosed) {
		op.logger.Warn("snapshot_publish_failed", map[string]interface{}{"error": err.Error()})
	}
}

// settle finishes an operation whose aggregate became terminal. Runs on
// the mailbox.
func (c *Coordinator) settle(op *operation) {
	if op.settled {
		return
	}
	rec, err := c.registry.Snapshot(op.id)
	if err != nil || !rec.Aggregate.IsTerminal() {
		return
	}
	op.settled = true
	op.halted.Store(true)
	c.closeChannels(op)

	now := c.now()
	elapsed := now.Sub(op.started)
	c.metrics.OperationSettled(string(rec.Aggregate))
	op.logger.OperationSettled(string(rec.Aggregate), elapsed)
	c.journal.LogOperation(summarize(rec, elapsed, now))
}

func summarize(rec *tasks.OperationRecord, elapsed time.Duration, now time.Time) telemetry.OperationSummary {
	summary := telemetry.OperationSummary{
		OperationID: rec.OperationID,
		Action:      rec.Action,
		Aggregate:   string(rec.Aggregate),
		Error:       rec.Error,
		Duration:    elapsed,
		Timestamp:   now,
	}
	for _, d := range rec.Devices {
		j := rec.Jobs[d]
		summary.Jobs = append(summary.Jobs, telemetry.JobSummary{
			DeviceKey:     j.DeviceKey,
			JobID:         j.JobID,
			State:         string(j.State),
			ErrorDetail:   j.ErrorDetail,
			Indeterminate: j.Indeterminate,
		})
	}
	return summary
}

func (c *Coordinator) dropChannel(op *operation, id string) {
	delete(op.channels, id)
	c.channels.Remove(id)
}

func (c *Coordinator) closeChannels(op *operation) {
	for id := range op.channels {
		c.dropChannel(op, id)
	}
}

// stopJob asks the backend to stop a job in the background.
func (c *Coordinator) stopJob(op *operation, device, jobID string) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()

		if err := c.jobs.StopJob(ctx, jobID); err != nil {
			op.logger.Warn("job_stop_failed", map[string]interface{}{
				"device": device,
				"job_id": jobID,
				"error":  err.Error(),
			})
			return
		}
		op.logger.Debug("job_stopped", map[string]interface{}{"device": device, "job_id": jobID})
	}()
}

// Cancel cancels a running operation: remaining batches are skipped,
// channels are closed and created jobs are stopped in the background.
// Cancelling a settled or already cancelled operation is a no-op.
func (c *Coordinator) Cancel(operationID string) error {
	op, err := c.get(operationID)
	if err != nil {
		return err
	}
	var cancelErr error
	if !op.box.call(func() { cancelErr = c.cancel(op) }) {
		return tasks.ErrOperationNotFound
	}
	return cancelErr
}

// cancel runs on the mailbox.
func (c *Coordinator) cancel(op *operation) error {
	changed, err := c.registry.Cancel(op.id)
	if err != nil || !changed {
		return err
	}
	op.cancelled = true
	op.halted.Store(true)
	c.closeChannels(op)

	if rec, err := c.registry.Snapshot(op.id); err == nil {
		for _, d := range rec.Devices {
			j := rec.Jobs[d]
			if j.JobID != "" && !j.State.IsTerminal() {
				c.stopJob(op, d, j.JobID)
			}
		}
	}
	op.logger.Info("operation_cancelled")
	c.publish(op)
	c.settle(op)
	return nil
}

// Snapshot returns a copy of an operation.
func (c *Coordinator) Snapshot(operationID string) (Snapshot, error) {
	op, err := c.get(operationID)
	if err != nil {
		return Snapshot{}, err
	}
	rec, err := c.registry.Snapshot(op.id)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(rec, op.seq.Load()), nil
}

// AggregateState returns the composite state of an operation.
func (c *Coordinator) AggregateState(operationID string) (tasks.AggregateState, error) {
	if _, err := c.get(operationID); err != nil {
		return "", err
	}
	return c.registry.AggregateState(operationID)
}

// List returns snapshots of every tracked operation, oldest first.
func (c *Coordinator) List() []Snapshot {
	recs := c.registry.List()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		op, err := c.get(rec.OperationID)
		if err != nil {
			continue
		}
		out = append(out, newSnapshot(rec, op.seq.Load()))
	}
	return out
}

// Len returns the number of tracked operations.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ops)
}

// Release cancels the operation if it is still running, stops its mailbox
// and forgets it.
func (c *Coordinator) Release(operationID string) error {
	c.mu.Lock()
	op, ok := c.ops[operationID]
	delete(c.ops, operationID)
	c.mu.Unlock()

	if !ok {
		return tasks.ErrOperationNotFound
	}
	c.release(op)
	return nil
}

func (c *Coordinator) release(op *operation) {
	op.halted.Store(true)
	op.box.call(func() {
		if err := c.cancel(op); err != nil {
			op.logger.Warn("cancel_on_release_failed", map[string]interface{}{"error": err.Error()})
		}
		c.closeChannels(op)
	})
	op.box.close()
	c.registry.Release(op.id)
	c.metrics.OperationTracked(-1)
	op.logger.Debug("operation_released")
}

// Close releases every operation and waits for pending submissions and
// stop requests. The registry, bus and channel manager stay open.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	ops := c.ops
	c.ops = make(map[string]*operation)
	c.mu.Unlock()

	for _, op := range ops {
		c.release(op)
	}
	c.pending.Wait()
	return c.journal.Flush()
}
