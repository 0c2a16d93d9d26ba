package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskfeed/bus"
	"github.com/vinayprograms/taskfeed/channel"
	taskerr "github.com/vinayprograms/taskfeed/errors"
	"github.com/vinayprograms/taskfeed/heartbeat"
	"github.com/vinayprograms/taskfeed/jobs"
	"github.com/vinayprograms/taskfeed/jobs/jobstest"
	"github.com/vinayprograms/taskfeed/ratelimit"
	"github.com/vinayprograms/taskfeed/tasks"
	"github.com/vinayprograms/taskfeed/telemetry"
	"github.com/vinayprograms/taskfeed/transport"
)

// --- Test doubles ---

type fakeClient struct {
	mu      sync.Mutex
	rejects map[string]string
	created []string
	stopped []string
	gate    map[string]chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		rejects: make(map[string]string),
		gate:    make(map[string]chan struct{}),
	}
}

func (f *fakeClient) CreateJob(ctx context.Context, req jobs.Request) (string, error) {
	f.mu.Lock()
	gate := f.gate[req.DeviceID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if reason, ok := f.rejects[req.DeviceID]; ok {
		return "", taskerr.SubmissionRejected(req.DeviceID, reason)
	}
	f.created = append(f.created, req.DeviceID)
	return "job-" + req.DeviceID, nil
}

func (f *fakeClient) StopJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, jobID)
	return nil
}

func (f *fakeClient) block(device string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate[device] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeClient) createdDevices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.created...)
	sort.Strings(out)
	return out
}

func (f *fakeClient) stoppedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.stopped...)
	sort.Strings(out)
	return out
}

type fakeChannels struct {
	mu       sync.Mutex
	next     int
	handlers map[string]channel.Handler
	tokens   map[string]string
	removed  []string
	stale    []string
	openErr  error
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		handlers: make(map[string]channel.Handler),
		tokens:   make(map[string]string),
	}
}

func (f *fakeChannels) Open(token string, h channel.Handler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return "", f.openErr
	}
	f.next++
	id := fmt.Sprintf("ch-%d", f.next)
	f.handlers[id] = h
	f.tokens[id] = token
	return id, nil
}

func (f *fakeChannels) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[id]; ok {
		f.removed = append(f.removed, id)
	}
	delete(f.handlers, id)
}

func (f *fakeChannels) CheckStale(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, id)
	return false
}

func (f *fakeChannels) open() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for id := range f.handlers {
		out[id] = f.tokens[id]
	}
	return out
}

func (f *fakeChannels) idFor(token string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, tok := range f.tokens {
		if tok == token {
			return id
		}
	}
	return ""
}

func (f *fakeChannels) emit(id string, ev channel.Event) {
	f.mu.Lock()
	h := f.handlers[id]
	f.mu.Unlock()
	if h == nil {
		return
	}
	ev.ChannelID = id
	ev.At = time.Now()
	h(ev)
}

func (f *fakeChannels) frame(id string, v interface{}) {
	data, _ := json.Marshal(v)
	f.emit(id, channel.Event{Type: channel.EventMessage, Payload: data})
}

type recordingJournal struct {
	telemetry.NoopExporter
	mu  sync.Mutex
	ops []telemetry.OperationSummary
}

func (j *recordingJournal) LogOperation(op telemetry.OperationSummary) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, op)
}

func (j *recordingJournal) summaries() []telemetry.OperationSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]telemetry.OperationSummary(nil), j.ops...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestCoordinator(t *testing.T, client jobs.Client, chans Channels, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(client, chans, nil, nil, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitAggregate(t *testing.T, c *Coordinator, opID string, want tasks.AggregateState) {
	t.Helper()
	waitFor(t, "aggregate "+string(want), func() bool {
		got, err := c.AggregateState(opID)
		return err == nil && got == want
	})
}

func jobOf(t *testing.T, c *Coordinator, opID, device string) *tasks.JobRecord {
	t.Helper()
	snap, err := c.Snapshot(opID)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	j := snap.Jobs[device]
	if j == nil {
		t.Fatalf("no job for %s", device)
	}
	return j
}

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig invalid: %v", err)
	}
	if cfg.BatchSize != 5 || cfg.Mode != ModeShared {
		t.Errorf("defaults = %d/%s, want 5/shared", cfg.BatchSize, cfg.Mode)
	}

	bad := []func(*Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.Mode = "broadcast" },
		func(c *Config) { c.SubjectPrefix = "" },
		func(c *Config) { c.StopTimeout = 0 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); !taskerr.Is(err, taskerr.ErrCodeInvalidInput) {
			t.Errorf("case %d: Validate error = %v, want INVALID_INPUT", i, err)
		}
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(nil, newFakeChannels(), nil, nil); err == nil {
		t.Error("New(nil client) error = nil")
	}
	if _, err := New(newFakeClient(), nil, nil, nil); err == nil {
		t.Error("New(nil channels) error = nil")
	}
}

func TestMailbox_RunsInOrder(t *testing.T) {
	m := newMailbox(nil)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		m.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	m.close()

	if len(got) != 100 {
		t.Fatalf("ran %d functions, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
	if m.post(func() {}) {
		t.Error("post after close = true, want false")
	}
	if m.call(func() {}) {
		t.Error("call after close = true, want false")
	}
}

func TestMailbox_RecoversPanic(t *testing.T) {
	var recovered error
	m := newMailbox(func(err error) { recovered = err })
	m.call(func() { panic("boom") })

	ran := false
	m.call(func() { ran = true })
	m.close()

	if recovered == nil || !taskerr.Is(recovered, taskerr.ErrCodePanic) {
		t.Errorf("recovered = %v, want PANIC error", recovered)
	}
	if !ran {
		t.Error("mailbox stopped after panic")
	}
}

func TestSubmit_SynchronousErrors(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newFakeChannels())

	if _, err := c.Submit(context.Background(), SubmitRequest{Action: "reboot"}); !taskerr.Is(err, taskerr.ErrCodeNoTargets) {
		t.Errorf("Submit(no devices) error = %v, want NO_TARGETS", err)
	}
	if _, err := c.Submit(context.Background(), SubmitRequest{Devices: []string{"", ""}}); !taskerr.Is(err, taskerr.ErrCodeNoTargets) {
		t.Errorf("Submit(blank devices) error = %v, want NO_TARGETS", err)
	}

	req := SubmitRequest{OperationID: "op-1", Devices: []string{"dev-1"}, Action: "reboot"}
	if _, err := c.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if _, err := c.Submit(context.Background(), req); !taskerr.Is(err, taskerr.ErrCodeConflict) {
		t.Errorf("duplicate Submit error = %v, want CONFLICT", err)
	}

	req.OperationID = "op.*"
	if _, err := c.Submit(context.Background(), req); !taskerr.Is(err, taskerr.ErrCodeInvalidInput) {
		t.Errorf("Submit(bad id) error = %v, want INVALID_INPUT", err)
	}
}

func TestSubmit_GeneratesOperationID(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newFakeChannels())
	snap, err := c.Submit(context.Background(), SubmitRequest{Devices: []string{"dev-1"}, Action: "scan"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if snap.OperationID == "" {
		t.Error("OperationID is empty")
	}
	if snap.Jobs["dev-1"].State != tasks.JobRunning {
		t.Errorf("state = %s, want running", snap.Jobs["dev-1"].State)
	}
	if snap.Jobs["dev-1"].JobID != "job-dev-1" {
		t.Errorf("job id = %q, want job-dev-1", snap.Jobs["dev-1"].JobID)
	}
	if snap.StateCounts[tasks.JobRunning] != 1 {
		t.Errorf("counts = %v", snap.StateCounts)
	}
}

func TestSubmit_SharedModeOpensOneChannel(t *testing.T) {
	chans := newFakeChannels()
	c := newTestCoordinator(t, newFakeClient(), chans)

	snap, err := c.Submit(context.Background(), SubmitRequest{
		OperationID: "op-1",
		Devices:     []string{"a", "b", "c", "d", "e", "f", "g"},
		Action:      "update",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	open := chans.open()
	if len(open) != 1 {
		t.Fatalf("open channels = %d, want 1", len(open))
	}
	if snap.PrimaryChannelID == "" || len(snap.ChannelIDs) != 1 {
		t.Errorf("channel ids = %q/%v", snap.PrimaryChannelID, snap.ChannelIDs)
	}
	for _, tok := range open {
		if !strings.HasPrefix(tok, "job-") {
			t.Errorf("token = %q, want a job id", tok)
		}
	}
	if snap.StateCounts[tasks.JobRunning] != 7 {
		t.Errorf("running = %d, want 7", snap.StateCounts[tasks.JobRunning])
	}
}

func TestSubmit_PerDeviceModeOpensChannelPerJob(t *testing.T) {
	chans := newFakeChannels()
	cfg := DefaultConfig()
	cfg.Mode = ModePerDevice
	c := newTestCoordinator(t, newFakeClient(), chans, WithConfig(cfg))

	if _, err := c.Submit(context.Background(), SubmitRequest{
		OperationID: "op-1",
		Devices:     []string{"a", "b", "c"},
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if n := len(chans.open()); n != 3 {
		t.Fatalf("open channels = %d, want 3", n)
	}

	// Frames without a device id belong to the channel's device.
	chans.frame(chans.idFor("job-b"), map[string]interface{}{"type": "completed"})
	waitFor(t, "b completed", func() bool {
		return jobOf(t, c, "op-1", "b").State == tasks.JobCompleted
	})
	if s := jobOf(t, c, "op-1", "a").State; s != tasks.JobRunning {
		t.Errorf("a state = %s, want running", s)
	}
}

func TestSubmit_RejectedDeviceDoesNotAbortBatch(t *testing.T) {
	client := newFakeClient()
	client.rejects["b"] = "device offline"
	c := newTestCoordinator(t, client, newFakeChannels())

	snap, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	b := snap.Jobs["b"]
	if b.State != tasks.JobFailed || !strings.Contains(b.ErrorDetail, "device offline") {
		t.Errorf("b = %s %q, want failed with reason", b.State, b.ErrorDetail)
	}
	if got := client.createdDevices(); len(got) != 2 {
		t.Errorf("created = %v, want a and c", got)
	}
	if snap.Aggregate != tasks.AggregateRunning {
		t.Errorf("aggregate = %s, want running", snap.Aggregate)
	}
}

func TestSubmit_AllRejected(t *testing.T) {
	client := newFakeClient()
	client.rejects["a"] = "no"
	client.rejects["b"] = "no"
	chans := newFakeChannels()
	journal := &recordingJournal{}
	c := newTestCoordinator(t, client, chans, WithJournal(journal))

	snap, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if snap.Aggregate != tasks.AggregateFailed {
		t.Errorf("aggregate = %s, want failed", snap.Aggregate)
	}
	if snap.Error == "" {
		t.Error("operation error not set")
	}
	if n := len(chans.open()); n != 0 {
		t.Errorf("open channels = %d, want 0", n)
	}
	if s := journal.summaries(); len(s) != 1 || s[0].Aggregate != string(tasks.AggregateFailed) {
		t.Errorf("journal = %+v", s)
	}
}

func TestIngest_RoutingOrder(t *testing.T) {
	chans := newFakeChannels()
	c := newTestCoordinator(t, newFakeClient(), chans)
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b", "c", "d"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	var shared string
	for id := range chans.open() {
		shared = id
	}

	chans.frame(shared, map[string]interface{}{"type": "status", "device_id": "a", "message": "flashing"})
	chans.frame(shared, map[string]interface{}{"type": "progress", "device_name": "b", "value": "40%"})
	chans.frame(shared, map[string]interface{}{"type": "completed", "task_id": "job-c"})
	chans.frame(shared, map[string]interface{}{"type": "completed"})
	chans.frame(shared, map[string]interface{}{"type": "completed", "device_id": "zz"})

	waitFor(t, "c completed", func() bool {
		return jobOf(t, c, "op-1", "c").State == tasks.JobCompleted
	})
	if a := jobOf(t, c, "op-1", "a"); a.LastMessage != "flashing" {
		t.Errorf("a message = %q, want flashing", a.LastMessage)
	}
	if b := jobOf(t, c, "op-1", "b"); b.Progress == nil || *b.Progress != 40 {
		t.Errorf("b progress = %v, want 40", b.Progress)
	}
	if d := jobOf(t, c, "op-1", "d"); d.State != tasks.JobRunning {
		t.Errorf("d state = %s, want running (unroutable frames are ignored)", d.State)
	}
}

func TestIngest_SingleDeviceFallback(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newFakeChannels())
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if err := c.Ingest("op-1", &transport.Frame{Type: transport.EventCompleted}); err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	waitAggregate(t, c, "op-1", tasks.AggregateCompleted)

	if err := c.Ingest("missing", &transport.Frame{Type: transport.EventCompleted}); !taskerr.Is(err, taskerr.ErrCodeNotFound) {
		t.Errorf("Ingest(missing) error = %v, want NOT_FOUND", err)
	}
	if err := c.Ingest("op-1", nil); err == nil {
		t.Error("Ingest(nil) error = nil")
	}
}

func TestIngest_UnknownDeviceOnSingleDeviceOperation(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newFakeChannels())
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	c.Ingest("op-1", &transport.Frame{Type: transport.EventError, DeviceID: "ghost", Message: "not yours"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventFailed, DeviceName: "ghost", Message: "not yours"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventFailed, TaskID: "job-ghost", Message: "not yours"})
	// Applied after the frames above on the same mailbox.
	c.Ingest("op-1", &transport.Frame{Type: transport.EventStatus, DeviceID: "a", Message: "flashing"})

	waitFor(t, "a noted", func() bool {
		return jobOf(t, c, "op-1", "a").LastMessage == "flashing"
	})
	if a := jobOf(t, c, "op-1", "a"); a.State != tasks.JobRunning || a.ErrorDetail != "" {
		t.Errorf("a = %s detail=%q, want running with no error", a.State, a.ErrorDetail)
	}
}

func TestIngest_UnknownDeviceOnPerDeviceChannel(t *testing.T) {
	chans := newFakeChannels()
	cfg := DefaultConfig()
	cfg.Mode = ModePerDevice
	c := newTestCoordinator(t, newFakeClient(), chans, WithConfig(cfg))
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	ch := chans.idFor("job-a")
	chans.frame(ch, map[string]interface{}{"type": "failed", "device_id": "ghost", "message": "not yours"})
	chans.frame(ch, map[string]interface{}{"type": "status", "message": "flashing"})

	waitFor(t, "a noted", func() bool {
		return jobOf(t, c, "op-1", "a").LastMessage == "flashing"
	})
	if a := jobOf(t, c, "op-1", "a"); a.State != tasks.JobRunning {
		t.Errorf("a state = %s, want running", a.State)
	}
	if b := jobOf(t, c, "op-1", "b"); b.State != tasks.JobRunning {
		t.Errorf("b state = %s, want running", b.State)
	}
}

func TestIngest_TerminalIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newFakeChannels())
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	c.Ingest("op-1", &transport.Frame{Type: transport.EventDeviceCompleted, DeviceID: "a"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventError, DeviceID: "a", Message: "late"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventStatus, DeviceID: "a", Message: "noise"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventFailed, DeviceID: "b", Message: "overheat"})

	waitAggregate(t, c, "op-1", tasks.AggregatePartiallyCompleted)
	a := jobOf(t, c, "op-1", "a")
	if a.State != tasks.JobCompleted || a.ErrorDetail != "" || a.LastMessage == "noise" {
		t.Errorf("a = %+v, want untouched after completion", a)
	}
	if b := jobOf(t, c, "op-1", "b"); b.ErrorDetail != "overheat" {
		t.Errorf("b detail = %q, want overheat", b.ErrorDetail)
	}
}

func TestIngest_TimeoutChecksChannels(t *testing.T) {
	chans := newFakeChannels()
	c := newTestCoordinator(t, newFakeClient(), chans)
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	c.Ingest("op-1", &transport.Frame{Type: transport.EventTimeout})
	c.Ingest("op-1", &transport.Frame{Type: "mystery"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventHeartbeat})

	waitFor(t, "stale check", func() bool {
		chans.mu.Lock()
		defer chans.mu.Unlock()
		return len(chans.stale) == 1
	})
	if s := jobOf(t, c, "op-1", "a").State; s != tasks.JobRunning {
		t.Errorf("state = %s, want running", s)
	}
}

func TestChannelFailure_FailsJobsIndeterminate(t *testing.T) {
	chans := newFakeChannels()
	c := newTestCoordinator(t, newFakeClient(), chans)
	if _, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b"}}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	var shared string
	for id := range chans.open() {
		shared = id
	}
	c.Ingest("op-1", &transport.Frame{Type: transport.EventCompleted, DeviceID: "a"})
	chans.emit(shared, channel.Event{Type: channel.EventFailed, Attempts: 10})

	waitAggregate(t, c, "op-1", tasks.AggregatePartiallyCompleted)
	snap, _ := c.Snapshot("op-1")
	if b := snap.Jobs["b"]; b.State != tasks.JobFailed || !b.Indeterminate {
		t.Errorf("b = %s indeterminate=%v, want failed/indeterminate", b.State, b.Indeterminate)
	}
	if a := snap.Jobs["a"]; a.Indeterminate {
		t.Error("completed job marked indeterminate")
	}
	if !strings.Contains(snap.Error, "10") {
		t.Errorf("Error = %q, want attempts mentioned", snap.Error)
	}
	if n := len(chans.open()); n != 0 {
		t.Errorf("open channels = %d, want 0", n)
	}
}

func TestChannelOpenFailure(t *testing.T) {
	chans := newFakeChannels()
	chans.openErr = channel.ErrManagerClosed
	c := newTestCoordinator(t, newFakeClient(), chans)

	snap, err := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b", "c", "d", "e", "f"}})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if snap.Aggregate != tasks.AggregateFailed {
		t.Errorf("aggregate = %s, want failed", snap.Aggregate)
	}
	for d, j := range snap.Jobs {
		if j.State != tasks.JobFailed || !j.Indeterminate {
			t.Errorf("%s = %s indeterminate=%v", d, j.State, j.Indeterminate)
		}
	}
}

func TestCancel_StopsCreatedJobsAndSkipsBatches(t *testing.T) {
	client := newFakeClient()
	gate := client.block("e")
	chans := newFakeChannels()
	c := newTestCoordinator(t, client, chans)

	devices := []string{"a", "b", "c", "d", "e", "f", "g"}
	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: devices})
		done <- snap
	}()

	waitFor(t, "four jobs", func() bool { return len(client.createdDevices()) == 4 })
	if err := c.Cancel("op-1"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	close(gate)

	snap := <-done
	if snap.Aggregate != tasks.AggregateCancelled {
		t.Errorf("aggregate = %s, want cancelled", snap.Aggregate)
	}
	if got := client.createdDevices(); len(got) != 5 {
		t.Errorf("created = %v, want first batch only", got)
	}
	waitFor(t, "stop requests", func() bool { return len(client.stoppedJobs()) == 5 })
	if n := len(chans.open()); n != 0 {
		t.Errorf("open channels = %d, want 0", n)
	}

	if err := c.Cancel("op-1"); err != nil {
		t.Errorf("second Cancel error = %v", err)
	}
	c.Ingest("op-1", &transport.Frame{Type: transport.EventCompleted, DeviceID: "a"})
	time.Sleep(10 * time.Millisecond)
	if got, _ := c.AggregateState("op-1"); got != tasks.AggregateCancelled {
		t.Errorf("aggregate after late event = %s, want cancelled", got)
	}
	if len(client.stoppedJobs()) != 5 {
		t.Errorf("stopped = %v, want no extra stops", client.stoppedJobs())
	}
}

func TestCancel_SettledIsNoop(t *testing.T) {
	client := newFakeClient()
	c := newTestCoordinator(t, client, newFakeChannels())
	c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventCompleted})
	waitAggregate(t, c, "op-1", tasks.AggregateCompleted)

	if err := c.Cancel("op-1"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if got, _ := c.AggregateState("op-1"); got != tasks.AggregateCompleted {
		t.Errorf("aggregate = %s, want completed", got)
	}
	if len(client.stoppedJobs()) != 0 {
		t.Errorf("stopped = %v, want none", client.stoppedJobs())
	}
	if err := c.Cancel("missing"); !taskerr.Is(err, taskerr.ErrCodeNotFound) {
		t.Errorf("Cancel(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestSubscribe_ReceivesUpdatesUntilTerminal(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newFakeChannels())
	c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a", "b"}})

	updates, cancel, err := c.Subscribe("op-1")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer cancel()

	first := <-updates
	if first.OperationID != "op-1" || first.Aggregate != tasks.AggregateRunning {
		t.Errorf("first snapshot = %s/%s", first.OperationID, first.Aggregate)
	}

	c.Ingest("op-1", &transport.Frame{Type: transport.EventCompleted, DeviceID: "a"})
	c.Ingest("op-1", &transport.Frame{Type: transport.EventCompleted, DeviceID: "b"})

	var last Snapshot
	seq := first.Seq
	timeout := time.After(3 * time.Second)
	for open := true; open; {
		select {
		case snap, ok := <-updates:
			if !ok {
				open = false
				break
			}
			if snap.Seq <= seq {
				t.Errorf("seq %d after %d", snap.Seq, seq)
			}
			seq = snap.Seq
			last = snap
		case <-timeout:
			t.Fatal("timeout waiting for subscription to close")
		}
	}
	if last.Aggregate != tasks.AggregateCompleted {
		t.Errorf("last aggregate = %s, want completed", last.Aggregate)
	}
	if last.StateCounts[tasks.JobCompleted] != 2 {
		t.Errorf("counts = %v", last.StateCounts)
	}

	// A settled operation yields one snapshot and a closed channel.
	again, _, err := c.Subscribe("op-1")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if snap := <-again; snap.Aggregate != tasks.AggregateCompleted {
		t.Errorf("aggregate = %s", snap.Aggregate)
	}
	if _, ok := <-again; ok {
		t.Error("channel open after terminal snapshot")
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	c, err := New(newFakeClient(), newFakeChannels(), nil, mb)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer c.Close()
	c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}})

	updates, cancel, err := c.Subscribe("op-1")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	<-updates
	cancel()
	cancel()

	waitFor(t, "subscription closed", func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	})
	if n := mb.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
	if _, _, err := c.Subscribe("missing"); !taskerr.Is(err, taskerr.ErrCodeNotFound) {
		t.Errorf("Subscribe(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestReleaseAndList(t *testing.T) {
	client := newFakeClient()
	c := newTestCoordinator(t, client, newFakeChannels())
	c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}})
	c.Submit(context.Background(), SubmitRequest{OperationID: "op-2", Devices: []string{"b"}})

	list := c.List()
	if len(list) != 2 {
		t.Fatalf("List = %d, want 2", len(list))
	}

	if err := c.Release("op-1"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := c.Snapshot("op-1"); !taskerr.Is(err, taskerr.ErrCodeNotFound) {
		t.Errorf("Snapshot after Release error = %v, want NOT_FOUND", err)
	}
	if c.Registry().Len() != 1 || c.Len() != 1 {
		t.Errorf("tracked = %d/%d, want 1", c.Registry().Len(), c.Len())
	}
	waitFor(t, "running job stopped", func() bool {
		return len(client.stoppedJobs()) == 1
	})
	if err := c.Release("op-1"); !taskerr.Is(err, taskerr.ErrCodeNotFound) {
		t.Errorf("second Release error = %v, want NOT_FOUND", err)
	}
}

func TestClose(t *testing.T) {
	c, err := New(newFakeClient(), newFakeChannels(), nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	c.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: []string{"a"}})

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	c.Close()

	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if _, err := c.Submit(context.Background(), SubmitRequest{Devices: []string{"a"}}); err != ErrClosed {
		t.Errorf("Submit after Close error = %v, want ErrClosed", err)
	}
}

// --- Integration Tests ---

func fastChannelConfig() channel.Config {
	return channel.Config{
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		MaxAttempts:    5,
		RateLimit:      ratelimit.Config{Limit: 1000, Period: time.Second},
		RateLimitDelay: time.Second,
		Heartbeat: heartbeat.Config{
			PingInterval:   time.Hour,
			MessageTimeout: 2 * time.Hour,
			CheckInterval:  time.Hour,
		},
	}
}

type liveHarness struct {
	srv     *jobstest.Server
	manager *channel.Manager
	coord   *Coordinator
	journal *recordingJournal
}

func newLiveHarness(t *testing.T, client jobs.Client) *liveHarness {
	t.Helper()
	srv := jobstest.Start()
	t.Cleanup(srv.Close)

	if client == nil {
		var err error
		client, err = jobs.NewHTTPClient(srv.URL())
		if err != nil {
			t.Fatalf("NewHTTPClient error: %v", err)
		}
	}
	mgr, err := channel.NewManager(srv.StreamURL(), fastChannelConfig())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(mgr.CloseAll)

	journal := &recordingJournal{}
	coord := newTestCoordinator(t, client, mgr, WithJournal(journal))
	return &liveHarness{srv: srv, manager: mgr, coord: coord, journal: journal}
}

func (h *liveHarness) jobFor(t *testing.T, device string) string {
	t.Helper()
	for _, j := range h.srv.Jobs() {
		if j.Request.DeviceID == device {
			return j.ID
		}
	}
	t.Fatalf("no backend job for %s", device)
	return ""
}

func TestLive_SingleDeviceSuccess(t *testing.T) {
	h := newLiveHarness(t, nil)

	snap, err := h.coord.Submit(context.Background(), SubmitRequest{
		OperationID: "op-1",
		Devices:     []string{"dev-1"},
		Action:      "reboot",
		Params:      map[string]interface{}{"force": true},
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	jobID := snap.Jobs["dev-1"].JobID
	if jobID == "" {
		t.Fatal("job id not recorded")
	}
	if got := h.srv.Jobs()[0].Request; got.OperationID != "op-1" || got.Action != "reboot" {
		t.Errorf("backend request = %+v", got)
	}
	if !h.srv.WaitForStreams(jobID, 1, 3*time.Second) {
		t.Fatal("stream not opened")
	}
	waitFor(t, "channel open", func() bool {
		st, ok := h.manager.State(snap.PrimaryChannelID)
		return ok && st.Status == channel.StatusOpen
	})

	h.srv.Emit(jobID, map[string]interface{}{"type": "progress", "value": 50})
	h.srv.Emit(jobID, map[string]interface{}{"type": "completed", "message": "done"})

	waitAggregate(t, h.coord, "op-1", tasks.AggregateCompleted)
	j := jobOf(t, h.coord, "op-1", "dev-1")
	if j.Progress == nil || *j.Progress != 50 {
		t.Errorf("progress = %v, want 50", j.Progress)
	}
	want := []tasks.JobState{tasks.JobPending, tasks.JobRunning, tasks.JobCompleted}
	if fmt.Sprint(j.History) != fmt.Sprint(want) {
		t.Errorf("history = %v, want %v", j.History, want)
	}
	waitFor(t, "channel removed", func() bool { return h.manager.Len() == 0 })
	if s := h.journal.summaries(); len(s) != 1 || s[0].Jobs[0].JobID != jobID {
		t.Errorf("journal = %+v", s)
	}
}

func TestLive_PartialFailure(t *testing.T) {
	h := newLiveHarness(t, nil)
	h.srv.Reject("dev-2", "device offline")

	snap, err := h.coord.Submit(context.Background(), SubmitRequest{
		OperationID: "op-1",
		Devices:     []string{"dev-1", "dev-2", "dev-3"},
		Action:      "update",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if j := snap.Jobs["dev-2"]; j.State != tasks.JobFailed || !strings.Contains(j.ErrorDetail, "device offline") {
		t.Errorf("dev-2 = %s %q", j.State, j.ErrorDetail)
	}

	// Shared mode: one stream, addressed by whichever job was created first.
	var streamJob string
	waitFor(t, "shared stream", func() bool {
		for _, id := range []string{h.jobFor(t, "dev-1"), h.jobFor(t, "dev-3")} {
			if h.srv.Dials(id) > 0 {
				streamJob = id
				return true
			}
		}
		return false
	})
	waitFor(t, "channel open", func() bool {
		s, _ := h.coord.Snapshot("op-1")
		st, ok := h.manager.State(s.PrimaryChannelID)
		return ok && st.Status == channel.StatusOpen
	})

	h.srv.Emit(streamJob, map[string]interface{}{"type": "device_completed", "device_id": "dev-1"})
	h.srv.Emit(streamJob, map[string]interface{}{"type": "error", "task_id": h.jobFor(t, "dev-3"), "message": "checksum mismatch"})

	waitAggregate(t, h.coord, "op-1", tasks.AggregatePartiallyCompleted)
	if j := jobOf(t, h.coord, "op-1", "dev-3"); j.ErrorDetail != "checksum mismatch" {
		t.Errorf("dev-3 detail = %q", j.ErrorDetail)
	}
}

func TestLive_CancelMidFlightNoReconnect(t *testing.T) {
	srv := jobstest.Start()
	defer srv.Close()
	backend, err := jobs.NewHTTPClient(srv.URL())
	if err != nil {
		t.Fatalf("NewHTTPClient error: %v", err)
	}
	gated := &gatedClient{Client: backend, device: "dev-5", gate: make(chan struct{})}

	mgr, err := channel.NewManager(srv.StreamURL(), fastChannelConfig())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	defer mgr.CloseAll()
	coord := newTestCoordinator(t, gated, mgr)

	devices := []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5", "dev-6", "dev-7"}
	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := coord.Submit(context.Background(), SubmitRequest{OperationID: "op-1", Devices: devices})
		done <- snap
	}()

	waitFor(t, "first jobs and stream", func() bool {
		if len(srv.Jobs()) != 4 {
			return false
		}
		s, err := coord.Snapshot("op-1")
		if err != nil {
			return false
		}
		st, ok := mgr.State(s.PrimaryChannelID)
		return ok && st.Status == channel.StatusOpen
	})
	dials := 0
	for _, j := range srv.Jobs() {
		dials += srv.Dials(j.ID)
	}

	srv.DropStreams(transport.CloseAbnormal, "")
	if err := coord.Cancel("op-1"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	close(gated.gate)

	snap := <-done
	if snap.Aggregate != tasks.AggregateCancelled {
		t.Errorf("aggregate = %s, want cancelled", snap.Aggregate)
	}
	if n := len(srv.Jobs()); n != 5 {
		t.Errorf("backend jobs = %d, want 5", n)
	}
	waitFor(t, "stop requests", func() bool { return len(srv.Stopped()) == 5 })

	time.Sleep(4 * fastChannelConfig().MaxDelay)
	after := 0
	for _, j := range srv.Jobs() {
		after += srv.Dials(j.ID)
	}
	if after != dials {
		t.Errorf("dials = %d after cancel, want %d", after, dials)
	}
	if mgr.Len() != 0 {
		t.Errorf("manager channels = %d, want 0", mgr.Len())
	}
}

// gatedClient holds one device's creation until gate closes.
type gatedClient struct {
	jobs.Client
	device string
	gate   chan struct{}
}

func (g *gatedClient) CreateJob(ctx context.Context, req jobs.Request) (string, error) {
	if req.DeviceID == g.device {
		<-g.gate
	}
	return g.Client.CreateJob(ctx, req)
}
