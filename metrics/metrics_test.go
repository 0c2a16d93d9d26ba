package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ChannelOpened()
	r.ChannelOpened()
	r.ChannelDown()
	if got := testutil.ToFloat64(r.channelsOpen); got != 1 {
		t.Fatalf("expected 1 open channel, got %f", got)
	}

	r.ReconnectScheduled(false)
	r.ReconnectScheduled(true)
	if got := testutil.ToFloat64(r.reconnects); got != 2 {
		t.Fatalf("expected 2 reconnects, got %f", got)
	}
	if got := testutil.ToFloat64(r.rateLimited); got != 1 {
		t.Fatalf("expected 1 rate limited reconnect, got %f", got)
	}

	r.FrameReceived("completed")
	r.FrameReceived("completed")
	r.FrameDropped("malformed")
	if got := testutil.ToFloat64(r.framesReceived.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected 2 completed frames, got %f", got)
	}
	if got := testutil.ToFloat64(r.framesDropped.WithLabelValues("malformed")); got != 1 {
		t.Fatalf("expected 1 dropped frame, got %f", got)
	}

	r.JobTransition("failed")
	r.OperationSettled("partially_completed")
	if got := testutil.ToFloat64(r.operations.WithLabelValues("partially_completed")); got != 1 {
		t.Fatalf("expected 1 settled operation, got %f", got)
	}

	r.ObserveSubmit(20 * time.Millisecond)
	if samples := testutil.CollectAndCount(r.submitLatency); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	r.OperationTracked(3)
	r.OperationTracked(-1)
	if got := testutil.ToFloat64(r.activeOperations); got != 2 {
		t.Fatalf("expected 2 active operations, got %f", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ChannelOpened()
	r.ChannelDown()
	r.ReconnectScheduled(true)
	r.ChannelStale()
	r.ChannelFailed()
	r.FrameReceived("info")
	r.FrameDropped("x")
	r.JobTransition("running")
	r.OperationSettled("completed")
	r.ObserveSubmit(time.Second)
	r.OperationTracked(1)
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
