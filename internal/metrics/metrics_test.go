package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/metrics"
	"github.com/signalnine/benchloop/internal/work"
)

func TestObserve(t *testing.T) {
	r := metrics.New()
	for _, ev := range []events.Event{
		events.New(events.RunStarted, "r1", events.RunStartedPayload{ConfigID: "c"}),
		events.New(events.CycleCompleted, "r1", events.CyclePayload{Cycle: 1, CostUSD: 1.25}),
		events.New(events.CycleCompleted, "r1", events.CyclePayload{Cycle: 2, CostUSD: 0.75}),
		events.New(events.IterationRecorded, "r1", events.IterationPayload{UnitID: "u", Sequence: 1, Status: "failed"}),
		events.New(events.IterationRecorded, "r1", events.IterationPayload{UnitID: "u", Sequence: 2, Status: "passed"}),
		events.New(events.MaxIterationsReached, "r1", events.MaxIterationsPayload{UnitID: "u", OnMax: "stop"}),
		events.New(events.ApprovalRequired, "r1", events.ApprovalPayload{UnitID: "u"}),
		events.New(events.ReviewCompleted, "r1", events.ReviewPayload{Decision: "approve", Heuristic: true}),
		events.New(events.RunCompleted, "r1", events.RunCompletedPayload{Status: "failed"}),
	} {
		r.Observe(ev)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs started", testutil.ToFloat64(r.RunsStarted), 1},
		{"runs active", testutil.ToFloat64(r.RunsActive), 0},
		{"runs failed", testutil.ToFloat64(r.RunsCompleted.WithLabelValues("failed")), 1},
		{"cycles", testutil.ToFloat64(r.Cycles), 2},
		{"cost", testutil.ToFloat64(r.CostUSD), 2},
		{"failed iterations", testutil.ToFloat64(r.Iterations.WithLabelValues("failed")), 1},
		{"passed iterations", testutil.ToFloat64(r.Iterations.WithLabelValues("passed")), 1},
		{"max reached", testutil.ToFloat64(r.MaxReached.WithLabelValues("stop")), 1},
		{"approvals", testutil.ToFloat64(r.Approvals), 1},
		{"heuristic approvals", testutil.ToFloat64(r.Reviews.WithLabelValues("approve", "true")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestConsumeStopsWhenBusCloses(t *testing.T) {
	r := metrics.New()
	bus := events.NewChannelBus(logging.Discard())
	done := make(chan struct{})
	go func() {
		r.Consume(context.Background(), bus)
		close(done)
	}()

	// Subscribe happens inside Consume; keep publishing until it is counted.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(r.Cycles) == 0 && time.Now().Before(deadline) {
		bus.Publish(events.New(events.CycleCompleted, "r1", events.CyclePayload{Cycle: 1}))
		time.Sleep(5 * time.Millisecond)
	}
	if testutil.ToFloat64(r.Cycles) == 0 {
		t.Fatal("cycle event never observed")
	}
	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after bus close")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	r := metrics.New()
	r.ObserveVerifier(work.KindCommand, true, 20*time.Millisecond)

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := httptest.NewServer(r.Middleware(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `benchloop_verifier_duration_seconds_count{kind="command",result="pass"} 1`) {
		t.Errorf("verifier histogram missing from:\n%s", body)
	}
	if testutil.CollectAndCount(r.HTTPDuration) != 1 {
		t.Errorf("got %d request series, want 1", testutil.CollectAndCount(r.HTTPDuration))
	}
}
