package telemetry

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"autopilot/internal/loop"
)

func newTestObserver() (*traceObserver, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &traceObserver{tracer: provider.Tracer("test")}, rec
}

func TestRunAndTaskSpans(t *testing.T) {
	obs, rec := newTestObserver()
	base := time.Now()

	obs.HandleEvent(loop.Event{Kind: loop.EventStarted, Time: base})
	obs.HandleEvent(loop.Event{Kind: loop.EventTaskAssigned, Time: base.Add(time.Second), TaskID: "t1", SessionID: "s1"})
	obs.HandleEvent(loop.Event{Kind: loop.EventTaskCompleted, Time: base.Add(2 * time.Second), TaskID: "t1"})
	obs.HandleEvent(loop.Event{Kind: loop.EventStopped, Time: base.Add(3 * time.Second)})

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want task and run spans", len(spans))
	}
	if spans[0].Name() != "task.run" || spans[1].Name() != "loop.run" {
		t.Errorf("span names = %s, %s", spans[0].Name(), spans[1].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("task span status = %v, want Ok", spans[0].Status().Code)
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("task span should be a child of the run span")
	}
}

func TestFailedTaskSpanCarriesReason(t *testing.T) {
	obs, rec := newTestObserver()
	base := time.Now()

	obs.HandleEvent(loop.Event{Kind: loop.EventStarted, Time: base})
	obs.HandleEvent(loop.Event{Kind: loop.EventTaskAssigned, Time: base, TaskID: "t1"})
	obs.HandleEvent(loop.Event{Kind: loop.EventTaskFailed, Time: base, TaskID: "t1", Message: "timed out"})

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	st := spans[0].Status()
	if st.Code != codes.Error || st.Description != "timed out" {
		t.Errorf("status = %+v", st)
	}
}

func TestStopEndsOrphanedTaskSpans(t *testing.T) {
	obs, rec := newTestObserver()
	base := time.Now()

	obs.HandleEvent(loop.Event{Kind: loop.EventStarted, Time: base})
	obs.HandleEvent(loop.Event{Kind: loop.EventTaskAssigned, Time: base, TaskID: "t1"})
	obs.HandleEvent(loop.Event{Kind: loop.EventStopped, Time: base.Add(time.Second)})

	if got := len(rec.Ended()); got != 2 {
		t.Fatalf("ended spans = %d, orphaned task span was not closed", got)
	}
}

func TestEventsBeforeStartAreIgnored(t *testing.T) {
	obs, rec := newTestObserver()

	obs.HandleEvent(loop.Event{Kind: loop.EventTaskAssigned, TaskID: "t1"})
	obs.HandleEvent(loop.Event{Kind: loop.EventTaskCompleted, TaskID: "t1"})
	if got := len(rec.Ended()); got != 0 {
		t.Fatalf("ended spans = %d, want none before the run starts", got)
	}
}
