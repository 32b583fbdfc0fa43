package events

import (
	"testing"
)

func TestBusSubscribeEmit(t *testing.T) {
	bus := NewBus(nil)

	var received []*EngineEvent
	unsub := bus.Subscribe(func(e *EngineEvent) {
		received = append(received, e)
	})

	evt := NewEvent(EventTypeTaskQueued, SeverityInfo, "queued")
	bus.Emit(evt)

	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Type != EventTypeTaskQueued {
		t.Errorf("event type = %s, want %s", received[0].Type, EventTypeTaskQueued)
	}
	if received[0].ID == "" {
		t.Error("event ID should be set")
	}

	unsub()
	bus.Emit(NewEvent(EventTypeTaskCompleted, SeverityInfo, "done"))
	if len(received) != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", len(received))
	}
}

func TestBusPanicIsolation(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(func(e *EngineEvent) {
		panic("subscriber bug")
	})

	var delivered int
	bus.Subscribe(func(e *EngineEvent) {
		delivered++
	})

	// Must not panic, and the second handler must still receive the event.
	bus.Emit(NewEvent(EventTypeCacheMiss, SeverityInfo, "miss"))
	if delivered != 1 {
		t.Errorf("second handler received %d events, want 1", delivered)
	}
}

func TestNilBusEmit(t *testing.T) {
	var bus *Bus
	// Emitting on a nil bus is a documented no-op.
	bus.Emit(NewEvent(EventTypeTaskFailed, SeverityError, "fail"))
}

func TestTaskEventRoundTrip(t *testing.T) {
	evt, err := NewTaskEvent(EventTypeTaskCompleted, SeverityInfo, "task done", TaskEventData{
		TaskID:     "t-1",
		TaskType:   "file_analysis",
		Priority:   "normal",
		WorkerID:   "w-1",
		DurationMS: 42,
	})
	if err != nil {
		t.Fatalf("NewTaskEvent: %v", err)
	}

	data, err := evt.GetTaskData()
	if err != nil {
		t.Fatalf("GetTaskData: %v", err)
	}
	if data.TaskID != "t-1" || data.WorkerID != "w-1" || data.DurationMS != 42 {
		t.Errorf("round-tripped data = %+v", data)
	}
}
