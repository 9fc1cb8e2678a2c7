package events

import (
	"context"
	"testing"
	"time"

	"github.com/csdwd/claude-code-server/internal/common/logger"
)

func collect(t *testing.T, bus *MemoryEventBus, subject string) chan *Event {
	t.Helper()
	ch := make(chan *Event, 16)
	_, err := bus.Subscribe(subject, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func waitEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishExactSubject(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	ch := collect(t, bus, SubjectTaskCompleted)

	err := bus.Publish(context.Background(), SubjectTaskCompleted,
		NewEvent(SubjectTaskCompleted, map[string]interface{}{"task_id": "t-1"}))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	e := waitEvent(t, ch)
	if e.Type != SubjectTaskCompleted {
		t.Errorf("expected type %s, got %s", SubjectTaskCompleted, e.Type)
	}
	if e.Data["task_id"] != "t-1" {
		t.Errorf("expected task_id t-1, got %v", e.Data["task_id"])
	}
	if e.ID == "" {
		t.Error("expected non-empty event id")
	}
}

func TestWildcardSubscription(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	ch := collect(t, bus, "task.>")

	subjects := []string{SubjectTaskSubmitted, SubjectTaskStarted, SubjectTaskCompleted}
	for _, s := range subjects {
		if err := bus.Publish(context.Background(), s, NewEvent(s, nil)); err != nil {
			t.Fatalf("Publish(%s) failed: %v", s, err)
		}
	}

	got := map[string]bool{}
	for range subjects {
		got[waitEvent(t, ch).Type] = true
	}
	for _, s := range subjects {
		if !got[s] {
			t.Errorf("missing event %s", s)
		}
	}
}

func TestWildcardDoesNotCrossPrefix(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	taskCh := collect(t, bus, "task.>")
	sessionCh := collect(t, bus, "session.>")

	if err := bus.Publish(context.Background(), SubjectSessionCreated,
		NewEvent(SubjectSessionCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if e := waitEvent(t, sessionCh); e.Type != SubjectSessionCreated {
		t.Errorf("expected %s, got %s", SubjectSessionCreated, e.Type)
	}
	select {
	case e := <-taskCh:
		t.Errorf("task subscription received session event %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	ch := make(chan *Event, 1)
	sub, err := bus.Subscribe(SubjectTaskFailed, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := bus.Publish(context.Background(), SubjectTaskFailed, NewEvent(SubjectTaskFailed, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-ch:
		t.Error("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	bus.Close()

	if err := bus.Publish(context.Background(), SubjectTaskCompleted,
		NewEvent(SubjectTaskCompleted, nil)); err == nil {
		t.Error("expected error publishing on closed bus")
	}
}
