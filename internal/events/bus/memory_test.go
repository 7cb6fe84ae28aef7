package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/controlplane/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("test.type", "test-source", map[string]interface{}{"key": "value"})
	if err := bus.Publish(ctx, "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Create multiple subscribers
	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("test.multi", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("test.type", "test-source", nil)
	if err := bus.Publish(ctx, "test.multi", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // Allow goroutines to complete

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("test.unsub", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Publish first event
	event := NewEvent("test.type", "test-source", nil)
	if err := bus.Publish(ctx, "test.unsub", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Unsubscribe
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	// Publish second event (should not be received)
	if err := bus.Publish(ctx, "test.unsub", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Single token wildcard - * matches exactly one token (no dots)
	sub, err := bus.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Should match - "user" fills the * slot
	event1 := NewEvent("user.created", "test", nil)
	if err := bus.Publish(ctx, "events.user.created", event1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Should also match - "order" fills the * slot
	event2 := NewEvent("order.created", "test", nil)
	if err := bus.Publish(ctx, "events.order.created", event2); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Multi token wildcard - > matches one or more tokens
	sub, err := bus.Subscribe("notifications.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Should match - single remaining token
	event1 := NewEvent("email", "test", nil)
	if err := bus.Publish(ctx, "notifications.email", event1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Should match - multiple remaining tokens
	event2 := NewEvent("email.sent", "test", nil)
	if err := bus.Publish(ctx, "notifications.email.sent", event2); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Subscribe to events.*.created - should NOT match events.created (missing middle token)
	sub, err := bus.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// This should NOT match - missing middle token
	event := NewEvent("test", "test", nil)
	if err := bus.Publish(ctx, "events.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected 0 events (no match), got %d", count)
	}
}

func TestMemoryEventBus_ExactMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Exact match subscription (no wildcards)
	sub, err := bus.Subscribe("events.user.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Should match exactly
	event1 := NewEvent("test", "test", nil)
	if err := bus.Publish(ctx, "events.user.created", event1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Should NOT match - different subject
	if err := bus.Publish(ctx, "events.user.updated", event1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 event, got %d", count)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32
	var mu sync.Mutex
	handlerCalls := make([]int, 3)

	// Create 3 queue subscribers
	for i := 0; i < 3; i++ {
		idx := i
		sub, err := bus.QueueSubscribe("test.queue", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			mu.Lock()
			handlerCalls[idx]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	// Publish multiple events
	for i := 0; i < 6; i++ {
		event := NewEvent("test.type", "test-source", nil)
		if err := bus.Publish(ctx, "test.queue", event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	// Each event should be handled by exactly one subscriber (round-robin)
	if atomic.LoadInt32(&count) != 6 {
		t.Errorf("Expected 6 handler calls, got %d", count)
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var receivedCount int32
	var publishErrorCount int32
	var wg sync.WaitGroup

	// Subscribe
	sub, err := bus.Subscribe("test.concurrent", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Publish concurrently from multiple goroutines
	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				event := NewEvent("test.type", "test-source", nil)
				if err := bus.Publish(ctx, "test.concurrent", event); err != nil {
					atomic.AddInt32(&publishErrorCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	if publishErrorCount > 0 {
		t.Errorf("publish errors: %d", publishErrorCount)
	}
	time.Sleep(200 * time.Millisecond) // Allow handlers to complete

	expectedCount := int32(numGoroutines * eventsPerGoroutine)
	if atomic.LoadInt32(&receivedCount) != expectedCount {
		t.Errorf("Expected %d events, got %d", expectedCount, receivedCount)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	// Publish should fail after close
	ctx := context.Background()
	event := NewEvent("test.type", "test-source", nil)
	err := bus.Publish(ctx, "test.subject", event)
	if err == nil {
		t.Error("Expected error when publishing to closed bus")
	}

	// Subscribe should fail after close
	_, err = bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}

func TestMemoryEventBus_Request(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	// Set up a responder
	sub, err := bus.Subscribe("service.echo", func(ctx context.Context, event *Event) error {
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return nil
		}
		replySubject, ok := data["_reply"].(string)
		if !ok {
			return nil
		}
		response := NewEvent("echo.response", "responder", map[string]interface{}{
			"echo": data["message"],
		})
		return bus.Publish(ctx, replySubject, response)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Make a request
	request := NewEvent("echo.request", "requester", map[string]interface{}{
		"message": "hello",
	})

	response, err := bus.Request(ctx, "service.echo", request, 2*time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	responseData, ok := response.Data.(map[string]interface{})
	if !ok {
		t.Fatal("Expected response.Data to be map[string]interface{}")
	}
	if responseData["echo"] != "hello" {
		t.Errorf("Expected echo 'hello', got %v", responseData["echo"])
	}
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	// Make a request with no responder
	request := NewEvent("service.nonexistent", "requester", map[string]interface{}{})

	_, err := bus.Request(ctx, "service.nonexistent", request, 100*time.Millisecond)
	if err == nil {
		t.Error("Expected timeout error")
	}
}

func TestNewEvent(t *testing.T) {
	eventType := "user.created"
	source := "user-service"
	data := map[string]interface{}{"user_id": 123}

	before := time.Now().UTC()
	event := NewEvent(eventType, source, data)
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.Type != eventType {
		t.Errorf("Expected type %s, got %s", eventType, event.Type)
	}
	if event.Source != source {
		t.Errorf("Expected source %s, got %s", source, event.Source)
	}
	eventData, ok := event.Data.(map[string]interface{})
	if !ok {
		t.Error("Expected event.Data to be map[string]interface{}")
	} else if eventData["user_id"] != 123 {
		t.Error("Expected data to contain user_id=123")
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("Expected timestamp to be set correctly")
	}
}

// TestMemoryEventBus_MessageOrdering is a regression test for the race condition
// where async handler dispatch caused messages to be processed out of order.
// This test verifies that events are delivered to handlers in the exact order
// they are published, which is critical for streaming message content.
//
// The fix (commit 18cafe8) changed from:
//
//	go func(s *memorySubscription, e *Event) { s.handler(ctx, e) }(sub, event)
//
// to synchronous dispatch:
//
//	sub.handler(ctx, event)
//
// With async dispatch, this test fails because goroutines can run out of order.
// With synchronous dispatch, this test passes reliably.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	// Track the order in which events are received
	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("test.ordering", func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		seq := int(data["seq"].(float64))
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Publish events in order from 0 to numEvents-1
	for i := 0; i < numEvents; i++ {
		event := NewEvent("test.type", "test-source", map[string]interface{}{
			"seq": float64(i), // Use float64 to match JSON unmarshaling
		})
		if err := bus.Publish(ctx, "test.ordering", event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	// With synchronous dispatch, all handlers should have completed by now
	// No need to wait - this is part of the test!

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}

	// Verify events were received in the exact order they were published
	outOfOrder := 0
	for i, seq := range receivedOrder {
		if seq != i {
			outOfOrder++
		}
	}

	if outOfOrder > 0 {
		t.Errorf("Message ordering violation: %d of %d events received out of order", outOfOrder, numEvents)
		// Show first few out-of-order events for debugging
		for i := 0; i < len(receivedOrder) && i < 10; i++ {
			if receivedOrder[i] != i {
				t.Logf("  Position %d: expected seq %d, got %d", i, i, receivedOrder[i])
			}
		}
	}
}

// TestMemoryEventBus_MessageOrderingWithSlowHandler verifies ordering is preserved
// even when handlers have variable execution times. This is important because
// with async dispatch, faster handlers could "overtake" slower ones.
func TestMemoryEventBus_MessageOrderingWithSlowHandler(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 50

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("test.ordering.slow", func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		seq := int(data["seq"].(float64))

		// Simulate variable processing time - earlier events take longer
		// This would cause out-of-order completion with async dispatch
		delay := time.Duration(numEvents-seq) * 100 * time.Microsecond
		time.Sleep(delay)

		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Publish events in order
	for i := 0; i < numEvents; i++ {
		event := NewEvent("test.type", "test-source", map[string]interface{}{
			"seq": float64(i),
		})
		if err := bus.Publish(ctx, "test.ordering.slow", event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	// With synchronous dispatch, all handlers complete in order regardless of their duration

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}

	// Verify strict ordering
	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("Message ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

// TestMemoryEventBus_QueueMessageOrdering verifies ordering is preserved for queue subscriptions.
// Queue subscriptions use round-robin delivery, but each event should still be delivered
// in order (just to different subscribers).
func TestMemoryEventBus_QueueMessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	// Create a single queue subscriber (to test ordering within one handler)
	sub, err := bus.QueueSubscribe("test.queue.ordering", "workers", func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		seq := int(data["seq"].(float64))
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Publish events in order
	for i := 0; i < numEvents; i++ {
		event := NewEvent("test.type", "test-source", map[string]interface{}{
			"seq": float64(i),
		})
		if err := bus.Publish(ctx, "test.queue.ordering", event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}

	// Verify strict ordering
	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("Queue message ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}
