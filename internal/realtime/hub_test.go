package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

func recvMessage(t *testing.T, ch <-chan SSEMessage, timeout time.Duration) SSEMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for SSE message")
	}
	return SSEMessage{}
}

func expectNone(t *testing.T, ch <-chan SSEMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected SSE message: %s", msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHubReconnectAndOrdering(t *testing.T) {
	hub := NewSSEHub(logger.Nop())
	channel := JobChannel(uuid.New().String())

	clientA := hub.NewSSEClient()
	hub.AddChannel(clientA, channel)

	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventJobCreated, Data: map[string]any{"seq": 1}})
	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventJobProgress, Data: map[string]any{"seq": 2}})

	if got := recvMessage(t, clientA.Outbound, time.Second); got.Event != SSEEventJobCreated {
		t.Fatalf("first event: want=%s got=%s", SSEEventJobCreated, got.Event)
	}
	if got := recvMessage(t, clientA.Outbound, time.Second); got.Event != SSEEventJobProgress {
		t.Fatalf("second event: want=%s got=%s", SSEEventJobProgress, got.Event)
	}

	hub.CloseClient(clientA)
	hub.CloseClient(clientA)
	select {
	case _, ok := <-clientA.Outbound:
		if ok {
			t.Fatalf("clientA outbound should be closed after disconnect")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for clientA channel close")
	}

	clientB := hub.NewSSEClient()
	hub.AddChannel(clientB, channel)
	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventJobCompleted})
	if got := recvMessage(t, clientB.Outbound, time.Second); got.Event != SSEEventJobCompleted {
		t.Fatalf("reconnect event: want=%s got=%s", SSEEventJobCompleted, got.Event)
	}
}

func TestSSEHubDebouncesRepeatedFailuresPerSession(t *testing.T) {
	hub := NewSSEHub(logger.Nop())
	channel := JobChannel(uuid.New().String())
	first := hub.NewSSEClient()
	hub.AddChannel(first, channel)

	failed := SSEMessage{Channel: channel, Event: SSEEventJobFailed, Data: map[string]any{"stage": "article", "error": "upstream 503"}}
	hub.Broadcast(failed)
	hub.Broadcast(failed)
	recvMessage(t, first.Outbound, time.Second)
	expectNone(t, first.Outbound)

	other := SSEMessage{Channel: channel, Event: SSEEventJobFailed, Data: map[string]any{"stage": "outline", "error": "upstream 503"}}
	hub.Broadcast(other)
	recvMessage(t, first.Outbound, time.Second)

	second := hub.NewSSEClient()
	hub.AddChannel(second, channel)
	hub.Broadcast(failed)
	recvMessage(t, second.Outbound, time.Second)
	expectNone(t, first.Outbound)
}

func TestSSEHubDeliversDuplicateProgress(t *testing.T) {
	hub := NewSSEHub(logger.Nop())
	channel := JobChannel(uuid.New().String())
	client := hub.NewSSEClient()
	hub.AddChannel(client, channel)

	dup := SSEMessage{Channel: channel, Event: SSEEventJobProgress, Data: map[string]any{"pct": 50}}
	hub.Broadcast(dup)
	hub.Broadcast(dup)

	gotOne := recvMessage(t, client.Outbound, time.Second)
	gotTwo := recvMessage(t, client.Outbound, time.Second)
	if gotOne.Event != SSEEventJobProgress || gotTwo.Event != SSEEventJobProgress {
		t.Fatalf("expected both progress events, got=%s and %s", gotOne.Event, gotTwo.Event)
	}
}
