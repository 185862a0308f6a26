package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("conn-%d", p.next), nil
}

func newTestHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	if cfg.IDProvider == nil {
		cfg.IDProvider = &sequenceIDProvider{}
	}
	hub, err := NewHub(cfg)
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub
}

func mustRegister(t *testing.T, hub *Hub) *client {
	t.Helper()
	subscriber, err := hub.register()
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	return subscriber
}

func receiveFrame(t *testing.T, subscriber *client) outboundFrame {
	t.Helper()
	select {
	case frame := <-subscriber.stream:
		var decoded outboundFrame
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		return decoded
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime frame within deadline")
	}
	return outboundFrame{}
}

type outboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func TestHubBroadcastReachesGroupMembers(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	first := mustRegister(t, hub)
	second := mustRegister(t, hub)
	hub.Join("ROOM 5", first.id)
	hub.Join("ROOM 5", second.id)

	hub.Broadcast("ROOM 5", "display_user", map[string]any{"members": []string{"a"}})

	for _, subscriber := range []*client{first, second} {
		frame := receiveFrame(t, subscriber)
		if frame.Event != "display_user" {
			t.Fatalf("expected display_user, got %s", frame.Event)
		}
		if string(frame.Data) != `{"members":["a"]}` {
			t.Fatalf("unexpected data %s", frame.Data)
		}
	}
}

func TestHubBroadcastIsolatedByRoom(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	inRoom := mustRegister(t, hub)
	elsewhere := mustRegister(t, hub)
	hub.Join("ROOM 1", inRoom.id)
	hub.Join("ROOM 2", elsewhere.id)

	hub.Broadcast("ROOM 1", "is_editing", map[string]string{})

	receiveFrame(t, inRoom)
	select {
	case <-elsewhere.stream:
		t.Fatal("did not expect frame for a connection in another room")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSendTargetsSingleConnection(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	target := mustRegister(t, hub)
	bystander := mustRegister(t, hub)
	hub.Join("ROOM 1", target.id)
	hub.Join("ROOM 1", bystander.id)

	hub.Send(target.id, "exception", map[string]string{"status": "error"})

	frame := receiveFrame(t, target)
	if frame.Event != "exception" {
		t.Fatalf("expected exception, got %s", frame.Event)
	}
	if len(bystander.stream) != 0 {
		t.Fatalf("did not expect frames for bystander")
	}
}

func TestHubRemoveDropsConnectionFromGroups(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	subscriber := mustRegister(t, hub)
	hub.Join("ROOM 1", subscriber.id)
	hub.Join("ROOM 2", subscriber.id)

	hub.Remove(subscriber.id)

	if hub.GroupSize("ROOM 1") != 0 || hub.GroupSize("ROOM 2") != 0 {
		t.Fatalf("expected groups to be empty after removal")
	}
	select {
	case <-subscriber.done:
	default:
		t.Fatal("expected client to be closed")
	}

	hub.Join("ROOM 1", subscriber.id)
	if hub.GroupSize("ROOM 1") != 0 {
		t.Fatalf("removed connections must not rejoin groups")
	}
}

func TestHubClosesConnectionsThatFallBehind(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := newTestHub(t, HubConfig{SendBuffer: 1, Logger: zap.New(core)})
	slow := mustRegister(t, hub)
	healthy := mustRegister(t, hub)
	hub.Join("ROOM 1", slow.id)
	hub.Join("ROOM 1", healthy.id)

	hub.Broadcast("ROOM 1", "note_content", map[string]string{"content": "first"})
	receiveFrame(t, healthy)
	hub.Broadcast("ROOM 1", "note_content", map[string]string{"content": "final"})

	select {
	case <-slow.done:
	default:
		t.Fatal("expected the lagging connection to be closed")
	}
	if hub.GroupSize("ROOM 1") != 1 {
		t.Fatalf("expected only the healthy connection to remain, got %d", hub.GroupSize("ROOM 1"))
	}
	if frame := receiveFrame(t, healthy); !strings.Contains(string(frame.Data), "final") {
		t.Fatalf("expected the healthy connection to get the final content, got %s", frame.Data)
	}
	if logs.FilterMessage("realtime connection closed for falling behind").Len() != 1 {
		t.Fatalf("expected the close to be logged, got %v", logs.All())
	}

	hub.Broadcast("ROOM 1", "note_content", map[string]string{"content": "after"})
	if logs.Len() != 1 {
		t.Fatalf("closed connections must not be written to again, got %v", logs.All())
	}
}

func TestHubLeaveDropsSingleGroup(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	subscriber := mustRegister(t, hub)
	hub.Join("ROOM 1", subscriber.id)
	hub.Join("ROOM 2", subscriber.id)

	hub.Leave("ROOM 1", subscriber.id)

	if hub.GroupSize("ROOM 1") != 0 || hub.GroupSize("ROOM 2") != 1 {
		t.Fatalf("unexpected group sizes %d/%d", hub.GroupSize("ROOM 1"), hub.GroupSize("ROOM 2"))
	}
}

func TestNewHubRequiresIDProvider(t *testing.T) {
	if _, err := NewHub(HubConfig{}); err != errMissingIDProvider {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}
