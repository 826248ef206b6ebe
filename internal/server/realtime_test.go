package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/unread"
	"github.com/gorilla/websocket"
)

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, reader *bufio.Reader) <-chan sseEvent {
	t.Helper()
	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		current := sseEvent{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && current.name != "":
				events <- current
				current = sseEvent{}
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func TestNotificationStreamEmitsToasts(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.register(t, "me", "u1")
	fixture.openSession(t, "me")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fixture.server.URL+"/chat/notifications/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+fixture.token(t, "me"))
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	events := readEvents(t, bufio.NewReader(response.Body))

	initial := nextEvent(t, events, EventUnread)
	var state unread.State
	if err := json.Unmarshal([]byte(initial.data), &state); err != nil {
		t.Fatalf("failed to decode unread event: %v", err)
	}
	if len(state.Unread) != 0 {
		t.Fatalf("expected empty unread set, got %v", state.Unread)
	}

	if status := fixture.do(t, "u1", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: "me", Text: "Hola, tienes un minuto?"}, nil); status != http.StatusCreated {
		t.Fatalf("send failed with %d", status)
	}

	toastEvent := nextEvent(t, events, EventToast)
	var toast unread.Toast
	if err := json.Unmarshal([]byte(toastEvent.data), &toast); err != nil {
		t.Fatalf("failed to decode toast event: %v", err)
	}
	if toast.Title != "Nuevo mensaje de Ana" || toast.Body != "Hola, tienes un minuto?" || toast.ConversationKey != "u1" {
		t.Fatalf("unexpected toast: %#v", toast)
	}

	after := nextEvent(t, events, EventUnread)
	if err := json.Unmarshal([]byte(after.data), &state); err != nil {
		t.Fatalf("failed to decode unread event: %v", err)
	}
	if len(state.Unread) != 1 || state.Unread[0] != "u1" {
		t.Fatalf("expected u1 to be unread, got %v", state.Unread)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var received frame
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return received
}

func TestWebSocketPushesToastsAndAcceptsCommands(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.register(t, "me", "u1")
	fixture.openSession(t, "me")

	url := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/chat/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+fixture.token(t, "me"))
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", response.StatusCode)
	}

	if initial := readFrame(t, conn); initial.Type != EventUnread || initial.State == nil {
		t.Fatalf("expected initial unread frame, got %#v", initial)
	}

	if status := fixture.do(t, "u1", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: "me", Text: "hola"}, nil); status != http.StatusCreated {
		t.Fatalf("send failed with %d", status)
	}

	toastFrame := readFrame(t, conn)
	if toastFrame.Type != EventToast || toastFrame.Toast == nil || toastFrame.Toast.ConversationKey != "u1" {
		t.Fatalf("expected toast frame, got %#v", toastFrame)
	}
	if stateFrame := readFrame(t, conn); stateFrame.Type != EventUnread || len(stateFrame.State.Unread) != 1 {
		t.Fatalf("expected unread frame with u1, got %#v", stateFrame)
	}

	if err := conn.WriteJSON(command{Type: commandMarkRead, Key: "u1"}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
	afterRead := readFrame(t, conn)
	if afterRead.Type != EventUnread || len(afterRead.State.Unread) != 0 || afterRead.State.Active != "u1" {
		t.Fatalf("unexpected state after mark_read: %#v", afterRead)
	}

	if err := conn.WriteJSON(command{Type: commandClearActive}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
	if cleared := readFrame(t, conn); cleared.State == nil || cleared.State.Active != "" {
		t.Fatalf("unexpected state after clear_active: %#v", cleared)
	}

	if err := conn.WriteJSON(command{Type: commandResubscribe}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
	if replayed := readFrame(t, conn); replayed.State == nil || len(replayed.State.Unread) != 0 {
		t.Fatalf("replayed messages must not reopen read conversations: %#v", replayed)
	}

	if err := conn.WriteJSON(command{Type: "shout"}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
	if rejected := readFrame(t, conn); rejected.Type != "error" || rejected.Error != "unknown_command" {
		t.Fatalf("expected unknown command error, got %#v", rejected)
	}
}

func TestWebSocketClosesWithSession(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.openSession(t, "me")

	url := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/chat/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+fixture.token(t, "me"))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn)

	fixture.sessions.Close("me")

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var ignored frame
	err = conn.ReadJSON(&ignored)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}
