package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
)

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestDirectoryListsUsersAndGroups(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.register(t, "me", "u1", "u2")

	var group chat.Group
	if status := fixture.do(t, "me", http.MethodPost, "/chat/groups", createGroupRequest{Name: "Sales Team", MemberIDs: []string{"u1"}}, &group); status != http.StatusCreated {
		t.Fatalf("create group failed with %d", status)
	}
	if group.OwnerID != "me" || group.GroupID == "" {
		t.Fatalf("unexpected group: %#v", group)
	}

	var payload struct {
		Entries  []directory.Entry `json:"entries"`
		Complete bool              `json:"complete"`
	}
	if status := fixture.do(t, "me", http.MethodGet, "/directory", nil, &payload); status != http.StatusOK {
		t.Fatalf("directory failed with %d", status)
	}
	if !payload.Complete || len(payload.Entries) != 4 {
		t.Fatalf("unexpected directory: %#v", payload)
	}
	last := payload.Entries[3]
	if last.ID != group.GroupID || last.Name != "Sales Team" || last.Kind != directory.KindGroup {
		t.Fatalf("expected group entry last, got %#v", last)
	}
}

func TestUnreadLifecycleOverHTTP(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.register(t, "me", "u1")
	fixture.openSession(t, "me")

	var sent chat.Message
	if status := fixture.do(t, "u1", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: "me", Text: "Hola, tienes un minuto?"}, &sent); status != http.StatusCreated {
		t.Fatalf("send failed with %d", status)
	}
	if sent.SenderID != "u1" || sent.ReceiverID != "me" {
		t.Fatalf("unexpected message: %#v", sent)
	}

	fixture.waitForUnread(t, "me", "u1")

	var state unreadPayload
	if status := fixture.do(t, "me", http.MethodPost, "/chat/conversations/u1/read", nil, &state); status != http.StatusOK {
		t.Fatalf("mark read failed with %d", status)
	}
	if len(state.Unread) != 0 || state.Active != "u1" {
		t.Fatalf("unexpected state after read: %#v", state)
	}
	if state.SessionStart.IsZero() || state.SessionStart.After(time.Now()) {
		t.Fatalf("expected the session start in the unread payload, got %v", state.SessionStart)
	}

	state = unreadPayload{}
	if status := fixture.do(t, "me", http.MethodDelete, "/chat/active", nil, &state); status != http.StatusOK {
		t.Fatalf("clear active failed with %d", status)
	}
	if state.Active != "" {
		t.Fatalf("expected no active conversation, got %q", state.Active)
	}

	if status := fixture.do(t, "u1", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: "me", Text: "otra vez"}, nil); status != http.StatusCreated {
		t.Fatalf("send failed with %d", status)
	}
	fixture.waitForUnread(t, "me", "u1")
}

func TestMessageErrorsCarryServiceCodes(t *testing.T) {
	fixture := newAPIFixture(t)

	var failure errorPayload
	status := fixture.do(t, "u1", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: "me", Text: "  "}, &failure)
	if status != http.StatusBadRequest || failure.Code != "chat.send_message.invalid_text" {
		t.Fatalf("expected invalid text error, got %d %#v", status, failure)
	}

	var sent chat.Message
	if status := fixture.do(t, "u1", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: "me", Text: "hola"}, &sent); status != http.StatusCreated {
		t.Fatalf("send failed with %d", status)
	}

	failure = errorPayload{}
	status = fixture.do(t, "u2", http.MethodPatch, "/chat/messages/"+sent.ID, editMessageRequest{Text: "hackeado"}, &failure)
	if status != http.StatusForbidden || failure.Code != "chat.edit_message.not_author" {
		t.Fatalf("expected not author error, got %d %#v", status, failure)
	}

	var edited chat.Message
	if status := fixture.do(t, "u1", http.MethodPatch, "/chat/messages/"+sent.ID, editMessageRequest{Text: "hola de nuevo"}, &edited); status != http.StatusOK {
		t.Fatalf("edit failed with %d", status)
	}
	if edited.Text != "hola de nuevo" {
		t.Fatalf("unexpected edited text %q", edited.Text)
	}

	if status := fixture.do(t, "u1", http.MethodDelete, "/chat/messages/"+sent.ID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete failed with %d", status)
	}
	failure = errorPayload{}
	status = fixture.do(t, "u1", http.MethodDelete, "/chat/messages/"+sent.ID, nil, &failure)
	if status != http.StatusNotFound || failure.Code != "chat.delete_message.message_not_found" {
		t.Fatalf("expected not found error, got %d %#v", status, failure)
	}
}

func TestGroupMessagesRequireMembership(t *testing.T) {
	fixture := newAPIFixture(t)

	var group chat.Group
	if status := fixture.do(t, "me", http.MethodPost, "/chat/groups", createGroupRequest{Name: "Ventas"}, &group); status != http.StatusCreated {
		t.Fatalf("create group failed with %d", status)
	}
	var failure errorPayload
	status := fixture.do(t, "u2", http.MethodPost, "/chat/messages", sendMessageRequest{ReceiverID: group.GroupID, Text: "hola"}, &failure)
	if status != http.StatusForbidden || failure.Code != "chat.send_message.not_group_member" {
		t.Fatalf("expected membership error, got %d %#v", status, failure)
	}
}

func TestCloseSessionEndsTracker(t *testing.T) {
	fixture := newAPIFixture(t)
	current := fixture.openSession(t, "me")

	if status := fixture.do(t, "me", http.MethodDelete, "/session", nil, nil); status != http.StatusNoContent {
		t.Fatalf("close session failed with %d", status)
	}
	if !current.Tracker().Closed() {
		t.Fatal("expected tracker to be closed")
	}
	if _, ok := fixture.sessions.Lookup("me"); ok {
		t.Fatal("expected session to be gone")
	}
}
