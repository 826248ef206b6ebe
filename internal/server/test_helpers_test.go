package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/ids"
	"github.com/MarcoPoloResearchLab/orbit/internal/notes"
	"github.com/MarcoPoloResearchLab/orbit/internal/session"
	"github.com/MarcoPoloResearchLab/orbit/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
)

type apiFixture struct {
	server   *httptest.Server
	sessions *session.Manager
	chat     *chat.Service
	names    map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	models := []any{&users.Identity{}}
	models = append(models, chat.Models()...)
	models = append(models, notes.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	idProvider := ids.NewUUIDProvider()
	chatService, err := chat.NewService(chat.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	source := directory.Sources{Users: userService.ListDirectoryUsers, Groups: chatService.ListDirectoryGroups}
	manager, err := session.NewManager(session.ManagerConfig{Stream: chatService, Directory: source})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	t.Cleanup(manager.CloseAll)

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Identities:        userService,
		ChatService:       chatService,
		NotesService:      notesService,
		Sessions:          manager,
		Directory:         source,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &apiFixture{
		server:   server,
		sessions: manager,
		chat:     chatService,
		names:    map[string]string{"me": "Yo", "u1": "Ana", "u2": "Carlos Diaz"},
	}
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: f.names[userID],
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// do sends a JSON request as userID and decodes the response into out when out is non-nil.
func (f *apiFixture) do(t *testing.T, userID, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: f.token(t, userID)})
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	if out != nil && response.StatusCode >= http.StatusMultipleChoices {
		_ = json.NewDecoder(response.Body).Decode(out)
	}
	return response.StatusCode
}

// register makes each user known to the directory by authenticating once.
func (f *apiFixture) register(t *testing.T, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		if status := f.do(t, userID, http.MethodGet, "/directory", nil, nil); status != http.StatusOK {
			t.Fatalf("directory request for %s failed with %d", userID, status)
		}
	}
}

// openSession opens the caller's tracker and waits for its directory.
func (f *apiFixture) openSession(t *testing.T, userID string) *session.Session {
	t.Helper()
	current, err := f.sessions.Open(context.Background(), session.Login{UserID: userID})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	select {
	case <-current.Tracker().DirectoryReady():
	case <-time.After(2 * time.Second):
		t.Fatal("directory load did not finish")
	}
	return current
}

type unreadPayload struct {
	Unread       []string  `json:"unread"`
	Active       string    `json:"active"`
	SessionStart time.Time `json:"session_start"`
}

func (f *apiFixture) waitForUnread(t *testing.T, userID string, want ...string) unreadPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var payload unreadPayload
		if status := f.do(t, userID, http.MethodGet, "/chat/unread", nil, &payload); status != http.StatusOK {
			t.Fatalf("unread request failed with %d", status)
		}
		if strings.Join(payload.Unread, ",") == strings.Join(want, ",") {
			return payload
		}
		if time.Now().After(deadline) {
			t.Fatalf("unread set never became %v, last %v", want, payload.Unread)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
