package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/psky-social/relay/internal/database"
	"github.com/psky-social/relay/internal/hub"
	"github.com/psky-social/relay/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testRoom   = "at://did:plc:owner/social.psky.chat.room/general"
	otherRoom  = "at://did:plc:owner/social.psky.chat.room/random"
	testAuthor = "did:plc:author"
	mutedUser  = "did:plc:muted"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

func newSeededStore(t *testing.T) *store.Service {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	clock := &steppingClock{current: time.UnixMilli(1700000000000)}
	service, err := store.NewService(store.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	nickname := "Ada"
	users := []store.User{
		{DID: "did:plc:owner", Handle: "owner.test", Active: true},
		{DID: testAuthor, Handle: "author.test", Nickname: &nickname, Active: true},
		{DID: mutedUser, Handle: "muted.test", Active: false},
	}
	for _, user := range users {
		if _, err := service.CreateUser(ctx, user); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}
	}
	for _, uri := range []string{testRoom, otherRoom} {
		if _, err := service.CreateRoom(ctx, store.Room{URI: uri, CID: "cid", OwnerDID: "did:plc:owner", Name: "room"}); err != nil {
			t.Fatalf("failed to create room: %v", err)
		}
	}

	create := func(did, rkey, room string) {
		roomURI := room
		message := store.Message{
			URI:        store.RecordURI(did, chatCollection, rkey),
			CID:        "cid-" + rkey,
			Collection: chatCollection,
			DID:        did,
			Room:       &roomURI,
			Content:    "message " + rkey,
		}
		if _, _, err := service.CreateMessage(ctx, message); err != nil {
			t.Fatalf("failed to create message: %v", err)
		}
	}
	for index := 1; index <= 5; index++ {
		create(testAuthor, fmt.Sprintf("m%d", index), testRoom)
	}
	create(mutedUser, "hidden", testRoom)
	create(testAuthor, "elsewhere", otherRoom)
	return service
}

func newTestHandler(t *testing.T, messages MessageLister, logger *zap.Logger) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(Dependencies{
		Hub:      hub.New(hub.Config{}),
		Messages: messages,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func getJSON(t *testing.T, handler http.Handler, target string, dest interface{}) int {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	if dest != nil && recorder.Code == http.StatusOK {
		if err := json.Unmarshal(recorder.Body.Bytes(), dest); err != nil {
			t.Fatalf("failed to decode response %s: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Messages: newSeededStore(t)}); !errors.Is(err, errMissingHub) {
		t.Fatalf("expected missing hub error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Hub: hub.New(hub.Config{})}); !errors.Is(err, errMissingMessageLister) {
		t.Fatalf("expected missing lister error, got %v", err)
	}
}

func TestGetMessagesPaginatesActiveAuthorsNewestFirst(t *testing.T) {
	handler := newTestHandler(t, newSeededStore(t), nil)

	var firstPage getMessagesResponse
	if code := getJSON(t, handler, "/xrpc/social.psky.chat.getMessages?uri="+testRoom+"&limit=3", &firstPage); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if firstPage.Cursor != 3 || len(firstPage.Messages) != 3 {
		t.Fatalf("expected cursor 3 with 3 messages, got cursor %d with %d", firstPage.Cursor, len(firstPage.Messages))
	}
	if firstPage.Messages[0].RKey != "m5" || firstPage.Messages[2].RKey != "m3" {
		t.Fatalf("expected newest first, got %s..%s", firstPage.Messages[0].RKey, firstPage.Messages[2].RKey)
	}
	if firstPage.Messages[0].Handle != "author.test" || firstPage.Messages[0].Nickname == nil || *firstPage.Messages[0].Nickname != "Ada" {
		t.Fatalf("expected author handle and nickname, got %+v", firstPage.Messages[0])
	}

	var secondPage getMessagesResponse
	getJSON(t, handler, fmt.Sprintf("/xrpc/social.psky.chat.getMessages?uri=%s&limit=3&cursor=%d", testRoom, firstPage.Cursor), &secondPage)
	if secondPage.Cursor != 5 || len(secondPage.Messages) != 2 {
		t.Fatalf("expected cursor 5 with 2 messages, got cursor %d with %d", secondPage.Cursor, len(secondPage.Messages))
	}
	for _, message := range append(firstPage.Messages, secondPage.Messages...) {
		if message.DID == mutedUser {
			t.Fatalf("inactive author leaked into results")
		}
		if message.Room == nil || *message.Room != testRoom {
			t.Fatalf("expected only %s, got %v", testRoom, message.Room)
		}
	}
}

func TestGetMessagesWithoutRoomListsEveryRoom(t *testing.T) {
	handler := newTestHandler(t, newSeededStore(t), nil)

	var response getMessagesResponse
	if code := getJSON(t, handler, "/xrpc/social.psky.chat.getMessages", &response); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if len(response.Messages) != 6 || response.Cursor != 6 {
		t.Fatalf("expected 6 messages across rooms, got %d (cursor %d)", len(response.Messages), response.Cursor)
	}
}

func TestGetMessagesRejectsInvalidParameters(t *testing.T) {
	handler := newTestHandler(t, newSeededStore(t), nil)
	for _, query := range []string{"limit=0", "limit=101", "limit=abc", "cursor=-1"} {
		if code := getJSON(t, handler, "/xrpc/social.psky.chat.getMessages?"+query, nil); code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, code)
		}
	}
}

type failingLister struct{}

func (failingLister) ListMessages(context.Context, store.MessageQuery) ([]store.MessageView, error) {
	return nil, errors.New("database is locked")
}

func TestGetMessagesLogsQueryFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := newTestHandler(t, failingLister{}, zap.New(core))

	if code := getJSON(t, handler, "/xrpc/social.psky.chat.getMessages", nil); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	entries := logs.FilterMessage("failed to list messages").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected a single error log entry, got %d", len(entries))
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	handler := newTestHandler(t, failingLister{}, nil)

	var health map[string]string
	if code := getJSON(t, handler, "/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", code, health)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "psky_relay_") {
		t.Fatalf("expected relay collectors in metrics output")
	}
}

func TestCORSPreflightAllowsAnyOrigin(t *testing.T) {
	handler := newTestHandler(t, failingLister{}, nil)

	request := httptest.NewRequest(http.MethodOptions, "/xrpc/social.psky.chat.getMessages", http.NoBody)
	request.Header.Set("Origin", "https://chat.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
}

func TestRateLimitPerAddress(t *testing.T) {
	handler, err := NewHTTPHandler(Dependencies{
		Hub:                hub.New(hub.Config{}),
		Messages:           newSeededStore(t),
		RateLimitPerMinute: 2,
		RateLimitExempt:    []string{"192.0.2.99"},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	request := func(address string) int {
		req := httptest.NewRequest(http.MethodGet, "/xrpc/social.psky.chat.getMessages", http.NoBody)
		req.RemoteAddr = address + ":40000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		return recorder.Code
	}

	for attempt := 0; attempt < 2; attempt++ {
		if code := request("192.0.2.1"); code != http.StatusOK {
			t.Fatalf("expected request %d to pass, got %d", attempt, code)
		}
	}
	if code := request("192.0.2.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the budget is spent, got %d", code)
	}
	if code := request("192.0.2.2"); code != http.StatusOK {
		t.Fatalf("expected another address to have its own budget, got %d", code)
	}
	for attempt := 0; attempt < 5; attempt++ {
		if code := request("192.0.2.99"); code != http.StatusOK {
			t.Fatalf("expected exempt address to pass, got %d", code)
		}
	}
}

func TestRateLimiterRefillsAndPrunes(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	current := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return current }

	if !limiter.Allow("a") || limiter.Allow("a") {
		t.Fatalf("expected exactly one request per minute")
	}
	current = current.Add(time.Minute)
	if !limiter.Allow("a") {
		t.Fatalf("expected the bucket to refill after a minute")
	}
	current = current.Add(limiterIdleTTL + time.Second)
	limiter.Allow("b")
	if _, ok := limiter.limiters["a"]; ok {
		t.Fatalf("expected idle limiter to be pruned")
	}
}
