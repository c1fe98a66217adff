package firehose

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommit(t *testing.T) {
	event, err := Decode([]byte(`{
		"did":"did:plc:alice","time_us":1725911162329308,"kind":"commit",
		"commit":{"rev":"3l3q","operation":"create","collection":"social.psky.chat.message","rkey":"3l3qo2vutsw2b",
		"record":{"$type":"social.psky.chat.message","content":"hi","room":"at://did:plc:bob/social.psky.chat.room/r"},"cid":"bafy"}}`))
	require.NoError(t, err)

	assert.Equal(t, KindCommit, event.Kind)
	assert.Equal(t, int64(1725911162329308), event.TimeUS)
	assert.Equal(t, OperationCreate, event.Commit.Operation)
	assert.Equal(t, "social.psky.chat.message", event.Collection())
	assert.Equal(t, "at://did:plc:alice/social.psky.chat.message/3l3qo2vutsw2b", event.URI())
	assert.Contains(t, string(event.Commit.Record), `"content":"hi"`)
}

func TestDecodeLegacyFields(t *testing.T) {
	event, err := Decode([]byte(`{"did":"did:plc:a","time_us":5,"type":"com","commit":{"type":"d","collection":"social.psky.chat.room","rkey":"r"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindCommit, event.Kind)
	assert.Equal(t, OperationDelete, event.Commit.Operation)

	event, err = Decode([]byte(`{"did":"did:plc:a","time_us":6,"type":"acc","account":{"did":"did:plc:a","active":false,"status":"deleted"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAccount, event.Kind)
	assert.Equal(t, "deleted", event.Account.Status)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{"time_us":1,"kind":"commit","commit":{"operation":"create","collection":"c","rkey":"r"}}`,
		`{"did":"did:plc:a","time_us":1,"kind":"commit"}`,
		`{"did":"did:plc:a","time_us":1,"kind":"commit","commit":{"operation":"merge","collection":"c","rkey":"r"}}`,
		`{"did":"did:plc:a","time_us":1,"kind":"identity"}`,
	}
	for _, frame := range frames {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformedEvent, frame)
	}
}

func TestDecodeKeepsUnknownKinds(t *testing.T) {
	event, err := Decode([]byte(`{"did":"did:plc:a","time_us":1,"kind":"sync"}`))
	require.NoError(t, err)
	assert.Equal(t, Kind("sync"), event.Kind)
}

func TestStreamURL(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Endpoint:          "wss://jetstream.example/subscribe?compress=false",
		WantedCollections: []string{"social.psky.*", "app.bsky.feed.post"},
	})
	require.NoError(t, err)

	live, err := url.Parse(client.StreamURL(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"social.psky.*", "app.bsky.feed.post"}, live.Query()["wantedCollections"])
	assert.Empty(t, live.Query().Get("cursor"))
	assert.Equal(t, "false", live.Query().Get("compress"))

	resumed, err := url.Parse(client.StreamURL(42))
	require.NoError(t, err)
	assert.Equal(t, "42", resumed.Query().Get("cursor"))
}

type fakeJetstream struct {
	t        *testing.T
	mu       sync.Mutex
	queries  []url.Values
	sessions [][]string
	upgrader websocket.Upgrader
}

func (f *fakeJetstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	index := len(f.queries)
	f.queries = append(f.queries, r.URL.Query())
	var frames []string
	if index < len(f.sessions) {
		frames = f.sessions[index]
	}
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
	if index < len(f.sessions)-1 {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeJetstream) recordedQueries() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.queries...)
}

func commitFrame(timeUS string, rkey string) string {
	return `{"did":"did:plc:a","time_us":` + timeUS + `,"kind":"commit","commit":{"operation":"create","collection":"social.psky.chat.message","rkey":"` + rkey + `","record":{"content":"x"},"cid":"c"}}`
}

func TestClientDeliversInOrderAndResumesAfterDisconnect(t *testing.T) {
	jetstream := &fakeJetstream{
		t: t,
		sessions: [][]string{
			{commitFrame("100", "a"), `garbage`, commitFrame("200", "b")},
			{commitFrame("300", "c")},
		},
	}
	server := httptest.NewServer(jetstream)
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Endpoint:          "ws" + strings.TrimPrefix(server.URL, "http") + "/subscribe",
		WantedCollections: []string{"social.psky.*"},
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, 50, func(_ context.Context, event Event) {
			mu.Lock()
			received = append(received, event.Commit.RKey)
			count := len(received)
			mu.Unlock()
			if count == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "unexpected run error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not finish")
	}

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, received)
	mu.Unlock()

	queries := jetstream.recordedQueries()
	require.GreaterOrEqual(t, len(queries), 2)
	assert.Equal(t, "50", queries[0].Get("cursor"))
	assert.Equal(t, []string{"social.psky.*"}, queries[0]["wantedCollections"])
	assert.Equal(t, "200", queries[1].Get("cursor"))
	assert.Equal(t, int64(300), client.Cursor())
}

func TestClientStopsWhileDialing(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Endpoint: "ws://127.0.0.1:1/subscribe",
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = client.Run(ctx, 0, func(context.Context, Event) {})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
}
