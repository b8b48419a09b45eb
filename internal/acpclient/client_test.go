package acpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/session.create", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CreateSessionResponse{ID: "sess-1"})
	})
	mux.HandleFunc("/session.promptAsync", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/permission.reply", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/event.subscribe", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		evt := StreamEvent{Kind: StreamMessagePartText, SessionID: "sess-1", Delta: "hello"}
		data, _ := json.Marshal(evt)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
		time.Sleep(50 * time.Millisecond)
	})

	return httptest.NewServer(mux)
}

func TestClient_CreateSessionAndPrompt(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := New(srv.URL, nil)
	id, err := c.CreateSession(context.Background(), "a title")
	require.NoError(t, err)
	require.Equal(t, "sess-1", id)

	err = c.PromptAsync(context.Background(), id, ModelRef{ProviderID: "anthropic", ModelID: "claude"}, "do X")
	require.NoError(t, err)
}

func TestClient_SubscribeReceivesEvents(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := New(srv.URL, nil)
	stream, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	select {
	case evt := <-stream.Events():
		require.Equal(t, StreamMessagePartText, evt.Kind)
		require.Equal(t, "hello", evt.Delta)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
}

func TestModelRef_String(t *testing.T) {
	require.Equal(t, "anthropic/claude", ModelRef{ProviderID: "anthropic", ModelID: "claude"}.String())
}
