package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/protocol"
)

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "chat")
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestClientPrintsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-a", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		frames := []struct {
			event string
			data  any
		}{
			{protocol.EventSession, protocol.SessionPayload{ThreadID: "thread_1"}},
			{protocol.EventChunk, protocol.Chunk{Data: "Hel"}},
			{protocol.EventChunk, protocol.Chunk{Data: "lo"}},
			{protocol.EventDone, protocol.DonePayload{RunID: "run_1", Status: "completed"}},
			{protocol.EventError, protocol.ErrorPayload{Code: "evicted", Message: "bye"}},
		}
		for _, f := range frames {
			b, err := protocol.Encode(f.event, f.data)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var out bytes.Buffer
	client, err := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "tok-a", &out)
	require.NoError(t, err)
	defer client.Close()

	client.ReadMessages()
	<-client.Done()

	text := out.String()
	assert.Contains(t, text, "[session new, thread thread_1]")
	assert.Contains(t, text, "Hello\n")
	assert.Contains(t, text, "[error] evicted: bye")
}

func TestClientReportsRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"conflict","message":"session already has an active connection"}`))
	}))
	defer srv.Close()

	_, err := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "tok-a", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "conflict")
}
