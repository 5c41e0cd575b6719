package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/protocol"
	"github.com/xiaot623/chatrelay/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestShutdownReleasesBoundSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	wsPort := freePort(t)

	v := config.New()
	v.Set("ws-port", wsPort)
	v.Set("http-port", freePort(t))
	v.Set("auth-secret", "s3cret")
	v.Set("store-backend", config.StoreRedis)
	v.Set("redis-addr", mr.Addr())
	v.Set("provider", config.ProviderMock)
	v.Set("log-level", "error")
	cfg, err := config.Load(v)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- serve(ctx, cfg) }()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "a@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?token=%s", wsPort, token)
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return resp.StatusCode == http.StatusSwitchingProtocols
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Event == protocol.EventDone {
			break
		}
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	st := store.NewRedisStore(client, store.RedisOptions{Prefix: cfg.RedisPrefix})

	sess, err := st.Get(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.ActiveSocketID)

	cancel()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return")
	}

	sess, err = st.Get(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Nil(t, sess.ActiveSocketID)
	assert.NotEmpty(t, sess.ThreadID)
}
