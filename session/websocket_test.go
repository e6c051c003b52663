package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveSessions(t *testing.T, proc FrameProcessor, readLimit int64) (string, <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- New(NewWebsocketChannel(conn, readLimit, 0), proc).Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestWebsocketChannel(t *testing.T) {
	t.Run("round trip and normal close", func(t *testing.T) {
		url, done := serveSessions(t, &fakeProcessor{}, 1<<20)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, `{"type":"ack","message":"text received"}`, string(msg))

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("a")))
		_, msg, err = conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(msg), `"frame_id":"frame-a"`)

		require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
		assert.NoError(t, waitRun(t, done))
	})

	t.Run("dropped connection is a disconnect", func(t *testing.T) {
		url, done := serveSessions(t, &fakeProcessor{}, 1<<20)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		assert.NoError(t, waitRun(t, done))
	})

	t.Run("oversized frame fails the session", func(t *testing.T) {
		url, done := serveSessions(t, &fakeProcessor{}, 16)
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 64)))
		assert.Error(t, waitRun(t, done))
	})
}
