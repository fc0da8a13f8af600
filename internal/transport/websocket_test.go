package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Pulse/internal/model"
	"github.com/CZERTAINLY/Pulse/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoHub echoes text messages, closes normally on "bye" and rejects
// connections without the right access token.
func echoHub(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Cookie") != "WEBSVR=app3" {
			http.Error(w, "missing cookie", http.StatusBadRequest)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = c.Close()
		}()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.WriteMessage(mt, []byte(r.URL.Query().Get("learningId")+":"+string(data))); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func endpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/hubs/lrs"
}

func TestNewWebSocket(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "http://example.com/hub", "ws://", "::"} {
		_, err := transport.NewWebSocket(bad, nil)
		require.Error(t, err, bad)
	}

	ws, err := transport.NewWebSocket("wss://example.com/hubs/lrs?x=1", nil)
	require.NoError(t, err)
	u, err := url.Parse(ws.URL("lid", "t&k"))
	require.NoError(t, err)
	require.Equal(t, "/hubs/lrs", u.Path)
	require.Equal(t, "1", u.Query().Get("x"))
	require.Equal(t, "lid", u.Query().Get("learningId"))
	require.Equal(t, "t&k", u.Query().Get("access_token"))
}

func TestWebSocket(t *testing.T) {
	t.Parallel()
	srv := echoHub(t)
	ws, err := transport.NewWebSocket(endpoint(srv), map[string]string{"cookie": "WEBSVR=app3"})
	require.NoError(t, err)

	t.Run("echo and peer close", func(t *testing.T) {
		conn, err := ws.Dial(t.Context(), "alpha", "token")
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		require.NoError(t, conn.WriteMessage(t.Context(), "{}\x1e"))
		msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "alpha:{}\x1e", msg)

		require.NoError(t, conn.WriteMessage(t.Context(), "bye"))
		_, err = conn.ReadMessage()
		require.ErrorIs(t, err, transport.ErrClosed)
	})

	t.Run("local close", func(t *testing.T) {
		conn, err := ws.Dial(t.Context(), "beta", "token")
		require.NoError(t, err)

		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())
		_, err = conn.ReadMessage()
		require.ErrorIs(t, err, transport.ErrClosed)
		require.ErrorIs(t, conn.WriteMessage(t.Context(), "late"), transport.ErrClosed)
	})

	t.Run("unauthorized", func(t *testing.T) {
		_, err := ws.Dial(t.Context(), "gamma", "wrong")
		require.Error(t, err)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Contains(t, err.Error(), "status 401")
		require.NotContains(t, err.Error(), "wrong")
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := ws.Dial(ctx, "delta", "token")
		require.Error(t, err)
	})

	t.Run("browser headers", func(t *testing.T) {
		ws, err := transport.NewWebSocket(endpoint(srv), model.DefaultHeaders())
		require.NoError(t, err)
		conn, err := ws.Dial(t.Context(), "epsilon", "token")
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	})
}
