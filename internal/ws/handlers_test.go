package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, m *Manager, origins ...string) string {
	t.Helper()
	r := mux.NewRouter()
	NewWSHandler(m, origins).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServeWS_RejectsBeforeUpgrade(t *testing.T) {
	m := newTestManager(t, Config{})
	base := newTestServer(t, m)

	for _, target := range []string{base + "/ws", base + "/ws?token=forged"} {
		_, resp, err := websocket.DefaultDialer.Dial(target, nil)
		require.Error(t, err, target)
		require.NotNil(t, resp, target)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, target)
		resp.Body.Close()
	}
	assert.Zero(t, m.ActiveConnections())
}

func TestServeWS_EndToEnd(t *testing.T) {
	m := newTestManager(t, Config{})
	base := newTestServer(t, m)

	header := http.Header{"Authorization": {"Bearer alice-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/notifications", header)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(waitFor))

	var welcome connectionStatusFrame
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, frameConnectionStatus, welcome.Type)
	assert.Equal(t, "alice", welcome.UserID)
	assert.NotEmpty(t, welcome.ConnectionID)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "event_id": "e1"}))
	var update subscriptionUpdateFrame
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "subscribed", update.Status)

	delivered := m.Dispatch(testNotification("n1"), m.SubscribedUsers("e1"))
	assert.Equal(t, []string{"alice"}, delivered)

	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "n1", got["id"])
	assert.Equal(t, "e1", got["owner_topic"])

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return m.ActiveConnections() == 0 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, m.SubscribedUsers("e1"))
}

func TestServeWS_QueryToken(t *testing.T) {
	m := newTestManager(t, Config{})
	base := newTestServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws?token=bob-token", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(waitFor))

	var welcome connectionStatusFrame
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "bob", welcome.UserID)
}

func TestServeWS_ForeignOriginRefused(t *testing.T) {
	m := newTestManager(t, Config{})
	base := newTestServer(t, m, "https://app.example.com")

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws?token=alice-token", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"https://app.example.com"}, "", true},
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"case insensitive", []string{"https://app.example.com"}, "https://APP.example.com", true},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", false},
		{"wildcard", []string{"*"}, "https://anything.example.com", true},
		{"nothing allowed", nil, "https://app.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, OriginChecker(tt.allowed)(req))
		})
	}
}
