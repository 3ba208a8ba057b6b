package websocket_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wsadapter "github.com/couchcryptid/crop-report-service/internal/adapter/websocket"
	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/couchcryptid/crop-report-service/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, origins []string) (*hub.Hub, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(logger, observability.NewMetricsForTesting())
	srv := httptest.NewServer(wsadapter.NewHandler(h, 8, origins, logger))
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHandler_LatestOnConnectThenLive(t *testing.T) {
	h, url := newTestServer(t, nil)
	crop := "wheat"
	h.Publish(domain.Report{ID: "r1", Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), CropDetection: &crop})

	conn := dial(t, url)

	ev := readEvent(t, conn)
	assert.Equal(t, "drone-update", ev["type"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, "r1", data["id"])
	assert.Equal(t, "wheat", data["crop_detection"])

	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.Publish(domain.Report{ID: "r2", Timestamp: time.Date(2024, 6, 1, 10, 1, 0, 0, time.UTC)})

	ev = readEvent(t, conn)
	assert.Equal(t, "r2", ev["data"].(map[string]any)["id"])
}

func TestHandler_DisconnectUnsubscribes(t *testing.T) {
	h, url := newTestServer(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_HubCloseClosesConnection(t *testing.T) {
	h, url := newTestServer(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandler_RejectsUnknownOrigin(t *testing.T) {
	_, url := newTestServer(t, []string{"https://dashboard.example"})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://dashboard.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}
