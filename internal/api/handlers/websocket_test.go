package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/dispatcher"
)

func dialEvents(t *testing.T, h *WebSocketHandler, query string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(h.Events))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg WebSocketMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketStreamsFilteredNotifications(t *testing.T) {
	env := newTestEnv(t)
	h := NewWebSocketHandler(env.ws.Dispatcher(), env.logger)
	t.Cleanup(h.Shutdown)

	conn := dialEvents(t, h, "?types=command_done")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := env.ws.RunAndWait(testContext(t), scanCommand)
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, string(dispatcher.EventCommandDone), msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, scanCommand, data["command"])
	assert.Len(t, data["host_ids"], 2)
}

func TestWebSocketStreamsOutput(t *testing.T) {
	env := newTestEnv(t)
	h := NewWebSocketHandler(env.ws.Dispatcher(), env.logger)
	t.Cleanup(h.Shutdown)

	conn := dialEvents(t, h, "?types=output")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := env.ws.RunAndWait(testContext(t), "whoami")
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, string(dispatcher.EventOutput), msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "root", data["line"])
}

func TestWebSocketRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	h := NewWebSocketHandler(env.ws.Dispatcher(), env.logger)
	t.Cleanup(h.Shutdown)

	rec := httptest.NewRecorder()
	h.Events(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ws?types=output,bogus", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown event type: bogus")
}

func TestWebSocketShutdownDisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	h := NewWebSocketHandler(env.ws.Dispatcher(), env.logger)

	conn := dialEvents(t, h, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Shutdown()
	h.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestParseEventTypes(t *testing.T) {
	types, err := parseEventTypes("")
	require.NoError(t, err)
	assert.Empty(t, types)

	types, err = parseEventTypes(" output , status ")
	require.NoError(t, err)
	assert.True(t, types[dispatcher.EventOutput])
	assert.True(t, types[dispatcher.EventStatus])
	assert.False(t, types[dispatcher.EventInventory])
}
