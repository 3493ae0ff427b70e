package http

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

	"agentdash/internal/auth"
	"agentdash/internal/hub"
)

func dialWS(t *testing.T, f *routerFixture, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWebsocketSubscribeReceivesTopicEvents(t *testing.T) {
	f := newRouterFixture(t, nil)
	conn, _, err := dialWS(t, f, "")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "subscribe:execution", "data": "exec-7"}))
	ack := readEvent(t, conn)
	assert.Equal(t, "subscribed", ack["event"])
	assert.Equal(t, map[string]any{"topic": "execution:exec-7"}, ack["data"])

	require.Eventually(t, func() bool {
		return f.hub.SubscriberCount(hub.ExecutionTopic("exec-7")) == 1
	}, time.Second, 10*time.Millisecond)

	f.hub.EmitExecutionUpdate("exec-7", map[string]any{"status": "started"})
	ev := readEvent(t, conn)
	assert.Equal(t, hub.EventExecutionUpdate, ev["event"])
	data, ok := ev["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "started", data["status"])
	assert.Equal(t, "exec-7", data["executionId"])
}

func TestWebsocketActionFormAndUnsubscribe(t *testing.T) {
	f := newRouterFixture(t, nil)
	conn, _, err := dialWS(t, f, "")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "topic": "agent:qa-expert"}))
	assert.Equal(t, "subscribed", readEvent(t, conn)["event"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "topic": "agent:qa-expert"}))
	assert.Equal(t, "unsubscribed", readEvent(t, conn)["event"])
	assert.Equal(t, 0, f.hub.SubscriberCount(hub.AgentTopic("qa-expert")))
}

func TestWebsocketLogsFilterSubscribesBothTopics(t *testing.T) {
	f := newRouterFixture(t, nil)
	conn, _, err := dialWS(t, f, "")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "subscribe:logs",
		"data":  map[string]string{"executionId": "e1", "agentName": "qa-expert"},
	}))
	topics := []any{readEvent(t, conn)["data"], readEvent(t, conn)["data"]}
	assert.ElementsMatch(t, []any{
		map[string]any{"topic": "logs:execution:e1"},
		map[string]any{"topic": "logs:agent:qa-expert"},
	}, topics)
}

func TestWebsocketRejectsInvalidMessages(t *testing.T) {
	f := newRouterFixture(t, nil)
	conn, _, err := dialWS(t, f, "")
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "error", readEvent(t, conn)["event"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "topic": "sessions:1"}))
	assert.Equal(t, "error", readEvent(t, conn)["event"])

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "dance:agent", "data": "x"}))
	assert.Equal(t, "error", readEvent(t, conn)["event"])
}

func TestWebsocketRequiresTokenWhenConfigured(t *testing.T) {
	authenticator, err := auth.NewJWTAuthenticator("ws-secret", "")
	require.NoError(t, err)
	f := newRouterFixture(t, authenticator)

	_, resp, err := dialWS(t, f, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := authenticator.Issue("observer", time.Minute)
	require.NoError(t, err)
	conn, _, err := dialWS(t, f, "?token="+token)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "subscribe:agent", "data": "qa-expert"}))
	assert.Equal(t, "subscribed", readEvent(t, conn)["event"])
}

func TestResolveTopics(t *testing.T) {
	cases := []struct {
		name      string
		msg       string
		subscribe bool
		topics    []string
		ok        bool
	}{
		{"project object", `{"event":"subscribe:project","data":{"projectId":"p1"}}`, true, []string{"project:p1"}, true},
		{"agent unsubscribe", `{"event":"unsubscribe:agent","data":"a"}`, false, []string{"agent:a"}, true},
		{"logs without filter", `{"event":"subscribe:logs","data":{}}`, false, nil, false},
		{"unknown action", `{"action":"watch","topic":"agent:a"}`, false, nil, false},
		{"no verb", `{"event":"ping"}`, false, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg clientMessage
			require.NoError(t, json.Unmarshal([]byte(tc.msg), &msg))
			subscribe, topics, ok := resolveTopics(msg)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.subscribe, subscribe)
				assert.Equal(t, tc.topics, topics)
			}
		})
	}
}
