package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentdash/internal/auth"
	"agentdash/internal/hub"
	"agentdash/internal/logging"
	"agentdash/internal/utils/id"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 << 10
	wsReplyEvent     = "subscribed"
	wsUnsubEvent     = "unsubscribed"
	wsErrorEvent     = "error"
)

// Hub is the fan-out surface the websocket transport drives.
type Hub interface {
	Register(c *hub.Client)
	Subscribe(c *hub.Client, topic string) error
	Unsubscribe(c *hub.Client, topic string)
	Disconnect(c *hub.Client)
}

// WSHandler bridges websocket connections to hub clients.
type WSHandler struct {
	hub           Hub
	authenticator auth.Authenticator
	upgrader      websocket.Upgrader
	buffer        int
	pingInterval  time.Duration
	logger        logging.Logger
}

// NewWSHandler builds the transport. checkOrigin nil accepts every origin.
func NewWSHandler(h Hub, authenticator auth.Authenticator, checkOrigin func(*http.Request) bool, buffer int, pingInterval time.Duration, logger logging.Logger) *WSHandler {
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if pingInterval <= 0 {
		pingInterval = hub.DefaultPingInterval
	}
	return &WSHandler{
		hub:           h,
		authenticator: authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		buffer:       buffer,
		pingInterval: pingInterval,
		logger:       logging.OrNop(logger),
	}
}

// clientMessage accepts both {"action","topic"} and {"event","data"} shapes.
type clientMessage struct {
	Action string          `json:"action"`
	Topic  string          `json:"topic"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

type logsFilter struct {
	ExecutionID string `json:"executionId"`
	AgentName   string `json:"agentName"`
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeControl(messageType int) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteControl(messageType, nil, time.Now().Add(wsWriteWait))
}

// HandleWS authenticates, upgrades and serves one observer connection.
func (h *WSHandler) HandleWS(c *gin.Context) {
	if _, err := h.authenticator.Authenticate(c.Request.Context(), requestToken(c.Request)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}

	client := hub.NewClient(id.NewClientID(), h.buffer)
	h.hub.Register(client)
	h.logger.Info("Observer %s connected", client.ID())

	ws := &wsConn{conn: conn}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ws, client)
	}()

	h.readLoop(ws, client)
	h.hub.Disconnect(client)
	<-done
	_ = conn.Close()
	h.logger.Info("Observer %s disconnected", client.ID())
}

func (h *WSHandler) writeLoop(ws *wsConn, client *hub.Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				_ = ws.writeControl(websocket.CloseMessage)
				return
			}
			if err := ws.writeJSON(ev); err != nil {
				h.logger.Debug("Write to %s failed: %v", client.ID(), err)
				_ = ws.conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.writeControl(websocket.PingMessage); err != nil {
				_ = ws.conn.Close()
				return
			}
		}
	}
}

func (h *WSHandler) readLoop(ws *wsConn, client *hub.Client) {
	ws.conn.SetReadLimit(wsMaxMessageSize)
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.writeJSON(hub.Event{Kind: wsErrorEvent, Data: gin.H{"error": "malformed message"}})
			continue
		}
		h.handleMessage(ws, client, msg)
	}
}

func (h *WSHandler) handleMessage(ws *wsConn, client *hub.Client, msg clientMessage) {
	subscribe, topics, ok := resolveTopics(msg)
	if !ok {
		_ = ws.writeJSON(hub.Event{Kind: wsErrorEvent, Data: gin.H{"error": "unsupported message"}})
		return
	}
	for _, topic := range topics {
		if !hub.ValidTopic(topic) {
			_ = ws.writeJSON(hub.Event{Kind: wsErrorEvent, Data: gin.H{"error": hub.ErrInvalidTopic.Error(), "topic": topic}})
			continue
		}
		if !subscribe {
			h.hub.Unsubscribe(client, topic)
			_ = ws.writeJSON(hub.Event{Kind: wsUnsubEvent, Data: gin.H{"topic": topic}})
			continue
		}
		if err := h.hub.Subscribe(client, topic); err != nil {
			_ = ws.writeJSON(hub.Event{Kind: wsErrorEvent, Data: gin.H{"error": err.Error(), "topic": topic}})
			continue
		}
		_ = ws.writeJSON(hub.Event{Kind: wsReplyEvent, Data: gin.H{"topic": topic}})
	}
}

// resolveTopics maps a client message onto hub topics. subscribe is false for
// unsubscribe requests.
func resolveTopics(msg clientMessage) (subscribe bool, topics []string, ok bool) {
	if action := strings.ToLower(strings.TrimSpace(msg.Action)); action != "" {
		switch action {
		case "subscribe":
			subscribe = true
		case "unsubscribe":
		default:
			return false, nil, false
		}
		return subscribe, []string{strings.TrimSpace(msg.Topic)}, true
	}

	verb, family, found := strings.Cut(strings.TrimSpace(msg.Event), ":")
	if !found {
		return false, nil, false
	}
	switch verb {
	case "subscribe":
		subscribe = true
	case "unsubscribe":
	default:
		return false, nil, false
	}

	switch family {
	case "agent":
		return subscribe, []string{hub.AgentTopic(scalarData(msg.Data, "agentName"))}, true
	case "execution":
		return subscribe, []string{hub.ExecutionTopic(scalarData(msg.Data, "executionId"))}, true
	case "project":
		return subscribe, []string{hub.ProjectTopic(scalarData(msg.Data, "projectId"))}, true
	case "logs":
		var filter logsFilter
		if err := json.Unmarshal(msg.Data, &filter); err != nil {
			return false, nil, false
		}
		if filter.ExecutionID != "" {
			topics = append(topics, hub.ExecutionLogsTopic(filter.ExecutionID))
		}
		if filter.AgentName != "" {
			topics = append(topics, hub.AgentLogsTopic(filter.AgentName))
		}
		return subscribe, topics, len(topics) > 0
	}
	return false, nil, false
}

// scalarData accepts a bare JSON string or an object carrying key.
func scalarData(raw json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj[key].(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
