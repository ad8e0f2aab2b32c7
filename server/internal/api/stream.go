package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"story-nav/server/internal/model"
)

const streamWriteTimeout = 10 * time.Second

// streamMessage 是推送给客户端的消息。
type streamMessage struct {
	Type     string             `json:"type"` // state | error
	State    *model.PublicState `json:"state,omitempty"`
	Error    string             `json:"error,omitempty"`
	ServerTS time.Time          `json:"server_ts"`
}

// streamCommand 是客户端通过同一连接发送的命令。
type streamCommand struct {
	Type      string               `json:"type"` // navigate | reset_side_states | seen
	Kind      model.NavigationKind `json:"kind,omitempty"`
	Direction model.Direction      `json:"direction,omitempty"`
	AuthorID  model.AuthorID       `json:"author_id,omitempty"`
	ItemID    model.ItemID         `json:"item_id,omitempty"`
}

// handleStream 升级为 WebSocket：连接建立时推送一次当前状态，之后每个合并脉冲推送一次。
// 只有写循环写连接，读循环把命令放入串行队列。
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] ❌ Failed to upgrade websocket: %v", err)
		return
	}

	clientID := newClientID()
	s.streamsMu.Lock()
	s.streams[clientID] = conn
	total := len(s.streams)
	s.streamsMu.Unlock()
	s.logger.Printf("[API] 📡 Stream %s connected (total active: %d)", clientID, total)

	pulses, unwatch := s.nav.Watch()
	defer func() {
		unwatch()
		s.streamsMu.Lock()
		delete(s.streams, clientID)
		remaining := len(s.streams)
		s.streamsMu.Unlock()
		_ = conn.Close()
		s.logger.Printf("[API] 🔌 Stream %s closed (remaining: %d)", clientID, remaining)
	}()

	done := make(chan struct{})
	failures := make(chan string, 1)
	go s.streamReadLoop(conn, clientID, done, failures)

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	var lastVersion uint64
	send := func() error {
		st := s.nav.State()
		if st.Version != 0 && st.Version == lastVersion {
			return nil
		}
		lastVersion = st.Version
		return s.writeMessage(conn, streamMessage{Type: "state", State: &st, ServerTS: s.now()})
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-pulses:
			if err := send(); err != nil {
				s.logger.Printf("[API] Stream %s write error: %v", clientID, err)
				return
			}
		case msg := <-failures:
			if err := s.writeMessage(conn, streamMessage{Type: "error", Error: msg, ServerTS: s.now()}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// streamReadLoop 读取客户端命令直到连接关闭。
func (s *Server) streamReadLoop(conn *websocket.Conn, clientID string, done chan<- struct{}, failures chan<- string) {
	defer close(done)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("[API] Stream %s read error: %v", clientID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleStreamCommand(data); err != nil {
			s.logger.Printf("[API] Stream %s command error: %v", clientID, err)
			select {
			case failures <- err.Error():
			default:
			}
		}
	}
}

func (s *Server) handleStreamCommand(data []byte) error {
	var cmd streamCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	switch cmd.Type {
	case "navigate":
		nav := model.Navigation{Kind: cmd.Kind, Direction: cmd.Direction}
		if !nav.Kind.Valid() || !nav.Direction.Valid() {
			return fmt.Errorf("invalid navigation %s/%s", cmd.Kind, cmd.Direction)
		}
		return s.queue.Enqueue("navigate", func(context.Context) error { return s.nav.ApplyNavigation(nav) })
	case "reset_side_states":
		return s.queue.Enqueue("reset_side_states", func(context.Context) error {
			s.nav.ApplyResetSideStates()
			return nil
		})
	case "seen":
		return s.queue.Enqueue("mark_seen", func(context.Context) error {
			s.nav.ApplyMarkAsSeen(cmd.AuthorID, cmd.ItemID)
			return nil
		})
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
