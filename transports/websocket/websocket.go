package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"callrelay/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// ChatService is a text conversation over a WebSocket. Clients send either
// plain text or {"type":"text","data":"..."} and receive plain text replies.
type ChatService struct {
	conn         *websocket.Conn
	mu           sync.Mutex // protects writes
	writeTimeout time.Duration
	closeOnce    sync.Once
}

type chatMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewChatService wraps an already upgraded connection.
func NewChatService(conn *websocket.Conn, writeTimeout time.Duration) *ChatService {
	return &ChatService{conn: conn, writeTimeout: writeTimeout}
}

// ReadText blocks until the next non-empty text message. It returns
// core.ErrChannelClosed once the peer goes away.
func (ws *ChatService) ReadText(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		messageType, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", errors.Join(core.ErrChannelClosed, err)
			}
			return "", core.ErrChannelClosed
		}
		if messageType != websocket.TextMessage {
			continue
		}

		text := string(msg)
		var structured chatMessage
		if err := sonic.Unmarshal(msg, &structured); err == nil && structured.Type == "text" {
			text = structured.Data
		}
		if text = strings.TrimSpace(text); text != "" {
			return text, nil
		}
	}
}

func (ws *ChatService) WriteText(text string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.writeTimeout > 0 {
		ws.conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("chat write: %w", err)
	}
	return nil
}

// Close shuts down the WebSocket connection
func (ws *ChatService) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		err = ws.conn.Close()
	})
	return err
}
