package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"codeagent/internal/assistant"
	"codeagent/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var errBusy = errors.New("a request is already in progress on this connection")

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// chatConn serialises writes; gorilla connections allow one concurrent writer.
type chatConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *chatConn) send(ev StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(ev)
}

func (c *chatConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleChatSocket runs one conversation per connection. Each client message
// is a CompletionRequest; replies stream back as delta events followed by a
// done or error event. Closing the socket cancels the request in flight.
func (s *Server) handleChatSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer ws.Close()

	conn := &chatConn{conn: ws}
	conv := assistant.NewConversation()
	log := s.logger.With().Str("conversation", conv.ID).Logger()
	log.Debug().Str("remote", c.Request().RemoteAddr).Msg("chat socket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan CompletionRequest, 1)
	go s.readChatRequests(ctx, cancel, conn, requests)
	go keepAlive(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("chat socket closed")
			return nil
		case req := <-requests:
			s.runChatTurn(ctx, conn, conv, req)
		}
	}
}

// readChatRequests owns the read side of the socket. Any read error, including
// a client close, cancels ctx.
func (s *Server) readChatRequests(ctx context.Context, cancel context.CancelFunc, conn *chatConn, out chan<- CompletionRequest) {
	defer cancel()

	ws := conn.conn
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req CompletionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = conn.send(errorEvent(err))
			continue
		}

		select {
		case out <- req:
		case <-ctx.Done():
			return
		default:
			_ = conn.send(errorEvent(errBusy))
		}
	}
}

func (s *Server) runChatTurn(ctx context.Context, conn *chatConn, conv *assistant.Conversation, req CompletionRequest) {
	text, opts, err := req.Compose()
	if err != nil {
		_ = conn.send(errorEvent(err))
		return
	}

	turn, err := s.assistant.Send(ctx, conv, text, opts, func(d models.Delta) {
		if werr := conn.send(deltaEvent(d)); werr != nil {
			s.logger.Debug().Err(werr).Msg("failed to write chat delta")
		}
	})
	if err != nil {
		if ctx.Err() == nil {
			_ = conn.send(errorEvent(err))
		}
		return
	}
	_ = conn.send(doneEvent(turn))
}

func keepAlive(ctx context.Context, conn *chatConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.ping() != nil {
				return
			}
		}
	}
}
