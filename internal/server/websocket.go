package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/gateway"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxClientFrame = 4096

	clientTypingStart = "typing.start"
	clientTypingStop  = "typing.stop"
)

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type errorFrame struct {
	Type           string `json:"type"`
	Code           string `json:"code"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (h *httpHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	if slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	parsed, err := url.Parse(origin)
	return err == nil && strings.EqualFold(parsed.Host, r.Host)
}

// handleWebSocket upgrades the request and streams gateway envelopes until
// either side closes. Inbound frames carry typing signals only.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	userID := currentUserID(c)
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	stream, cleanup := h.gateway.Connect(ctx, userID)
	defer cleanup()

	outbound := make(chan any, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, userID, stream, outbound)
		cancel()
	}()

	h.readLoop(ctx, conn, userID, outbound)
	cancel()
	<-writerDone
	_ = conn.Close()
}

func (h *httpHandler) writeLoop(ctx context.Context, conn *websocket.Conn, userID string, stream <-chan gateway.Envelope, outbound <-chan any) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case envelope, ok := <-stream:
			if !ok {
				return
			}
			if err := writeJSON(conn, envelope); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case frame := <-outbound:
			if err := writeJSON(conn, frame); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) readLoop(ctx context.Context, conn *websocket.Conn, userID string, outbound chan<- any) {
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var typing bool
		switch frame.Type {
		case clientTypingStart:
			typing = true
		case clientTypingStop:
			typing = false
		default:
			h.reply(ctx, outbound, errorFrame{Type: "error", Code: "frame.type_unsupported"})
			continue
		}
		if err := h.gateway.Typing(ctx, userID, frame.ConversationID, typing); err != nil {
			code := "typing.failed"
			if errors.Is(err, gateway.ErrNotParticipant) || errors.Is(err, chat.ErrNotFound) {
				code = "typing.not_participant"
			} else {
				h.logger.Warn("typing signal failed",
					zap.String("user_id", userID),
					zap.String("conversation_id", frame.ConversationID),
					zap.Error(err))
			}
			h.reply(ctx, outbound, errorFrame{Type: "error", Code: code, ConversationID: frame.ConversationID})
		}
	}
}

func (h *httpHandler) reply(ctx context.Context, outbound chan<- any, frame any) {
	select {
	case outbound <- frame:
	case <-ctx.Done():
	default:
	}
}

func writeJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(value)
}
