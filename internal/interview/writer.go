package interview

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	// closeWait bounds how long a close waits for the writer before dropping the connection.
	closeWait = 500 * time.Millisecond
)

// closeFrame is the last thing the writer sends before the close handshake.
type closeFrame struct {
	final *ServerMessage
	// flush writes already queued messages first.
	flush bool
}

// emit queues msg for the writer. It drops the message once the session is terminal.
func (s *Session) emit(msg ServerMessage) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to encode outbound message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	select {
	case <-s.writerDone:
		return false
	default:
	}
	select {
	case s.send <- b:
		return true
	case <-s.writerDone:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// writePump owns every write on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case f := <-s.closing:
			if f.flush {
				s.drain()
			}
			if f.final != nil {
				if b, err := json.Marshal(f.final); err == nil {
					_ = s.write(b)
				}
			}
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case b := <-s.send:
			if err := s.write(b); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case b := <-s.send:
			if err := s.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// closeConn hands the writer its final frame and waits briefly for the close handshake.
// Only the first call has any effect.
func (s *Session) closeConn(f closeFrame) {
	s.closeOnce.Do(func() {
		select {
		case s.closing <- f:
		default:
		}
		select {
		case <-s.writerDone:
		case <-time.After(closeWait):
			_ = s.conn.Close()
		}
	})
}
