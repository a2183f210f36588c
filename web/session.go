package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"FaceTrackServer/dispatch"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 2 * time.Second

type session struct {
	id          string
	conn        *websocket.Conn
	opened      time.Time
	lastActive  atomic.Int64
	unsubscribe func()
	closeOnce   sync.Once
	done        chan struct{}
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// SessionInfo is the REST view of a websocket session.
type SessionInfo struct {
	ID     string    `json:"id"`
	Opened time.Time `json:"opened"`
	IdleMs int64     `json:"idleMs"`
	Remote string    `json:"remote"`
}

func (s *Server) sessionList() []SessionInfo {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			ID:     sess.id,
			Opened: sess.opened,
			IdleMs: sess.idle().Milliseconds(),
			Remote: sess.conn.RemoteAddr().String(),
		})
	}
	return out
}

func (s *Server) releaseSession(id, reason string) bool {
	s.sessionMu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	sess.closeOnce.Do(func() {
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
		_ = sess.conn.Close()
		sess.unsubscribe()
		close(sess.done)
	})
	s.log.Info("websocket session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func (s *Server) startIdleMonitor(sess *session) {
	if s.IdleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.IdleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-sess.done:
				return
			case <-ticker.C:
				if sess.idle() > s.IdleTimeout {
					s.releaseSession(sess.id, "idle timeout")
					return
				}
			}
		}
	}()
}

// readLoop only tracks liveness; any client message counts as a keepalive.
func (s *Server) readLoop(sess *session) {
	sess.conn.SetPongHandler(func(string) error {
		sess.touch()
		return nil
	})
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			s.releaseSession(sess.id, "client closed")
			return
		}
		sess.touch()
	}
}

// streamExpressions upgrades to a websocket and writes every dispatched update as JSON.
func (s *Server) streamExpressions(c *gin.Context) {
	if s.Broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no expression source"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(64 * 1024)
	updates, unsubscribe := s.Broker.Subscribe()
	sess := &session{
		id:          uuid.New().String(),
		conn:        conn,
		opened:      time.Now(),
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
	sess.touch()
	s.sessionMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionMu.Unlock()
	s.log.Info("websocket session opened", zap.String("session", sess.id), zap.String("remote", conn.RemoteAddr().String()))

	hello := gin.H{"session": sess.id, "timeoutMs": s.IdleTimeout.Milliseconds()}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		s.releaseSession(sess.id, "write failed")
		return
	}
	s.startIdleMonitor(sess)
	go s.readLoop(sess)

	for {
		select {
		case <-sess.done:
			return
		case u, ok := <-updates:
			if !ok {
				s.releaseSession(sess.id, "server closing")
				return
			}
			if err := writeUpdate(conn, u); err != nil {
				s.releaseSession(sess.id, "write failed")
				return
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, u dispatch.Update) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(u)
}

func (s *Server) closeSessions() {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.releaseSession(id, "server shutdown")
	}
}
