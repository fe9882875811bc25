package web

import (
	iface "TableDetServer/interface"
	"TableDetServer/logger"
	"TableDetServer/pipeline"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// wsEvent is what the socket sends for every session event.
type wsEvent struct {
	Type  string             `json:"type"`
	Pass  string             `json:"pass,omitempty"`
	Boxes []iface.DisplayBox `json:"boxes,omitempty"`
	Index *int               `json:"index,omitempty"`
	Box   *boxJSON           `json:"box,omitempty"`
	// Result and Image are set on "complete".
	Result []boxJSON `json:"result,omitempty"`
	Image  string    `json:"image,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type instance struct {
	id          string
	session     *pipeline.Session
	lastActive  atomic.Int64
	writeMu     sync.Mutex
	conn        *websocket.Conn
	closeOnce   sync.Once
	cancelTimer chan struct{}
}

func (inst *instance) touch() {
	inst.lastActive.Store(time.Now().UnixNano())
}

func (inst *instance) idleFor() time.Duration {
	return time.Since(time.Unix(0, inst.lastActive.Load()))
}

func (inst *instance) send(ev wsEvent) {
	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()
	if inst.conn == nil {
		return
	}
	_ = inst.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := inst.conn.WriteJSON(ev); err != nil {
		logger.Log().Warn("websocket write failed", zap.String("session", inst.id), zap.Error(err))
	}
}

// sink converts session events; it runs on the session loop.
func (inst *instance) sink(ev pipeline.Event) {
	out := wsEvent{Type: ev.Kind.String(), Pass: ev.Pass.String()}
	switch ev.Kind {
	case pipeline.EventProvisional:
		out.Boxes = ev.Boxes
		if out.Boxes == nil {
			out.Boxes = []iface.DisplayBox{}
		}
	case pipeline.EventBox:
		idx := ev.Index
		out.Index = &idx
		b := annotatedJSON([]iface.AnnotatedBox{ev.Box}, ev.Lines)[0]
		out.Box = &b
	case pipeline.EventComplete:
		out.Result = annotatedJSON(ev.Annotated, ev.Lines)
		encoded, err := EncodePNG(ev.Canvas)
		if err != nil {
			out.Error = err.Error()
		}
		out.Image = encoded
	}
	inst.send(out)
}

func (s *Server) allocInstance() *instance {
	inst := &instance{cancelTimer: make(chan struct{})}
	inst.touch()
	inst.session = s.p.NewSession(context.Background(), inst.sink)
	inst.id = inst.session.ID.String()

	s.sessionMu.Lock()
	s.sessions[inst.id] = inst
	s.sessionMu.Unlock()
	s.startIdleMonitor(inst)
	return inst
}

func (s *Server) releaseInstance(sessionID, reason string) bool {
	s.sessionMu.Lock()
	inst, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	inst.closeOnce.Do(func() {
		close(inst.cancelTimer)
		inst.session.Close()
		inst.writeMu.Lock()
		if inst.conn != nil {
			_ = inst.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(writeWait))
			_ = inst.conn.Close()
		}
		inst.writeMu.Unlock()
	})
	logger.Log().Info("session released", zap.String("session", sessionID), zap.String("reason", reason))
	return true
}

func (s *Server) startIdleMonitor(inst *instance) {
	go func() {
		tick := s.idleTimeout / 20
		if tick <= 0 {
			tick = time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				if inst.idleFor() > s.idleTimeout {
					_ = s.releaseInstance(inst.id, fmt.Sprintf("%d ms not active, released", s.idleTimeout.Milliseconds()))
					return
				}
			}
		}
	}()
}

func (s *Server) lookup(sessionID string) (*instance, bool) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	inst, ok := s.sessions[sessionID]
	return inst, ok
}

func (s *Server) allocSession(c *gin.Context) {
	inst := s.allocInstance()
	c.JSON(http.StatusOK, gin.H{
		"sessionID": inst.id,
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, inst.id),
		"timeoutMs": s.idleTimeout.Milliseconds(),
	})
}

func (s *Server) releaseSession(c *gin.Context) {
	if !s.releaseInstance(c.Param("sessionID"), "released by client") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Session released"})
}

// serveWS reads base64 images; each one replaces the image shown by the session.
func (s *Server) serveWS(c *gin.Context) {
	sessionID := c.Param("sessionID")
	// 在升级前检查会话是否存在
	inst, exists := s.lookup(sessionID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	inst.writeMu.Lock()
	inst.conn = conn
	inst.writeMu.Unlock()
	conn.SetReadLimit(maxImageBytes)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			// 客户端断开或读取错误，释放实例
			s.releaseInstance(sessionID, "connection closed")
			return
		}
		inst.touch()
		if mt != websocket.TextMessage {
			inst.send(wsEvent{Type: "error", Error: "unsupported message type"})
			continue
		}
		img, err := Base64ToImage(string(msg))
		if err != nil {
			inst.send(wsEvent{Type: "error", Error: fmt.Sprintf("invalid image: %v", err)})
			continue
		}
		if _, err := inst.session.Submit(c.Request.Context(), img); err != nil {
			inst.send(wsEvent{Type: "error", Error: err.Error()})
		}
	}
}
