package web

import (
	"TableDetServer/engine"
	iface "TableDetServer/interface"
	"TableDetServer/logger"
	"TableDetServer/monitor"
	"TableDetServer/pipeline"
	"TableDetServer/render"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	maxImageBytes      = 20 * 1024 * 1024
)

type Server struct {
	p           *pipeline.Pipeline
	router      *gin.Engine
	idleTimeout time.Duration

	sessionMu sync.RWMutex
	sessions  map[string]*instance
	upgrader  websocket.Upgrader
}

// New wires the routes. idleTimeout <= 0 uses DefaultIdleTimeout.
func New(p *pipeline.Pipeline, idleTimeout time.Duration) *Server {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	s := &Server{
		p:           p,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*instance),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.count())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/engine", s.checkEngine)
	r.POST("/api/detect", s.detect)
	r.POST("/api/sessions", s.allocSession)
	r.POST("/api/sessions/:sessionID/release", s.releaseSession)
	r.GET("/ws/:sessionID", s.serveWS)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on port in the background; call Shutdown on the returned server.
func (s *Server) Start(port int) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("HTTP server ListenAndServe error", zap.Error(err))
		}
	}()
	return srv
}

// Close releases every open session.
func (s *Server) Close() {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.releaseInstance(id, "server shutting down")
	}
}

func (s *Server) count() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		monitor.HTTPTotal.WithLabelValues(route).Inc()
		c.Next()
	}
}

// StatusOf maps pipeline errors onto HTTP codes. ErrInference wins over anything it wraps.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, iface.ErrInference):
		return http.StatusInternalServerError
	case errors.Is(err, iface.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) checkEngine(c *gin.Context) {
	d := s.p.Detector()
	state, msg := d.Status()
	cfg := d.CheckConfig()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"state":         engine.StateName(state),
		"error":         msg,
		"backend":       cfg.Backend,
		"modelPath":     cfg.ModelPath,
		"inputShape":    cfg.InputShape,
		"confidence":    cfg.Conf,
		"iou":           cfg.Iou,
		"maxDetections": cfg.MaxDetections,
		"useGPU":        cfg.UseGPU,
	}})
}

type detectRequest struct {
	Image string `json:"image" binding:"required"`
}

// detect accepts a multipart "image" file or a JSON body {"image": "<base64>"}.
func (s *Server) detect(c *gin.Context) {
	img, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.p.Annotate(c.Request.Context(), img)
	if err != nil {
		c.JSON(StatusOf(err), gin.H{"error": err.Error()})
		return
	}
	encoded, err := EncodePNG(res.Canvas)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"boxes": annotatedJSON(res.Boxes, res.Lines),
		"image": encoded,
	}})
}

func readImage(c *gin.Context) (image.Image, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("image upload failed: %w", err)
		}
		if fh.Size > maxImageBytes {
			return nil, fmt.Errorf("image is %d bytes, limit %d", fh.Size, maxImageBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		return render.Decode(data)
	}
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return Base64ToImage(req.Image)
}

// Base64ToImage 将 base64 字符串（可带 data:image/... 前缀）解码为图像
func Base64ToImage(b64 string) (image.Image, error) {
	// 去掉可能的 data URL 前缀
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", iface.ErrInvalidInput, err)
	}
	return render.Decode(data)
}

// EncodePNG returns the canvas as base64 PNG; a nil canvas is "".
func EncodePNG(img *image.RGBA) (string, error) {
	if img == nil {
		return "", nil
	}
	data, err := render.EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

type boxJSON struct {
	iface.DisplayBox
	Category string   `json:"category"`
	Lines    []string `json:"lines"`
}

func annotatedJSON(boxes []iface.AnnotatedBox, lines [][]string) []boxJSON {
	out := make([]boxJSON, len(boxes))
	for i, b := range boxes {
		out[i] = boxJSON{DisplayBox: b.Display, Category: b.Category.String(), Lines: []string{}}
		if i < len(lines) && lines[i] != nil {
			out[i].Lines = lines[i]
		}
	}
	return out
}
