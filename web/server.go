// Package web serves the REST control API and the expression websocket.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"FaceTrackServer/dispatch"
	"FaceTrackServer/pipeline"
	"FaceTrackServer/settings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Controller is the pipeline surface the API drives.
type Controller interface {
	Status() []pipeline.Status
	Reinitialize(kind pipeline.Kind) <-chan error
	UpdateFilterConfig(kind pipeline.Kind, groups []pipeline.FilterGroupSettings) error
}

const DefaultIdleTimeout = 30 * time.Second

type Server struct {
	Ctrl        Controller
	Broker      *dispatch.Broker
	Calibration *dispatch.Calibration
	Store       settings.Store
	ModelsDir   string
	// IdleTimeout closes websocket sessions whose client sent nothing for this long.
	IdleTimeout time.Duration
	// OnRequest is called with the route of every request.
	OnRequest func(route string)

	log       *zap.Logger
	upgrader  websocket.Upgrader
	sessionMu sync.RWMutex
	sessions  map[string]*session
	srv       *http.Server
}

func New(ctrl Controller, broker *dispatch.Broker, store settings.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Ctrl:        ctrl,
		Broker:      broker,
		Store:       store,
		ModelsDir:   "models",
		IdleTimeout: DefaultIdleTimeout,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
	}
}

func parseKind(name string) (pipeline.Kind, bool) {
	switch k := pipeline.Kind(strings.ToLower(name)); k {
	case pipeline.Face, pipeline.Eye:
		return k, true
	}
	return "", false
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if s.OnRequest != nil && route != "" {
			s.OnRequest(route)
		}
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", s.status)
	r.POST("/api/pipelines/:name/reinit", s.reinit)
	r.GET("/api/filters/:name", s.getFilters)
	r.POST("/api/filters/:name", s.applyFilters)
	r.GET("/api/expressions/latest", s.latest)
	r.GET("/api/calibration/:param", s.getCalibration)
	r.POST("/api/calibration/:param", s.setCalibration)
	r.GET("/api/settings", s.listSettings)
	r.PUT("/api/settings/:key", s.putSetting)
	r.POST("/api/models/upload", s.uploadModel)
	r.GET("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.sessionList()})
	})
	r.POST("/api/sessions/:id/release", func(c *gin.Context) {
		if !s.releaseSession(c.Param("id"), "released by api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Session released"})
	})
	r.GET("/ws/expressions", s.streamExpressions)
	return r
}

func (s *Server) status(c *gin.Context) {
	data := gin.H{"pipelines": s.Ctrl.Status(), "sessions": len(s.sessionList())}
	if s.Broker != nil {
		data["subscribers"] = s.Broker.Subscribers()
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) reinit(c *gin.Context) {
	kind, ok := parseKind(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pipeline not found"})
		return
	}
	done := s.Ctrl.Reinitialize(kind)
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"data": "reinitializing"})
		return
	}
	select {
	case err := <-done:
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "ready"})
	case <-c.Request.Context().Done():
	}
}

func (s *Server) getFilters(c *gin.Context) {
	kind, ok := parseKind(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pipeline not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pipeline.FilterSettings(s.Store, kind)})
}

func (s *Server) applyFilters(c *gin.Context) {
	kind, ok := parseKind(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pipeline not found"})
		return
	}
	var body struct {
		Groups []pipeline.FilterGroupSettings `json:"groups" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Ctrl.UpdateFilterConfig(kind, body.Groups); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pipeline.FilterSettings(s.Store, kind)})
}

func (s *Server) latest(c *gin.Context) {
	if s.Broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no expression source"})
		return
	}
	u, ok := s.Broker.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no expressions yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": u})
}

func (s *Server) getCalibration(c *gin.Context) {
	if s.Calibration == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "calibration disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.Calibration.Bounds(c.Param("param"))})
}

func knownParam(name string) bool {
	for _, list := range [][]string{dispatch.FaceParams(), dispatch.EyeParams()} {
		for _, p := range list {
			if p == name {
				return true
			}
		}
	}
	return false
}

func (s *Server) setCalibration(c *gin.Context) {
	if s.Calibration == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "calibration disabled"})
		return
	}
	param := c.Param("param")
	if !knownParam(param) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Parameter not found"})
		return
	}
	var b dispatch.Bounds
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if b.Upper <= b.Lower {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upper must be greater than lower"})
		return
	}
	s.Calibration.Set(param, b)
	if err := s.Calibration.Save(s.Store); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.Calibration.Bounds(param)})
}

func (s *Server) listSettings(c *gin.Context) {
	keys := s.Store.Keys()
	sort.Strings(keys)
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k], _ = s.Store.Get(k)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) putSetting(c *gin.Context) {
	var body struct {
		Value any `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Store.Set(c.Param("key"), body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": body.Value})
}

// uploadModel stores the multipart "file" under ModelsDir. With a "pipeline" form field
// the model becomes that pipeline's model and the pipeline reloads.
func (s *Server) uploadModel(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	name := filepath.Base(file.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file name"})
		return
	}
	var kind pipeline.Kind
	if p := c.PostForm("pipeline"); p != "" {
		k, ok := parseKind(p)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Pipeline not found"})
			return
		}
		kind = k
	}
	if err := os.MkdirAll(s.ModelsDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	modelPath := filepath.Join(s.ModelsDir, name)
	if err := c.SaveUploadedFile(file, modelPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	s.log.Info("model uploaded", zap.String("path", modelPath), zap.Int64("bytes", file.Size))
	if kind != "" {
		if err := s.Store.Set(settings.ModelKey(string(kind)), name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.Ctrl.Reinitialize(kind)
	}
	c.JSON(http.StatusOK, gin.H{"data": modelPath})
}

// Start serves the API on port in the background.
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("http server listening", zap.Int("port", port))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
}

// Shutdown closes every websocket session, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeSessions()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
