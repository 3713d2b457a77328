package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kataras/golog"
	"github.com/video-system/go-ueye-capture/pkg/capture"
)

var logger = golog.Child("[api]")

// Engine is the capture session surface the API drives
type Engine interface {
	Start() error
	Stop() error
	Status() capture.Status
	Config() capture.Settings
	SetConfig(settings capture.Settings) error
	MethodName() string
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host   string
	Port   int
	Engine Engine
}

// Server is the HTTP control API
type Server struct {
	cfg    ServerConfig
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/method", s.handleMethod)
		v1.POST("/capture/start", s.handleStart)
		v1.POST("/capture/stop", s.handleStop)
		v1.GET("/config", s.handleGetConfig)
		v1.PUT("/config", s.handlePutConfig)
	}
	s.router = router

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Handler returns the router, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	logger.Infof("API server starting on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Warnf("API shutdown: %v", err)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		logger.Debugf("%s %s %d %v", ctx.Request.Method, ctx.Request.URL.Path, ctx.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "go-ueye-capture",
	})
}

func (s *Server) handleStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, s.cfg.Engine.Status())
}

func (s *Server) handleMethod(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"method": s.cfg.Engine.MethodName()})
}

func (s *Server) handleStart(ctx *gin.Context) {
	if err := s.cfg.Engine.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrAlreadyCapturing) {
			status = http.StatusConflict
		}
		ctx.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, s.cfg.Engine.Status())
}

func (s *Server) handleStop(ctx *gin.Context) {
	if err := s.cfg.Engine.Stop(); err != nil {
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, s.cfg.Engine.Status())
}

func (s *Server) handleGetConfig(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, s.cfg.Engine.Config())
}

// handlePutConfig applies the fields present in the body on top of the
// current settings
func (s *Server) handlePutConfig(ctx *gin.Context) {
	settings := s.cfg.Engine.Config()
	if err := ctx.ShouldBindJSON(&settings); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cfg.Engine.SetConfig(settings); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, capture.ErrBusy):
			status = http.StatusConflict
		case errors.Is(err, capture.ErrInvalidSettings):
			status = http.StatusBadRequest
		}
		ctx.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, s.cfg.Engine.Config())
}
