// Package server exposes sessions over HTTP, streaming turn progress as
// server-sent events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tally/internal/logging"
	"tally/pkg/agent"
	"tally/pkg/tool"
	"tally/pkg/types"
)

var (
	ErrParseRequest    = errors.New("failed to parse request")
	ErrSessionNotFound = errors.New("session not found")
	ErrCreateSession   = errors.New("failed to create session")
	ErrSelectProvider  = errors.New("failed to select provider")
)

// SessionFactory starts a session bound to providerKey, or to the configured
// default when the key is empty.
type SessionFactory func(providerKey string) (*agent.Session, error)

// Server keeps live sessions in memory.
type Server struct {
	newSession SessionFactory
	executor   *tool.Executor
	log        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*agent.Session
}

func New(factory SessionFactory, executor *tool.Executor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		newSession: factory,
		executor:   executor,
		log:        log,
		sessions:   make(map[string]*agent.Session),
	}
}

type createSessionRequest struct {
	Provider string `json:"provider"`
}

type sessionResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider,omitempty"`
}

type turnRequest struct {
	Text     string `json:"text" binding:"required"`
	Provider string `json:"provider"`
}

type messagesResponse struct {
	Messages []types.Message `json:"messages"`
}

type toolsResponse struct {
	Tools []types.ToolDefinition `json:"tools"`
}

func errorBody(err error, detail error) gin.H {
	body := gin.H{"error": err.Error()}
	if detail != nil {
		body["detail"] = logging.Mask(detail.Error())
	}
	return body
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.DELETE("/sessions/:id", s.deleteSession)
		v1.GET("/sessions/:id/messages", s.sessionMessages)
		v1.POST("/sessions/:id/turns", s.sendTurn)
		v1.GET("/tools", s.listTools)
	}
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) session(id string) (*agent.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(ErrParseRequest, err))
			return
		}
	}
	sess, err := s.newSession(req.Provider)
	if err != nil {
		s.log.Warn(ErrCreateSession.Error(), "err", err)
		c.JSON(http.StatusBadRequest, errorBody(ErrCreateSession, err))
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	c.JSON(http.StatusCreated, sessionResponse{ID: sess.ID(), Provider: sess.ProviderKey()})
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, errorBody(ErrSessionNotFound, nil))
		return
	}
	sess.Reset()
	c.Status(http.StatusNoContent)
}

func (s *Server) sessionMessages(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(ErrSessionNotFound, nil))
		return
	}
	c.JSON(http.StatusOK, messagesResponse{Messages: sess.History()})
}

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, toolsResponse{Tools: s.executor.Definitions()})
}

// sendTurn streams the turn's progress events. Validation failures are plain
// JSON responses; once streaming starts, problems are sent as an error event.
func (s *Server) sendTurn(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(ErrSessionNotFound, nil))
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(ErrParseRequest, err))
		return
	}
	if req.Provider != "" && req.Provider != sess.ProviderKey() {
		if err := sess.SetProvider(req.Provider); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(ErrSelectProvider, err))
			return
		}
	}

	setSSEHeaders(c)
	c.Status(http.StatusOK)

	_, err := sess.SendTurn(c.Request.Context(), req.Text, func(ev agent.Event) {
		sendSSE(c, string(ev.Type), ev)
	})
	if err != nil {
		s.log.Info("turn aborted", "session", sess.ID(), "err", err)
		sendSSE(c, EventError, gin.H{"error": err.Error()})
	}
}
