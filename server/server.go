// Package server exposes the detection pipeline over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"DetStreamServer/monitor"
	"DetStreamServer/pipeline"
	"DetStreamServer/session"
)

// Processor is satisfied by *pipeline.Pipeline.
type Processor interface {
	session.FrameProcessor
	Status() pipeline.EngineStatus
}

type Options struct {
	Port               int
	GinMode            string
	ReadLimit          int64
	IdleTimeout        time.Duration
	NotifyDecodeErrors bool
	Logger             *zap.Logger
}

type Server struct {
	proc     Processor
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	sessionMu sync.RWMutex
	sessions  map[string]*session.Session

	baseCtx context.Context
	stop    context.CancelFunc
	handler http.Handler
}

func New(proc Processor, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		proc: proc,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: map[string]*session.Session{},
		baseCtx:  baseCtx,
		stop:     stop,
	}
	s.handler = corsHandler().Handler(s.router())
	return s
}

func corsHandler() *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc: func(string) bool { return true },
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
}

func (s *Server) router() *gin.Engine {
	if s.opts.GinMode != "" {
		gin.SetMode(s.opts.GinMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/engine", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.proc.Status(), "sessions": s.SessionCount()})
	})
	r.GET("/ws", s.serveWS)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Handler is the CORS wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，Upgrade 已经写过响应
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	opts := []session.Option{session.WithLogger(s.log)}
	if s.opts.NotifyDecodeErrors {
		opts = append(opts, session.WithNotifyDecodeErrors())
	}
	sess := session.New(session.NewWebsocketChannel(conn, s.opts.ReadLimit, s.opts.IdleTimeout), s.proc, opts...)

	s.sessionMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessionMu.Unlock()
	monitor.ActiveSessions.Inc()
	defer func() {
		s.sessionMu.Lock()
		delete(s.sessions, sess.ID())
		s.sessionMu.Unlock()
		monitor.ActiveSessions.Dec()
	}()

	if s.baseCtx.Err() != nil {
		_ = sess.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.log.Info("session started", zap.String("session", sess.ID()), zap.String("remote", c.Request.RemoteAddr))
	if err := sess.Run(s.baseCtx); err != nil {
		s.log.Warn("session ended with error", zap.String("session", sess.ID()), zap.Error(err))
		return
	}
	s.log.Info("session ended", zap.String("session", sess.ID()))
}

func (s *Server) SessionCount() int {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return len(s.sessions)
}

// CloseSessions tells every connected client the server is going away.
func (s *Server) CloseSessions() {
	s.stop()
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	for _, sess := range s.sessions {
		_ = sess.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ListenAndServe serves until ctx is done, then closes open sessions and
// shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.Int("port", s.opts.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.CloseSessions()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
