// Package server exposes a runtime.Manager over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"saaya/internal/engine"
	"saaya/internal/runtime"
	"saaya/internal/session"
)

const requestIDHeader = "X-Request-ID"

var errStreamClosed = errors.New("server: stream closed")

// HTTPServer serves session management and generation requests.
type HTTPServer struct {
	Address string
	Port    string

	mgr        *runtime.Manager
	log        *zap.Logger
	httpServer *http.Server
	addr       net.Addr
	mu         sync.RWMutex
	startTime  time.Time
}

// NewHTTPServer creates a new HTTP server instance.
func NewHTTPServer(address, port string, mgr *runtime.Manager, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		Address:   address,
		Port:      port,
		mgr:       mgr,
		log:       log,
		startTime: time.Now(),
	}
}

// Handler builds the gin router.
func (s *HTTPServer) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/sessions")
	api.POST("", s.load)
	api.GET("", s.list)
	api.GET("/:handle", s.info)
	api.PUT("/:handle", s.reload)
	api.DELETE("/:handle", s.unload)
	api.POST("/:handle/generate", s.generate)
	return r
}

// Start begins listening in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.addr = ln.Addr()
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		s.log.Info("http server starting", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.httpServer = nil
	s.log.Info("http server stopped", zap.Stringer("addr", s.addr))
	return nil
}

// Addr is the bound listen address once Start has succeeded, which resolves
// port "0".
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// IsRunning returns true if the server is running.
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

func (s *HTTPServer) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *HTTPServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("id", c.GetString(requestIDHeader)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// statusFor maps runtime and session errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidSampler),
		errors.Is(err, session.ErrContextOverflow),
		errors.Is(err, session.ErrEmptyPrompt),
		errors.Is(err, session.ErrTokenize):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBackendNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) fail(c *gin.Context, status int, err error) {
	s.log.Warn("request failed",
		zap.String("id", c.GetString(requestIDHeader)),
		zap.Int("status", status),
		zap.Error(err))
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

func handleParam(c *gin.Context) (runtime.Handle, error) {
	n, err := strconv.ParseInt(c.Param("handle"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid handle %q", c.Param("handle"))
	}
	return runtime.Handle(n), nil
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Engine:   s.mgr.Engine(),
		Backend:  s.mgr.Backend().Ready(),
		Sessions: len(s.mgr.List()),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *HTTPServer) load(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Path == "" {
		s.fail(c, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	h, err := s.mgr.Load(req.Path, loadOptions(req))
	if err != nil {
		s.fail(c, loadStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, LoadResponse{Handle: int64(h)})
}

func (s *HTTPServer) reload(c *gin.Context) {
	h, err := handleParam(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Path == "" {
		s.fail(c, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	if err := s.mgr.Reload(h, req.Path, loadOptions(req)); err != nil {
		s.fail(c, loadStatus(err), err)
		return
	}
	s.info(c)
}

func loadOptions(req LoadRequest) runtime.LoadOptions {
	return runtime.LoadOptions{
		ContextSize: req.ContextSize,
		Threads:     req.Threads,
		BatchSize:   req.BatchSize,
		GPULayers:   req.GPULayers,
	}
}

// loadStatus reports model failures as 422 and everything else as usual.
func loadStatus(err error) int {
	if st := statusFor(err); st != http.StatusInternalServerError {
		return st
	}
	return http.StatusUnprocessableEntity
}

func (s *HTTPServer) list(c *gin.Context) {
	infos := s.mgr.List()
	out := ListResponse{Sessions: make([]SessionResponse, 0, len(infos))}
	for _, info := range infos {
		out.Sessions = append(out.Sessions, sessionResponse(info))
	}
	c.JSON(http.StatusOK, out)
}

func (s *HTTPServer) info(c *gin.Context) {
	h, err := handleParam(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	info, err := s.mgr.Info(h)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(info))
}

func (s *HTTPServer) unload(c *gin.Context) {
	h, err := handleParam(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.mgr.Unload(h); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) generate(c *gin.Context) {
	h, err := handleParam(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	if !req.Stream {
		resp, err := s.mgr.Generate(c.Request.Context(), h, req.runtimeRequest())
		if err != nil {
			s.fail(c, statusFor(err), err)
			return
		}
		c.JSON(http.StatusOK, GenerateResponse{
			Text:    resp.Text,
			Done:    true,
			Finish:  resp.Finish,
			Warning: resp.Warning,
			Stats:   statsResponse(resp.Stats),
		})
		return
	}

	ch := make(chan any)
	done := make(chan struct{})
	defer close(done)
	ctx := c.Request.Context()
	go func() {
		defer close(ch)
		send := func(v any) error {
			select {
			case ch <- v:
				return nil
			case <-done:
				return errStreamClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := s.mgr.Stream(ctx, h, req.runtimeRequest(), func(evt runtime.StreamEvent) error {
			switch {
			case evt.Err != nil:
				return nil
			case evt.Final:
				resp := GenerateResponse{Done: true, Finish: evt.Finish, Warning: evt.Warning}
				if evt.Stats != nil {
					resp.Stats = statsResponse(*evt.Stats)
				}
				return send(resp)
			default:
				return send(GenerateResponse{Token: evt.Token})
			}
		})
		if err != nil && !errors.Is(err, errStreamClosed) {
			_ = send(gin.H{"error": err.Error(), "status": statusFor(err)})
		}
	}()
	s.streamResponse(c, ch)
}

// streamResponse writes ndjson records until ch closes. An error before the
// first record becomes a plain JSON error with its status code.
func (s *HTTPServer) streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			e, _ := h["error"].(string)
			status, _ := h["status"].(int)
			if !c.Writer.Written() {
				c.Header("Content-Type", "application/json")
				s.fail(c, status, errors.New(e))
			} else if err := json.NewEncoder(c.Writer).Encode(GenerateResponse{Done: true, Error: e}); err != nil {
				s.log.Warn("stream error encode failed", zap.Error(err))
			}
			return false
		}

		bts, err := json.Marshal(val)
		if err != nil {
			s.log.Warn("stream marshal failed", zap.Error(err))
			return false
		}
		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			s.log.Debug("stream write failed", zap.Error(err))
			return false
		}
		return true
	})
}
