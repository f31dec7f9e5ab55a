package mockengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ochronus/engineapi/internal/config"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Server exposes an Engine on bind_address:port, below the path of base_url.
type Server struct {
	addr    string
	root    string
	logger  *logrus.Logger
	handler *gin.Engine

	mu       sync.Mutex
	listener net.Listener
}

// NewServer prepares a server for eng. Nothing listens until StartWithContext.
func NewServer(cfg *config.Config, logger *logrus.Logger, eng *Engine) *Server {
	// Set gin mode based on log level
	if cfg.Loglevel != "debug" && cfg.Loglevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	root := ""
	if u, err := url.Parse(cfg.BaseURL); err == nil {
		root = strings.TrimRight(u.Path, "/")
	}

	s := &Server{
		addr:   net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)),
		root:   root,
		logger: logger,
	}
	s.handler = eng.Router(root, s.logRequest)
	return s
}

func (s *Server) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.WithFields(logrus.Fields{
		"status":   c.Writer.Status(),
		"duration": time.Since(start),
	}).Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
}

// URL returns the API root clients should use, or "" while not listening.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String() + s.root
}

// Handler returns the routes, for serving without a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StartWithContext listens and serves until ctx is cancelled, then shuts down
// gracefully. A listen failure is returned right away.
func (s *Server) StartWithContext(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
	}()

	s.logger.Infof("Mock engine listening at %s", s.URL())

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		<-errCh
		s.logger.Info("Mock engine stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
