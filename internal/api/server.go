package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"portfolio-relay/internal/relay"
	"portfolio-relay/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes = 1 << 20

type Controller struct {
	relay        *relay.Relay
	maxBodyBytes int64
}

func NewController(r *relay.Relay, maxBodyBytes int64) *Controller {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Controller{
		relay:        r,
		maxBodyBytes: maxBodyBytes,
	}
}

func (ctrl *Controller) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}

func DefineRoutes(ctrl *Controller, log zerolog.Logger, origins *AllowedOrigins) *gin.Engine {
	r := gin.New()
	r.ForwardedByClientIP = true
	_ = r.SetTrustedProxies(nil)
	r.Use(requestLogger(log), recoverer(), CORSMiddleware(origins))

	r.GET("/healthz", ctrl.HealthHandler)
	r.POST("/api/chat", ctrl.ChatHandler)
	// Preflight requests are answered by CORSMiddleware; the route only has
	// to exist so that the middleware chain runs.
	r.OPTIONS("/api/chat", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

type ServerOptions struct {
	Addr            string
	ShutdownTimeout time.Duration
	Controller      *Controller
	Origins         *AllowedOrigins
	Logger          zerolog.Logger
}

type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := DefineRoutes(opts.Controller, opts.Logger, opts.Origins)
	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: opts.ShutdownTimeout,
		log:             opts.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully, letting
// in-flight streams finish for up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", listener.Addr().String()).Msg("relay listening")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.shutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
