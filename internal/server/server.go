// Package server exposes the clinic API surface behind the request guard.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clinicguard/internal/auth"
	"clinicguard/internal/config"
	"clinicguard/internal/demo"
	"clinicguard/internal/guard"
	"clinicguard/internal/metrics"
)

type Options struct {
	Config      config.ServerConfig
	Guard       *guard.Guard
	Auth        *auth.Authenticator
	RequireAuth bool
	Demos       *demo.Store
	Log         *zap.Logger
	Debug       bool
}

type Server struct {
	cfg         config.ServerConfig
	gin         *gin.Engine
	guard       *guard.Guard
	auth        *auth.Authenticator
	requireAuth bool
	demos       *demo.Store
	log         *zap.SugaredLogger
	started     time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Guard == nil {
		return nil, errors.New("server: guard is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Demos == nil {
		opts.Demos = demo.NewStore(0)
	}
	if opts.RequireAuth && opts.Auth == nil {
		return nil, errors.New("server: authenticator is required when admin auth is enabled")
	}
	if err := registerValidation(opts.Demos.Now); err != nil {
		return nil, err
	}
	if !opts.Debug && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(opts.Config.TrustedProxies); err != nil {
		return nil, err
	}
	engine.Use(
		requestID(),
		ginzap.GinzapWithConfig(opts.Log, &ginzap.Config{
			TimeFormat: time.RFC3339,
			UTC:        true,
			Context: func(c *gin.Context) []zap.Field {
				return []zap.Field{
					zap.String("request_id", c.GetString(requestIDKey)),
					zap.String("client_ip", c.GetString(guard.ClientIPKey)),
				}
			},
		}),
		ginzap.RecoveryWithZap(opts.Log, true),
		securityHeaders(opts.Config.HSTS),
	)
	if len(opts.Config.CORSOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:  opts.Config.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Authorization", "Content-Type"},
			ExposeHeaders: []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
			MaxAge:        12 * time.Hour,
		}))
	}
	engine.Use(
		bodyLimit(opts.Config.MaxBodyBytes),
		opts.Guard.Middleware(),
		apiOnly(opts.Guard.RateLimit("api")),
	)

	s := &Server{
		cfg:         opts.Config,
		gin:         engine,
		guard:       opts.Guard,
		auth:        opts.Auth,
		requireAuth: opts.RequireAuth,
		demos:       opts.Demos,
		log:         opts.Log.Sugar(),
		started:     time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.gin.GET("/health", s.health)
	if s.cfg.MetricsPath != "" {
		s.gin.GET(s.cfg.MetricsPath, gin.WrapH(metrics.MetricsHandler()))
	}

	// The api limiter is engine middleware so unmatched paths count too.
	api := s.gin.Group("/api")
	api.POST("/demo/schedule", s.guard.RateLimit("demo"), s.scheduleDemo)
	api.POST("/auth/login", s.guard.RateLimit("login"), s.login)

	sec := api.Group("/security", s.requireAdmin())
	sec.GET("/status", s.status)
	sec.POST("/blocked", s.blockIP)
	sec.DELETE("/blocked/:ip", s.unblockIP)
	sec.GET("/bookings", s.listBookings)
	sec.GET("/bookings/:id", s.getBooking)

	s.gin.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

func (s *Server) Handler() http.Handler {
	return s.gin
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.gin,
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Infow("Shutting down", "timeout", s.cfg.ShutdownTimeout().String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
