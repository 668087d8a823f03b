package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/valenai/internal/config"
)

// Server represents the API server
type Server struct {
	echo       *echo.Echo
	port       int
	handler    *ChatHandler
	limiter    *rateLimiter
	jwtSecret  string
	onShutdown []func(context.Context) error
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, svc Conversations) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	// Middleware
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
	}))

	server := &Server{
		echo:      e,
		port:      cfg.Port,
		handler:   NewChatHandler(svc),
		limiter:   newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		jwtSecret: cfg.JWTSecret,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	var mw []echo.MiddlewareFunc
	if s.jwtSecret != "" {
		mw = append(mw, RequireToken(s.jwtSecret))
	}
	g := s.echo.Group("", mw...)

	// Endpoints that call the completion service share the per-caller budget.
	limit := s.limiter.Middleware()
	g.POST("/create_chat", s.handler.CreateChat, limit)
	g.POST("/chat", s.handler.Chat, limit)
	g.POST("/edit_message", s.handler.EditMessage, limit)
	g.POST("/regenerate_response", s.handler.RegenerateResponse, limit)

	g.POST("/chat_history", s.handler.ChatHistory)
	g.GET("/chats", s.handler.ListChats)
	g.POST("/update_title", s.handler.UpdateTitle)
	g.POST("/add_favorite", s.handler.AddFavorite)
	g.POST("/remove_favorite", s.handler.RemoveFavorite)
	g.GET("/favorites", s.handler.ListFavorites)
	g.POST("/delete_chat", s.handler.DeleteChat)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// OnShutdown registers fn to run after the HTTP server stopped accepting requests.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Start begins the API server and blocks until SIGINT or SIGTERM.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("API server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down API server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.echo.Shutdown(ctx)
	for _, fn := range s.onShutdown {
		if serr := fn(ctx); serr != nil {
			log.Warn().Err(serr).Msg("Shutdown hook failed")
		}
	}
	return err
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}

// jsonErrorHandler renders every error that reaches echo as {"error": ...}.
func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Unhandled error")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{"error": msg})
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}
