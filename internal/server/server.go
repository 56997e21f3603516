package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"codeagent/internal/assistant"
	"codeagent/internal/config"
	"codeagent/internal/project"
	"codeagent/internal/prompt"
	"codeagent/internal/provider"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute // long generations stream on one response
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg       config.Config
	assistant *assistant.Assistant
	logger    zerolog.Logger
	app       *echo.Echo
	address   string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, asst *assistant.Assistant, logger zerolog.Logger) (*Server, error) {
	if asst == nil {
		return nil, errors.New("assistant must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "server").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Info()
			if v.Error != nil {
				ev = logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	srv := &Server{
		cfg:       cfg,
		assistant: asst,
		logger:    logger,
		app:       e,
		address:   fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info().Str("addr", s.address).Msg("starting server")

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	api := s.app.Group("/api")
	api.GET("/models", s.handleListModels)
	api.POST("/models/refresh", s.handleRefreshModels)
	api.GET("/selection", s.handleGetSelection)
	api.PUT("/selection", s.handleSetSelection)
	api.PUT("/credentials/:provider", s.handleSetCredential)

	api.POST("/completions", s.handleCompletions)
	api.GET("/chat/ws", s.handleChatSocket)
	api.POST("/extract", s.handleExtract)

	api.GET("/projects", s.handleListProjects)
	api.POST("/projects", s.handleCreateProject)
	api.GET("/projects/:name", s.handleGetProject)
	api.POST("/projects/:name/activate", s.handleActivateProject)
	api.POST("/projects/:name/files", s.handleAddFile)
	api.PUT("/projects/:name/files", s.handleUpdateFile)
	api.DELETE("/projects/:name/files", s.handleDeleteFile)
	api.POST("/projects/:name/apply", s.handleApply)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}

	if v, ok := any(target).(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
			}
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps domain errors onto status codes in one place.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	badRequest := func() error {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}
	notFound := func() error {
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	}

	var (
		remoteErr  *provider.RemoteError
		networkErr *provider.NetworkError
	)

	switch {
	case errors.Is(err, provider.ErrAuth):
		return requestError{Status: http.StatusUnauthorized, Message: err.Error(), Type: "authentication_error"}
	case errors.Is(err, provider.ErrRateLimited):
		return requestError{Status: http.StatusTooManyRequests, Message: err.Error(), Type: "rate_limit_error"}
	case errors.As(err, &remoteErr):
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}
	case errors.As(err, &networkErr):
		return requestError{Status: http.StatusGatewayTimeout, Message: err.Error(), Type: "upstream_unreachable"}
	case errors.Is(err, provider.ErrUnknownModel),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, prompt.ErrUnknownKind),
		errors.Is(err, assistant.ErrEmptyPrompt),
		errors.Is(err, project.ErrInvalidName):
		return badRequest()
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, project.ErrPathNotFound):
		return notFound()
	case errors.Is(err, project.ErrProjectExists):
		return requestError{Status: http.StatusConflict, Message: err.Error(), Type: "conflict_error"}
	case errors.Is(err, context.Canceled):
		return requestError{Status: http.StatusServiceUnavailable, Message: "request cancelled", Type: "cancelled"}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("codeagent ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /api/models")
	fmt.Println("  PUT  /api/selection")
	fmt.Println("  PUT  /api/credentials/:provider")
	fmt.Println("  POST /api/completions")
	fmt.Println("  GET  /api/chat/ws")
	fmt.Println("  GET  /api/projects")
	fmt.Printf("Example:\n  curl http://%s:%d/api/completions -H 'Content-Type: application/json' -d '{\"prompt\":\"Write a Go function that reverses a string\"}'\n\n", host, port)
}
