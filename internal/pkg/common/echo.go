package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
)

type EchoService struct {
	echo *echo.Echo
	port int
}

func NewEchoService(i do.Injector) (*EchoService, error) {
	port := do.MustInvokeNamed[int](i, "port")
	allowedOrigins := do.MustInvokeNamed[[]string](i, "allowed-origins")
	logger := do.MustInvoke[zerolog.Logger](i)

	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.RequestID())
	//nolint:exhaustruct
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogRequestID: true,
		LogRemoteIP:  true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Info()
			if v.Error != nil {
				event = logger.Warn().Err(v.Error)
			}

			event.
				Str("request_id", v.RequestID).
				Str("remote_ip", v.RemoteIP).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")

			return nil
		},
	}))
	e.Use(middleware.Recover())
	//nolint:exhaustruct
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	e.GET("/api/health", func(c echo.Context) error {
		//nolint:wrapcheck
		return c.String(http.StatusOK, "ok")
	})

	return &EchoService{
		echo: e,
		port: port,
	}, nil
}

// errorHandler renders every error as {"error": message}.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := http.StatusText(code)

	var httpError *echo.HTTPError
	if errors.As(err, &httpError) {
		code = httpError.Code
		message = http.StatusText(code)

		if m, ok := httpError.Message.(string); ok {
			message = m
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)

		return
	}

	_ = c.JSON(code, map[string]string{"error": message})
}

func (s *EchoService) Register(c func(e *echo.Echo)) {
	c(s.echo)
}

// Handler exposes the router, mostly for httptest servers.
func (s *EchoService) Handler() http.Handler {
	return s.echo
}

func (s *EchoService) Start() error {
	err := s.echo.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	return nil
}

func (s *EchoService) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shutdown echo server: %w", err)
	}

	return nil
}
