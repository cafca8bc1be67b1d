package logger

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

type LoggingMiddleware struct {
	service string
	logger  *slog.Logger
}

func NewLoggingMiddleware(service string, logger *slog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{service: service, logger: logger}
}

// Handler logs one line per request once the response has been written.
func (l *LoggingMiddleware) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			attrs := []any{
				slog.String("service", l.service),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("client_ip", c.RealIP()),
				slog.String("user_agent", req.UserAgent()),
				slog.Time("start_time", start),
				slog.Duration("duration", time.Since(start)),
				slog.Int("status_code", c.Response().Status),
				slog.Int64("bytes_out", c.Response().Size),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}

			level := slog.LevelInfo
			if c.Response().Status >= 500 {
				level = slog.LevelError
			}
			l.logger.Log(req.Context(), level, "HTTP Request", attrs...)

			return nil
		}
	}
}
