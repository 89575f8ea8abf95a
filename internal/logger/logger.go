// Package logger provides the process wide logger and the HTTP request
// logging middleware.
package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// New creates a logr.Logger backed by zerolog. Production environments emit
// JSON to stdout; anything else gets human readable console output.
func New(environment string) logr.Logger {
	var out io.Writer = os.Stdout
	if environment != "production" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).With().Timestamp().Caller().Logger()
	return zerologr.New(&zl)
}

// Middleware creates a gin middleware that logs requests. It includes client_ip, method,
// status_code, path and latency.
func Middleware(logger logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Process the request recording how long it took.
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		// Build the path including query and fragment portions.
		var b strings.Builder
		b.WriteString(c.Request.URL.Path)
		if c.Request.URL.RawQuery != "" {
			b.WriteString("?")
			b.WriteString(c.Request.URL.RawQuery)
		}
		if c.Request.URL.RawFragment != "" {
			b.WriteString("#")
			b.WriteString(c.Request.URL.RawFragment)
		}
		path := b.String()

		// Build an event with all the values we want to include.
		event := logger.WithValues(
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"status_code", c.Writer.Status(),
			"path", path,
			"latency", latency,
		)

		// If we received a non-error status code Info else error it.
		if c.Writer.Status() < 500 {
			event.Info("")
		} else {
			msg := "No error message specified"
			errs := strings.Join(c.Errors.Errors(), "; ")
			if len(c.Errors.Errors()) > 0 {
				msg = c.Errors.Errors()[0]
			}

			event.Error(errors.New(msg), "all_errors", errs)
		}
	}
}
