// Package logging initialises the process-wide zerolog logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

type ctxKey string

const requestIDKey ctxKey = "tokenmeter_request_id"

// Config controls logger initialization.
type Config struct {
	Format    string `yaml:"format"` // "json", "console", or "auto"
	Level     string `yaml:"level"`  // "debug", "info", "warn", "error"
	Component string `yaml:"-"`
}

var isTerminalFn = term.IsTerminal

// Init configures zerolog globals and returns the base logger.
func Init(cfg Config) zerolog.Logger {
	return InitWriter(cfg, selectWriter(cfg.Format))
}

// InitWriter is Init with an explicit destination.
func InitWriter(cfg Config, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	b := zerolog.New(w).With().Timestamp()
	if c := strings.TrimSpace(cfg.Component); c != "" {
		b = b.Str("component", c)
	}
	logger := b.Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", level, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

// WithRequestID stores requestID on ctx, generating one when empty.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), requestID
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
