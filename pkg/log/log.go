package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	tapMu sync.Mutex
	taps  []io.Writer
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(output, tapWriter{})).
		With().Timestamp().Logger()
}

// AddTap registers an extra writer that receives every JSON log record.
// Used by the API server to stream framework logs to WebSocket clients.
func AddTap(w io.Writer) {
	tapMu.Lock()
	defer tapMu.Unlock()
	taps = append(taps, w)
}

// RemoveTap unregisters a writer previously added with AddTap
func RemoveTap(w io.Writer) {
	tapMu.Lock()
	defer tapMu.Unlock()
	for i, t := range taps {
		if t == w {
			taps = append(taps[:i], taps[i+1:]...)
			return
		}
	}
}

type tapWriter struct{}

func (tapWriter) Write(p []byte) (int, error) {
	tapMu.Lock()
	defer tapMu.Unlock()
	for _, t := range taps {
		t.Write(p) //nolint:errcheck // tap failures never block logging
	}
	return len(p), nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPlan creates a child logger with plan field
func WithPlan(plan string) zerolog.Logger {
	return Logger.With().Str("plan", plan).Logger()
}

// WithRun creates a child logger with run_id field
func WithRun(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
