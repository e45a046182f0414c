// Package logger provides structured logging for the session engine and its
// supporting packages, built on zerolog.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"h2session/internal/config"
)

// LogFields is a set of structured key/value pairs attached to a log entry.
// Call sites across internal/http2 build these inline, e.g.
// logger.LogFields{"streamID": id, "state": s}.
type LogFields map[string]interface{}

func levelFromConfig(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func openTarget(target string, fallback io.Writer) (io.Writer, io.Closer, error) {
	switch target {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fallback, nil, err
		}
		return f, f, nil
	}
}

func consoleWriter(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return zerolog.ConsoleWriter{Out: w, NoColor: false}
	}
	return w
}

// ErrorLogger writes structured error/debug/info/warn entries.
type ErrorLogger struct {
	mu     sync.Mutex
	zl     zerolog.Logger
	closer io.Closer
}

// AccessLogger writes one structured entry per stream completion.
type AccessLogger struct {
	mu      sync.Mutex
	zl      zerolog.Logger
	closer  io.Closer
	enabled bool
}

// Logger bundles the error and access loggers used throughout the engine.
type Logger struct {
	errorLog  *ErrorLogger
	accessLog *AccessLogger
	level     config.LogLevel
}

// NewLogger builds a Logger from a LoggingConfig. A nil cfg yields an
// INFO-level logger writing error-log entries to stderr and access entries
// to stdout.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		cfg = &config.LoggingConfig{LogLevel: config.LogLevelInfo}
	}
	level := cfg.LogLevel
	if level == "" {
		level = config.LogLevelInfo
	}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		errTarget = cfg.ErrorLog.Target
	}
	errOut, errCloser, err := openTarget(errTarget, os.Stderr)
	if err != nil {
		return nil, err
	}
	errZl := zerolog.New(consoleWriter(errOut)).Level(levelFromConfig(level)).With().Timestamp().Logger()

	l := &Logger{
		errorLog: &ErrorLogger{zl: errZl, closer: errCloser},
		level:    level,
	}

	accessEnabled := true
	accessTarget := "stdout"
	if cfg.AccessLog != nil {
		if cfg.AccessLog.Enabled != nil {
			accessEnabled = *cfg.AccessLog.Enabled
		}
		if cfg.AccessLog.Target != "" {
			accessTarget = cfg.AccessLog.Target
		}
	}
	accOut, accCloser, err := openTarget(accessTarget, os.Stdout)
	if err != nil {
		return nil, err
	}
	accZl := zerolog.New(accOut).With().Timestamp().Logger()
	l.accessLog = &AccessLogger{zl: accZl, closer: accCloser, enabled: accessEnabled}

	return l, nil
}

func apply(e *zerolog.Event, fields []LogFields) *zerolog.Event {
	for _, fs := range fields {
		for k, v := range fs {
			e = e.Interface(k, v)
		}
	}
	return e
}

// Debug logs at debug level with optional structured fields.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.mu.Lock()
	defer l.errorLog.mu.Unlock()
	apply(l.errorLog.zl.Debug(), fields).Msg(msg)
}

// Info logs at info level with optional structured fields.
func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.mu.Lock()
	defer l.errorLog.mu.Unlock()
	apply(l.errorLog.zl.Info(), fields).Msg(msg)
}

// Warn logs at warn level with optional structured fields.
func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.mu.Lock()
	defer l.errorLog.mu.Unlock()
	apply(l.errorLog.zl.Warn(), fields).Msg(msg)
}

// Error logs at error level with optional structured fields.
func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.mu.Lock()
	defer l.errorLog.mu.Unlock()
	apply(l.errorLog.zl.Error(), fields).Msg(msg)
}

// Access records one structured entry describing a completed stream, when
// access logging is enabled.
func (l *Logger) Access(fields LogFields) {
	if !l.accessLog.enabled {
		return
	}
	l.accessLog.mu.Lock()
	defer l.accessLog.mu.Unlock()
	apply(l.accessLog.zl.Info(), []LogFields{fields}).Msg("stream_complete")
}

// CloseLogFiles closes any file-backed log targets.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.errorLog.closer != nil {
		if err := l.errorLog.closer.Close(); err != nil {
			firstErr = err
		}
	}
	if l.accessLog.closer != nil {
		if err := l.accessLog.closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
