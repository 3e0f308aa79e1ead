package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
	sink   *BufferedWriter
	closer io.Closer
	level  = new(slog.LevelVar)
)

// Options configures the global logger.
type Options struct {
	Level  string
	Format string // "json" (default) or "text"

	// File is the log file path. Empty means stdout.
	File      string
	MaxSizeMB int
	MaxFiles  int

	// FlushEvery is the number of records buffered before they are written.
	// Values below 1 mean every record is written immediately.
	FlushEvery int

	// Console receives a copy of every record when the process runs in the
	// foreground. Nil when daemonized.
	Console io.Writer

	Attrs []slog.Attr
}

// ParseLevel maps a level name to a slog level.
// logic: default to INFO. If level is invalid, fallback to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup (re)initializes the global logger. Any previously opened log file is
// flushed and closed.
func Setup(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	var out io.Writer = os.Stdout
	var newCloser io.Closer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxFiles, 10),
		}
		out = lj
		newCloser = lj
		if opts.Console != nil {
			out = io.MultiWriter(lj, opts.Console)
		}
	}

	shutdownLocked()

	level.Set(ParseLevel(opts.Level))
	sink = NewBufferedWriter(out, opts.FlushEvery)
	closer = newCloser

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(sink, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(sink, handlerOpts)
	}
	if len(opts.Attrs) > 0 {
		handler = handler.WithAttrs(opts.Attrs)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

// SetLevel changes the level of the installed logger in place.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		_ = Setup(Options{Level: "INFO"})
		mu.Lock()
		l = logger
		mu.Unlock()
	}
	return l
}

// Flush writes buffered records to the underlying writer.
func Flush() error {
	mu.Lock()
	s := sink
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Flush()
}

// Discard drops buffered records without writing them.
func Discard() {
	mu.Lock()
	s := sink
	mu.Unlock()
	if s != nil {
		s.Discard()
	}
}

// Close flushes and closes the log file, if any. The next Get installs a
// fresh stdout logger.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := shutdownLocked()
	logger, sink = nil, nil
	return err
}

func shutdownLocked() error {
	var err error
	if sink != nil {
		err = sink.Flush()
	}
	if closer != nil {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		closer = nil
	}
	return err
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob returns a logger with the job_id field set.
func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
