package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a level name as given on the command line ("debug", "info", ...).
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// LogEntry is a log record held back while a full-screen UI owns the terminal.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Subsystem string
	Message   string
	Err       error
}

// Options configures the process logger.
type Options struct {
	Level  LogLevel
	Output io.Writer
	// FilePath, when set, additionally writes JSON records to a rotated log file.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
}

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	fileSink      *lumberjack.Logger
	held          []LogEntry
	holding       bool
)

const maxHeldEntries = 2048

// Init initializes the logger. It should be called once at application startup.
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level.SlogLevel()}

	var handler slog.Handler = slog.NewTextHandler(opts.Output, handlerOpts)
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		fileSink = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		handler = fanoutHandler{
			handler,
			slog.NewJSONHandler(fileSink, &slog.HandlerOptions{Level: slog.LevelDebug}),
		}
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// Hold buffers log entries instead of writing them, until the returned release function
// is called. Used while the interactive selector has the terminal.
func Hold() (release func()) {
	mu.Lock()
	holding = true
	mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			entries := held
			held = nil
			holding = false
			mu.Unlock()
			for _, e := range entries {
				write(e)
			}
		})
	}
}

// Close flushes and closes the log file sink, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	return err
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}
	entry := LogEntry{Timestamp: time.Now(), Level: level, Subsystem: subsystem, Message: msg, Err: err}

	mu.Lock()
	if holding {
		if len(held) < maxHeldEntries {
			held = append(held, entry)
		}
		mu.Unlock()
		return
	}
	mu.Unlock()

	write(entry)
}

func write(e LogEntry) {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()

	if logger == nil {
		fmt.Fprintf(os.Stderr, "[LOGGING_ERROR] Logger not initialized. Log: %s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
		return
	}

	attrs := []slog.Attr{slog.String("subsystem", e.Subsystem)}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	logger.LogAttrs(context.Background(), e.Level.SlogLevel(), e.Message, attrs...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// fanoutHandler sends every record to all wrapped handlers.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
