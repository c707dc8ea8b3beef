// Package logging configures the process-wide zerolog logger and carries
// request-scoped loggers through contexts.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey string

const (
	requestIDKey ctxKey = "logging_request_id"
	loggerKey    ctxKey = "logging_logger"

	logDirPerm  os.FileMode = 0o700
	logFilePerm os.FileMode = 0o600
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
	FilePath  string // optional log file path, appended to
}

var (
	mu            sync.RWMutex
	baseLogger    zerolog.Logger
	baseWriter    io.Writer = os.Stderr
	baseComponent string
	fileCloser    io.Closer

	defaultTimeFmt = time.RFC3339
)

var (
	isTerminalFn = term.IsTerminal
	openFileFn   = os.OpenFile
)

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and establishes the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previous := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)
	if file, err := openLogFile(cfg.FilePath); err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to configure file output: %v\n", err)
	} else if file != nil {
		writer = io.MultiWriter(writer, file)
		fileCloser = file
	}

	component := strings.TrimSpace(cfg.Component)
	builder := zerolog.New(writer).With().Timestamp()
	if component != "" {
		builder = builder.Str("component", component)
	}

	baseLogger = builder.Logger()
	baseWriter = writer
	baseComponent = component
	log.Logger = baseLogger

	if previous != nil {
		if err := previous.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close previous log file: %v\n", err)
		}
	}
	return baseLogger
}

// Shutdown closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close log file: %v\n", err)
		}
		fileCloser = nil
	}
}

// SetLevel changes the global level at runtime. It returns false when level
// is not recognised and leaves the current level untouched.
func SetLevel(level string) bool {
	parsed, ok := lookupLevel(level)
	if !ok {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}

// IsLevelEnabled reports whether the provided level is enabled for logging.
func IsLevelEnabled(level zerolog.Level) bool {
	return level >= zerolog.GlobalLevel()
}

// NewLogger returns a child of the base logger tagged with component. An
// empty component inherits the base component.
func NewLogger(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	component = strings.TrimSpace(component)
	if component == "" || component == baseComponent {
		return baseLogger
	}
	return zerolog.New(baseWriter).With().Timestamp().Str("component", component).Logger()
}

// WithRequestID stores (or generates) a request ID on the context.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), requestID
}

// RequestID returns the request ID stored on ctx.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored on ctx (or the base logger) with the
// request ID attached when present.
func FromContext(ctx context.Context) zerolog.Logger {
	mu.RLock()
	logger := baseLogger
	mu.RUnlock()

	if ctx == nil {
		return logger
	}
	if stored, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		logger = stored
	}
	if id := RequestID(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}
	return logger
}

func lookupLevel(level string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "trace":
		return zerolog.TraceLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "fatal":
		return zerolog.FatalLevel, true
	case "panic":
		return zerolog.PanicLevel, true
	case "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseLevel(level string) zerolog.Level {
	parsed, ok := lookupLevel(level)
	if !ok {
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", level, "info")
	}
	return parsed
}

// ValidLevel reports whether level names a zerolog level.
func ValidLevel(level string) bool {
	_, ok := lookupLevel(level)
	return ok
}

func selectWriter(format string) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console":
		return newConsoleWriter(os.Stderr)
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminal(os.Stderr) {
			return newConsoleWriter(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	return isTerminalFn(int(file.Fd()))
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("refusing symlink file path %q", path)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("non-regular file path %q", path)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := openFileFn(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}
