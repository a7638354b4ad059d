package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// EnvLevel is consulted by Configure when no flag is given.
const EnvLevel = "LOG_LEVEL"

var (
	currentLevel atomic.Int32
	slogLevel    = new(slog.LevelVar)
	logger       atomic.Pointer[slog.Logger]
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	SetOutput(os.Stderr)
}

func ParseLevel(v string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetLevel(v string) error {
	lvl, err := ParseLevel(v)
	if err != nil {
		return err
	}
	currentLevel.Store(int32(lvl))
	slogLevel.Set(lvl.slog())
	return nil
}

// SetOutput redirects log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	logger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel})))
}

// Logger exposes the underlying slog logger for structured call sites.
func Logger() *slog.Logger {
	return logger.Load()
}

// Configure resolves log level from flags and env.
// Precedence: --log-level > --verbose > LOG_LEVEL > default(info).
func Configure(flagLevel string, verbose bool) error {
	if strings.TrimSpace(flagLevel) != "" {
		return SetLevel(flagLevel)
	}
	if verbose {
		return SetLevel("debug")
	}
	if env := strings.TrimSpace(os.Getenv(EnvLevel)); env != "" {
		return SetLevel(env)
	}
	return SetLevel("info")
}

func levelEnabled(l Level) bool {
	return l >= Level(currentLevel.Load())
}

func IsDebug() bool {
	return levelEnabled(LevelDebug)
}

func logf(l Level, format string, args ...any) {
	if !levelEnabled(l) {
		return
	}
	logger.Load().Log(context.Background(), l.slog(), fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// Token shortens a bearer or refresh token for log lines.
func Token(v string) string {
	if len(v) <= 6 {
		return "***"
	}
	return v[:6] + "…"
}
