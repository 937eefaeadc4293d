// Package logger предоставляет логирование с префиксом сервиса поверх log/slog.
// В dev-окружении используется цветной вывод tint, в остальных: JSON.
// Поддерживается логирование времени выполнения функций.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	mu     sync.RWMutex
	base   *slog.Logger
	prefix string
	level  = new(slog.LevelVar)
	once   sync.Once
)

func isDev(env string) bool {
	return env == "" || env == "dev" || env == "local"
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, env string) slog.Handler {
	if isDev(env) {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func get() *slog.Logger {
	once.Do(func() {
		level.Set(parseLevel(os.Getenv("LOG_LEVEL")))
		mu.Lock()
		if base == nil {
			base = slog.New(newHandler(os.Stdout, os.Getenv("APP_ENV")))
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	if prefix != "" {
		return base.With("service", prefix)
	}
	return base
}

// Init перенастраивает вывод после загрузки конфигурации (уровень и формат).
func Init(env, lvl string) {
	InitWriter(os.Stdout, env, lvl)
}

// InitWriter как Init, но пишет в w (используется в тестах).
func InitWriter(w io.Writer, env, lvl string) {
	once.Do(func() {})
	level.Set(parseLevel(lvl))
	mu.Lock()
	base = slog.New(newHandler(w, env))
	mu.Unlock()
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "server").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// Slog возвращает настроенный *slog.Logger для библиотек, принимающих его напрямую.
func Slog() *slog.Logger {
	return get()
}

func Info(v ...any) {
	get().Info(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	get().Info(fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) {
	l := get()
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug(fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	get().Error(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	get().Error(fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения.
// При уровне info логируются только вызовы дольше 100ms, при debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := get()
	if elapsed >= 100*time.Millisecond {
		l.Info("slow call", "fn", fn, "duration_ms", elapsed.Milliseconds())
		return
	}
	if l.Enabled(context.Background(), slog.LevelDebug) {
		l.Debug("call", "fn", fn, "duration_ms", elapsed.Milliseconds())
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
