package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup инициализирует глобальный slog.Logger.
// Если debug=true, уровень Debug; если verbose=true, Info; иначе Warn.
// format=json переключает вывод на JSON, всё остальное даёт текстовый формат.
// Функция также делает этот логгер логгером по-умолчанию (slog.SetDefault).
func Setup(debug bool, verbose bool, format string) *slog.Logger {
	return setup(os.Stderr, debug, verbose, format)
}

func setup(w io.Writer, debug bool, verbose bool, format string) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
