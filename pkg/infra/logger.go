package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Guizzs26/go-pos-sync/internal/config"
)

var (
	logFileMu sync.Mutex
	logFile   *os.File
)

func SetupLogger(cfg *config.Config) *slog.Logger {
	return slog.New(NewHandler(cfg, os.Stdout))
}

// NewHandler builds the slog handler for cfg writing to out, teeing into LOG_FILE when set
func NewHandler(cfg *config.Config, out io.Writer) slog.Handler {
	var w io.Writer = out
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logFileMu.Lock()
			logFile = f
			logFileMu.Unlock()
			w = io.MultiWriter(out, f)
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}

	if strings.ToUpper(cfg.LogFormat) == "JSON" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

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

// CloseLogger flushes and closes the log file opened by SetupLogger, if any
func CloseLogger() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
