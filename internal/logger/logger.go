package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"platebridge-pod/internal/config"
)

// New builds the process logger. Pretty console output is meant for a terminal on the
// pod; JSON is the default so journald and log shippers can index fields.
func New(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Log.Level))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stdout
	if cfg.Log.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "platebridge-pod").
		Str("pod_id", cfg.PodID).
		Logger()

	stdlog.SetFlags(0)
	stdlog.SetOutput(log)

	return log
}
