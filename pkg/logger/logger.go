package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init builds the server logger on stderr.
func Init(env string) zerolog.Logger {
	return New(env, os.Stderr)
}

// New builds a logger writing to out. Development gets pretty console
// output, everything else JSON lines.
func New(env string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
