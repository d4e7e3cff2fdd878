package task

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	rszerolog "github.com/rs/zerolog"
)

// NewZerologLogger builds a logiface logger backed by zerolog, writing to
// w at the given minimum level. Pass the result to WithLogger.
func NewZerologLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	zl := rszerolog.New(w).With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](level),
	).Logger()
}

// NewConsoleLogger is NewZerologLogger(os.Stderr, level), convenient for
// local development and the package's own test helpers.
func NewConsoleLogger(level logiface.Level) *logiface.Logger[logiface.Event] {
	return NewZerologLogger(os.Stderr, level)
}
