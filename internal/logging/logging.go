// Package logging configures the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	l := New()
	zerolog.DefaultContextLogger = &l
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		function := ""
		fun := runtime.FuncForPC(pc)
		if fun != nil {
			funName := fun.Name()
			slash := strings.LastIndex(funName, "/")
			if slash > 0 {
				funName = funName[slash+1:]
			}
			function = " " + funName + "()"
		}
		return file + ":" + strconv.Itoa(line) + function
	}
}

// New returns a JSON logger on stdout. PRETTY=1 switches to console output
// on stderr, DEBUG=1 lowers the global level to debug.
func New() zerolog.Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "time"

	logger := zerolog.New(w).With().Timestamp().Logger()
	logger = logger.Hook(CallerHook{})

	if os.Getenv("PRETTY") == "1" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return New().With().Str("component", name).Logger()
}

// CallerHook adds the caller location to every event.
type CallerHook struct{}

func (h CallerHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Caller(3)
}
