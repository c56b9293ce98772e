// Package log provides structured, colored logging for the Klingnet runtime.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// consoleTimeFormat is the timestamp layout of the colored console writer.
const consoleTimeFormat = "15:04:05"

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Runtime    zerolog.Logger
	Fees       zerolog.Logger
	Payment    zerolog.Logger
	Precompile zerolog.Logger
	Ledger     zerolog.Logger
	Exchange   zerolog.Logger
	Scheduler  zerolog.Logger
	Storage    zerolog.Logger
	RPC        zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init replaces the global logger and rebuilds the component loggers.
// Components capture their logger at construction, so Init must run before
// the runtime is built.
//
// When file is non-empty, every line is also appended to it as JSON
// regardless of jsonOutput.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = consoleWriter(os.Stdout, jsonOutput)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	Logger = newLogger(out, level)
	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w, false), level)
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

func consoleWriter(w io.Writer, jsonOutput bool) io.Writer {
	if jsonOutput {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level. Unknown levels
// fall back to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Runtime = WithComponent("runtime")
	Fees = WithComponent("fees")
	Payment = WithComponent("payment")
	Precompile = WithComponent("precompile")
	Ledger = WithComponent("ledger")
	Exchange = WithComponent("exchange")
	Scheduler = WithComponent("scheduler")
	Storage = WithComponent("storage")
	RPC = WithComponent("rpc")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Nop returns a disabled logger, used by components built in tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
