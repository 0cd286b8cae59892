// Package logging provides structured logging using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

var logFile *os.File

// Level aliases zerolog's level type.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Config holds logger configuration.
type Config struct {
	Level Level
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables human-readable console output.
	Pretty bool
	// LogToFile additionally writes to a timestamped file in LogDir.
	LogToFile bool
	LogDir    string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Level:  InfoLevel,
		Output: os.Stderr,
		LogDir: os.TempDir(),
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.LogDir == "" {
		cfg.LogDir = os.TempDir()
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{out}
	if cfg.LogToFile {
		if logFile != nil {
			logFile.Close()
		}
		name := fmt.Sprintf("companion-%s.log", time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logFile = f
			writers = append(writers, f)
		}
	}

	var output io.Writer = writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	Logger = zerolog.New(output).Level(cfg.Level).With().Timestamp().Logger()
}

// ParseLevel parses a log level string (case-insensitive). Unrecognized
// values fall back to info.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Close closes the log file if one is open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Debug starts a new debug level log message.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts a new info level log message.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a new warn level log message.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts a new error level log message.
func Error() *zerolog.Event { return Logger.Error() }

// With creates a child logger context.
func With() zerolog.Context { return Logger.With() }

func init() {
	Init(DefaultConfig())
}
