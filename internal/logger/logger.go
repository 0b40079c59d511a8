package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config describes where daemon and CLI logs go.
type Config struct {
	Level     string // debug, info, warn, error; anything else means info
	File      string // empty disables the file sink
	Console   bool
	Pretty    bool
	Redaction bool
	Rotation  Rotation

	// Console output goes to Stderr unless set, keeping stdout clean for
	// commands like replay and ask.
	Stderr io.Writer
}

// Logger owns the process-wide zerolog logger and its file sink.
type Logger struct {
	logger   zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// New builds the logger and installs it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	sinks, err := l.sinks(cfg)
	if err != nil {
		return nil, err
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = stderrOf(cfg)
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

func (l *Logger) sinks(cfg Config) ([]io.Writer, error) {
	var sinks []io.Writer
	if cfg.Console {
		var console io.Writer = stderrOf(cfg)
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
		}
		sinks = append(sinks, console)
	}
	if cfg.File != "" {
		fw, err := NewRotatingWriter(cfg.File, cfg.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = fw
		sinks = append(sinks, fw)
	}
	return sinks, nil
}

func stderrOf(cfg Config) io.Writer {
	if cfg.Stderr != nil {
		return cfg.Stderr
	}
	return os.Stderr
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// Ptr returns a pointer to a copy of the logger, for option structs that
// take *zerolog.Logger.
func (l *Logger) Ptr() *zerolog.Logger {
	cp := l.logger
	return &cp
}
