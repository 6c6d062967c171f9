package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process-wide zerolog logger and the sinks behind it.
type Logger struct {
	zl       zerolog.Logger
	sink     io.Closer
	redactor *Redactor
}

// Config holds logger configuration.
type Config struct {
	Level      string // trace, debug, info, warn, error
	File       string // optional log file path
	Console    bool   // write to stderr
	Pretty     bool   // human readable console output
	Redaction  bool   // scrub provider keys and secrets
	MaxSizeMB  int    // rotate the log file past this size, 0 disables rotation
	MaxAgeDays int    // prune rotated files older than this
	Compress   bool   // gzip rotated files
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSizeMB:  50,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// New builds a logger from cfg and installs it as the zerolog global.
// Console output goes to stderr so stdout stays free for agent answers.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		var console io.Writer = os.Stderr
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		}
		writers = append(writers, console)
	}

	var sink io.WriteCloser
	if cfg.File != "" {
		sink, err = openSink(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, sink)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		out = redactor.Wrap(out)
	}

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{zl: zl, sink: sink, redactor: redactor}, nil
}

func openSink(cfg Config) (io.WriteCloser, error) {
	size := cfg.MaxSizeMB
	if size <= 0 {
		// effectively unbounded
		size = 1 << 20
	}
	return NewRotatingWriter(cfg.File, size, cfg.MaxAgeDays, cfg.Compress)
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Zerolog returns the underlying zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }
