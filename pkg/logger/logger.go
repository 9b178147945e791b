// Package logger wraps logrus with the defaults shared by every smoothfeed
// component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig selects the level, format and destination of a Logger.
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	FilePrefix string
}

// Logger is a logrus logger tagged with the component that owns it.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger from configuration. Unknown levels fall back to info,
// unknown formats to text, and an unopenable file output to stdout.
func New(cfg LoggingConfig) *Logger {
	return newLogger("smoothfeed", cfg)
}

// NewDefault returns an info-level text logger writing to stdout.
func NewDefault(component string) *Logger {
	return newLogger(component, LoggingConfig{})
}

// Named returns a logger that shares this logger's configuration but reports
// a different component.
func (l *Logger) Named(component string) *Logger {
	base := logrus.New()
	base.SetLevel(l.GetLevel())
	base.SetFormatter(l.Formatter)
	base.SetOutput(l.Out)
	base.AddHook(componentHook{component: component})
	return &Logger{Logger: base, component: component}
}

// Component reports the component name attached to every entry.
func (l *Logger) Component() string {
	return l.component
}

func newLogger(component string, cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	base.SetOutput(openOutput(component, cfg))
	base.AddHook(componentHook{component: component})

	return &Logger{Logger: base, component: component}
}

func openOutput(component string, cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "smoothfeed"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, component)
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

type componentHook struct {
	component string
}

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["component"]; !ok {
		entry.Data["component"] = h.component
	}
	return nil
}
