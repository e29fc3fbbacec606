// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File enables a rotated log file next to stdout.
	File    string
	Service string
}

// New returns a JSON logger. An unknown level falls back to info.
func New(opts Options) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})

	level, err := log.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	var out io.Writer = os.Stdout
	if strings.TrimSpace(opts.File) != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	logger.SetOutput(out)

	if opts.Service != "" {
		logger.AddHook(serviceHook{name: opts.Service})
	}
	return logger
}

type serviceHook struct {
	name string
}

func (h serviceHook) Levels() []log.Level { return log.AllLevels }

func (h serviceHook) Fire(entry *log.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.name
	}
	return nil
}
