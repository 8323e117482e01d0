// Package logsink hands out one rolling log file per device serial.
//
// Lines read "timestamp logger level thread - message fields", for example:
//
//	2026-10-15 06:51:00 devices.R58M INF R58M - monkey round started round=0
package logsink

import (
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	labagent "github.com/httprunner/LabAgent"
)

const (
	// FileName is the per-device log file under the device directory.
	FileName = "device_control.log"

	loggerField = "logger"
	threadField = "thread"
	timeFormat  = "2006-01-02 15:04:05"
)

// Options tunes the sink.
type Options struct {
	BaseDir    string
	MaxBytes   int64
	MaxBackups int
	// Level is the minimum level written; the zero value is debug.
	Level zerolog.Level
}

// Factory creates and caches per-device loggers. It implements
// labagent.DeviceLoggerFactory.
type Factory struct {
	opts Options

	mu    sync.Mutex
	sinks map[string]*deviceSink
}

type deviceSink struct {
	file   *RotatingFile
	logger zerolog.Logger
}

// NewFactory builds a factory writing below opts.BaseDir.
func NewFactory(opts Options) *Factory {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	return &Factory{opts: opts, sinks: make(map[string]*deviceSink)}
}

// LoggerName is the logger name used for a device serial.
func LoggerName(serial string) string {
	return "devices." + serial
}

// Path returns the log file path for a device.
func (f *Factory) Path(dev labagent.Device) string {
	return filepath.Join(f.opts.BaseDir, dirName(dev.DisplayName()), FileName)
}

// DeviceLogger returns the logger for dev, opening its file on first use.
// When the file cannot be opened the global logger is used instead.
func (f *Factory) DeviceLogger(dev labagent.Device) zerolog.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sink, ok := f.sinks[dev.Serial]; ok {
		return sink.logger
	}

	path := f.Path(dev)
	file, err := OpenRotatingFile(path, f.opts.MaxBytes, f.opts.MaxBackups)
	if err != nil {
		log.Error().Err(err).Str("serial", dev.Serial).Msg("open device log sink failed")
		return log.With().Str(loggerField, LoggerName(dev.Serial)).Logger()
	}
	logger := zerolog.New(newLineWriter(file)).
		Level(f.opts.Level).
		With().
		Timestamp().
		Str(loggerField, LoggerName(dev.Serial)).
		Str(threadField, dev.Serial).
		Logger()
	f.sinks[dev.Serial] = &deviceSink{file: file, logger: logger}
	return logger
}

// Close closes every open device file.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for serial, sink := range f.sinks {
		if err := sink.file.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close log for %s", serial))
		}
		delete(f.sinks, serial)
	}
	return stderrors.Join(errs...)
}

func newLineWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:           out,
		NoColor:       true,
		TimeFormat:    timeFormat,
		PartsOrder:    []string{zerolog.TimestampFieldName, loggerField, zerolog.LevelFieldName, threadField, zerolog.MessageFieldName},
		FieldsExclude: []string{loggerField, threadField},
		FormatMessage: func(i any) string {
			if i == nil {
				return "-"
			}
			return fmt.Sprintf("- %v", i)
		},
		FormatFieldValue: func(i any) string {
			return fmt.Sprintf("%v", i)
		},
	}
}

func dirName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}

var _ labagent.DeviceLoggerFactory = (*Factory)(nil)
