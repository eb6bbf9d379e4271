package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

type MyLogger struct {
	Logger *log.LogrusLogger
	level  log.Level
	base   *logrus.Logger
}

func (ml *MyLogger) Level() string {
	switch ml.level {
	case log.PanicLevel:
		return "Panic"
	case log.FatalLevel:
		return "Fatal"
	case log.ErrorLevel:
		return "Error"
	case log.WarnLevel:
		return "Warn"
	case log.InfoLevel:
		return "Info"
	case log.DebugLevel:
		return "Debug"
	case log.TraceLevel:
		return "Trace"
	}
	return "Unknown"
}

var (
	mu              sync.Mutex
	loggers         = make(map[string]*MyLogger)
	output          io.Writer = os.Stdout
	DefaultLogLevel           = log.InfoLevel
)

// NewLogrusLogger returns the logger registered under prefix, creating it on
// first use. Later calls with the same prefix share the level.
func NewLogrusLogger(level log.Level, prefix string, fields log.Fields) log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger, found := loggers[prefix]; found {
		return logger.Logger.WithPrefix(prefix)
	}
	l := logrus.New()
	l.SetOutput(output)
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     output == os.Stdout,
		ForceFormatting: true,
	}
	logger := log.NewLogrusLogger(l, "main", fields)
	loggers[prefix] = &MyLogger{
		Logger: logger,
		level:  level,
		base:   l,
	}
	logger.SetLevel(level)
	return logger.WithPrefix(prefix)
}

func SetLogLevel(prefix string, level log.Level) error {
	mu.Lock()
	defer mu.Unlock()
	if logger, found := loggers[prefix]; found {
		logger.level = level
		logger.Logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}

// SetAllLogLevels changes DefaultLogLevel and every logger created so far.
func SetAllLogLevels(level log.Level) {
	mu.Lock()
	defer mu.Unlock()
	DefaultLogLevel = level
	for _, logger := range loggers {
		logger.level = level
		logger.Logger.SetLevel(level)
	}
}

// SetLogFile mirrors every logger into a rotating file.
func SetLogFile(filename string, maxSizeMB, maxBackups int) io.Closer {
	file := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	mu.Lock()
	defer mu.Unlock()
	output = io.MultiWriter(os.Stdout, file)
	for _, logger := range loggers {
		logger.base.SetOutput(output)
	}
	return file
}

func GetLoggers() map[string]*MyLogger {
	mu.Lock()
	defer mu.Unlock()
	res := make(map[string]*MyLogger, len(loggers))
	for k, v := range loggers {
		res[k] = v
	}
	return res
}

func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	}
	return DefaultLogLevel, fmt.Errorf("unknown log level %q", level)
}
