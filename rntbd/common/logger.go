package common

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// Logger names used across the transport
const (
	LoggerChannel  = "rntbd/channel"
	LoggerPool     = "rntbd/pool"
	LoggerEndpoint = "rntbd/endpoint"
	LoggerTimer    = "rntbd/timer"
	LoggerServer   = "rntbd/server"
	LoggerWire     = "rntbd/wire"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// rntbdLogger implements the ILogger interface with custom formatting
type rntbdLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *rntbdLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *rntbdLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *rntbdLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *rntbdLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *rntbdLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *rntbdLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message
func (l *rntbdLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds)

	return &rntbdLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var factoryOnce sync.Once

// InitLoggers installs the custom logger factory and applies the configured
// levels. The wire logger is silenced unless a wire log level is given.
func InitLoggers(opts Options) error {
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	level, err := ParseLogLevel(opts.LogLevel)
	if err != nil {
		return err
	}

	for _, name := range []string{LoggerChannel, LoggerPool, LoggerEndpoint, LoggerTimer, LoggerServer} {
		logger.GetLogger(name).SetLevel(level)
	}

	wireLevel := logger.ERROR
	if opts.WireLogLevel != "" {
		if wireLevel, err = ParseLogLevel(opts.WireLogLevel); err != nil {
			return err
		}
	}
	logger.GetLogger(LoggerWire).SetLevel(wireLevel)

	return nil
}
