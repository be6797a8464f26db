package ulogger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ordishs/gocore"
	"github.com/rs/zerolog"
)

type ZLoggerWrapper struct {
	logger  zerolog.Logger
	service string
}

// NewLogger creates the default logger for a service. Pretty console output
// is the default; set PRETTY_LOGS=false for machine-readable JSON lines.
func NewLogger(service string, logLevel ...string) Logger {
	return NewZeroLogger(service, logLevel...)
}

func NewZeroLogger(service string, logLevel ...string) *ZLoggerWrapper {
	if service == "" {
		service = "ziond"
	}

	var l zerolog.Logger
	if gocore.Config().GetBool("PRETTY_LOGS", true) {
		writer := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.StampMilli,
		}
		l = zerolog.New(writer).With().Timestamp().Str("service", service).Logger()
	} else {
		l = zerolog.New(os.Stdout).With().Timestamp().Str("service", service).Logger()
	}

	z := &ZLoggerWrapper{logger: l, service: service}

	level := "INFO"
	if len(logLevel) > 0 {
		level = logLevel[0]
	} else if configured, ok := gocore.Config().Get("logLevel"); ok {
		level = configured
	}
	z.setLevel(level)

	return z
}

func (z *ZLoggerWrapper) setLevel(logLevel string) {
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		z.logger = z.logger.Level(zerolog.DebugLevel)
	case "INFO":
		z.logger = z.logger.Level(zerolog.InfoLevel)
	case "WARN":
		z.logger = z.logger.Level(zerolog.WarnLevel)
	case "ERROR":
		z.logger = z.logger.Level(zerolog.ErrorLevel)
	default:
		z.logger = z.logger.Level(zerolog.InfoLevel)
	}
}

func (z *ZLoggerWrapper) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msg(fmt.Sprintf(format, args...))
}

func (z *ZLoggerWrapper) Infof(format string, args ...interface{}) {
	z.logger.Info().Msg(fmt.Sprintf(format, args...))
}

func (z *ZLoggerWrapper) Warnf(format string, args ...interface{}) {
	z.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

func (z *ZLoggerWrapper) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msg(fmt.Sprintf(format, args...))
}

func (z *ZLoggerWrapper) Fatalf(format string, args ...interface{}) {
	z.logger.Fatal().Msg(fmt.Sprintf(format, args...))
}

func (z *ZLoggerWrapper) LogLevel() int {
	return int(z.logger.GetLevel())
}

func (z *ZLoggerWrapper) New(service string) Logger {
	child := &ZLoggerWrapper{
		logger:  z.logger.With().Str("service", service).Logger(),
		service: service,
	}
	return child
}
