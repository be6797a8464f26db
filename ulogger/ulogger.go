package ulogger

// Logger is the logging interface passed to every service. It is
// deliberately printf-shaped so services never depend on a concrete
// logging backend.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	LogLevel() int
	New(service string) Logger
}
