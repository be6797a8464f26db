package ulogger

// TestLogger discards everything. Used in unit tests where log output is
// noise.
type TestLogger struct{}

func (TestLogger) Debugf(format string, args ...interface{}) {}
func (TestLogger) Infof(format string, args ...interface{})  {}
func (TestLogger) Warnf(format string, args ...interface{})  {}
func (TestLogger) Errorf(format string, args ...interface{}) {}
func (TestLogger) Fatalf(format string, args ...interface{}) {}
func (TestLogger) LogLevel() int                             { return 0 }
func (TestLogger) New(service string) Logger                 { return TestLogger{} }
