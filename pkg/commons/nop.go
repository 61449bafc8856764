package commons

// NewNopLogger returns a Logger that discards everything. Used in tests that
// exercise components requiring a Logger but don't assert on log output.
func NewNopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Fatalf(string, ...interface{}) {}
func (nopLogger) Info(string)                   {}
func (nopLogger) Error(string)                  {}
func (nopLogger) Warnw(string, ...interface{})  {}
func (nopLogger) Errorw(string, ...interface{}) {}
func (nopLogger) Infow(string, ...interface{})  {}
func (nopLogger) With(...interface{}) Logger    { return nopLogger{} }
func (nopLogger) Sync() error                   { return nil }
