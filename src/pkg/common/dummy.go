package common

type DummyLogger struct{}

var dummyLogger = DummyLogger{}

var _ ITxnLogger = &DummyLogger{}

// NoLogs returns a logger that drops every record. Used by purely in-memory
// catalogs and tests.
func NoLogs() *DummyLogger {
	return &dummyLogger
}

func (l *DummyLogger) AppendCommit(Timestamp, []LogRecord) error {
	return nil
}
