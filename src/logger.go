package src

import "go.uber.org/zap"

// Logger is the logging contract used across the module. *zap.SugaredLogger
// satisfies it.
type Logger interface {
	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)

	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	Info(args ...any)
	Error(args ...any)

	Sync() error
}

var _ Logger = (*zap.SugaredLogger)(nil)

func NopLogger() Logger {
	return zap.NewNop().Sugar()
}
