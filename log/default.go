package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// DefaultLogger returns an implementation of Logger backed by logrus, used by default if other isn't specified
func DefaultLogger(out io.Writer) Logger {
	internal := logrus.New()
	internal.SetOutput(out)
	internal.SetLevel(logrus.InfoLevel)
	internal.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &defaultLogger{entry: logrus.NewEntry(internal)}
}

type defaultLogger struct {
	entry *logrus.Entry
}

func (l defaultLogger) Log(level Level, v ...interface{}) {
	switch level {
	case PanicLevel:
		l.entry.Panic(v...)
	case FatalLevel:
		l.entry.Fatal(v...)
	default:
		// Level values are aligned with logrus
		l.entry.Log(logrus.Level(level), v...)
	}
}

func (l defaultLogger) Logf(level Level, template string, args ...interface{}) {
	switch level {
	case PanicLevel:
		l.entry.Panicf(template, args...)
	case FatalLevel:
		l.entry.Fatalf(template, args...)
	default:
		l.entry.Logf(logrus.Level(level), template, args...)
	}
}

func (l defaultLogger) SetLevel(level Level) {
	l.entry.Logger.SetLevel(logrus.Level(level))
}

func (l defaultLogger) WithFields(fields Fields) Logger {
	return &defaultLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
