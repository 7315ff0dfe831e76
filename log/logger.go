package log

import "github.com/pkg/errors"

// Fields is a set of structured key/value pairs attached to a log entry
type Fields map[string]interface{}

// Level defines how critical a log entry is. Values are ordered from the most
// critical to the most verbose and are aligned with logrus levels.
type Level uint8

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// Logger is used by every component of the library, implementations must be safe for concurrent use
type Logger interface {
	Log(level Level, v ...interface{})
	Logf(level Level, template string, args ...interface{})
	SetLevel(level Level)
	// WithFields returns a child logger which attaches fields to every entry it writes
	WithFields(fields Fields) Logger
}

var levelNames = map[Level]string{
	PanicLevel: "panic",
	FatalLevel: "fatal",
	ErrorLevel: "error",
	WarnLevel:  "warn",
	InfoLevel:  "info",
	DebugLevel: "debug",
	TraceLevel: "trace",
}

func (l Level) String() string {
	name, exists := levelNames[l]
	if !exists {
		return "unknown"
	}
	return name
}

// ParseLevel converts a level's name into a Level
func ParseLevel(name string) (Level, error) {
	for level, levelName := range levelNames {
		if levelName == name {
			return level, nil
		}
	}

	return InfoLevel, errors.Errorf("unknown log level %q", name)
}
