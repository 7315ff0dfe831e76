// Package log provides a recording logger for tests. It prints nothing
// and keeps every entry for assertions.
package log

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-bastion/bastion/log"
)

func NewTestLogger() *TestLogger {
	return &TestLogger{entriesStore: &entriesStore{}}
}

// entriesStore is shared between a logger and its WithFields children,
// so entries end up in one place no matter which logger wrote them.
type entriesStore struct {
	entries []Entry
}

type Entry struct {
	Msg    string
	Level  log.Level
	Fields log.Fields
}

type TestLogger struct {
	level        log.Level
	fields       log.Fields
	entriesStore *entriesStore
}

func (l *TestLogger) Log(level log.Level, v ...interface{}) {
	l.entriesStore.entries = append(l.entriesStore.entries, Entry{Msg: fmt.Sprint(v...), Level: level, Fields: l.fields})
}

func (l *TestLogger) Logf(level log.Level, template string, args ...interface{}) {
	l.entriesStore.entries = append(l.entriesStore.entries, Entry{Msg: fmt.Sprintf(template, args...), Level: level, Fields: l.fields})
}

func (l *TestLogger) SetLevel(level log.Level) {
	l.level = level
}

func (l *TestLogger) WithFields(fields log.Fields) log.Logger {
	mergedFields := make(log.Fields)

	for k, v := range l.fields {
		mergedFields[k] = v
	}

	for k, v := range fields {
		mergedFields[k] = v
	}

	return &TestLogger{
		entriesStore: l.entriesStore,
		level:        l.level,
		fields:       mergedFields,
	}
}

func (l *TestLogger) Entries() []Entry {
	return l.entriesStore.entries
}

func (l *TestLogger) Messages() []string {
	r := make([]string, len(l.entriesStore.entries))
	for i := range l.entriesStore.entries {
		r[i] = l.entriesStore.entries[i].Msg
	}

	return r
}

func (l *TestLogger) LastMessage() string {
	if len(l.entriesStore.entries) > 0 {
		return l.entriesStore.entries[len(l.entriesStore.entries)-1].Msg
	}

	return ""
}

func (l *TestLogger) Clear() {
	l.entriesStore.entries = make([]Entry, 0)
	l.level = log.InfoLevel
	l.fields = nil
}

// AssertContainsSubstr fails the test when no recorded message contains
// the given substring.
func (l *TestLogger) AssertContainsSubstr(t *testing.T, substr string) {
	t.Helper()

	for _, entry := range l.entriesStore.entries {
		if strings.Contains(entry.Msg, substr) {
			return
		}
	}

	t.Errorf("no log message contains %q, got %v", substr, l.Messages())
}
