package runtime

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
)

// fakeEntry is an entry-style logger recording every line. It is shared by
// goroutines of the loaders, so the recorder is locked.
type fakeEntry struct {
	recorder *entryRecorder
	fields   loggingpkg.LogFields
	err      error
}

type entryRecorder struct {
	mu   sync.Mutex
	logs []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{recorder: &entryRecorder{}}
}

// newRecordingLogger returns a ServiceLogger and the entry recording its
// output.
func newRecordingLogger() (loggingpkg.ServiceLogger, *fakeEntry) {
	entry := newFakeEntry()
	return loggingpkg.NewEntryServiceLogger(entry), entry
}

func (f *fakeEntry) clone() *fakeEntry {
	return &fakeEntry{recorder: f.recorder, fields: cloneFields(f.fields), err: f.err}
}

func (f *fakeEntry) Error(args ...any) { f.append("error", args...) }
func (f *fakeEntry) Warn(args ...any)  { f.append("warn", args...) }
func (f *fakeEntry) Info(args ...any)  { f.append("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.append("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.append("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	clone := f.clone()
	clone.err = err
	return clone
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	clone := f.clone()
	if clone.fields == nil {
		clone.fields = make(loggingpkg.LogFields)
	}
	clone.fields[key] = value
	return clone
}

func (f *fakeEntry) append(level string, args ...any) {
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	f.recorder.logs = append(f.recorder.logs, loggedEntry{
		level:  level,
		msg:    fmt.Sprint(args...),
		fields: cloneFields(f.fields),
		err:    f.err,
	})
}

func (f *fakeEntry) entries() []loggedEntry {
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	return append([]loggedEntry(nil), f.recorder.logs...)
}

// find returns the first entry of level whose message contains substr.
func (f *fakeEntry) find(level, substr string) (loggedEntry, bool) {
	for _, e := range f.entries() {
		if e.level == level && strings.Contains(e.msg, substr) {
			return e, true
		}
	}
	return loggedEntry{}, false
}

func cloneFields(fields loggingpkg.LogFields) loggingpkg.LogFields {
	if len(fields) == 0 {
		return nil
	}
	out := make(loggingpkg.LogFields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func TestRecordingLogger(t *testing.T) {
	logger, entry := newRecordingLogger()

	logger.Info("boot", loggingpkg.LogFields{"system": "test"})
	child := logger.With(loggingpkg.LogFields{"component": "events"})
	boom := errors.New("boom")
	child.Error("[events] Error in event playerJoining", boom, loggingpkg.LogFields{"method": "OnJoin"})
	child.Warn("slow", nil)

	logs := entry.entries()
	require.Len(t, logs, 3)
	assert.Equal(t, "info", logs[0].level)
	assert.Equal(t, "test", logs[0].fields["system"])

	got, ok := entry.find("error", "playerJoining")
	require.True(t, ok)
	assert.Equal(t, boom, got.err)
	assert.Equal(t, "events", got.fields["component"])
	assert.Equal(t, "OnJoin", got.fields["method"])

	_, ok = entry.find("warn", "slow")
	assert.True(t, ok)
}
