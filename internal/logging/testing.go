package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are captured in memory.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger captures every entry at TraceLevel and above.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns every captured entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message is exactly msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops captured entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) logged(level zapcore.Level, msgContains string) bool {
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return true
		}
	}
	return false
}

// AssertLogged fails tb unless an entry at level contains msgContains.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if !t.logged(level, msgContains) {
		tb.Errorf("expected %v entry containing %q, got %d entries", level, msgContains, len(t.observed.All()))
	}
}

// AssertNotLogged fails tb if an entry at level contains msgContains.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if t.logged(level, msgContains) {
		tb.Errorf("unexpected %v entry containing %q", level, msgContains)
	}
}

// AssertField fails tb unless some entry with message msg carries key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		got, ok := entry.ContextMap()[key]
		if ok && reflect.DeepEqual(got, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found on %q", key, expected, msg)
}

// AssertUser checks msg was logged with user.id set to userID.
func (t *TestLogger) AssertUser(tb testing.TB, msg, userID string) {
	tb.Helper()
	t.AssertField(tb, msg, "user.id", userID)
}

// AssertRequest checks msg was logged with request.id set to requestID.
func (t *TestLogger) AssertRequest(tb testing.TB, msg, requestID string) {
	tb.Helper()
	t.AssertField(tb, msg, "request.id", requestID)
}

var (
	secretKeys     = []string{"api_key", "apikey", "authorization", "bearer", "password", "secret", "token"}
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bearer\s+\S+`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{4,}`),
	}
)

// AssertNoSecrets fails tb if a provider credential reached the log
// unredacted, either under a sensitive key or inside any string.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		for _, re := range secretPatterns {
			if re.MatchString(entry.Message) {
				tb.Errorf("credential in message %q", entry.Message)
			}
		}
		for _, field := range entry.Context {
			if field.Type != zapcore.StringType {
				continue
			}
			key := strings.ToLower(field.Key)
			for _, s := range secretKeys {
				if strings.Contains(key, s) && field.String != "" && !strings.Contains(field.String, "[REDACTED]") {
					tb.Errorf("field %q not redacted", field.Key)
				}
			}
			for _, re := range secretPatterns {
				if re.MatchString(field.String) {
					tb.Errorf("credential in field %q", field.Key)
				}
			}
		}
	}
}
