// Package audit records security-relevant events to an append-only,
// human-readable log file. One record per line:
//
//	2026-01-02T15:04:05Z | WARNING | AUTH_FAILURE | subject=d1 | bad credentials | ip=10.0.0.9
//
// The trail must never contain tokens, secrets, or payload bytes;
// callers sanitize before logging.
package audit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType enumerates the auditable events.
type EventType string

const (
	AuthSuccess        EventType = "AUTH_SUCCESS"
	AuthFailure        EventType = "AUTH_FAILURE"
	SessionStart       EventType = "SESSION_START"
	SessionEnd         EventType = "SESSION_END"
	CommandReceived    EventType = "COMMAND_RECEIVED"
	PermissionDenied   EventType = "PERMISSION_DENIED"
	RateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EncryptionError    EventType = "ENCRYPTION_ERROR"
	SuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
)

// Severity of an audit record.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Logger appends audit records to a file. Writes are serialized under
// a mutex; error and critical records additionally surface on the
// operator log stream.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
	now  func() time.Time
}

// New opens (or creates) the audit log for appending. An unwritable
// path is a startup-fatal condition for the caller.
func New(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &Logger{file: f, path: path, now: time.Now}, nil
}

// Log appends one record. Detail keys are emitted in sorted order so
// records are stable and grep-able.
func (l *Logger) Log(event EventType, sev Severity, subject, message string, details map[string]string) {
	var b strings.Builder
	b.WriteString(l.timestamp())
	b.WriteString(" | ")
	b.WriteString(string(sev))
	b.WriteString(" | ")
	b.WriteString(string(event))
	b.WriteString(" | subject=")
	b.WriteString(sanitizeField(subject))
	b.WriteString(" | ")
	b.WriteString(sanitizeField(message))

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" | ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(sanitizeField(details[k]))
	}
	b.WriteString("\n")

	l.mu.Lock()
	if l.file != nil {
		if _, err := l.file.WriteString(b.String()); err != nil {
			log.Error().Err(err).Str("path", l.path).Msg("Audit write failed")
		}
	}
	l.mu.Unlock()

	if sev == SeverityError || sev == SeverityCritical {
		log.Error().
			Str("event", string(event)).
			Str("subject", subject).
			Msg(message)
	}
}

// LogAuth records an authentication attempt.
func (l *Logger) LogAuth(success bool, deviceID, detail string) {
	if success {
		l.Log(AuthSuccess, SeverityInfo, deviceID, "authentication successful", detailMap(detail))
		return
	}
	l.Log(AuthFailure, SeverityWarning, deviceID, "authentication failed", detailMap(detail))
}

// LogSessionStart records session creation.
func (l *Logger) LogSessionStart(sessionID, deviceID string) {
	l.Log(SessionStart, SeverityInfo, deviceID, "session started", map[string]string{"session": sessionID})
}

// LogSessionEnd records session teardown with its cause.
func (l *Logger) LogSessionEnd(sessionID, deviceID, reason string) {
	l.Log(SessionEnd, SeverityInfo, deviceID, "session ended", map[string]string{
		"session": sessionID,
		"reason":  reason,
	})
}

// Flush syncs buffered records to disk.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

// sanitizeField keeps records one-per-line and field-separable.
func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "|", "/")
}

func detailMap(detail string) map[string]string {
	if detail == "" {
		return nil
	}
	return map[string]string{"detail": detail}
}
