package audit

import (
	"github.com/rs/zerolog"
)

// Results
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("log", "audit").Logger()}
}

// Nop returns a logger that discards every event.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	switch result {
	case ResultDenied, ResultFailed:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogAuth logs an authentication event.
// subject: the token subject (may be empty for failed attempts)
// method: authentication method ("bearer" or "none" when auth is disabled)
// result: ResultAllowed or ResultDenied
// details: additional context (e.g. why the token was rejected)
func (l *Logger) LogAuth(subject, method, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("subject", subject).
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogAuthz logs a scope check.
func (l *Logger) LogAuthz(subject, scope, route, result string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "authz").
		Str("subject", subject).
		Str("scope", scope).
		Str("route", route).
		Str("result", result).
		Msg("Authorization event")
}

// FileEvent describes one file operation.
type FileEvent struct {
	Subject     string
	Operation   string // "upload", "download", "delete"
	FileKey     int64  // 0 when the operation failed before a key existed
	DriveKey    int64
	Size        int64
	ContentType string
	Result      string
	Kind        string // error kind on failure
	SourceIP    string
}

// LogFile logs a file operation.
func (l *Logger) LogFile(e FileEvent) {
	event := l.logger.WithLevel(levelFor(e.Result)).
		Str("event_type", "file").
		Str("subject", e.Subject).
		Str("operation", e.Operation).
		Str("result", e.Result)

	if e.FileKey != 0 {
		event = event.Int64("file", e.FileKey)
	}
	if e.DriveKey != 0 {
		event = event.Int64("drive", e.DriveKey)
	}
	if e.Size > 0 {
		event = event.Int64("size", e.Size)
	}
	if e.ContentType != "" {
		event = event.Str("content_type", e.ContentType)
	}
	if e.Kind != "" {
		event = event.Str("kind", e.Kind)
	}
	if e.SourceIP != "" {
		event = event.Str("source_ip", e.SourceIP)
	}
	event.Msg("File operation")
}

// LogDrive logs a drive lifecycle event.
// actor: who caused it ("allocator" for automatic creation, or a token subject)
// action: "create", "decommission"
func (l *Logger) LogDrive(actor, action string, driveKey int64, containerID, details string) {
	event := l.logger.Info().
		Str("event_type", "drive").
		Str("actor", actor).
		Str("action", action).
		Int64("drive", driveKey).
		Str("container", containerID)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Drive event")
}

// LogToken logs the issuing of an access token.
func (l *Logger) LogToken(issuer, subject string, scopes []string, expires string) {
	l.logger.Info().
		Str("event_type", "token").
		Str("issuer", issuer).
		Str("subject", subject).
		Strs("scopes", scopes).
		Str("expires", expires).
		Msg("Token issued")
}
