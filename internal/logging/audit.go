package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// API key events
	AuditEventKeyCreate AuditEventType = "api_key_create"
	AuditEventKeyRevoke AuditEventType = "api_key_revoke"
	AuditEventKeyDelete AuditEventType = "api_key_delete"

	// Admission events
	AuditEventAdmissionDenied AuditEventType = "admission_denied"

	// Project pool events
	AuditEventProjectRegister AuditEventType = "project_register"
	AuditEventProjectRemove   AuditEventType = "project_remove"
	AuditEventProjectState    AuditEventType = "project_state_change"

	// OAuth token events
	AuditEventTokenInvalidate AuditEventType = "oauth_token_invalidate"
	AuditEventTokenRevoke     AuditEventType = "oauth_token_revoke"

	// Configuration events
	AuditEventSettingsChange AuditEventType = "settings_change"
)

// AuditOutcome represents the outcome of an audit event
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomeError   AuditOutcome = "error"
)

// AuditEvent represents a security-sensitive event. Key hashes and account
// emails must already be masked.
type AuditEvent struct {
	EventType AuditEventType `json:"event_type"`
	Actor     string         `json:"actor,omitempty"`
	Target    string         `json:"target,omitempty"`
	Outcome   AuditOutcome   `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	ClientIP  string         `json:"client_ip,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger provides structured audit logging functionality
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger using the provided base logger.
// A nil base logger discards events.
func NewAuditLogger(baseLogger *zap.Logger) *AuditLogger {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	return &AuditLogger{
		logger: baseLogger.With(zap.String("log_type", "audit")),
	}
}

// LogEvent logs an audit event with structured fields
func (a *AuditLogger) LogEvent(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	fields := []zap.Field{
		zap.String(FieldEventType, string(event.EventType)),
		zap.String(FieldOutcome, string(event.Outcome)),
		zap.Time("timestamp", event.Timestamp),
	}
	optional := []struct{ key, val string }{
		{FieldActor, event.Actor},
		{FieldTarget, event.Target},
		{FieldReason, event.Reason},
		{FieldRequestID, event.RequestID},
		{FieldProjectID, event.ProjectID},
		{FieldClientIP, event.ClientIP},
		{FieldEndpoint, event.Endpoint},
	}
	for _, f := range optional {
		if f.val != "" {
			fields = append(fields, zap.String(f.key, f.val))
		}
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	switch event.Outcome {
	case AuditOutcomeFailure, AuditOutcomeError:
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogKeyEvent logs a change to an API key identified by name and masked hash.
func (a *AuditLogger) LogKeyEvent(ctx context.Context, eventType AuditEventType, name, maskedHash, actor string, outcome AuditOutcome, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Target:    name,
		Outcome:   outcome,
		Reason:    reason,
		Details:   map[string]any{FieldKeyHash: maskedHash},
	})
}

// LogAdmissionDenied logs a rejected admission check.
func (a *AuditLogger) LogAdmissionDenied(ctx context.Context, keyName, reason, clientIP, endpoint string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventAdmissionDenied,
		Actor:     keyName,
		Outcome:   AuditOutcomeFailure,
		Reason:    reason,
		ClientIP:  clientIP,
		Endpoint:  endpoint,
	})
}

// LogProjectEvent logs a pool change of a project.
func (a *AuditLogger) LogProjectEvent(ctx context.Context, eventType AuditEventType, projectID, actor string, outcome AuditOutcome, changes map[string]any) {
	a.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Target:    projectID,
		ProjectID: projectID,
		Outcome:   outcome,
		Details:   changes,
	})
}

// LogTokenEvent logs a change to the OAuth token of a masked account.
func (a *AuditLogger) LogTokenEvent(ctx context.Context, eventType AuditEventType, maskedEmail, actor string, outcome AuditOutcome, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Target:    maskedEmail,
		Outcome:   outcome,
		Reason:    reason,
	})
}

// LogSettingsChange logs a reload of the persisted settings.
func (a *AuditLogger) LogSettingsChange(ctx context.Context, source string, outcome AuditOutcome, reason string, changes map[string]any) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventSettingsChange,
		Actor:     "system",
		Target:    source,
		Outcome:   outcome,
		Reason:    reason,
		Details:   changes,
	})
}
