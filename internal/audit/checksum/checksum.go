// Package checksum computes and verifies the HMAC-SHA256 integrity digest of
// audit events.
package checksum

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"audittrail/internal/audit/canonical"
	"audittrail/internal/audit/models"
	dErrors "audittrail/pkg/domain-errors"
)

// ErrMissingSecret is returned by every operation when no key is configured.
// There is no unkeyed fallback.
var ErrMissingSecret = dErrors.New(dErrors.CodeConfiguration, "audit hmac secret is not configured")

// Engine holds the operator-supplied HMAC key.
type Engine struct {
	key []byte
}

// New builds an engine. An empty secret is accepted here and rejected on use,
// so hosts can start without auditing configured and fail at the first write.
func New(secret string) *Engine {
	return &Engine{key: []byte(secret)}
}

// Configured reports whether a secret is present.
func (e *Engine) Configured() bool {
	return e != nil && len(e.key) > 0
}

// Compute returns the lowercase hex HMAC-SHA256 of the canonical envelope.
func (e *Engine) Compute(env canonical.Envelope) (string, error) {
	if !e.Configured() {
		return "", ErrMissingSecret
	}
	raw, err := canonical.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	mac := hmac.New(sha256.New, e.key)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the digest and compares it with expected in constant
// time. A malformed expected digest is a mismatch, not an error.
func (e *Engine) Verify(env canonical.Envelope, expected string) (bool, error) {
	computed, err := e.Compute(env)
	if err != nil {
		return false, err
	}
	expectedSum, err := hex.DecodeString(expected)
	if err != nil {
		return false, nil
	}
	computedSum, err := hex.DecodeString(computed)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expectedSum, computedSum), nil
}

// ComputeEvent computes the digest of an event's stored fields.
func (e *Engine) ComputeEvent(event *models.AuditEvent) (string, error) {
	return e.Compute(EnvelopeOf(event))
}

// VerifyEvent checks a stored event against its own checksum column.
func (e *Engine) VerifyEvent(event *models.AuditEvent) (bool, error) {
	return e.Verify(EnvelopeOf(event), event.Checksum)
}

// EnvelopeOf extracts the integrity fields of an event in envelope order.
func EnvelopeOf(event *models.AuditEvent) canonical.Envelope {
	subjects := make([]canonical.Subject, 0, len(event.Subjects))
	for _, s := range event.Subjects {
		subjects = append(subjects, canonical.Subject{
			SubjectType: s.SubjectType,
			SubjectID:   s.SubjectID,
			Role:        s.Role,
		})
	}
	return canonical.Envelope{
		Event:       event.Event,
		MessageData: event.MessageData,
		Payload:     event.Payload,
		Diff:        event.Diff,
		ActorID:     event.ActorID,
		Subjects:    subjects,
	}
}
