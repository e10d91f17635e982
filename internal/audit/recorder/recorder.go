// Package recorder turns entity lifecycle changes into audit events.
//
// Each audited entity type is described by an EntityConfig. Parent subjects
// come from the relations declared there; nothing is discovered at runtime.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"audittrail/internal/audit/diff"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/writer"
	pstrings "audittrail/pkg/platform/strings"
)

// Lifecycle actions. They form the suffix of the event name.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EventWriter persists one audit event.
type EventWriter interface {
	Write(ctx context.Context, entry writer.Entry) (uuid.UUID, error)
}

// Relation declares that the value of Field identifies a related entity of
// SubjectType. Role defaults to parent.
type Relation struct {
	Field       string
	SubjectType string
	Role        string
}

// EntityConfig is the audit configuration of one entity type.
type EntityConfig struct {
	// Name prefixes event names; defaults to SubjectType.
	Name        string
	SubjectType string
	// Exclude lists fields dropped from payload and diff.
	Exclude []string
	// Ignore lists fields whose changes alone do not make an update auditable.
	Ignore []string
	// MessageFields are copied into message_data.
	MessageFields []string
	// Events restricts which actions are recorded. Empty records all.
	Events  []string
	Level   *uint8
	Parents []Relation
}

func (c EntityConfig) eventName(action string) string {
	name := c.Name
	if name == "" {
		name = c.SubjectType
	}
	return name + "." + action
}

func (c EntityConfig) records(action string) bool {
	return len(c.Events) == 0 || slices.Contains(c.Events, action)
}

// Result reports what a lifecycle call did.
type Result struct {
	EventID uuid.UUID
	// Recorded is false when the action is disabled or an update changed
	// nothing auditable.
	Recorded bool
}

type Recorder struct {
	writer  EventWriter
	exclude []string
	ignore  []string
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithDefaultExclude adds fields excluded from every entity's payload.
func WithDefaultExclude(fields ...string) Option {
	return func(r *Recorder) {
		r.exclude = append(r.exclude, fields...)
	}
}

// WithDefaultIgnore adds fields ignored on every entity's updates.
func WithDefaultIgnore(fields ...string) Option {
	return func(r *Recorder) {
		r.ignore = append(r.ignore, fields...)
	}
}

func New(w EventWriter, opts ...Option) (*Recorder, error) {
	if w == nil {
		return nil, errors.New("event writer is required")
	}
	r := &Recorder{writer: w}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Created records "<name>.created" with the entity's attributes as payload.
func (r *Recorder) Created(ctx context.Context, cfg EntityConfig, id string, attrs map[string]any) (Result, error) {
	return r.record(ctx, cfg, ActionCreated, id, attrs, nil)
}

// Updated records "<name>.updated" with the field-level diff between prior
// and current. Nothing is written when no non-ignored field changed.
func (r *Recorder) Updated(ctx context.Context, cfg EntityConfig, id string, prior, current map[string]any) (Result, error) {
	if !cfg.records(ActionUpdated) {
		return Result{}, nil
	}
	changes, changed := diff.Detect(prior, current, r.fields(r.ignore, cfg.Ignore), r.fields(r.exclude, cfg.Exclude))
	if !changed {
		return Result{}, nil
	}
	d := changes.Map()
	if d == nil {
		d = map[string]any{}
	}
	return r.record(ctx, cfg, ActionUpdated, id, current, d)
}

// Deleted records "<name>.deleted" with the last known attributes.
func (r *Recorder) Deleted(ctx context.Context, cfg EntityConfig, id string, attrs map[string]any) (Result, error) {
	return r.record(ctx, cfg, ActionDeleted, id, attrs, nil)
}

func (r *Recorder) record(ctx context.Context, cfg EntityConfig, action, id string, attrs, changes map[string]any) (Result, error) {
	if !cfg.records(action) {
		return Result{}, nil
	}
	if cfg.SubjectType == "" {
		return Result{}, errors.New("entity config requires a subject type")
	}

	exclude := pstrings.Set(r.exclude, cfg.Exclude)
	payload := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, skip := exclude[k]; !skip {
			payload[k] = v
		}
	}

	messageData := make(map[string]any, len(cfg.MessageFields))
	for _, f := range cfg.MessageFields {
		if v, ok := attrs[f]; ok {
			messageData[f] = v
		}
	}

	subjects := []models.AuditSubject{{SubjectType: cfg.SubjectType, SubjectID: id, Role: models.RolePrimary}}
	for _, rel := range cfg.Parents {
		v, ok := attrs[rel.Field]
		if !ok || v == nil {
			continue
		}
		role := rel.Role
		if role == "" {
			role = models.RoleParent
		}
		subjects = append(subjects, models.AuditSubject{
			SubjectType: rel.SubjectType,
			SubjectID:   fmt.Sprint(v),
			Role:        role,
		})
	}

	eventID, err := r.writer.Write(ctx, writer.Entry{
		Event:       cfg.eventName(action),
		Subjects:    subjects,
		MessageData: messageData,
		Payload:     payload,
		Diff:        changes,
		Level:       cfg.Level,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{EventID: eventID, Recorded: true}, nil
}

func (r *Recorder) fields(defaults, entity []string) []string {
	return pstrings.DedupeAndTrim(append(slices.Clone(defaults), entity...))
}
