// Package postgres persists audit records in PostgreSQL.
//
// JSON columns use the json type rather than jsonb so the stored text is
// exactly the canonical encoding the checksum was computed over.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"audittrail/internal/audit/canonical"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/store"
	"audittrail/pkg/platform/sentinel"
	txcontext "audittrail/pkg/platform/tx"
)

var (
	_ store.EventStore     = (*Store)(nil)
	_ store.RequestStore   = (*Store)(nil)
	_ store.OutgoingStore  = (*Store)(nil)
	_ store.RetentionStore = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// InsertEvent writes the event and its subjects in one transaction. A failed
// subject insert rolls back the event row.
func (s *Store) InsertEvent(ctx context.Context, event *models.AuditEvent) error {
	messageData, err := jsonArg(event.MessageData)
	if err != nil {
		return fmt.Errorf("encode message_data: %w", err)
	}
	payload, err := jsonArg(event.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	diff, err := jsonArg(event.Diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}

	return txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events (
				id, event, level, message_data, payload, diff,
				actor_id, reference_id, checksum, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			event.ID, event.Event, int16(event.Level), messageData, payload, diff,
			event.ActorID, event.ReferenceID, event.Checksum, event.CreatedAt,
		)
		if err != nil {
			return translate(err, "insert audit event")
		}
		for _, subj := range event.Subjects {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO audit_subjects (event_id, subject_type, subject_id, role)
				VALUES ($1, $2, $3, $4)
			`, event.ID, subj.SubjectType, subj.SubjectID, subj.Role)
			if err != nil {
				return translate(err, "insert audit subject")
			}
		}
		return nil
	})
}

const eventColumns = `
	e.id, e.event, e.level, e.message_data, e.payload, e.diff,
	e.actor_id, e.reference_id, e.checksum, e.created_at`

func (s *Store) FindEvent(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events e WHERE e.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, sentinel.ErrNotFound
	}
	if err := s.attachSubjects(ctx, events); err != nil {
		return nil, err
	}
	return &events[0], nil
}

func (s *Store) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Event != "" {
		where = append(where, "e.event = "+arg(filter.Event))
	}
	if filter.ReferenceID != "" {
		where = append(where, "e.reference_id = "+arg(filter.ReferenceID))
	}
	if filter.ActorID != "" {
		where = append(where, "e.actor_id = "+arg(filter.ActorID))
	}
	if filter.SubjectType != "" || filter.SubjectID != "" {
		cond := []string{"s.event_id = e.id"}
		if filter.SubjectType != "" {
			cond = append(cond, "s.subject_type = "+arg(filter.SubjectType))
		}
		if filter.SubjectID != "" {
			cond = append(cond, "s.subject_id = "+arg(filter.SubjectID))
		}
		where = append(where, "EXISTS (SELECT 1 FROM audit_subjects s WHERE "+strings.Join(cond, " AND ")+")")
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events e`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.created_at DESC, e.id DESC LIMIT " + arg(store.Limit(filter.Limit))

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachSubjects(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

// attachSubjects loads subjects in insertion order, which is the order the
// checksum envelope was built with.
func (s *Store) attachSubjects(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	index := make(map[uuid.UUID]int, len(events))
	ids := make([]string, len(events))
	for i, e := range events {
		index[e.ID] = i
		ids[i] = e.ID.String()
		events[i].Subjects = []models.AuditSubject{}
	}

	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT event_id, subject_type, subject_id, role
		FROM audit_subjects
		WHERE event_id = ANY($1::uuid[])
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query audit subjects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventID uuid.UUID
			subj    models.AuditSubject
		)
		if err := rows.Scan(&eventID, &subj.SubjectType, &subj.SubjectID, &subj.Role); err != nil {
			return fmt.Errorf("scan audit subject: %w", err)
		}
		i := index[eventID]
		events[i].Subjects = append(events[i].Subjects, subj)
	}
	return rows.Err()
}

func scanEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	defer rows.Close()
	var events []models.AuditEvent
	for rows.Next() {
		var (
			event                      models.AuditEvent
			level                      int16
			messageData, payload, diff []byte
			actorID, referenceID       sql.NullString
		)
		err := rows.Scan(
			&event.ID, &event.Event, &level, &messageData, &payload, &diff,
			&actorID, &referenceID, &event.Checksum, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Level = uint8(level)
		event.ActorID = nullString(actorID)
		event.ReferenceID = nullString(referenceID)
		event.CreatedAt = event.CreatedAt.UTC()
		if event.MessageData, err = canonical.Decode(messageData); err != nil {
			return nil, fmt.Errorf("decode message_data: %w", err)
		}
		if event.Payload, err = canonical.Decode(payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if event.Diff, err = canonical.Decode(diff); err != nil {
			return nil, fmt.Errorf("decode diff: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// -----------------------------------------------------------------------------
// Inbound requests
// -----------------------------------------------------------------------------

func (s *Store) InsertRequest(ctx context.Context, log *models.RequestLog) error {
	headers, query, body, response, err := jsonArgs(log.RequestHeaders, log.RequestQuery, log.RequestBody, log.ResponseBody)
	if err != nil {
		return fmt.Errorf("encode request log: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_requests (
			id, method, url, route_name, route_action, status_code, duration_ms,
			ip, user_agent, session_id, actor_id, reference_id,
			request_headers, request_query, request_body, response_body, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		log.ID, log.Method, log.URL, log.RouteName, log.RouteAction, log.StatusCode, log.DurationMs,
		log.IP, log.UserAgent, log.SessionID, log.ActorID, log.ReferenceID,
		headers, query, body, response, log.CreatedAt,
	)
	return translate(err, "insert request log")
}

// CompleteRequest only updates rows whose status is still unset, so a log is
// finalized at most once.
func (s *Store) CompleteRequest(ctx context.Context, id uuid.UUID, c models.RequestCompletion) error {
	response, err := jsonArg(c.ResponseBody)
	if err != nil {
		return fmt.Errorf("encode response body: %w", err)
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE audit_requests
		SET status_code   = $2,
		    duration_ms   = $3,
		    response_body = $4,
		    route_name    = COALESCE($5, route_name),
		    route_action  = COALESCE($6, route_action),
		    actor_id      = COALESCE($7, actor_id)
		WHERE id = $1 AND status_code IS NULL
	`, id, c.StatusCode, c.DurationMs, response, c.RouteName, c.RouteAction, c.ActorID)
	if err != nil {
		return fmt.Errorf("complete request log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete request log: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = s.execer(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM audit_requests WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check request log: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrAlreadyCompleted
}

const requestColumns = `
	id, method, url, route_name, route_action, status_code, duration_ms,
	ip, user_agent, session_id, actor_id, reference_id,
	request_headers, request_query, request_body, response_body, created_at`

func (s *Store) FindRequest(ctx context.Context, id uuid.UUID) (*models.RequestLog, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT `+requestColumns+` FROM audit_requests WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	logs, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return &logs[0], nil
}

func (s *Store) ListRequests(ctx context.Context, filter models.RequestFilter) ([]models.RequestLog, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM audit_requests
		WHERE ($1 = '' OR reference_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, filter.ReferenceID, store.Limit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	return scanRequests(rows)
}

func scanRequests(rows *sql.Rows) ([]models.RequestLog, error) {
	defer rows.Close()
	var logs []models.RequestLog
	for rows.Next() {
		var (
			log                                models.RequestLog
			routeName, routeAction             sql.NullString
			ip, userAgent, sessionID, actorID  sql.NullString
			statusCode                         sql.NullInt32
			durationMs                         sql.NullInt64
			headers, query, body, responseBody []byte
		)
		err := rows.Scan(
			&log.ID, &log.Method, &log.URL, &routeName, &routeAction, &statusCode, &durationMs,
			&ip, &userAgent, &sessionID, &actorID, &log.ReferenceID,
			&headers, &query, &body, &responseBody, &log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		log.RouteName = nullString(routeName)
		log.RouteAction = nullString(routeAction)
		log.IP = nullString(ip)
		log.UserAgent = nullString(userAgent)
		log.SessionID = nullString(sessionID)
		log.ActorID = nullString(actorID)
		log.StatusCode = nullInt(statusCode)
		log.DurationMs = nullInt64(durationMs)
		log.CreatedAt = log.CreatedAt.UTC()
		if log.RequestHeaders, log.RequestQuery, log.RequestBody, log.ResponseBody, err = decodeAll(headers, query, body, responseBody); err != nil {
			return nil, fmt.Errorf("decode request log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request logs: %w", err)
	}
	return logs, nil
}

// -----------------------------------------------------------------------------
// Outgoing requests
// -----------------------------------------------------------------------------

func (s *Store) InsertOutgoing(ctx context.Context, log *models.OutgoingRequestLog) error {
	headers, body, response, _, err := jsonArgs(log.RequestHeaders, log.RequestBody, log.ResponseBody, nil)
	if err != nil {
		return fmt.Errorf("encode outgoing request log: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_outgoing_requests (
			id, method, url, status_code, duration_ms, reference_id,
			request_headers, request_body, response_body, error_message, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		log.ID, log.Method, log.URL, log.StatusCode, log.DurationMs, log.ReferenceID,
		headers, body, response, log.ErrorMessage, log.CreatedAt,
	)
	return translate(err, "insert outgoing request log")
}

func (s *Store) ListOutgoing(ctx context.Context, filter models.RequestFilter) ([]models.OutgoingRequestLog, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, method, url, status_code, duration_ms, reference_id,
		       request_headers, request_body, response_body, error_message, created_at
		FROM audit_outgoing_requests
		WHERE ($1 = '' OR reference_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, filter.ReferenceID, store.Limit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("query outgoing request logs: %w", err)
	}
	defer rows.Close()

	var logs []models.OutgoingRequestLog
	for rows.Next() {
		var (
			log                     models.OutgoingRequestLog
			statusCode              sql.NullInt32
			durationMs              sql.NullInt64
			referenceID, errMessage sql.NullString
			headers, body, response []byte
		)
		err := rows.Scan(
			&log.ID, &log.Method, &log.URL, &statusCode, &durationMs, &referenceID,
			&headers, &body, &response, &errMessage, &log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outgoing request log: %w", err)
		}
		log.StatusCode = nullInt(statusCode)
		log.DurationMs = nullInt64(durationMs)
		log.ReferenceID = nullString(referenceID)
		log.ErrorMessage = nullString(errMessage)
		log.CreatedAt = log.CreatedAt.UTC()
		if log.RequestHeaders, log.RequestBody, log.ResponseBody, _, err = decodeAll(headers, body, response, nil); err != nil {
			return nil, fmt.Errorf("decode outgoing request log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outgoing request logs: %w", err)
	}
	return logs, nil
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

func tableFor(kind models.Kind) (string, error) {
	switch kind {
	case models.KindEvents:
		return "audit_events", nil
	case models.KindRequests:
		return "audit_requests", nil
	case models.KindOutgoingRequests:
		return "audit_outgoing_requests", nil
	}
	return "", fmt.Errorf("unknown retention kind %q", kind)
}

func (s *Store) ExpiredIDs(ctx context.Context, kind models.Kind, before time.Time, limit int) ([]uuid.UUID, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE created_at < $1 ORDER BY created_at, id LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired %s: %w", kind, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired %s id: %w", kind, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteBatch(ctx context.Context, kind models.Kind, ids []uuid.UUID) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	arr := make([]string, len(ids))
	for i, id := range ids {
		arr[i] = id.String()
	}

	var deleted int64
	err = txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if kind == models.KindEvents {
			if _, err := tx.ExecContext(ctx, `DELETE FROM audit_subjects WHERE event_id = ANY($1::uuid[])`, pq.Array(arr)); err != nil {
				return fmt.Errorf("delete audit subjects: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ANY($1::uuid[])`, pq.Array(arr))
		if err != nil {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func jsonArg(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := canonical.Encode(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func jsonArgs(a, b, c, d map[string]any) (any, any, any, any, error) {
	var out [4]any
	for i, m := range []map[string]any{a, b, c, d} {
		v, err := jsonArg(m)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		out[i] = v
	}
	return out[0], out[1], out[2], out[3], nil
}

func decodeAll(a, b, c, d []byte) (map[string]any, map[string]any, map[string]any, map[string]any, error) {
	var out [4]map[string]any
	for i, raw := range [][]byte{a, b, c, d} {
		m, err := canonical.Decode(raw)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		out[i] = m
	}
	return out[0], out[1], out[2], out[3], nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
