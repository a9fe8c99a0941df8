package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/telemetry"
)

// ErrInvalidRequest marks requests rejected before touching the database.
var ErrInvalidRequest = errors.New("invalid request")

// AppendToStream appends events to one stream under optimistic concurrency.
//
// If req.ExpectedVersion differs from the stream's current version the
// result has Status AppendConflict and CurrentVersion set; nothing is
// written. Otherwise every event is assigned the next version in array
// order and a global position, and the stream version advances. All
// writes commit together or not at all.
func (s *Store) AppendToStream(ctx context.Context, req ir.AppendRequest) (res ir.AppendResult, err error) {
	ctx, span := telemetry.Start(ctx, "store", telemetry.SpanAppend,
		telemetry.AttrStream.String(req.StreamType+":"+req.StreamID))
	defer func() {
		span.SetAttributes(telemetry.AttrStatus.String(string(res.Status)))
		telemetry.End(span, err)
	}()

	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.AppendToStream(ctx, req)
		return err
	})
	if err != nil {
		return ir.AppendResult{}, err
	}
	return res, nil
}

// AppendIdempotent appends a single event carrying an idempotency key.
//
// If an event with the same key already exists its original position data
// is returned with Deduplicated set, without checking ExpectedVersion and
// without advancing the stream. Upstream retries therefore see the same
// success result as the first delivery.
func (s *Store) AppendIdempotent(ctx context.Context, req ir.AppendRequest) (res ir.AppendResult, err error) {
	ctx, span := telemetry.Start(ctx, "store", telemetry.SpanAppend,
		telemetry.AttrStream.String(req.StreamType+":"+req.StreamID))
	defer func() {
		span.SetAttributes(telemetry.AttrStatus.String(string(res.Status)))
		telemetry.End(span, err)
	}()

	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.AppendIdempotent(ctx, req)
		return err
	})
	if err != nil {
		return ir.AppendResult{}, err
	}
	return res, nil
}

// AppendToStream is the transactional form of Store.AppendToStream.
func (tx *Tx) AppendToStream(ctx context.Context, req ir.AppendRequest) (ir.AppendResult, error) {
	events, err := normalizeAppend(req)
	if err != nil {
		return ir.AppendResult{}, fmt.Errorf("append to stream: %w", err)
	}

	current, err := streamVersion(ctx, tx.tx, req.StreamType, req.StreamID)
	if err != nil {
		return ir.AppendResult{}, fmt.Errorf("append to stream: %w", err)
	}
	if current != req.ExpectedVersion {
		return ir.AppendResult{Status: ir.AppendConflict, CurrentVersion: current}, nil
	}

	res, err := tx.insertEvents(ctx, req, events, current)
	if err != nil {
		return ir.AppendResult{}, fmt.Errorf("append to stream: %w", err)
	}
	return res, nil
}

// AppendIdempotent is the transactional form of Store.AppendIdempotent.
func (tx *Tx) AppendIdempotent(ctx context.Context, req ir.AppendRequest) (ir.AppendResult, error) {
	if len(req.Events) != 1 || req.Events[0].IdempotencyKey == "" {
		return ir.AppendResult{}, fmt.Errorf("append idempotent: %w: exactly one event with an idempotency key is required", ErrInvalidRequest)
	}

	existing, err := readEventByIdempotencyKey(ctx, tx.tx, req.Events[0].IdempotencyKey)
	switch {
	case err == nil:
		return ir.AppendResult{
			Status:          ir.AppendSuccess,
			EventIDs:        []string{existing.EventID},
			GlobalPositions: []int64{existing.GlobalPosition},
			NewVersion:      existing.Version,
			Deduplicated:    true,
		}, nil
	case !IsNotFound(err):
		return ir.AppendResult{}, fmt.Errorf("append idempotent: %w", err)
	}

	return tx.AppendToStream(ctx, req)
}

// insertEvents writes events starting after version current and advances
// the stream record. Positions are forced strictly above the store's
// current maximum so that a consumer holding a checkpoint never misses a
// later append from a stream whose hash term sorts lower.
func (tx *Tx) insertEvents(ctx context.Context, req ir.AppendRequest, events []ir.NewEvent, current int64) (ir.AppendResult, error) {
	var last int64
	if err := tx.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM events`,
	).Scan(&last); err != nil {
		return ir.AppendResult{}, fmt.Errorf("read max position: %w", err)
	}

	nowMs := ms(tx.now)
	res := ir.AppendResult{
		Status:          ir.AppendSuccess,
		EventIDs:        make([]string, 0, len(events)),
		GlobalPositions: make([]int64, 0, len(events)),
	}

	version := current
	for _, ev := range events {
		version++
		pos := ir.GlobalPosition(nowMs, req.StreamType, req.StreamID, version)
		if pos <= last {
			pos = last + 1
		}
		last = pos

		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO events
			(event_id, event_type, stream_type, stream_id, version, global_position,
			 bounded_context, category, schema_version, correlation_id, causation_id,
			 timestamp, payload, metadata, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ev.EventID,
			ev.EventType,
			req.StreamType,
			req.StreamID,
			version,
			pos,
			req.BoundedContext,
			string(ev.Category),
			ev.SchemaVersion,
			req.CorrelationID,
			req.CausationID,
			nowMs,
			string(ev.Payload),
			nullableJSON(ev.Metadata),
			nullableString(ev.IdempotencyKey),
		); err != nil {
			return ir.AppendResult{}, fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}

		res.EventIDs = append(res.EventIDs, ev.EventID)
		res.GlobalPositions = append(res.GlobalPositions, pos)
	}

	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO streams (stream_type, stream_id, current_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stream_type, stream_id) DO UPDATE SET
			current_version = excluded.current_version,
			updated_at = excluded.updated_at
	`, req.StreamType, req.StreamID, version, nowMs, nowMs); err != nil {
		return ir.AppendResult{}, fmt.Errorf("advance stream: %w", err)
	}

	res.NewVersion = version
	return res, nil
}

// normalizeAppend validates the request and returns events with defaults
// applied and payloads canonicalized.
func normalizeAppend(req ir.AppendRequest) ([]ir.NewEvent, error) {
	switch {
	case req.StreamType == "":
		return nil, fmt.Errorf("%w: stream_type is required", ErrInvalidRequest)
	case req.StreamID == "":
		return nil, fmt.Errorf("%w: stream_id is required", ErrInvalidRequest)
	case req.BoundedContext == "":
		return nil, fmt.Errorf("%w: bounded_context is required", ErrInvalidRequest)
	case req.ExpectedVersion < 0:
		return nil, fmt.Errorf("%w: expected_version must be >= 0", ErrInvalidRequest)
	case len(req.Events) == 0:
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidRequest)
	}

	out := make([]ir.NewEvent, len(req.Events))
	for i, ev := range req.Events {
		if ev.EventID == "" {
			return nil, fmt.Errorf("%w: events[%d]: event_id is required", ErrInvalidRequest, i)
		}
		if ev.EventType == "" {
			return nil, fmt.Errorf("%w: events[%d]: event_type is required", ErrInvalidRequest, i)
		}
		if ev.Category == "" {
			ev.Category = ir.CategoryDomain
		}
		if !ev.Category.Valid() {
			return nil, fmt.Errorf("%w: events[%d]: unknown category %q", ErrInvalidRequest, i, ev.Category)
		}
		if ev.SchemaVersion == 0 {
			ev.SchemaVersion = 1
		}
		if ev.SchemaVersion < 0 {
			return nil, fmt.Errorf("%w: events[%d]: schema_version must be >= 1", ErrInvalidRequest, i)
		}
		payload, err := ir.Canonicalize(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: events[%d]: payload: %v", ErrInvalidRequest, i, err)
		}
		ev.Payload = payload
		if len(ev.Metadata) > 0 {
			md, err := ir.Canonicalize(ev.Metadata)
			if err != nil {
				return nil, fmt.Errorf("%w: events[%d]: metadata: %v", ErrInvalidRequest, i, err)
			}
			ev.Metadata = md
		}
		out[i] = ev
	}
	return out, nil
}

// StreamVersion returns the current version of a stream, 0 if it does not exist.
func (s *Store) StreamVersion(ctx context.Context, streamType, streamID string) (int64, error) {
	v, err := streamVersion(ctx, s.db, streamType, streamID)
	if err != nil {
		return 0, fmt.Errorf("stream version: %w", err)
	}
	return v, nil
}

// StreamVersion is the transactional form of Store.StreamVersion.
func (tx *Tx) StreamVersion(ctx context.Context, streamType, streamID string) (int64, error) {
	v, err := streamVersion(ctx, tx.tx, streamType, streamID)
	if err != nil {
		return 0, fmt.Errorf("stream version: %w", err)
	}
	return v, nil
}

func streamVersion(ctx context.Context, q queryer, streamType, streamID string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
		SELECT current_version FROM streams
		WHERE stream_type = ? AND stream_id = ?
	`, streamType, streamID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// ReadStream returns events of one stream with version >= fromVersion in
// ascending version order. limit <= 0 means no limit.
func (s *Store) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]ir.StoredEvent, error) {
	events, err := readStream(ctx, s.db, streamType, streamID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return events, nil
}

// ReadStream is the transactional form of Store.ReadStream.
func (tx *Tx) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]ir.StoredEvent, error) {
	events, err := readStream(ctx, tx.tx, streamType, streamID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return events, nil
}

func readStream(ctx context.Context, q queryer, streamType, streamID string, fromVersion int64, limit int) ([]ir.StoredEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE stream_type = ? AND stream_id = ? AND version >= ?
		ORDER BY version ASC
		LIMIT ?
	`, streamType, streamID, fromVersion, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// PositionFilter selects events from the global feed.
type PositionFilter struct {
	// FromPosition is exclusive: only events with a greater global
	// position are returned, so a checkpoint value can be passed directly.
	FromPosition   int64
	Limit          int
	EventTypes     []string
	BoundedContext string
}

// ReadFromPosition returns events in ascending global-position order.
func (s *Store) ReadFromPosition(ctx context.Context, f PositionFilter) ([]ir.StoredEvent, error) {
	events, err := readFromPosition(ctx, s.db, f)
	if err != nil {
		return nil, fmt.Errorf("read from position: %w", err)
	}
	return events, nil
}

// ReadFromPosition is the transactional form of Store.ReadFromPosition.
func (tx *Tx) ReadFromPosition(ctx context.Context, f PositionFilter) ([]ir.StoredEvent, error) {
	events, err := readFromPosition(ctx, tx.tx, f)
	if err != nil {
		return nil, fmt.Errorf("read from position: %w", err)
	}
	return events, nil
}

func readFromPosition(ctx context.Context, q queryer, f PositionFilter) ([]ir.StoredEvent, error) {
	var (
		where = []string{"global_position > ?"}
		args  = []any{f.FromPosition}
	)
	if len(f.EventTypes) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(f.EventTypes))+")")
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.BoundedContext != "" {
		where = append(where, "bounded_context = ?")
		args = append(args, f.BoundedContext)
	}
	args = append(args, sqlLimit(f.Limit))

	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY global_position ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// GetByCorrelation returns every event sharing a correlation id in
// global-position order.
func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) ([]ir.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE correlation_id = ?
		ORDER BY global_position ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("get by correlation: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("get by correlation: %w", err)
	}
	return events, nil
}

// ReadEvent returns one event by id, or ErrNotFound.
func (s *Store) ReadEvent(ctx context.Context, eventID string) (ir.StoredEvent, error) {
	ev, err := readEvent(ctx, s.db, `event_id = ?`, eventID)
	if err != nil {
		return ir.StoredEvent{}, fmt.Errorf("read event %s: %w", eventID, err)
	}
	return ev, nil
}

// LastPosition returns the highest global position written, 0 if empty.
func (s *Store) LastPosition(ctx context.Context) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM events`,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("last position: %w", err)
	}
	return last, nil
}

func readEventByIdempotencyKey(ctx context.Context, q queryer, key string) (ir.StoredEvent, error) {
	return readEvent(ctx, q, `idempotency_key = ?`, key)
}

func readEvent(ctx context.Context, q queryer, where string, arg any) (ir.StoredEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE `+where+`
		LIMIT 1
	`, arg)
	if err != nil {
		return ir.StoredEvent{}, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return ir.StoredEvent{}, err
	}
	if len(events) == 0 {
		return ir.StoredEvent{}, ErrNotFound
	}
	return events[0], nil
}

const eventColumns = `event_id, event_type, stream_type, stream_id, version, global_position,
	bounded_context, category, schema_version, correlation_id, causation_id,
	timestamp, payload, metadata, idempotency_key`

// scanEvents reads every row and closes rows. Returns an empty slice, not nil.
func scanEvents(rows *sql.Rows) ([]ir.StoredEvent, error) {
	defer rows.Close()

	events := make([]ir.StoredEvent, 0)
	for rows.Next() {
		var (
			ev       ir.StoredEvent
			category string
			tsMs     int64
			payload  string
			metadata sql.NullString
			idemKey  sql.NullString
		)
		if err := rows.Scan(
			&ev.EventID,
			&ev.EventType,
			&ev.StreamType,
			&ev.StreamID,
			&ev.Version,
			&ev.GlobalPosition,
			&ev.BoundedContext,
			&category,
			&ev.SchemaVersion,
			&ev.CorrelationID,
			&ev.CausationID,
			&tsMs,
			&payload,
			&metadata,
			&idemKey,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Category = ir.EventCategory(category)
		ev.Timestamp = fromMs(tsMs)
		ev.Payload = []byte(payload)
		if metadata.Valid {
			ev.Metadata = []byte(metadata.String)
		}
		ev.IdempotencyKey = idemKey.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// sqlLimit maps "no limit" to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
