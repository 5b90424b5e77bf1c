package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
)

// Append adds an entry to the tenant's stream, creating the stream if needed.
func (s *SQLiteStore) Append(ctx context.Context, tenant string, fields map[string]string) (int64, error) {
	var pos int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		pos, err = appendTx(ctx, tx, tenant, fields)
		return err
	})
	if err != nil {
		return 0, unavailable("appending event", err)
	}
	s.signals.broadcast(tenant)
	return pos, nil
}

func ensureStream(ctx context.Context, tx *sql.Tx, tenant string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO streams (name, tenant, last_position, created_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(name) DO NOTHING`,
		eventlog.StreamName(tenant), tenant, nowNanos(),
	)
	if err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}
	return nil
}

func appendTx(ctx context.Context, tx *sql.Tx, tenant string, fields map[string]string) (int64, error) {
	if err := ensureStream(ctx, tx, tenant); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("encoding event fields: %w", err)
	}

	var pos int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE streams SET last_position = last_position + 1 WHERE name = ? RETURNING last_position`,
		eventlog.StreamName(tenant),
	).Scan(&pos); err != nil {
		return 0, fmt.Errorf("advancing stream: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (tenant, position, fields, appended_at) VALUES (?, ?, ?, ?)`,
		tenant, pos, string(payload), nowNanos(),
	); err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return pos, nil
}

// CreateGroup creates a consumer group at the start of the tenant's stream.
// It is idempotent.
func (s *SQLiteStore) CreateGroup(ctx context.Context, tenant, group string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStream(ctx, tx, tenant); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO consumer_groups (tenant, name, last_delivered, created_at) VALUES (?, ?, 0, ?)
			ON CONFLICT(tenant, name) DO NOTHING`,
			tenant, group, nowNanos(),
		)
		return err
	})
	if err != nil {
		return unavailable("creating consumer group", err)
	}
	return nil
}

// Claim delivers entries to a consumer. Pending entries idle for at least
// MinIdle are redelivered first (their delivery count grows); the remainder
// of the batch is filled with entries never delivered to the group. When
// nothing is claimable Claim waits up to Block for an append.
func (s *SQLiteStore) Claim(ctx context.Context, req eventlog.ClaimRequest) ([]eventlog.Entry, error) {
	if req.Count <= 0 {
		req.Count = 1
	}

	var deadline <-chan time.Time
	if req.Block > 0 {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Take the wake channel before looking so an append between the
		// query and the wait is not missed.
		wake := s.signals.wait(req.Tenant)

		entries, err := s.claimOnce(ctx, req)
		if err != nil || len(entries) > 0 || deadline == nil {
			return entries, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (s *SQLiteStore) claimOnce(ctx context.Context, req eventlog.ClaimRequest) ([]eventlog.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", req.Tenant),
		attribute.String("group", req.Group),
		attribute.String("consumer", req.Consumer),
	)

	var entries []eventlog.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lastDelivered int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_delivered FROM consumer_groups WHERE tenant = ? AND name = ?`,
			req.Tenant, req.Group,
		).Scan(&lastDelivered)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s on %s: %w", req.Group, eventlog.StreamName(req.Tenant), eventlog.ErrGroupNotFound)
		}
		if err != nil {
			return err
		}

		now := nowNanos()
		reclaimed, err := reclaimIdle(ctx, tx, req, now)
		if err != nil {
			return err
		}
		entries = append(entries, reclaimed...)

		if remaining := req.Count - len(entries); remaining > 0 {
			fresh, err := deliverNew(ctx, tx, req, lastDelivered, remaining, now)
			if err != nil {
				return err
			}
			entries = append(entries, fresh...)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		if errors.Is(err, eventlog.ErrGroupNotFound) {
			return nil, err
		}
		return nil, unavailable("claiming entries", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
	span.SetAttributes(attribute.Int("claimed", len(entries)))
	return entries, nil
}

func reclaimIdle(ctx context.Context, tx *sql.Tx, req eventlog.ClaimRequest, now int64) ([]eventlog.Entry, error) {
	idleBefore := now - req.MinIdle.Nanoseconds()
	rows, err := tx.QueryContext(ctx, `
		SELECT p.position, p.delivery_count, e.fields, e.appended_at
		FROM pending p
		JOIN events e ON e.tenant = p.tenant AND e.position = p.position
		WHERE p.tenant = ? AND p.group_name = ? AND p.delivered_at <= ?
		ORDER BY p.position
		LIMIT ?`,
		req.Tenant, req.Group, idleBefore, req.Count,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting idle entries: %w", err)
	}
	entries, err := scanEntries(rows, req.Tenant)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].DeliveryCount++
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending SET consumer = ?, delivered_at = ?, delivery_count = ?
			WHERE tenant = ? AND group_name = ? AND position = ?`,
			req.Consumer, now, entries[i].DeliveryCount, req.Tenant, req.Group, entries[i].Position,
		); err != nil {
			return nil, fmt.Errorf("reassigning entry: %w", err)
		}
	}
	return entries, nil
}

// Reclaim renews consumer's delivery of positions it still owns, returning
// those entries in log order with their delivery count incremented. Positions
// already acknowledged, parked or reassigned to another consumer are skipped.
func (s *SQLiteStore) Reclaim(ctx context.Context, tenant, group, consumer string, positions ...int64) ([]eventlog.Entry, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "Store.Reclaim")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenant),
		attribute.String("group", group),
		attribute.String("consumer", consumer),
	)

	args := make([]any, 0, len(positions)+3)
	args = append(args, tenant, group, consumer)
	for _, p := range positions {
		args = append(args, p)
	}

	var entries []eventlog.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT p.position, p.delivery_count, e.fields, e.appended_at
			FROM pending p
			JOIN events e ON e.tenant = p.tenant AND e.position = p.position
			WHERE p.tenant = ? AND p.group_name = ? AND p.consumer = ?
				AND p.position IN (`+placeholders(len(positions))+`)
			ORDER BY p.position`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("selecting owned entries: %w", err)
		}
		entries, err = scanEntries(rows, tenant)
		if err != nil {
			return err
		}

		now := nowNanos()
		for i := range entries {
			entries[i].DeliveryCount++
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending SET delivered_at = ?, delivery_count = ?
				WHERE tenant = ? AND group_name = ? AND position = ? AND consumer = ?`,
				now, entries[i].DeliveryCount, tenant, group, entries[i].Position, consumer,
			); err != nil {
				return fmt.Errorf("renewing entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return nil, unavailable("reclaiming entries", err)
	}
	span.SetAttributes(attribute.Int("reclaimed", len(entries)))
	return entries, nil
}

func deliverNew(ctx context.Context, tx *sql.Tx, req eventlog.ClaimRequest, after int64, limit int, now int64) ([]eventlog.Entry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT position, 0, fields, appended_at
		FROM events
		WHERE tenant = ? AND position > ?
		ORDER BY position
		LIMIT ?`,
		req.Tenant, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting new entries: %w", err)
	}
	entries, err := scanEntries(rows, req.Tenant)
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	for i := range entries {
		entries[i].DeliveryCount = 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending (tenant, group_name, position, consumer, delivered_at, delivery_count)
			VALUES (?, ?, ?, ?, ?, 1)`,
			req.Tenant, req.Group, entries[i].Position, req.Consumer, now,
		); err != nil {
			return nil, fmt.Errorf("recording pending entry: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE consumer_groups SET last_delivered = ? WHERE tenant = ? AND name = ?`,
		entries[len(entries)-1].Position, req.Tenant, req.Group,
	); err != nil {
		return nil, fmt.Errorf("advancing group cursor: %w", err)
	}
	return entries, nil
}

func scanEntries(rows *sql.Rows, tenant string) ([]eventlog.Entry, error) {
	defer rows.Close()
	var entries []eventlog.Entry
	for rows.Next() {
		var (
			e        = eventlog.Entry{Tenant: tenant}
			payload  string
			appended int64
		)
		if err := rows.Scan(&e.Position, &e.DeliveryCount, &payload, &appended); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		// Undecodable payloads are delivered with nil fields and decode as
		// eventlog.Unknown downstream.
		_ = json.Unmarshal([]byte(payload), &e.Fields)
		e.AppendedAt = fromNanos(appended)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack removes positions from the group's pending set.
func (s *SQLiteStore) Ack(ctx context.Context, tenant, group string, positions ...int64) (int, error) {
	if len(positions) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(positions)+2)
	args = append(args, tenant, group)
	for _, p := range positions {
		args = append(args, p)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending WHERE tenant = ? AND group_name = ? AND position IN (`+placeholders(len(positions))+`)`,
		args...,
	)
	if err != nil {
		return 0, unavailable("acknowledging entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("acknowledging entries", err)
	}
	return int(n), nil
}

// Park dead-letters an entry and removes it from the pending set in one
// transaction.
func (s *SQLiteStore) Park(ctx context.Context, p eventlog.ParkedEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO parked (tenant, group_name, position, thought_id, reason, attempts, parked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant, group_name, position) DO UPDATE SET
				reason = excluded.reason, attempts = excluded.attempts, parked_at = excluded.parked_at`,
			p.Tenant, p.Group, p.Position, p.ThoughtID, p.Reason, p.Attempts, nowNanos(),
		); err != nil {
			return fmt.Errorf("recording parked entry: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM pending WHERE tenant = ? AND group_name = ? AND position = ?`,
			p.Tenant, p.Group, p.Position,
		)
		return err
	})
	if err != nil {
		return unavailable("parking entry", err)
	}
	return nil
}

// Parked lists a group's dead-lettered entries, oldest position first.
func (s *SQLiteStore) Parked(ctx context.Context, tenant, group string) ([]eventlog.ParkedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, thought_id, reason, attempts, parked_at
		FROM parked WHERE tenant = ? AND group_name = ?
		ORDER BY position`,
		tenant, group,
	)
	if err != nil {
		return nil, unavailable("listing parked entries", err)
	}
	defer rows.Close()

	var out []eventlog.ParkedEntry
	for rows.Next() {
		p := eventlog.ParkedEntry{Tenant: tenant, Group: group}
		var parkedAt int64
		if err := rows.Scan(&p.Position, &p.ThoughtID, &p.Reason, &p.Attempts, &parkedAt); err != nil {
			return nil, unavailable("scanning parked entry", err)
		}
		p.ParkedAt = fromNanos(parkedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GroupInfo returns the group's cursor. Lag counts entries appended but not
// yet acknowledged: undelivered entries plus pending ones.
func (s *SQLiteStore) GroupInfo(ctx context.Context, tenant, group string) (eventlog.GroupInfo, error) {
	info := eventlog.GroupInfo{Tenant: tenant, Group: group}
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT g.last_delivered, g.created_at, COALESCE(st.last_position, 0),
			(SELECT COUNT(*) FROM pending p WHERE p.tenant = g.tenant AND p.group_name = g.name),
			(SELECT COUNT(*) FROM parked k WHERE k.tenant = g.tenant AND k.group_name = g.name)
		FROM consumer_groups g
		LEFT JOIN streams st ON st.tenant = g.tenant
		WHERE g.tenant = ? AND g.name = ?`,
		tenant, group,
	).Scan(&info.LastDelivered, &created, &info.LastPosition, &info.Pending, &info.Parked)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.GroupInfo{}, fmt.Errorf("%s on %s: %w", group, eventlog.StreamName(tenant), eventlog.ErrGroupNotFound)
	}
	if err != nil {
		return eventlog.GroupInfo{}, unavailable("reading group info", err)
	}
	info.CreatedAt = fromNanos(created)
	info.Lag = info.LastPosition - info.LastDelivered + int64(info.Pending)
	return info, nil
}

// ListStreams returns every stream name in name order.
func (s *SQLiteStore) ListStreams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM streams ORDER BY name`)
	if err != nil {
		return nil, unavailable("listing streams", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, unavailable("scanning stream", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
