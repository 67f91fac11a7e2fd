package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"peercall-platform/pkg/utils"
)

// Schema is applied on start. The table is insert-only from the service's
// point of view; nothing issues UPDATE or DELETE against it.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_events (
		id          UUID PRIMARY KEY,
		call_id     TEXT NOT NULL,
		type        TEXT NOT NULL,
		user_id     TEXT NOT NULL DEFAULT '',
		peer_id     TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS call_events_created_at_idx ON call_events (created_at)`,
	`CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id)`,
}

// PostgresRepo stores events through database/sql, normally on the pgx
// stdlib driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(ctx context.Context, db *sql.DB) (*PostgresRepo, error) {
	if err := utils.ApplySchema(ctx, db, Schema...); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_events (id, call_id, type, user_id, peer_id, role, outcome, reason, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.CallID, string(e.Type), e.UserID, e.PeerID, e.Role, e.Outcome, e.Reason, e.DurationMS, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	query, args := listQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.CallID, &typ, &e.UserID, &e.PeerID, &e.Role, &e.Outcome, &e.Reason, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func listQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.CallID != "" {
		args = append(args, f.CallID)
		where = append(where, fmt.Sprintf("call_id = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT id, call_id, type, user_id, peer_id, role, outcome, reason, duration_ms, created_at FROM call_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}
