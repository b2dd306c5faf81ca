package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bulwarkhq/bulwark/internal/core"
	"github.com/bulwarkhq/bulwark/internal/core/mitigation"
)

// Event is one persisted rule-table mutation.
type Event struct {
	ID        string                `json:"id" yaml:"id"`
	Kind      mitigation.ChangeKind `json:"kind" yaml:"kind"`
	Target    string                `json:"target" yaml:"target"`
	Action    core.Action           `json:"action" yaml:"action"`
	Check     core.Check            `json:"check" yaml:"check"`
	Reason    string                `json:"reason" yaml:"reason"`
	Score     float64               `json:"score" yaml:"score"`
	RateLimit *float64              `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	At        time.Time             `json:"at" yaml:"at"`
	ExpiresAt time.Time             `json:"expires_at" yaml:"expires_at"`
}

// EventFromChange converts a rule-table change into a journal event.
func EventFromChange(c mitigation.Change) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      c.Kind,
		Target:    c.Rule.Target,
		Action:    c.Rule.Action,
		Check:     c.Rule.Check,
		Reason:    c.Rule.Reason,
		Score:     c.Rule.Score,
		RateLimit: c.Rule.RateLimit,
		At:        c.At,
		ExpiresAt: c.Rule.ExpiresAt,
	}
}

type eventRow struct {
	ID         string   `db:"id"`
	Kind       string   `db:"kind"`
	Target     string   `db:"target"`
	Action     string   `db:"action"`
	Check      string   `db:"check_name"`
	Reason     string   `db:"reason"`
	Score      float64  `db:"score"`
	RateLimit  *float64 `db:"rate_limit"`
	OccurredAt int64    `db:"occurred_at"`
	ExpiresAt  int64    `db:"expires_at"`
}

func toRow(e Event) eventRow {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	var expires int64
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.UnixMilli()
	}
	return eventRow{
		ID:         id,
		Kind:       string(e.Kind),
		Target:     e.Target,
		Action:     string(e.Action),
		Check:      string(e.Check),
		Reason:     e.Reason,
		Score:      e.Score,
		RateLimit:  e.RateLimit,
		OccurredAt: e.At.UnixMilli(),
		ExpiresAt:  expires,
	}
}

func (r eventRow) event() Event {
	e := Event{
		ID:        r.ID,
		Kind:      mitigation.ChangeKind(r.Kind),
		Target:    r.Target,
		Action:    core.Action(r.Action),
		Check:     core.Check(r.Check),
		Reason:    r.Reason,
		Score:     r.Score,
		RateLimit: r.RateLimit,
		At:        time.UnixMilli(r.OccurredAt).UTC(),
	}
	if r.ExpiresAt > 0 {
		e.ExpiresAt = time.UnixMilli(r.ExpiresAt).UTC()
	}
	return e
}

const insertEvent = `
	INSERT INTO mitigation_events
		(id, kind, target, action, check_name, reason, score, rate_limit, occurred_at, expires_at)
	VALUES
		(:id, :kind, :target, :action, :check_name, :reason, :score, :rate_limit, :occurred_at, :expires_at)`

// AppendEvents writes events in a single transaction.
func (s *Store) AppendEvents(ctx context.Context, events []Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	for _, e := range events {
		if _, err := tx.NamedExecContext(ctx, insertEvent, toRow(e)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append events: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// EventQuery filters journal reads.
type EventQuery struct {
	Target string
	Kind   mitigation.ChangeKind
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (q EventQuery) Validate() error {
	if q.Limit < 0 {
		return errors.New("limit must be >= 0")
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return errors.New("until must not be before since")
	}
	return nil
}

func (q EventQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var (
		conds []string
		args  []any
	)
	if target := strings.TrimSpace(q.Target); target != "" {
		conds = append(conds, "target = ?")
		args = append(args, target)
	}
	if kind := strings.TrimSpace(string(q.Kind)); kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, kind)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "occurred_at < ?")
		args = append(args, q.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, kind, target, action, check_name, reason, score, rate_limit, occurred_at, expires_at
		FROM mitigation_events
		%s
		ORDER BY occurred_at DESC, id`, where)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []eventRow
	if err := s.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// CountEvents counts matching events. Limit is ignored.
func (s *Store) CountEvents(ctx context.Context, q EventQuery) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.x.GetContext(ctx, &count, fmt.Sprintf(`SELECT COUNT(*) FROM mitigation_events %s`, where), args...); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// PruneEvents deletes events recorded before the cutoff.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if before.IsZero() {
		return 0, errors.New("prune cutoff is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.x.ExecContext(ctx, `DELETE FROM mitigation_events WHERE occurred_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return affected, nil
}
