// Package activity keeps the append-only log of member actions. Entries are
// written inside the transaction of the operation they describe, so an entry
// exists iff the operation committed.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/store"
)

const (
	table      = "activity_log"
	deliveries = "relay_deliveries"
)

// Entry is one logged action. MemberID is null for system actions.
type Entry struct {
	ID        int64         `json:"id" db:"id"`
	MemberID  uuid.NullUUID `json:"member_id" db:"member_id"`
	Action    string        `json:"action" db:"action"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Log appends and reads activity entries.
type Log struct {
	db     *store.DB
	now    clock.Clock
	tracer trace.Tracer
}

// NewLog returns a Log backed by db.
func NewLog(db *store.DB, now clock.Clock) *Log {
	return &Log{
		db:     db,
		now:    now,
		tracer: otel.Tracer("libranexus/activity"),
	}
}

// Append records action for memberID as part of tx. uuid.Nil records a
// system action.
func (l *Log) Append(ctx context.Context, tx *store.Tx, memberID uuid.UUID, action string) error {
	ctx, span := l.tracer.Start(ctx, "activity.append",
		trace.WithAttributes(attribute.String("member.id", memberID.String())),
	)
	defer span.End()

	ins := tx.Builder().Insert(table).Rows(goqu.Record{
		"member_id":  uuid.NullUUID{UUID: memberID, Valid: memberID != uuid.Nil},
		"action":     action,
		"created_at": l.now(),
	})
	if _, err := store.Exec(ctx, tx, ins); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// List returns the most recent entries for memberID, newest first.
func (l *Log) List(ctx context.Context, memberID uuid.UUID, limit int) ([]Entry, error) {
	ctx, span := l.tracer.Start(ctx, "activity.list",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	ds := l.db.Builder().From(table).
		Select("id", "member_id", "action", "created_at").
		Where(goqu.C("member_id").Eq(memberID)).
		Order(goqu.C("id").Desc()).
		Limit(uint(limit))

	entries, err := store.Retry(ctx, func() ([]Entry, error) {
		var out []Entry
		err := store.Select(ctx, l.db, &out, ds)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

// Undelivered returns up to batch entries in id order that relay has not
// recorded as delivered. Ids are assigned at insert but become visible at
// commit, so a later id can show up before an earlier one; tracking each
// delivery instead of the highest id keeps the late entry eligible.
func (l *Log) Undelivered(ctx context.Context, relay string, batch int) ([]Entry, error) {
	ctx, span := l.tracer.Start(ctx, "activity.undelivered",
		trace.WithAttributes(
			attribute.String("relay", relay),
			attribute.Int("batch.size", batch),
		),
	)
	defer span.End()

	ds := l.db.Builder().From(goqu.T(table).As("a")).
		LeftJoin(goqu.T(deliveries).As("d"), goqu.On(
			goqu.I("d.entry_id").Eq(goqu.I("a.id")),
			goqu.I("d.relay").Eq(relay),
		)).
		Select(goqu.I("a.id"), goqu.I("a.member_id"), goqu.I("a.action"), goqu.I("a.created_at")).
		Where(goqu.I("d.entry_id").IsNull()).
		Order(goqu.I("a.id").Asc()).
		Limit(uint(batch))

	var entries []Entry
	if err := store.Select(ctx, l.db, &entries, ds); err != nil {
		return nil, fmt.Errorf("load undelivered activity: %w", err)
	}
	span.SetAttributes(attribute.Int("entries.pending", len(entries)))
	return entries, nil
}

// MarkDelivered records that relay published the entries with the given ids.
// Marking an entry twice is a no-op.
func (l *Log) MarkDelivered(ctx context.Context, relay string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return l.db.WithTx(ctx, "activity.mark_delivered", func(ctx context.Context, tx *store.Tx) error {
		now := l.now()
		rows := make([]interface{}, len(ids))
		for i, id := range ids {
			rows[i] = goqu.Record{"relay": relay, "entry_id": id, "delivered_at": now}
		}
		ins := tx.Builder().Insert(deliveries).Rows(rows...).OnConflict(goqu.DoNothing())
		if _, err := store.Exec(ctx, tx, ins); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	})
}
