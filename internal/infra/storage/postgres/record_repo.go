package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

// RecordRepo implements storage.RecordRepository over the messages table.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new PostgreSQL record repository.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

type recordRow struct {
	Sender    string    `db:"sender_id"`
	ID        int64     `db:"id"`
	Timestamp time.Time `db:"date"`
	Text      *string   `db:"text"`
}

func (r *recordRow) toDomain() domain.Record {
	rec := domain.Record{ID: r.ID, Sender: r.Sender, Timestamp: r.Timestamp}
	if r.Text != nil {
		rec.Text = *r.Text
	}
	return rec
}

// Page returns up to limit records strictly after the cursor, ordered by
// (date, id, sender_id). With a sender filter the sender is constant so the
// keyset only needs (date, id).
func (r *RecordRepo) Page(
	ctx context.Context,
	filter domain.RecordFilter,
	after *domain.Cursor,
	limit int,
) ([]domain.Record, error) {
	query, args := buildPageQuery(filter, after, limit)

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to page records: %w", err)
	}

	out := make([]domain.Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func buildPageQuery(filter domain.RecordFilter, after *domain.Cursor, limit int) (string, []any) {
	var (
		conds = []string{"date IS NOT NULL"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Sender != "" {
		conds = append(conds, "sender_id = "+arg(filter.Sender))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "date >= "+arg(filter.Since))
	}
	if after != nil {
		if filter.Sender != "" {
			conds = append(conds, fmt.Sprintf("(date, id) > (%s, %s)",
				arg(after.Timestamp), arg(after.ID)))
		} else {
			conds = append(conds, fmt.Sprintf(`(date, id, sender_id COLLATE "C") > (%s, %s, %s)`,
				arg(after.Timestamp), arg(after.ID), arg(after.Sender)))
		}
	}

	// Byte order on sender_id, matching domain.Cursor.Compare.
	order := `date, id, sender_id COLLATE "C"`
	if filter.Sender != "" {
		order = "date, id"
	}

	query := fmt.Sprintf(
		"SELECT sender_id, id, date, text FROM messages WHERE %s ORDER BY %s",
		strings.Join(conds, " AND "), order,
	)
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	return query, args
}

// Insert stores records, ignoring ones already present.
func (r *RecordRepo) Insert(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (sender_id, id, date, text)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sender_id, id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Sender, rec.ID, rec.Timestamp, rec.Text); err != nil {
			return fmt.Errorf("failed to insert record %s/%d: %w", rec.Sender, rec.ID, err)
		}
	}

	return tx.Commit()
}
