package storage

import (
	"context"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

// RecordRepository is the query contract of the ordered record store.
type RecordRepository interface {
	// Page returns up to limit records matching filter with a key strictly
	// greater than after (nil = from the start), in ascending key order.
	Page(
		ctx context.Context,
		filter domain.RecordFilter,
		after *domain.Cursor,
		limit int,
	) ([]domain.Record, error)
}
