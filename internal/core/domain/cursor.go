package domain

import (
	"fmt"
	"time"
)

// Cursor is the composite ordering key of a record: timestamp, then id, then sender.
// Pagination resumes strictly after a cursor.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
}

// Compare returns -1, 0 or 1 when c sorts before, equal to or after o.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Timestamp.Before(o.Timestamp):
		return -1
	case c.Timestamp.After(o.Timestamp):
		return 1
	case c.ID < o.ID:
		return -1
	case c.ID > o.ID:
		return 1
	case c.Sender < o.Sender:
		return -1
	case c.Sender > o.Sender:
		return 1
	}
	return 0
}

// After reports whether c sorts strictly after o.
func (c Cursor) After(o Cursor) bool {
	return c.Compare(o) > 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s/%d/%s", c.Timestamp.UTC().Format(time.RFC3339Nano), c.ID, c.Sender)
}
