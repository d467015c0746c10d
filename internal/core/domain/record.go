package domain

import "time"

// Record is a single short text message from the ordered store.
type Record struct {
	ID        int64     `json:"id"         db:"id"`
	Sender    string    `json:"sender"     db:"sender_id"`
	Timestamp time.Time `json:"timestamp"  db:"date"`
	Text      string    `json:"text"       db:"text"`
}

// Cursor returns the ordering key of the record.
func (r Record) Cursor() Cursor {
	return Cursor{Timestamp: r.Timestamp, ID: r.ID, Sender: r.Sender}
}

// RecordFilter narrows a scan of the record store.
type RecordFilter struct {
	Sender string    // empty = all senders
	Since  time.Time // zero = all history
}
